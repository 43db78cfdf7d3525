package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/9121343/sxudo/internal/handler/chat"
	"github.com/9121343/sxudo/internal/handler/ollama"
	"github.com/9121343/sxudo/internal/handler/ws"
	"github.com/9121343/sxudo/internal/metrics"
	middlewarePkg "github.com/9121343/sxudo/internal/middleware"
	chatService "github.com/9121343/sxudo/internal/service/chat"
	"github.com/9121343/sxudo/pkg/utils"
)

// Deps 路由依赖的服务
type Deps struct {
	Chat        *chatService.Service
	Hosts       ollama.HostManager
	Metrics     *metrics.Metrics
	RateLimiter *middlewarePkg.RateLimiter
}

// NewRouter wires HTTP routes to core services.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middlewarePkg.RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	chatHandler := chat.New(deps.Chat)
	ollamaHandler := ollama.New(deps.Hosts)
	wsHandler := ws.New(deps.Chat)

	r.Route("/api", func(api chi.Router) {
		// 对话接口需要限流，管理与健康检查接口不限
		api.Group(func(limited chi.Router) {
			limited.Use(deps.RateLimiter.Handler)
			chatHandler.RegisterRoutes(limited)
			wsHandler.RegisterRoutes(limited)
		})

		ollamaHandler.RegisterRoutes(api)
	})

	r.Handle("/metrics", deps.Metrics.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.RespondError(w, http.StatusNotFound, "route not found")
	})

	return r
}
