package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/9121343/sxudo/internal/service/ai"
	"github.com/9121343/sxudo/pkg/utils"
)

// HostManager is the part of the gateway these routes drive.
type HostManager interface {
	Configure(ctx context.Context, host string, port int) (*ai.HostInfo, error)
	Health(ctx context.Context) ai.HealthReport
}

// Handler 推理后端管理的HTTP处理器
type Handler struct {
	hosts HostManager
}

// New 创建处理器
func New(hosts HostManager) *Handler {
	return &Handler{hosts: hosts}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/configure-ollama", h.handleConfigure)
	r.Get("/health", h.handleHealth)
}

// configureRequest accepts the port as a number or a string.
type configureRequest struct {
	Host string          `json:"host"`
	Port json.RawMessage `json:"port"`
}

type configureResponse struct {
	Success bool     `json:"success"`
	Message string   `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
	Host    string   `json:"host,omitempty"`
	Version string   `json:"version,omitempty"`
	Models  []string `json:"models,omitempty"`
}

func (h *Handler) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var payload configureRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&payload); err != nil {
		utils.RespondJSON(w, http.StatusBadRequest, configureResponse{Error: "invalid request body"})
		return
	}

	port, err := parsePort(payload.Port)
	if err != nil {
		utils.RespondJSON(w, http.StatusBadRequest, configureResponse{Error: err.Error()})
		return
	}

	info, err := h.hosts.Configure(r.Context(), payload.Host, port)
	if err != nil {
		status := http.StatusOK
		if errors.Is(err, ai.ErrInvalidHost) {
			status = http.StatusBadRequest
		}
		log.Warn().Err(err).Str("host", payload.Host).Int("port", port).Msg("configure ollama failed")
		utils.RespondJSON(w, status, configureResponse{Success: false, Error: err.Error()})
		return
	}

	utils.RespondJSON(w, http.StatusOK, configureResponse{
		Success: true,
		Message: "Connected to Ollama at " + info.Host,
		Host:    info.Host,
		Version: info.Version,
		Models:  info.Models,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.hosts.Health(r.Context()))
}

func parsePort(raw json.RawMessage) (int, error) {
	value := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if value == "" || value == "null" {
		return 0, nil
	}
	port, err := strconv.Atoi(value)
	if err != nil || port < 0 || port > 65535 {
		return 0, errors.New("port must be a number between 1 and 65535")
	}
	return port, nil
}
