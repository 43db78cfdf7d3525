package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/9121343/sxudo/internal/config"
	"github.com/9121343/sxudo/internal/handler"
	"github.com/9121343/sxudo/internal/logger"
	"github.com/9121343/sxudo/internal/metrics"
	"github.com/9121343/sxudo/internal/middleware"
	"github.com/9121343/sxudo/internal/service/ai"
	"github.com/9121343/sxudo/internal/service/chat"
	"github.com/9121343/sxudo/internal/service/demo"
	"github.com/9121343/sxudo/internal/service/memory"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logs, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize logger")
	}
	defer logs.Close()

	if envErr != nil {
		log.Debug().Err(envErr).Msg("no .env file loaded, continuing with system environment variables only")
	}

	m := metrics.New()

	store := memory.New(cfg.Memory.File,
		memory.WithMaxHistory(cfg.Memory.MaxHistory),
		memory.WithMetrics(m),
	)
	if report, err := store.Repair(); err != nil {
		log.Warn().Err(err).Str("path", store.Path()).Msg("memory file check failed")
	} else if report.Repaired {
		log.Info().Str("backup", report.BackupPath).Strs("reasons", report.Reasons).Msg("memory file repaired at startup")
	}
	log.Info().
		Str("path", store.Path()).
		Int("users", len(store.Users())).
		Int("max_history", store.MaxHistory()).
		Msg("memory store ready")

	opts := []ai.Option{ai.WithMetrics(m)}
	if cfg.AI.Enabled() {
		remote, err := cfg.AI.NewChatModel(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize Ark model, continuing with local candidates only")
		} else {
			opts = append(opts, ai.WithRemote(cfg.AI.Model, remote))
			log.Info().Str("model", cfg.AI.Model).Msg("Ark remote candidate enabled")
		}
	} else {
		log.Info().Msg("Ark credentials not configured, remote candidate disabled")
	}

	connector := ai.NewOllamaConnector(cfg.Ollama.Timeout, cfg.Ollama.Temperature)
	gateway := ai.NewGateway(cfg.Ollama, connector, opts...)

	chatSvc := chat.NewService(store, gateway, demo.NewResponder(),
		chat.WithMetrics(m),
		chat.WithMaxImageBytes(cfg.Memory.MaxImageBytes),
	)

	router := handler.NewRouter(handler.Deps{
		Chat:        chatSvc,
		Hosts:       gateway,
		Metrics:     m,
		RateLimiter: middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
	})

	log.Info().
		Str("ollama_host", gateway.ActiveHost()).
		Str("named_model", cfg.Ollama.NamedModel).
		Str("default_model", cfg.Ollama.DefaultModel).
		Msg("SXUDO services initialized")

	startServer(ctx, cfg.Server, router)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("SXUDO backend listening")
	if err := runServer(ctx, srv); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
