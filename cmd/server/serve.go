package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/trax-tutor/internal/agent"
	"github.com/ashureev/trax-tutor/internal/api"
	"github.com/ashureev/trax-tutor/internal/config"
	"github.com/ashureev/trax-tutor/internal/health"
	"github.com/ashureev/trax-tutor/internal/identity"
	"github.com/ashureev/trax-tutor/internal/llm"
	"github.com/ashureev/trax-tutor/internal/middleware"
	"github.com/ashureev/trax-tutor/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// app holds the dependencies shared by the serve and ask commands.
type app struct {
	cfg     *config.Config
	repo    store.Repository
	service *agent.Service
	convLog agent.ConversationLogger
}

func newApp(ctx context.Context, logger *slog.Logger) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	if err := repo.Ping(ctx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	provider, err := llm.New(ctx, cfg.LLM)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("initialize llm provider: %w", err)
	}
	slog.Info("Completion provider ready", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)

	convLog, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("initialize conversation logger: %w", err)
	}

	return &app{
		cfg:     cfg,
		repo:    repo,
		service: agent.NewService(repo, provider, cfg, convLog),
		convLog: convLog,
	}, nil
}

// close drains title jobs before the store goes away.
func (a *app) close() {
	a.service.Close()
	if err := a.convLog.Close(); err != nil {
		slog.Error("Failed to close conversation logger", "error", err)
	}
	if err := a.repo.Close(); err != nil {
		slog.Error("Failed to close repository", "error", err)
	}
}

func runServe(parent context.Context, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, logger)
	if err != nil {
		slog.Error("Startup failed", "error", err)
		return err
	}
	defer a.close()
	cfg := a.cfg

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "identity", cfg.IdentityMode)

	// Initialize handlers.
	chatHandler := agent.NewHandler(a.service, cfg)
	defer chatHandler.Close()
	chatHandler.SetWebSocket(agent.NewWebSocketHandler(chatHandler, cfg.FrontendURL, cfg.IsDevelopment()))
	userHandler := api.NewHandler(a.repo, a.service.Sessions())
	healthHandler := api.NewHealthHandler(a.repo)

	var corsHeaders []string
	if cfg.IdentityMode == config.IdentityHeader {
		corsHeaders = append(corsHeaders, cfg.IdentityHeader)
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins(), corsHeaders...))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.Handler())

	// Owner-scoped routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(a.repo, cfg))
		chatHandler.RegisterRoutes(r)
		userHandler.RegisterRoutes(r)
	})

	// WriteTimeout stays 0 for WebSocket connections.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	var grpcHealth *health.Server
	if cfg.GRPCPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return fmt.Errorf("listen grpc: %w", err)
		}
		grpcHealth = health.NewServer(a.repo, 15*time.Second)
		go func() {
			if err := grpcHealth.Serve(ctx, lis); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for shutdown signal.
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		slog.Error("Server failed", "error", err)
		return err
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcHealth != nil {
		grpcHealth.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return err
	}

	slog.Info("Server stopped successfully")
	return nil
}
