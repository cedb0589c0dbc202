// Repository analysis agent server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/repo-agent/internal/agent"
	"github.com/ashureev/repo-agent/internal/api"
	"github.com/ashureev/repo-agent/internal/config"
	"github.com/ashureev/repo-agent/internal/domain"
	"github.com/ashureev/repo-agent/internal/github"
	"github.com/ashureev/repo-agent/internal/identity"
	"github.com/ashureev/repo-agent/internal/llm"
	"github.com/ashureev/repo-agent/internal/metrics"
	"github.com/ashureev/repo-agent/internal/middleware"
	"github.com/ashureev/repo-agent/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	hub := agent.NewHub(cfg.SSE.QueueSize, logger)

	agentHandler, service := newAgent(cfg, repo, hub, logger)
	if agentHandler != nil {
		defer agentHandler.Close()
		defer service.Close()
	}

	healthHandler := api.NewHealthHandler(repo, cfg.Timeout.HealthCheck, agentHandler != nil)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Agent routes (only if a model is configured).
	if agentHandler != nil {
		r.Group(func(r chi.Router) {
			r.Use(identity.Middleware(cfg.IsDevelopment()))
			agentHandler.RegisterRoutes(r)
		})
	}

	// Streams end when the server shuts down.
	baseCtx, cancelStreams := context.WithCancel(context.Background())
	defer cancelStreams()

	// Note: SSE connections require long timeouts (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}
	srv.RegisterOnShutdown(cancelStreams)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store.StartCleanupWorker(ctx, repo, cfg.CheckpointTTL, store.DefaultCleanupInterval, hub.Prune)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}

// newAgent wires the planner, executor and workflow. It returns nil when no
// model is configured or the model client cannot be built.
func newAgent(cfg *config.Config, repo store.Repository, hub *agent.Hub, logger *slog.Logger) (*agent.Handler, *agent.Service) {
	if !cfg.AgentEnabled() {
		slog.Info("Agent features disabled (LLM_API_KEY not set)")
		return nil, nil
	}

	model, err := llm.New(llm.Config{
		Provider:    cfg.LLM.Provider,
		APIKey:      cfg.LLM.APIKey,
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
	})
	if err != nil {
		slog.Warn("Failed to initialize model client, agent features will be disabled", "error", err)
		return nil, nil
	}

	planner, err := agent.NewPlanner(model, logger)
	if err != nil {
		slog.Error("Failed to initialize planner", "error", err)
		os.Exit(1)
	}

	checkpoints := agent.NewStoreCheckpointer(repo)
	workflow := agent.NewWorkflow(planner, agent.NewExecutor(logger), checkpoints, cfg.Agent.MaxIterations, logger)

	httpClient := &http.Client{Timeout: cfg.GitHub.Timeout}
	service := agent.NewService(agent.ServiceConfig{
		Workflow:    workflow,
		Checkpoints: checkpoints,
		Runs:        repo,
		Hub:         hub,
		RunTimeout:  cfg.Agent.RunTimeout,
		Logger:      logger,
		NewClient: func(gh domain.GitHubContext) (agent.RepositoryClient, error) {
			client, err := github.NewFromContext(gh,
				github.WithBaseURL(cfg.GitHub.APIURL),
				github.WithHTTPClient(httpClient),
				github.WithLogger(logger),
			)
			if err != nil {
				return nil, err
			}
			return client, nil
		},
	})

	slog.Info("Agent enabled",
		"provider", cfg.LLM.Provider,
		"model", model.ModelName(),
		"max_iterations", cfg.Agent.MaxIterations,
	)
	return agent.NewHandler(service, hub, cfg, logger), service
}
