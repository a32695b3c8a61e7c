// SpeakPair - Peer Conversation Practice Server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/speakpair/speakpair-server/internal/analysis"
	"github.com/speakpair/speakpair-server/internal/api"
	"github.com/speakpair/speakpair-server/internal/checkpoint"
	"github.com/speakpair/speakpair-server/internal/config"
	"github.com/speakpair/speakpair-server/internal/gamification"
	"github.com/speakpair/speakpair-server/internal/identity"
	"github.com/speakpair/speakpair-server/internal/matchmaking"
	"github.com/speakpair/speakpair-server/internal/middleware"
	"github.com/speakpair/speakpair-server/internal/queue"
	"github.com/speakpair/speakpair-server/internal/scoring"
	"github.com/speakpair/speakpair-server/internal/session"
	"github.com/speakpair/speakpair-server/internal/store"
	"github.com/speakpair/speakpair-server/internal/tasks"
	"github.com/speakpair/speakpair-server/internal/transport"
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
	slog.Info("Database connected")

	// Analysis job queue: Redis when configured, in-process otherwise.
	var jobs queue.Queue
	if cfg.RedisAddr != "" {
		jobs, err = queue.NewRedis(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			slog.Error("Failed to connect to Redis", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		slog.Info("Redis analysis queue connected", "addr", cfg.RedisAddr)
	} else {
		jobs = queue.NewMemory(1024)
		slog.Info("Using in-process analysis queue")
	}
	defer func() {
		if closeErr := jobs.Close(); closeErr != nil {
			slog.Error("Failed to close analysis queue", "error", closeErr)
		}
	}()

	// Live delivery and the session state machine.
	hub := transport.NewHub()
	scheduler := checkpoint.NewScheduler(hub)
	machine := session.NewMachine(repo, jobs, checkpoint.Default(), scheduler)

	// Matchmaking pool; the machine creates sessions for matched pairs.
	pool := matchmaking.NewPool(machine, cfg.Matchmaking.WaitCeiling)

	// Scoring collaborator: real API when configured, rule-based otherwise.
	var scorer scoring.Scorer
	if cfg.Scoring.APIKey != "" {
		scorer, err = scoring.NewClient(scoring.ClientConfig{
			APIKey:  cfg.Scoring.APIKey,
			BaseURL: cfg.Scoring.BaseURL,
			Model:   cfg.Scoring.Model,
			Timeout: cfg.Scoring.Timeout,
		})
		if err != nil {
			slog.Error("Failed to initialize scoring client", "error", err)
			os.Exit(1)
		}
		slog.Info("Scoring client initialized", "model", cfg.Scoring.Model)
	} else {
		scorer = scoring.NewRuleBased()
		slog.Info("Scoring API key not set, using rule-based scorer")
	}

	ledger := gamification.NewLedger(repo, func(userID, kind string, level int) {
		slog.Info("badge earned", "user_id", userID, "kind", kind, "level", level)
	})
	generator := tasks.NewGenerator(repo, cfg.Analysis.TaskDueAfter)
	pipeline := analysis.NewPipeline(repo, machine, jobs, scorer, ledger, generator, cfg.Analysis)

	// Initialize handlers.
	verifier := identity.NewVerifier(cfg.JWTSecret, cfg.IsDevelopment())
	baseHandler := api.NewHandler(repo, pool, machine, ledger)
	healthHandler := api.NewHealthHandler(repo)
	wsHandler := transport.NewWebSocketHandler(repo, hub, machine.Events(), scheduler, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(verifier.Middleware)
		baseHandler.RegisterRoutes(r)
		r.Get("/ws/session/{sessionID}", wsHandler.ServeHTTP)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // WebSocket connections stay open for the whole session.
		IdleTimeout:  120 * time.Second,
	}

	// Start background workers.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go machine.Run(ctx)
	machine.StartMonitor(ctx, cfg.Session)
	pool.StartSweeper(ctx, cfg.Matchmaking.SweepInterval)
	go pipeline.Run(ctx)
	slog.Info("Background workers started",
		"analysis_workers", cfg.Analysis.Workers,
		"monitor_interval", cfg.Session.MonitorInterval,
		"sweep_interval", cfg.Matchmaking.SweepInterval)

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
