// Eventcast - event publishing orchestration server
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

	"github.com/ashureev/eventcast/internal/api"
	"github.com/ashureev/eventcast/internal/automation"
	"github.com/ashureev/eventcast/internal/config"
	"github.com/ashureev/eventcast/internal/health"
	"github.com/ashureev/eventcast/internal/identity"
	"github.com/ashureev/eventcast/internal/media"
	"github.com/ashureev/eventcast/internal/middleware"
	"github.com/ashureev/eventcast/internal/notify"
	"github.com/ashureev/eventcast/internal/orchestrator"
	"github.com/ashureev/eventcast/internal/platforms"
	"github.com/ashureev/eventcast/internal/progress"
	"github.com/ashureev/eventcast/internal/registry"
	"github.com/ashureev/eventcast/internal/session"
	"github.com/ashureev/eventcast/internal/store"
	"github.com/ashureev/eventcast/internal/strategy"
	"github.com/ashureev/eventcast/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

const (
	browserSweepInterval = 5 * time.Minute
	healthCheckInterval  = 30 * time.Second
	sessionEvictAfter    = 10 * time.Minute
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

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "mode", cfg.Strategy.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

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

	if err := repo.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	policy, err := identity.ParsePolicy(cfg.AccessPolicy)
	if err != nil {
		slog.Error("Invalid access policy", "error", err)
		os.Exit(1)
	}
	if policy.Len() == 0 && !cfg.IsDevelopment() {
		slog.Warn("ACCESS_POLICY is empty, every request will be rejected")
	}

	checks := map[string]health.Pinger{"database": repo}

	// File references: local paths and http(s) always, s3:// when configured.
	mediaOpts := media.Options{HTTPClient: &http.Client{Timeout: 60 * time.Second}}
	if cfg.S3.Region != "" || cfg.S3.Endpoint != "" {
		s3Client, err := media.NewS3Client(ctx, cfg.S3)
		if err != nil {
			slog.Error("Failed to initialize S3 client", "error", err)
			os.Exit(1)
		}
		mediaOpts.S3 = s3Client
		slog.Info("S3 file references enabled", "region", cfg.S3.Region, "endpoint", cfg.S3.Endpoint)
	}
	files := media.New(mediaOpts)

	// Browser automation is optional; without an engine the automation
	// strategies report themselves unavailable.
	var engine automation.Engine
	switch {
	case cfg.Browser.Endpoint != "":
		engine = &automation.StaticEngine{Endpoint: cfg.Browser.Endpoint}
		slog.Info("Using external browser", "endpoint", cfg.Browser.Endpoint)
	case cfg.Strategy.Mode != config.ModeAPIOnly:
		dockerEngine, err := automation.NewDockerEngine(cfg.Browser, logger)
		if err != nil {
			slog.Warn("Browser automation disabled", "error", err)
			break
		}
		if err := dockerEngine.Ping(ctx); err != nil {
			slog.Warn("Browser automation disabled, Docker unreachable", "error", err)
			break
		}
		engine = dockerEngine
		checks["docker"] = dockerEngine
		automation.StartJanitor(ctx, dockerEngine, browserSweepInterval, cfg.Browser.LaunchTimeout+cfg.Browser.ScriptTimeout, logger)
		slog.Info("Browser container engine initialized", "image", cfg.Browser.Image)
	}

	deps := platforms.Deps{
		Files:  files,
		Engine: engine,
		Runner: automation.NewFunctionClient(cfg.Browser.Token, cfg.Browser.ScriptTimeout),
		HTTP:   &http.Client{Timeout: 30 * time.Second},
		Logger: logger,
	}
	reg := registry.New(platforms.Factories(cfg, deps), registry.Options{
		ManifestDir: cfg.Discovery.ManifestDir,
		Strict:      cfg.Discovery.Strict,
		Logger:      logger,
		Templates:   platforms.Templates(deps),
	})
	if err := reg.Discover(ctx); err != nil {
		slog.Error("Adapter discovery failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Adapters registered", "count", reg.Len())

	var notifier orchestrator.Notifier = notify.Noop{}
	if cfg.Redis.URL != "" {
		redisNotifier, err := notify.NewRedis(notify.Config{URL: cfg.Redis.URL, Channel: cfg.Redis.Channel})
		if err != nil {
			slog.Error("Failed to initialize Redis notifier", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := redisNotifier.Close(); closeErr != nil {
				slog.Warn("Failed to close Redis notifier", "error", closeErr)
			}
		}()
		notifier = redisNotifier
		checks["redis"] = redisNotifier
		slog.Info("Session notifications enabled", "channel", cfg.Redis.Channel)
	}

	// Initialize services.
	bus := progress.NewBus(progress.Options{
		IdleTTL:    cfg.Progress.IdleTTL,
		ReplaySize: cfg.Progress.ReplaySize,
		Logger:     logger,
	})
	bus.StartReaper(ctx, cfg.Progress.SweepInterval)

	tracker := session.NewTracker(repo, session.Options{EvictAfter: sessionEvictAfter, Logger: logger})
	selector := strategy.New(reg, strategy.ConfigFrom(cfg.Strategy), logger)

	// Background publishing outlives requests but not the process.
	orch := orchestrator.New(ctx, orchestrator.Deps{
		Events:   repo,
		History:  repo,
		Modules:  reg,
		Tracker:  tracker,
		Poster:   selector,
		Bus:      bus,
		Notifier: notifier,
		Logger:   logger,
	}, orchestrator.Options{
		PublishTimeout: cfg.PublishTimeout,
		Retention:      cfg.SessionRetention,
		MaxFileSize:    cfg.MaxFileSize,
	})

	checker := health.NewChecker(checks, logger)
	checker.Start(ctx, healthCheckInterval)
	if cfg.GRPCPort != "" {
		go func() {
			addr := net.JoinHostPort("", cfg.GRPCPort)
			slog.Info("gRPC health listening", "addr", addr)
			if err := health.Serve(ctx, addr, checker); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	// Initialize handlers.
	handler := api.NewHandler(api.Deps{
		Orchestrator:  orch,
		Registry:      reg,
		Events:        repo,
		Bus:           bus,
		Health:        checker,
		SSE:           cfg.SSE,
		AllowedOrigin: cfg.FrontendURL,
		Logger:        logger,
	})

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{"*"}))

	// Public routes.
	handler.RegisterHealth(r)

	// Everything else requires an API key.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(policy, cfg.IsDevelopment()))
		handler.RegisterRoutes(r)
	})

	// Serve embedded status page (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Create server.
	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}

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
	}

	// In-flight publishes observe the cancelled context and record their
	// failures before we close the database.
	orch.Wait()
	slog.Info("Server stopped successfully")
}
