// deskpilot - computer-use agent session server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/ashureev/deskpilot/internal/agent"
	"github.com/ashureev/deskpilot/internal/api"
	"github.com/ashureev/deskpilot/internal/config"
	"github.com/ashureev/deskpilot/internal/container"
	"github.com/ashureev/deskpilot/internal/desktop"
	"github.com/ashureev/deskpilot/internal/eventbus"
	"github.com/ashureev/deskpilot/internal/middleware"
	"github.com/ashureev/deskpilot/internal/session"
	"github.com/ashureev/deskpilot/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
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

	if cfg.Agent.Address == "" {
		slog.Error("AGENT_ADDR must point at the reasoning service")
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

	mgr, err := container.NewDockerManager()
	if err != nil {
		slog.Error("Failed to initialize container manager", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := mgr.Close(); closeErr != nil {
			slog.Warn("Failed to close docker client", "error", closeErr)
		}
	}()
	slog.Info("Container manager initialized")

	profile := cfg.Profile.Desktop
	provisioner := container.NewProvisioner(repo, mgr, container.DesktopSpec{
		Name:    cfg.Desktop.Name,
		Image:   cfg.Desktop.Image,
		VNCPort: profile.VNCPort,
		APIPort: profile.APIPort,
		Env: map[string]string{
			"DISPLAY":       profile.Display,
			"SCREEN_WIDTH":  strconv.Itoa(profile.WidthPx),
			"SCREEN_HEIGHT": strconv.Itoa(profile.HeightPx),
		},
	}, logger)

	if cfg.Desktop.AutoStart {
		startCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if _, err := provisioner.Start(startCtx); err != nil {
			slog.Warn("Desktop autostart failed, start it through POST /api/desktop/start", "error", err)
		}
		cancel()
	}

	grpcClient, err := agent.NewGrpcClient(agent.GrpcClientConfig{
		Address:        cfg.Agent.Address,
		ConnectTimeout: cfg.Agent.ConnectTimeout,
		RequestTimeout: cfg.Agent.RequestTimeout,
	}, logger)
	if err != nil {
		slog.Error("Failed to connect to reasoning service", "error", err)
		os.Exit(1)
	}
	defer grpcClient.Close()

	executor := desktop.WithActivity(desktop.NewXdotoolExecutor(provisioner, desktop.XdotoolConfig{
		Display:      profile.Display,
		ScrollClicks: profile.ScrollClicks,
		Browser:      profile.Browser,
	}, logger), provisioner, logger)

	bus := eventbus.New(eventbus.Config{
		BufferSize:        cfg.Stream.BufferSize,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
	}, logger)

	suffix := ""
	if cfg.Profile.InstructionSuffix != "" {
		suffix = "\n\n" + cfg.Profile.InstructionSuffix
	}
	controller := session.NewController(grpcClient, executor, bus, session.Config{
		MaxSteps:          cfg.Session.MaxSteps,
		IdleTTL:           cfg.Session.IdleTTL,
		DrainTimeout:      cfg.Session.DrainTimeout,
		InstructionSuffix: suffix,
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration)
	limiter.StartEviction(ctx)

	sessionHandler := api.NewSessionHandler(controller, limiter, api.SessionConfig{
		MaxBodySize:    cfg.MaxRequestBodySize,
		RetryDelay:     cfg.Stream.RetryDelay,
		AllowedOrigins: cfg.AllowedOrigins(),
	}, logger)
	desktopHandler := api.NewDesktopHandler(provisioner, repo, grpcClient, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	sessionHandler.RegisterRoutes(r)
	desktopHandler.RegisterRoutes(r)

	// SSE and websocket streams are long-lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	container.StartTTLWorker(ctx, repo, mgr, cfg.Desktop.TTL, time.Minute, func(name string) {
		slog.Info("Desktop stopped after inactivity", "desktop", name, "live_sessions", controller.Len())
	})
	controller.StartJanitor(ctx)

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

	// Cancelling sessions publishes Complete, which ends open streams before
	// the HTTP server waits on them.
	if err := controller.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Sessions did not finish before shutdown deadline", "error", err)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
