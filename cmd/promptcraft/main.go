// Package main is the entry point for the promptcraft service. It loads
// configuration, builds the credential pool and provider adapters, assembles
// the middleware stack, starts the HTTP server, and handles graceful shutdown
// on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"

	"github.com/dskow/promptcraft/internal/admin"
	"github.com/dskow/promptcraft/internal/apierror"
	"github.com/dskow/promptcraft/internal/auth"
	"github.com/dskow/promptcraft/internal/config"
	"github.com/dskow/promptcraft/internal/health"
	"github.com/dskow/promptcraft/internal/keypool"
	"github.com/dskow/promptcraft/internal/logging"
	"github.com/dskow/promptcraft/internal/metrics"
	"github.com/dskow/promptcraft/internal/middleware"
	"github.com/dskow/promptcraft/internal/provider/gemini"
	"github.com/dskow/promptcraft/internal/ratelimit"
	"github.com/dskow/promptcraft/internal/retry"
	"github.com/dskow/promptcraft/internal/studio"
	"github.com/dskow/promptcraft/internal/telemetry"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	configPath := flag.String("config", "configs/promptcraft.yaml", "path to configuration file")
	flag.Parse()

	config.LoadDotEnv()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	logger := log.Logger

	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	// The service refuses to start without credentials.
	pool, err := keypool.New(cfg.Keys.Credentials(), keypool.WithLogger(logger))
	if err != nil {
		logger.Error("failed to build credential pool", "env_var", cfg.Keys.EnvVar, "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"version", version,
		"port", cfg.Server.Port,
		"credentials", pool.Len(),
		"auth_enabled", cfg.Auth.Enabled,
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
		"telemetry_enabled", cfg.Telemetry.Endpoint != "",
		"image_model", cfg.Provider.ImageModel,
		"vision_model", cfg.Provider.VisionModel,
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	shutdownTelemetry, err := telemetry.Init(context.Background(), cfg.Telemetry, version)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}

	var sweeper *keypool.Sweeper
	if schedule := cfg.Keys.Sweep(); schedule != "" {
		sweeper, err = keypool.NewSweeper(pool, schedule, logger)
		if err != nil {
			logger.Error("failed to schedule credential sweep", "error", err)
			os.Exit(1)
		}
		sweeper.Start()
	}

	orch := retry.New(pool, keypool.NewSelector(pool),
		retry.Config{
			MaxRetries:           cfg.Keys.MaxRetries,
			RateLimitBlock:       cfg.Keys.RateLimitBlock,
			ErrorBlock:           cfg.Keys.ErrorBlock,
			MaxErrorsBeforeBlock: cfg.Keys.MaxErrorsBeforeBlock,
			BackoffBase:          cfg.Keys.BackoffBase,
			BackoffMax:           cfg.Keys.BackoffMax,
		},
		retry.WithLogger(logger),
	)

	client := gemini.New(gemini.Config{
		ImageModel:  cfg.Provider.ImageModel,
		VisionModel: cfg.Provider.VisionModel,
		BaseURL:     cfg.Provider.BaseURL,
		Timeout:     cfg.Provider.Timeout,
	})

	limiter := ratelimit.New(cfg.RateLimit, cfg.Server.TrustedProxies, logger)
	defer limiter.Stop()

	reporter := keypool.NewReporter(pool)

	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.OnReload(func(newCfg *config.Config) {
		limiter.UpdateConfig(newCfg.RateLimit)
		if err := logging.SetLevel(log.Level, newCfg.Logging.Level); err != nil {
			logger.Warn("log level not applied", "error", err)
		}
	})
	reloader.Start()
	defer reloader.Stop()

	corsCfg := middleware.DefaultCORSConfig()
	if len(cfg.CORS.AllowedOrigins) > 0 {
		corsCfg.AllowedOrigins = cfg.CORS.AllowedOrigins
	}

	// Middleware order:
	// Recovery → RequestID → SecurityHeaders → Tracing → Metrics → Logging → CORS
	// and under /api additionally RateLimit → Auth → BodyLimit → Deadline.
	r := chi.NewRouter()
	r.Use(
		middleware.Recovery(logger),
		middleware.RequestID,
		middleware.SecurityHeaders(),
		telemetry.Middleware(),
		middleware.Metrics(),
		middleware.Logging(logger, middleware.PathLevels(cfg.Logging.PathLevels), &middleware.LoggingConfig{
			BodyLogging:     cfg.Logging.BodyLogging,
			MaxBodyLogBytes: cfg.Logging.MaxBodyLogBytes,
			TrustedProxies:  ratelimit.ParseTrusted(cfg.Server.TrustedProxies, logger),
		}),
		middleware.CORS(corsCfg),
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apierror.WriteJSON(w, r, http.StatusNotFound, apierror.NotFound, "no matching route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apierror.WriteJSON(w, r, http.StatusMethodNotAllowed, apierror.MethodNotAllowed, "method not allowed")
	})

	health.New(reporter, logger).RegisterRoutes(r)

	if cfg.Metrics.IsEnabled() {
		r.Handle(cfg.Metrics.Path, metrics.Handler())
		logger.Info("metrics endpoint registered", "path", cfg.Metrics.Path)
	}

	if cfg.Admin.Enabled {
		admin.New(reloader, reporter, limiter, cfg.Admin.IPAllowlist, logger).RegisterRoutes(r)
		logger.Info("admin endpoints registered", "allowlist", cfg.Admin.IPAllowlist)
	}

	r.With(
		limiter.Middleware(),
		auth.Middleware(cfg.Auth, logger),
		middleware.BodyLimit(cfg.Server.MaxBodyBytes),
		middleware.Deadline(cfg.Server.GlobalTimeout()),
	).Mount("/api", studio.New(client, client, orch, logger).Routes())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("starting promptcraft", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
	}

	if sweeper != nil {
		sweeper.Stop()
	}
	if err := shutdownTelemetry(ctx); err != nil {
		logger.Warn("telemetry flush failed", "error", err)
	}

	logger.Info("promptcraft stopped gracefully")
}
