// Package main is the entrypoint for the shortlinker server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/shortlinker/shortlinker/internal/cache"
	"github.com/shortlinker/shortlinker/internal/clicks"
	"github.com/shortlinker/shortlinker/internal/config"
	"github.com/shortlinker/shortlinker/internal/handler"
	"github.com/shortlinker/shortlinker/internal/ipc"
	"github.com/shortlinker/shortlinker/internal/metrics"
	"github.com/shortlinker/shortlinker/internal/middleware"
	"github.com/shortlinker/shortlinker/internal/ratelimit"
	"github.com/shortlinker/shortlinker/internal/reload"
	"github.com/shortlinker/shortlinker/internal/runtimecfg"
	"github.com/shortlinker/shortlinker/internal/server"
	"github.com/shortlinker/shortlinker/internal/service"
	"github.com/shortlinker/shortlinker/internal/storage"
	"github.com/shortlinker/shortlinker/internal/storage/filestore"
	"github.com/shortlinker/shortlinker/internal/storage/postgres"
	"github.com/shortlinker/shortlinker/internal/storage/sqlite"
	"github.com/shortlinker/shortlinker/internal/version"
)

func main() {
	if err := run(); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Initialize logger
	logger := initLogger(cfg)
	logger.Info("shortlinker starting",
		"version", version.Version,
		"env", cfg.AppEnv,
		"backend", cfg.StorageBackend,
	)

	metricsRecorder := metrics.NewNoop()

	// Initialize storage
	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open storage",
			slog.String("backend", cfg.StorageBackend),
			slog.String("error", sanitizeError(err, cfg.DatabaseURL)),
			slog.String("database_url", redactURL(cfg.DatabaseURL)),
		)
		return errors.New("storage unavailable")
	}
	logger.Info("storage ready", "backend", cfg.StorageBackend)

	// Runtime configuration projection. A missing or empty table is not
	// fatal: every accessor carries a default at its call site.
	runtime := runtimecfg.New(store, logger)
	if err := runtime.Load(ctx); err != nil {
		logger.Warn("runtime config load failed, starting with defaults", "error", err)
	}

	// Initialize the composite lookup cache
	linkCache, err := cache.New(cache.Options{
		NegativeCapacity: runtime.GetInt(runtimecfg.KeyNegativeCacheSize, 0),
		BloomFPRate:      runtime.GetFloat64(runtimecfg.KeyBloomFPRate, 0),
		Runtime:          runtime,
		Metrics:          metricsRecorder,
		Logger:           logger,
	})
	if err != nil {
		store.Close()
		return fmt.Errorf("build cache: %w", err)
	}

	// Initialize services
	linkService := service.NewLinkService(store, linkCache, logger, metricsRecorder)
	clickManager := clicks.NewManager(store, runtime, logger, metricsRecorder)
	reloader := reload.NewCoordinator(store, linkCache, runtime, logger, metricsRecorder)

	// Prime the cache with the full catalog before taking traffic.
	if _, err := reloader.Reload(ctx, reload.TargetData); err != nil {
		store.Close()
		return fmt.Errorf("initial catalog load: %w", err)
	}

	// Single-instance check before claiming the control endpoint.
	endpoint := controlEndpoint(cfg, runtime)
	if err := ipc.EnsureSingleInstance(ctx, endpoint, logger); err != nil {
		store.Close()
		return err
	}
	if err := ipc.WritePIDFile(cfg.PIDFilePath); err != nil {
		logger.Warn("failed to write pid file", "path", cfg.PIDFilePath, "error", err)
	}
	defer func() {
		if err := ipc.RemovePIDFile(cfg.PIDFilePath); err != nil {
			logger.Warn("failed to remove pid file", "path", cfg.PIDFilePath, "error", err)
		}
	}()

	// Optional Redis-backed rate limiter for the redirect path
	var limiter *ratelimit.Limiter
	if cfg.RedisURL != "" {
		limiter, err = ratelimit.New(ctx, cfg.RedisURL)
		if err != nil {
			logger.Error("failed to connect to Redis",
				slog.String("error", sanitizeError(err, cfg.RedisURL)),
				slog.String("redis_url", redactURL(cfg.RedisURL)),
			)
			store.Close()
			return errors.New("redis unavailable")
		}
		defer limiter.Close()
		logger.Info("connected to Redis")
	}

	// Initialize handlers and router
	redirectHandler := handler.NewRedirectHandler(linkService, clickManager, runtime, logger)
	var redisCheck handler.HealthChecker
	if limiter != nil {
		redisCheck = limiter
	}
	healthHandler := handler.NewHealthHandler(store, redisCheck)
	router := setupRouter(redirectHandler, healthHandler, limiter, cfg, logger)

	// Create the server first so the control channel can ask it to stop.
	srv := server.New(
		router,
		cfg.AppPort,
		cfg.ReadTimeout,
		cfg.WriteTimeout,
		cfg.ShutdownTimeout,
		logger,
	)
	srv.OnReloadSignal(func() {
		if _, err := reloader.Reload(context.Background(), reload.TargetData); err != nil {
			logger.Error("signal-triggered reload failed", "error", err)
		}
	})

	// Control channel
	ipcServer := ipc.NewServer(ipc.Deps{
		Links:           linkService,
		Reloader:        reloader,
		Clicks:          clickManager,
		Runtime:         runtime,
		Store:           store,
		RequestShutdown: srv.Stop,
	}, logger, metricsRecorder)
	ipcServer.SetIdleTimeout(cfg.IPCIdleTimeout)

	listener, err := ipc.Listen(endpoint)
	if err != nil {
		store.Close()
		return fmt.Errorf("control endpoint: %w", err)
	}
	logger.Info("control channel listening", "endpoint", endpoint)

	// Shutdown order is reverse of registration: the control channel and
	// click manager stop before storage closes underneath them.
	srv.OnShutdown("storage", func(context.Context) error { return store.Close() })
	srv.OnShutdown("click-manager", clickManager.Shutdown)
	srv.OnShutdown("ipc-server", ipcServer.Shutdown)

	go func() {
		if err := ipcServer.Serve(listener); err != nil {
			logger.Error("control channel error", "error", err)
		}
	}()
	go func() {
		if err := clickManager.Run(context.Background()); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("click manager error", "error", err)
		}
	}()

	logger.Info("starting server", "port", cfg.AppPort, "env", cfg.AppEnv)
	return srv.Run()
}

// controlEndpoint resolves the control socket path: explicit environment
// override first, then the runtime config table, then the platform default.
func controlEndpoint(cfg *config.Config, runtime *runtimecfg.Config) string {
	if cfg.IPCSocketPath != "" {
		return cfg.IPCSocketPath
	}
	return runtime.GetString(runtimecfg.KeyIPCSocketPath, ipc.DefaultEndpoint)
}

// openStore builds the configured backend wrapped in the retry decorator.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var (
		inner storage.Store
		err   error
	)
	switch cfg.StorageBackend {
	case config.BackendPostgres:
		inner, err = postgres.New(ctx, cfg.DatabaseURL, logger)
	case config.BackendSQLite:
		inner, err = sqlite.New(ctx, cfg.SQLitePath, logger)
	case config.BackendFile:
		inner, err = filestore.New(cfg.FileStorePath, logger)
	default:
		err = fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
	if err != nil {
		return nil, err
	}
	return storage.NewRetrying(inner, storage.DefaultRetryConfig(), logger), nil
}

// initLogger initializes the slog logger based on configuration.
func initLogger(cfg *config.Config) *slog.Logger {
	var h slog.Handler

	level := parseLogLevel(cfg.LogLevel)

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		h = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(h)
	slog.SetDefault(logger)

	return logger
}

// parseLogLevel converts string log level to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupRouter configures the chi router with all routes and middleware.
func setupRouter(
	redirectHandler *handler.RedirectHandler,
	healthHandler *handler.HealthHandler,
	limiter *ratelimit.Limiter,
	cfg *config.Config,
	logger *slog.Logger,
) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))

	// Health endpoints
	r.Get("/healthz", healthHandler.Healthz)
	r.Get("/readyz", healthHandler.Readyz)

	// Root path: default redirect if configured, 404 otherwise
	r.Get("/", redirectHandler.Root)
	r.Head("/", redirectHandler.Root)

	// Redirect hot path with optional IP-based rate limiting
	rateLimitCfg := middleware.RateLimitConfig{
		Logger: logger,
		RPS:    cfg.RateLimitRedirectRPS,
		Burst:  cfg.RateLimitRedirectBurst,
	}
	if limiter != nil && cfg.RateLimitRedirectEnabled {
		rateLimitCfg.Limiter = limiter
	}
	r.Group(func(r chi.Router) {
		r.Use(middleware.RateLimitIP(rateLimitCfg))
		r.Get("/{code}", redirectHandler.Redirect)
		r.Head("/{code}", redirectHandler.Redirect)
	})

	// 404 and 405 handlers
	r.NotFound(handler.NotFound)
	r.MethodNotAllowed(handler.MethodNotAllowed)

	return r
}

var passwordPattern = regexp.MustCompile(`(?i)password=[^\s]+`)

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "[redacted]"
	}

	if parsed.User != nil {
		username := parsed.User.Username()
		if username == "" {
			parsed.User = url.User("redacted")
		} else {
			parsed.User = url.User(username)
		}
	}

	return parsed.String()
}

func sanitizeError(err error, secrets ...string) string {
	if err == nil {
		return ""
	}

	msg := err.Error()
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		redacted := redactURL(secret)
		if redacted == "" {
			redacted = "[redacted]"
		}
		msg = strings.ReplaceAll(msg, secret, redacted)
	}

	return passwordPattern.ReplaceAllString(msg, "password=redacted")
}
