// Command server runs the ugoite identity and access-control service.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ugoite/ugoite-server/internal/api"
	"github.com/ugoite/ugoite-server/internal/audit"
	"github.com/ugoite/ugoite-server/internal/auth"
	"github.com/ugoite/ugoite-server/internal/authz"
	"github.com/ugoite/ugoite-server/internal/config"
	"github.com/ugoite/ugoite-server/internal/membership"
	"github.com/ugoite/ugoite-server/internal/middleware"
	"github.com/ugoite/ugoite-server/internal/safego"
	"github.com/ugoite/ugoite-server/internal/serviceaccounts"
	"github.com/ugoite/ugoite-server/internal/store"
	"github.com/ugoite/ugoite-server/internal/store/local"
	"github.com/ugoite/ugoite-server/internal/store/postgres"
	"github.com/ugoite/ugoite-server/internal/telemetry"
)

// version is set at build time via -ldflags.
var version = "dev"

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	command := "serve"
	if len(args) > 0 {
		command = args[0]
	}

	switch command {
	case "serve":
		return serve()
	case "version":
		fmt.Printf("ugoite-server %s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command %q (expected serve or version)", command)
	}
}

func serve() error {
	loader := config.NewLoader(os.Getenv("CONFIG_PATH"))
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)
	logger.Info("starting ugoite-server",
		"version", version,
		"store_backend", cfg.Store.Backend,
		"address", cfg.Server.GetAddress())

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(registry)

	st, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	locks := &store.Locks{}

	shipper, err := buildShipper(cfg.Audit.Shippers)
	if err != nil {
		return fmt.Errorf("configure audit shippers: %w", err)
	}
	auditLog := audit.NewLog(st, locks, audit.Options{
		Retention: cfg.Audit.RetentionMaxEvents,
		Shipper:   shipper,
		Metrics:   metrics,
		Logger:    logger,
	})

	creds, err := auth.BuildCredentials(authConfig(cfg), logger)
	if err != nil {
		return fmt.Errorf("build credentials: %w", err)
	}
	manager := auth.NewManager(creds, logger)

	members := membership.NewService(st, locks, auditLog, logger)
	accounts := serviceaccounts.NewManager(st, locks, auditLog, metrics, logger)
	manager.SetServiceKeyResolver(accounts)

	userGroups, err := parseUserGroups(cfg.Auth.UserGroupsJSON)
	if err != nil {
		return fmt.Errorf("parse auth.user_groups_json: %w", err)
	}
	engine := authz.NewEngine(st, authz.Config{
		DefaultUserRole:    authz.Role(cfg.Auth.DefaultUserRole),
		DefaultServiceRole: authz.Role(cfg.Auth.DefaultServiceRole),
		UserGroups:         userGroups,
	})

	limiter, err := buildLimiter(cfg, logger)
	if err != nil {
		return fmt.Errorf("configure rate limiter: %w", err)
	}

	router := api.NewRouter(api.Dependencies{
		AuthManager:     manager,
		Engine:          engine,
		Members:         members,
		ServiceAccounts: accounts,
		AuditLog:        auditLog,
		Metrics:         metrics,
		RateLimiter:     limiter,
		Logger:          logger,
	})

	// Credentials are the only hot-reloadable piece: store and shipper
	// changes need a restart.
	loader.Watch(logger, func(next *config.Config) {
		reloaded, err := auth.BuildCredentials(authConfig(next), logger)
		if err != nil {
			logger.Error("config reload: rebuilding credentials failed", "error", err)
			return
		}
		manager.Reload(reloaded)
		logger.Info("credentials reloaded from config")
	})

	var metricsServer *http.Server
	if cfg.Telemetry.Metrics.Enabled {
		metricsServer = startMetricsServer(cfg.Telemetry.Metrics.PrometheusPort, registry, logger)
	}

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	safego.Go("http-server", func() {
		logger.Info("http server listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.Warn("metrics server shutdown", "error", err)
		}
	}
	logger.Info("server stopped")
	return nil
}

// openStore builds the configured space store backend. The returned
// closer is a no-op for the local backend.
func openStore(cfg *config.Config, logger *slog.Logger) (store.SpaceStore, func(), error) {
	switch cfg.Store.Backend {
	case "postgres":
		st, err := postgres.Connect(
			cfg.Store.Postgres.GetDSN(),
			cfg.Store.Postgres.MaxConnections,
			cfg.Store.Postgres.MinIdleConnections,
		)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		logger.Info("connected to postgres",
			"host", cfg.Store.Postgres.Host,
			"database", cfg.Store.Postgres.Name)
		return st, func() {
			if err := st.Close(); err != nil {
				logger.Warn("closing postgres store", "error", err)
			}
		}, nil
	case "local":
		st, err := local.New(cfg.Store.Local.BasePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open local store: %w", err)
		}
		logger.Info("using local store", "base_path", cfg.Store.Local.BasePath)
		return st, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
	}
}

// buildShipper assembles the enabled audit shippers into a single
// fan-out shipper, or nil when none are configured.
func buildShipper(configs []config.AuditShipperConfig) (audit.Shipper, error) {
	var shippers audit.MultiShipper
	for _, sc := range configs {
		if !sc.Enabled {
			continue
		}
		switch sc.Type {
		case "file":
			fs, err := audit.NewFileShipper(sc.File.Path)
			if err != nil {
				return nil, err
			}
			shippers = append(shippers, fs)
		case "webhook":
			shippers = append(shippers, audit.NewWebhookShipper(sc.Webhook.URL, sc.Webhook.Headers))
		default:
			return nil, fmt.Errorf("unknown audit shipper type %q", sc.Type)
		}
	}
	switch len(shippers) {
	case 0:
		return nil, nil
	case 1:
		return shippers[0], nil
	default:
		return shippers, nil
	}
}

func buildLimiter(cfg *config.Config, logger *slog.Logger) (middleware.Limiter, error) {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled {
		return nil, nil
	}
	limits := middleware.RateLimitConfig{
		RequestsPerMinute: rl.RequestsPerMinute,
		Burst:             rl.Burst,
	}
	if rl.RedisURL != "" {
		limiter, err := middleware.NewRedisLimiter(rl.RedisURL, limits)
		if err != nil {
			return nil, err
		}
		logger.Info("rate limiting enabled", "backend", "redis", "requests_per_minute", rl.RequestsPerMinute)
		return limiter, nil
	}
	logger.Info("rate limiting enabled", "backend", "local", "requests_per_minute", rl.RequestsPerMinute)
	return middleware.NewLocalLimiter(limits), nil
}

func authConfig(cfg *config.Config) auth.Config {
	return auth.Config{
		BearerTokensJSON: cfg.Auth.BearerTokensJSON,
		APIKeysJSON:      cfg.Auth.APIKeysJSON,
		APIKeys:          cfg.Auth.APIKeys,
		BearerSecrets:    cfg.Auth.BearerSecrets,
		ActiveKeyIDs:     cfg.Auth.ActiveKeyIDs,
		RevokedKeyIDs:    cfg.Auth.RevokedKeyIDs,
		BootstrapToken:   cfg.Auth.BootstrapToken,
		BootstrapUserID:  cfg.Auth.BootstrapUserID,
	}
}

func parseUserGroups(raw string) (map[string]map[string][]string, error) {
	if raw == "" {
		return nil, nil
	}
	var groups map[string]map[string][]string
	if err := json.Unmarshal([]byte(raw), &groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func startMetricsServer(port int, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	safego.Go("metrics-server", func() {
		logger.Info("metrics server listening", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", "error", err)
		}
	})
	return server
}
