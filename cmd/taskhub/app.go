package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskhub/taskhub/config"
	"github.com/taskhub/taskhub/pkg/api"
	"github.com/taskhub/taskhub/pkg/api/handlers"
	"github.com/taskhub/taskhub/pkg/auth"
	"github.com/taskhub/taskhub/pkg/live"
	"github.com/taskhub/taskhub/pkg/logger"
	"github.com/taskhub/taskhub/pkg/metrics"
	"github.com/taskhub/taskhub/pkg/storage"
	"github.com/taskhub/taskhub/pkg/storage/badger"
	"github.com/taskhub/taskhub/pkg/storage/memory"
	"github.com/taskhub/taskhub/pkg/storage/sqlite"
	"github.com/taskhub/taskhub/pkg/telemetry/tracing"
	"github.com/taskhub/taskhub/pkg/version"
)

const sessionSweepInterval = time.Minute

// run wires every component and serves until ctx is cancelled.
func run(ctx context.Context, opts *options) error {
	return runWithReady(ctx, opts, nil)
}

// runWithReady is run that reports the bound HTTP address on ready, when
// non-nil, once the listener is up.
func runWithReady(ctx context.Context, opts *options, ready chan<- string) error {
	overrides := opts.overrides()
	cfg, err := config.Load(opts.configPath, overrides)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log := newLogger(cfg)
	defer log.Close()
	logger.SetGlobal(log)

	log.Info("Starting taskhub",
		"version", version.Version,
		"git_commit", version.GitCommit,
		"environment", cfg.App.Environment,
		"storage", cfg.Storage.Type,
		"sessions", cfg.Session.Type,
	)
	log.Debug("Configuration loaded", "config", cfg.String())

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, tracing.Service{
		Name:        cfg.App.Name,
		Version:     version.Version,
		Environment: cfg.App.Environment,
	}, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	metricsCfg := metrics.DefaultConfig()
	metricsCfg.Enabled = cfg.Metrics.Enabled
	metricsCfg.Port = cfg.Metrics.Port
	metricsCfg.Path = cfg.Metrics.Path
	metricsManager := metrics.NewManager(metricsCfg)
	if metricsManager.Enabled() {
		go func() {
			log.Info("Starting metrics server", "port", cfg.Metrics.Port, "path", cfg.Metrics.Path)
			if err := metricsManager.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("Metrics server error", "error", err)
			}
		}()
	}

	store, err := openStorage(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Error closing storage", "error", err)
		}
	}()

	sessions, err := openSessions(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer sessions.Close()

	hub := live.NewHub(log, metricsManager)
	gateway := handlers.NewLiveHandler(store, hub, metricsManager, log, liveConfig(cfg))

	apiHandlers := &api.Handlers{
		Auth: handlers.NewAuthHandler(store, sessions, auth.NewHasher(cfg.Session.BcryptCost), handlers.CookieConfig{
			Name:   cfg.Session.CookieName,
			TTL:    cfg.Session.TTL,
			Secure: cfg.Session.SecureCookie,
		}, log),
		Projects:  handlers.NewProjectHandler(store, log),
		Tasks:     handlers.NewTaskHandler(store, hub, metricsManager, log),
		Analytics: handlers.NewAnalyticsHandler(store, hub),
		Live:      gateway,
		Health:    handlers.NewHealthHandler(store, hub, gateway, cfg.Storage.Type),
		Sessions:  sessions,
		Metrics:   metricsManager,
	}
	httpServer := api.NewHTTPServer(cfg, log, apiHandlers)

	if opts.configPath != "" {
		stopWatch := watchConfig(ctx, opts.configPath, overrides, cfg, log, gateway)
		defer stopWatch()
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	if ready != nil {
		ready <- ln.Addr().String()
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown requested")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.HTTP.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("Error shutting down HTTP server", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error("Error shutting down tracing", "error", err)
	}

	log.Info("taskhub stopped")
	return nil
}

func newLogger(cfg *config.Config) logger.Logger {
	logCfg := &logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	}
	if cfg.App.Debug {
		logCfg.Level = logger.DebugLevel
	}
	return logger.New(logCfg)
}

func openStorage(ctx context.Context, cfg *config.Config, log logger.Logger) (storage.Storage, error) {
	switch cfg.Storage.Type {
	case "badger":
		store, err := badger.NewBadgerStorage(&badger.Config{
			Path:              cfg.Storage.Badger.Path,
			SyncWrites:        cfg.Storage.Badger.SyncWrites,
			ValueLogFileSize:  cfg.Storage.Badger.ValueLogFileSize,
			NumVersionsToKeep: cfg.Storage.Badger.NumVersionsToKeep,
			Logger:            log,
		})
		if err != nil {
			return nil, fmt.Errorf("open badger storage: %w", err)
		}
		log.Info("Initialized Badger storage", "path", cfg.Storage.Badger.Path)
		return store, nil
	case "sqlite":
		store, err := sqlite.NewSQLiteStorage(ctx, &sqlite.Config{
			Path:     cfg.Storage.SQLite.Path,
			PoolSize: cfg.Storage.SQLite.PoolSize,
			Logger:   log,
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite storage: %w", err)
		}
		log.Info("Initialized SQLite storage", "path", cfg.Storage.SQLite.Path)
		return store, nil
	case "memory", "":
		log.Info("Initialized memory storage")
		return memory.NewMemoryStorage(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

func openSessions(ctx context.Context, cfg *config.Config, log logger.Logger) (auth.SessionStore, error) {
	switch cfg.Session.Type {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Session.Redis.Address,
			Password: cfg.Session.Redis.Password,
			DB:       cfg.Session.Redis.DB,
		})
		redisCfg := auth.DefaultRedisConfig()
		redisCfg.TTL = cfg.Session.TTL
		redisCfg.MaxRetries = uint64(cfg.Session.Redis.MaxRetries)
		if cfg.Session.Redis.KeyPrefix != "" {
			redisCfg.KeyPrefix = cfg.Session.Redis.KeyPrefix
		}

		store := auth.NewRedisSessionStore(client, client.Close, redisCfg, log)
		if err := store.Connect(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect session store: %w", err)
		}
		log.Info("Initialized redis session store", "address", cfg.Session.Redis.Address)
		return store, nil
	case "memory", "":
		store := auth.NewMemorySessionStore(cfg.Session.TTL)
		go store.RunJanitor(ctx, sessionSweepInterval)
		log.Info("Initialized memory session store")
		return store, nil
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Session.Type)
	}
}

func liveConfig(cfg *config.Config) handlers.LiveConfig {
	return handlers.LiveConfig{
		AllowedOrigins:  cfg.Live.AllowedOrigins,
		MaxConnections:  cfg.Live.MaxConnections,
		SendBuffer:      cfg.Live.SendBuffer,
		PingInterval:    cfg.Live.PingInterval,
		PongTimeout:     cfg.Live.PongTimeout,
		WriteTimeout:    cfg.Live.WriteTimeout,
		MaxMessageBytes: cfg.Live.MaxMessageBytes,
		RelayRate:       cfg.Live.RelayRate,
		RelayBurst:      cfg.Live.RelayBurst,
	}
}

// limitUpdater is satisfied by *handlers.LiveHandler.
type limitUpdater interface {
	UpdateLimits(maxConnections int, relayRate float64, relayBurst int)
}

// applyReload applies the hot-reloadable part of next and returns the new
// baseline.
func applyReload(current config.HotReloadableConfig, next *config.Config, log logger.Logger, gateway limitUpdater) config.HotReloadableConfig {
	updated := config.ExtractHotReloadable(next)
	if !current.Changed(updated) {
		return current
	}

	if updated.LogLevel != current.LogLevel {
		log.SetLevel(logger.ParseLevel(updated.LogLevel))
	}
	gateway.UpdateLimits(updated.MaxConnections, updated.RelayRate, updated.RelayBurst)

	log.Info("Configuration reloaded",
		"log_level", updated.LogLevel,
		"max_connections", updated.MaxConnections,
		"relay_rate", updated.RelayRate,
		"relay_burst", updated.RelayBurst,
	)
	return updated
}

func watchConfig(ctx context.Context, path string, overrides map[string]interface{}, cfg *config.Config, log logger.Logger, gateway limitUpdater) func() {
	watcher, err := config.NewWatcher(path, config.NewLoader(), config.WithLogger(log), config.WithOverrides(overrides))
	if err != nil {
		log.Warn("Config hot reload disabled", "error", err)
		return func() {}
	}

	baseline := make(chan config.HotReloadableConfig, 1)
	baseline <- config.ExtractHotReloadable(cfg)
	watcher.OnChange(func(next *config.Config) {
		current := <-baseline
		baseline <- applyReload(current, next, log, gateway)
	})

	go func() {
		if err := watcher.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("Config watcher stopped", "error", err)
		}
	}()

	return func() { _ = watcher.Stop() }
}
