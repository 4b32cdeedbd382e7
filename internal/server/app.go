package server

import (
	"context"
	"fmt"
	"net"

	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/config"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/handler"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/health"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/metrics"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/model"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/service"
	"github.com/isaaclee0/letmypeoplegrow-sub008/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// App is the fully wired sync service
type App struct {
	Config        *config.Config
	Server        *Server
	MetricsServer *metrics.MetricsServer
	Registry      *service.ConnectionRegistry
	Fanout        *service.FanoutService
	Attendance    *service.AttendanceService
	Dedup         *service.DedupService
	Store         store.AttendanceStore
	Fingerprints  store.FingerprintStore

	keys     *service.KeySource
	cache    *store.InMemoryCache
	registry *prometheus.Registry
	logger   *zap.Logger
}

// seedMemoryStore loads the configured churches into the memory backend
func seedMemoryStore(memory *store.MemoryAttendanceStore, seed config.SeedConfig, logger *zap.Logger) {
	if seed.Empty() {
		logger.Warn("Memory store has no seed data, every handshake will be rejected")
		return
	}
	for _, u := range seed.Users {
		memory.AddUser(&model.User{
			ID:       u.ID,
			TenantID: u.ChurchID,
			Email:    u.Email,
			Role:     u.Role,
			Active:   u.Active,
		})
	}
	for _, g := range seed.Gatherings {
		memory.AddGathering(g.ChurchID, g.ID)
	}
	for _, i := range seed.Individuals {
		memory.AddIndividual(i.ChurchID, i.ID)
	}
	logger.Info("Seeded memory store",
		zap.Int("users", len(seed.Users)),
		zap.Int("gatherings", len(seed.Gatherings)),
		zap.Int("individuals", len(seed.Individuals)))
}

// NewApp builds the stores, services and handlers described by cfg
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetricsWithRegisterer(reg)

	app := &App{
		Config:   cfg,
		registry: reg,
		logger:   logger,
	}

	var users store.UserStore
	switch cfg.Store.Backend {
	case "postgres":
		pool, err := store.NewPostgresPool(ctx, store.PostgresOptions{
			Host:            cfg.Database.Host,
			Port:            cfg.Database.Port,
			Database:        cfg.Database.Database,
			User:            cfg.Database.User,
			Password:        cfg.Database.Password,
			SSLMode:         cfg.Database.SSLMode,
			MaxConnections:  cfg.Database.MaxConnections,
			MinConnections:  cfg.Database.MinConnections,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		app.Store = store.NewPostgresAttendanceStore(pool, logger)
		users = store.NewPostgresUserStore(pool, logger)
	default:
		memory := store.NewMemoryAttendanceStore(logger)
		seedMemoryStore(memory, cfg.Seed, logger)
		app.Store = memory
		users = memory
	}

	switch cfg.Dedup.Backend {
	case "redis":
		fingerprints, err := store.NewRedisFingerprintStore(store.RedisOptions{
			Host:         cfg.Redis.Host,
			Port:         cfg.Redis.Port,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			MaxRetries:   cfg.Redis.MaxRetries,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			KeyPrefix:    cfg.Redis.KeyPrefix,
		}, logger)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.Fingerprints = fingerprints
	default:
		app.Fingerprints = store.NewMemoryFingerprintStore(cfg.Dedup.MaxEntries, logger)
	}

	keys, err := newKeySource(ctx, cfg, logger)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.keys = keys

	app.cache = store.NewInMemoryCache(cfg.Cache.MaxSize, cfg.Cache.CleanupInterval, logger)
	userService := service.NewUserService(users, app.cache, cfg.Auth.UserCacheTTL, logger)
	auth := service.NewAuthService(keys, userService, service.AuthOptions{
		CookieName: cfg.Auth.CookieName,
		QueryParam: cfg.Auth.QueryParam,
		Issuer:     cfg.Auth.Issuer,
		Leeway:     cfg.Auth.ClockSkewLeeway,
	}, m, logger)

	app.Registry = service.NewConnectionRegistry(m, logger)
	app.Fanout = service.NewFanoutService(app.Registry, m, logger)
	app.Dedup = service.NewDedupService(app.Fingerprints, service.DedupConfig{
		Window:        cfg.Dedup.Window,
		Retention:     cfg.Dedup.Retention,
		SweepInterval: cfg.Dedup.SweepInterval,
	}, m, logger)
	app.Attendance = service.NewAttendanceService(app.Store, app.Dedup, app.Fanout, service.AttendanceConfig{
		MutationTimeout:    cfg.Attendance.MutationTimeout,
		MaxBatchSize:       cfg.Attendance.MaxBatchSize,
		LastAttendedPolicy: store.LastAttendedPolicy(cfg.Attendance.LastAttendedPolicy),
	}, m, logger)

	var presence service.Presence = service.DisabledPresence{}
	if cfg.Presence.Enabled {
		presence = service.NewPresenceService(app.Fanout, m, logger)
	}

	ws := handler.NewWebSocketHandler(auth, app.Registry, app.Attendance, presence, handler.WebSocketOptions{
		PingInterval:      cfg.WebSocket.PingInterval,
		PongWait:          cfg.WebSocket.PongWait,
		WriteWait:         cfg.WebSocket.WriteWait,
		MaxMessageSize:    cfg.WebSocket.MaxMessageSize,
		SendBuffer:        cfg.WebSocket.SendBuffer,
		AllowedOrigins:    cfg.WebSocket.AllowedOrigins,
		MessagesPerSecond: cfg.RateLimiter.MessagesPerSecond,
		MessageBurst:      cfg.RateLimiter.MessageBurst,
	}, m, logger)

	checker := health.NewHealthChecker(logger)
	checker.Register("record_store", app.Store)
	checker.Register("fingerprint_store", app.Fingerprints)

	app.Server = NewServer(cfg, Dependencies{
		WebSocket: ws,
		Visitors:  handler.NewVisitorHandler(auth, app.Fanout, logger),
		Health:    checker,
		Registry:  app.Registry,
		Metrics:   m,
	}, logger)
	app.Server.SetupRoutes()

	if cfg.Metrics.Enabled {
		app.MetricsServer = metrics.NewMetricsServer(cfg.Metrics.Port, cfg.Metrics.Path, reg, logger)
	}

	return app, nil
}

func newKeySource(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*service.KeySource, error) {
	if cfg.Auth.JWKSURL != "" {
		return service.NewJWKSKeySource(ctx, cfg.Auth.JWKSURL, cfg.Auth.JWKSRefresh, logger)
	}
	return service.NewHMACKeySource(cfg.Auth.JWTSecret), nil
}

// Gatherer exposes the app's metrics registry
func (a *App) Gatherer() prometheus.Gatherer {
	return a.registry
}

// Run serves until ctx is cancelled or a component fails, then shuts down
// within the configured timeout. A nil listener listens on the configured address.
func (a *App) Run(ctx context.Context, l net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if l != nil {
			return a.Server.Serve(l)
		}
		return a.Server.Start()
	})
	if a.MetricsServer != nil {
		g.Go(a.MetricsServer.Start)
	}
	g.Go(func() error {
		return a.Dedup.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("Initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()

		var firstErr error
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("Failed to shutdown HTTP server", zap.Error(err))
			firstErr = err
		}
		if a.MetricsServer != nil {
			if err := a.MetricsServer.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("Failed to shutdown metrics server", zap.Error(err))
				if firstErr == nil {
					firstErr = err
				}
			}
		}
		return firstErr
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("sync service stopped: %w", err)
	}
	return nil
}

// Close releases stores and background workers
func (a *App) Close() {
	if a.keys != nil {
		a.keys.Close()
	}
	if a.cache != nil {
		a.cache.Close()
	}
	if a.Fingerprints != nil {
		if err := a.Fingerprints.Close(); err != nil {
			a.logger.Warn("Failed to close fingerprint store", zap.Error(err))
		}
	}
	if a.Store != nil {
		a.Store.Close()
	}
}
