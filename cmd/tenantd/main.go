package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gosuda/tenantd/internal/config"
	"github.com/gosuda/tenantd/internal/domain"
	"github.com/gosuda/tenantd/internal/metrics"
	"github.com/gosuda/tenantd/internal/quota"
	"github.com/gosuda/tenantd/internal/server"
	"github.com/gosuda/tenantd/internal/store/postgres"
	redisstore "github.com/gosuda/tenantd/internal/store/redis"
	"github.com/gosuda/tenantd/internal/tenancy"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("startup failed")
	}
}

func run() error {
	// Initialize structured logging from environment.
	logLevel := os.Getenv("TENANTD_LOG_LEVEL")
	level, parseErr := zerolog.ParseLevel(logLevel)
	if parseErr != nil || logLevel == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	logFormat := os.Getenv("TENANTD_LOG_FORMAT")
	if logFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	ctx := context.Background()

	// Load configuration from environment.
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	// Connect to PostgreSQL. Bounds are checked by config.Load.
	base := postgres.PoolConfig{
		DSN:              cfg.Database.DSN(),
		MaxConns:         int32(cfg.Database.MaxConns), //nolint:gosec // bounds checked in config
		MinConns:         int32(cfg.Database.MinConns), //nolint:gosec // bounds checked in config
		StatementTimeout: cfg.Database.StatementTimeout,
		LockTimeout:      cfg.Database.LockTimeout,
		IdleTimeout:      cfg.Database.IdleTimeout,
	}
	store, err := postgres.New(ctx, base)
	if err != nil {
		return err
	}
	defer store.Close()

	if cfg.Database.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		log.Info().Msg("schema ensured")
	}

	tenantBase := base
	tenantBase.MaxConns = int32(cfg.TenantPool.MaxConns) //nolint:gosec // bounds checked in config
	tenantBase.MinConns = int32(cfg.TenantPool.MinConns) //nolint:gosec // bounds checked in config

	pool := tenancy.NewConnectionPool(store.TenancyPool(), tenancy.Options{
		CheckoutTimeout:       cfg.Database.CheckoutTimeout,
		TenantPoolFactory:     postgres.TenantPoolFactory(tenantBase),
		MaxTenantPools:        cfg.TenantPool.CacheSize,
		TenantPoolIdleTimeout: cfg.TenantPool.IdleTimeout,
		Tenants:               store.Tenants(),
		Metrics:               m,
	})
	defer pool.Close()

	health := []server.HealthCheck{
		{Name: "postgres", Check: store.Ping},
		{Name: "tenancy", Check: pool.Ping},
	}

	// Pick the usage counter backend.
	var usage domain.UsageStore
	switch cfg.Quota.Backend {
	case config.QuotaBackendRedis:
		counter, err := redisstore.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer counter.Close()
		usage = counter
		health = append(health, server.HealthCheck{Name: "redis", Check: counter.Ping})
	case config.QuotaBackendPostgres:
		usage = postgres.NewUsageRepo(pool)
	default:
		return fmt.Errorf("unsupported quota backend %q", cfg.Quota.Backend)
	}
	log.Info().Str("backend", cfg.Quota.Backend).Msg("usage counters ready")

	quotas := quota.NewService(store.Tenants(), usage, quota.WithMetrics(m))

	// Graceful shutdown on SIGINT / SIGTERM.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Create HTTP server with all routes wired.
	srv := server.New(ctx, cfg, server.Deps{
		Store:     store,
		Quotas:    quotas,
		Health:    health,
		Gatherer:  registry,
		PoolStats: pool.Stats,
	})

	// Start server in background goroutine.
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
		if startErr := srv.Start(ctx); startErr != nil {
			log.Error().Err(startErr).Msg("server error")
			cancel()
		}
	}()

	// Block until shutdown signal.
	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		return shutdownErr
	}

	log.Info().Msg("stopped")
	return nil
}
