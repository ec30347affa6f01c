// Package bootstrap wires the shared service components in dependency
// order. Both binaries start with Setup and layer their own engine
// pieces on top of the returned Components.
package bootstrap

import (
	"context"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/driftworks/conductor/common/cache"
	"github.com/driftworks/conductor/common/config"
	"github.com/driftworks/conductor/common/db"
	"github.com/driftworks/conductor/common/logger"
	"github.com/driftworks/conductor/common/redis"
	"github.com/driftworks/conductor/common/repository"
	"github.com/driftworks/conductor/common/telemetry"
)

// Setup initializes all shared service components
func Setup(ctx context.Context, serviceName string, opts ...Option) (*Components, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	components := &Components{
		cleanupFuncs: make([]func() error, 0),
	}

	var err error
	if options.customConfig != nil {
		components.Config = options.customConfig
	} else {
		components.Config, err = config.Load(serviceName)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg := components.Config

	if options.customLogger != nil {
		components.Logger = options.customLogger
	} else {
		components.Logger = logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)
	}
	log := components.Logger

	log.Info("initializing service",
		"service", serviceName,
		"environment", cfg.Service.Environment,
	)

	if !options.skipDB {
		log.Info("connecting to database")
		components.DB, err = db.New(ctx, cfg, log)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		components.addCleanup(func() error {
			components.DB.Close()
			return nil
		})

		if cfg.Database.EnsureSchema {
			log.Info("ensuring database schema")
			if err := repository.EnsureSchema(ctx, components.DB); err != nil {
				components.Shutdown(ctx)
				return nil, fmt.Errorf("failed to ensure schema: %w", err)
			}
		}

		if options.dbInitHook != nil {
			log.Info("running database init hook")
			if err := options.dbInitHook(components.DB); err != nil {
				components.Shutdown(ctx)
				return nil, fmt.Errorf("database init hook failed: %w", err)
			}
		}
	}

	if !options.skipRedis {
		log.Info("connecting to redis", "addr", cfg.Redis.Addr)
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			components.Shutdown(ctx)
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		components.Redis = redis.NewClient(rdb, log)
		components.addCleanup(func() error {
			return rdb.Close()
		})
	}

	// Spec cache rides redis when available so every instance shares it
	if components.Redis != nil {
		components.Cache = cache.NewRedisCache(components.Redis, "conductor:cache:")
	} else {
		components.Cache = cache.NewMemoryCache(log)
	}
	components.addCleanup(func() error {
		return components.Cache.Close()
	})

	if components.DB != nil {
		components.Store = repository.NewStore(components.DB, components.Cache, log)
	}

	if !options.skipTelemetry && (cfg.Telemetry.EnablePprof || cfg.Telemetry.EnableMetrics) {
		log.Info("initializing telemetry")
		components.Telemetry = telemetry.New(cfg.Telemetry.PprofPort, cfg.Telemetry.MetricsPort, log)
		if err := components.Telemetry.Start(ctx); err != nil {
			// Don't fail startup if telemetry fails
			log.Warn("failed to start telemetry", "error", err)
		}
	}

	log.Info("service initialization complete",
		"service", serviceName,
		"db", components.DB != nil,
		"redis", components.Redis != nil,
		"telemetry", components.Telemetry != nil,
	)

	return components, nil
}

// MustSetup is like Setup but panics on error. Services cannot recover
// from a failed initialization anyway.
func MustSetup(ctx context.Context, serviceName string, opts ...Option) *Components {
	components, err := Setup(ctx, serviceName, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to setup service %s: %v", serviceName, err))
	}
	return components
}
