package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"

	"omnigate/internal/adapters/queue"
	"omnigate/internal/adapters/repository"
	"omnigate/internal/config"
	"omnigate/internal/core/ports"
)

// infra holds the storage, cache and queue adapters selected by config
type infra struct {
	store ports.Store
	dedup ports.DedupRepository
	cache ports.RegistryCache
	queue ports.DeliveryQueue
	rdb   *redis.Client // nil when running without Redis
}

func (in *infra) Close() {
	if in.rdb != nil {
		in.rdb.Close()
	}
	if in.store != nil {
		in.store.Close()
	}
}

// setupLogger installs the default slog logger. Extra writers (the log hub)
// receive a copy of every line.
func setupLogger(cfg config.AppConfig, extra ...io.Writer) {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	out := io.Writer(os.Stdout)
	if len(extra) > 0 {
		out = io.MultiWriter(append([]io.Writer{os.Stdout}, extra...)...)
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(out, opts)
	} else {
		h = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(h))
}

// openInfra connects the configured backends.
// Without REDIS_ADDR dedup, registry cache and the delivery queue live in process.
func openInfra(ctx context.Context, cfg *config.Config) (*infra, error) {
	in := &infra{}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	in.store = store

	policy := queue.RetryPolicy{
		MaxAttempts: cfg.Delivery.MaxAttempts,
		BaseDelay:   cfg.Delivery.BaseBackoff,
		MaxDelay:    cfg.Delivery.MaxBackoff,
	}

	if cfg.Redis.Addr == "" {
		slog.Warn("REDIS_ADDR not set, using in-process cache and delivery queue")
		local := repository.NewLocalCache(cfg.Registry.CacheTTL)
		in.dedup = local
		in.cache = local
		in.queue = queue.NewMemoryQueue(policy)
		return in, nil
	}

	rdb, err := connectRedis(ctx, cfg.Redis, 5, 2*time.Second)
	if err != nil {
		in.Close()
		return nil, err
	}
	in.rdb = rdb
	slog.Info("✓ Redis connection established", "addr", cfg.Redis.Addr)

	redisRepo := repository.NewRedisRepository(rdb, cfg.Registry.CacheTTL)
	in.dedup = redisRepo
	in.cache = redisRepo

	q := queue.NewRedisQueue(rdb, cfg.Redis.QueuePrefix, policy)
	// Jobs left in processing by a crashed worker go back to ready
	if n, err := q.Recover(ctx); err != nil {
		slog.Warn("Failed to recover in-flight deliveries", "error", err)
	} else if n > 0 {
		slog.Info("Recovered in-flight deliveries", "count", n)
	}
	in.queue = q

	return in, nil
}

// openStore opens the relational store for the configured driver
func openStore(ctx context.Context, cfg *config.Config) (ports.Store, error) {
	switch cfg.DB.Driver {
	case config.DriverMemory:
		slog.Warn("DB_DRIVER=memory, data is lost on restart")
		return repository.NewMemoryRepository(), nil

	case config.DriverSQLite:
		repo, err := repository.OpenSQLite(ctx, cfg.DB.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.DB.SQLitePath, err)
		}
		slog.Info("✓ SQLite store ready", "path", cfg.DB.SQLitePath)
		return repo, nil

	default:
		db, err := connectMariaDB(ctx, cfg.DB, 5, 2*time.Second)
		if err != nil {
			return nil, err
		}
		slog.Info("✓ MariaDB connection established",
			"host", cfg.DB.Host,
			"database", cfg.DB.Database,
		)
		repo := repository.NewSQLRepository(db, repository.DialectMySQL)
		if cfg.App.AutoMigrate {
			if err := repo.Migrate(ctx); err != nil {
				db.Close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		return repo, nil
	}
}

// connectMariaDB attempts to connect to MariaDB with retry logic
// Retries are necessary because Docker containers may still be initializing
func connectMariaDB(ctx context.Context, cfg config.DBConfig, maxRetries int, retryDelay time.Duration) (*sql.DB, error) {
	db, err := sql.Open("mysql", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("configure DB driver: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	for i := 1; i <= maxRetries; i++ {
		if err = db.PingContext(ctx); err == nil {
			return db, nil
		}
		slog.Warn("Cannot ping MariaDB",
			"attempt", fmt.Sprintf("%d/%d", i, maxRetries),
			"error", err,
		)
		if i < maxRetries {
			if werr := sleepCtx(ctx, retryDelay); werr != nil {
				break
			}
		}
	}

	db.Close()
	return nil, fmt.Errorf("cannot connect to MariaDB after %d attempts: %w", maxRetries, err)
}

// connectRedis attempts to connect to Redis with retry logic
func connectRedis(ctx context.Context, cfg config.RedisConfig, maxRetries int, retryDelay time.Duration) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	var err error
	for i := 1; i <= maxRetries; i++ {
		if err = rdb.Ping(ctx).Err(); err == nil {
			return rdb, nil
		}
		slog.Warn("Cannot ping Redis",
			"attempt", fmt.Sprintf("%d/%d", i, maxRetries),
			"error", err,
		)
		if i < maxRetries {
			if werr := sleepCtx(ctx, retryDelay); werr != nil {
				break
			}
		}
	}

	rdb.Close()
	return nil, fmt.Errorf("cannot connect to Redis after %d attempts: %w", maxRetries, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// runMigrate applies the schema and exits
func runMigrate(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogger(cfg.App)

	switch cfg.DB.Driver {
	case config.DriverMemory:
		return errors.New("nothing to migrate for DB_DRIVER=memory")
	case config.DriverSQLite:
		// OpenSQLite migrates on open
		repo, err := repository.OpenSQLite(ctx, cfg.DB.SQLitePath)
		if err != nil {
			return err
		}
		defer repo.Close()
	default:
		db, err := connectMariaDB(ctx, cfg.DB, 5, 2*time.Second)
		if err != nil {
			return err
		}
		repo := repository.NewSQLRepository(db, repository.DialectMySQL)
		defer repo.Close()
		if err := repo.Migrate(ctx); err != nil {
			return err
		}
	}

	slog.Info("✅ Schema up to date", "driver", cfg.DB.Driver)
	return nil
}
