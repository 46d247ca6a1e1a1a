package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/wallet/internal/cache/rediscache"
	"github.com/MarkoPoloResearchLab/wallet/internal/config"
	"github.com/MarkoPoloResearchLab/wallet/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/wallet/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/wallet/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/wallet/pkg/wallet"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	driverPostgres = "postgres"
	driverSQLite   = "sqlite"
	driverMemory   = "memory"

	gormSlowQueryThreshold = time.Second
)

var errUnsupportedDriver = errors.New("unsupported store driver")

// backend is an opened store with its balance cache and teardown.
type backend struct {
	driver      string
	store       wallet.Store
	cache       wallet.BalanceCache
	autoMigrate bool
	migrate     func(ctx context.Context) error
	closers     []func() error
}

func (opened *backend) close() {
	for index := len(opened.closers) - 1; index >= 0; index-- {
		_ = opened.closers[index]()
	}
}

func openBackend(ctx context.Context, cfg config.Config, logger *zap.Logger) (*backend, error) {
	driver, sqlitePath, err := resolveDriver(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	var opened *backend
	switch {
	case driver == driverMemory:
		store := memstore.New()
		opened = &backend{driver: driver, store: store, cache: store, migrate: func(context.Context) error { return nil }}
	case driver == driverPostgres && cfg.StoreDriver == config.StoreDriverPgx:
		opened, err = openPgx(ctx, cfg.DatabaseURL)
	case driver == driverSQLite && cfg.StoreDriver == config.StoreDriverPgx:
		return nil, fmt.Errorf("%w: %s requires a postgres url", errUnsupportedDriver, config.StoreDriverPgx)
	default:
		opened, err = openGorm(ctx, driver, cfg.DatabaseURL, sqlitePath, logger)
	}
	if err != nil {
		return nil, err
	}
	if cfg.RedisAddr != "" {
		if err := attachRedis(ctx, opened, cfg); err != nil {
			opened.close()
			return nil, err
		}
	}
	return opened, nil
}

func openGorm(ctx context.Context, driver string, dsn string, sqlitePath string, logger *zap.Logger) (*backend, error) {
	var (
		db  *gorm.DB
		err error
	)
	queryLogger, err := newGormLogger(logger)
	if err != nil {
		return nil, err
	}
	gormConfig := &gorm.Config{Logger: queryLogger}
	switch driver {
	case driverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case driverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), gormConfig)
	default:
		return nil, fmt.Errorf("%w: %q", errUnsupportedDriver, driver)
	}
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	if driver == driverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	store := gormstore.New(db.WithContext(ctx))
	return &backend{
		driver:      driver,
		store:       store,
		cache:       store,
		autoMigrate: driver == driverSQLite,
		migrate: func(ctx context.Context) error {
			return gormstore.Migrate(ctx, db)
		},
		closers: []func() error{sqlDB.Close},
	}, nil
}

// newGormLogger routes gorm's warnings and query errors into zap. Missing rows are
// an expected lookup outcome and stay silent.
func newGormLogger(logger *zap.Logger) (gormlogger.Interface, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	writer, err := zap.NewStdLogAt(logger.Named("gorm"), zap.WarnLevel)
	if err != nil {
		return nil, fmt.Errorf("gorm logger: %w", err)
	}
	return gormlogger.New(writer, gormlogger.Config{
		SlowThreshold:             gormSlowQueryThreshold,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
	}), nil
}

func openPgx(ctx context.Context, dsn string) (*backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("database open: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	store := pgstore.New(pool)
	return &backend{
		driver: driverPostgres + "+" + config.StoreDriverPgx,
		store:  store,
		cache:  store,
		migrate: func(ctx context.Context) error {
			return pgstore.Migrate(ctx, pool)
		},
		closers: []func() error{func() error { pool.Close(); return nil }},
	}, nil
}

func attachRedis(ctx context.Context, opened *backend, cfg config.Config) error {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("redis ping: %w", err)
	}
	cache, err := rediscache.New(client, cfg.BalanceCacheTTL)
	if err != nil {
		_ = client.Close()
		return err
	}
	opened.cache = cache
	opened.closers = append(opened.closers, client.Close)
	return nil
}

func resolveDriver(dsn string) (string, string, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "memory://" || trimmed == "memory" {
		return driverMemory, "", nil
	}
	if strings.HasPrefix(trimmed, "postgres://") || strings.HasPrefix(trimmed, "postgresql://") {
		return driverPostgres, "", nil
	}
	if strings.HasPrefix(trimmed, "sqlite://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "wallet.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return driverSQLite, sqlitePath, err
	}
	// Anything else is a plain sqlite path.
	sqlitePath, err := normalizeSQLitePath(trimmed)
	return driverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
