// Package storage defines the insert and read contracts the collector uses to
// reach span storage, and selects a backend from configuration.
package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"spanflow/internal/config"
	"spanflow/internal/db"
	"spanflow/internal/models"
	redisstore "spanflow/internal/storage/redis"
)

// Sink is the bulk insert contract. It returns how many spans were stored.
type Sink interface {
	InsertSpans(ctx context.Context, spans []models.Span) (int, error)
}

// Reader is the read contract used by the query endpoints.
type Reader interface {
	GetTrace(ctx context.Context, traceID string) ([]models.Span, error)
	SearchTraces(ctx context.Context, limit int) ([]models.TraceSummary, error)
}

// Store is a backend that implements both contracts.
type Store interface {
	Sink
	Reader
	Ping(ctx context.Context) error
	Close() error
}

// New opens the backend selected by cfg.Backend.
func New(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		database, err := db.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		if err := database.Migrate(); err != nil {
			database.Close()
			return nil, err
		}
		logger.Info("using sqlite span store", zap.String("path", database.Path()))
		return database, nil

	case config.BackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		store := redisstore.New(client, cfg.GetRedisTTLDuration())
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		logger.Info("using redis span store", zap.String("addr", cfg.RedisAddr))
		return store, nil

	case config.BackendMemory:
		logger.Warn("using in-memory span store; spans are lost on restart")
		return NewMemory(), nil
	}

	return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
}
