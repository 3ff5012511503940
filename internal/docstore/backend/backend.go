// Package backend opens the document store selected in configuration.
package backend

import (
	"context"
	"fmt"

	"roomcall/native/internal/config"
	"roomcall/native/internal/docstore/memstore"
	"roomcall/native/internal/docstore/redisstore"
	"roomcall/native/internal/docstore/sqlstore"
	"roomcall/native/internal/docstore/wsstore"
	"roomcall/native/internal/domain"

	"go.uber.org/zap"
)

// Open returns the configured store. The caller closes it.
func Open(ctx context.Context, cfg config.StoreConfig, log *zap.Logger) (domain.DocumentStore, error) {
	log.Info("opening document store", zap.String("backend", cfg.Backend))
	switch cfg.Backend {
	case config.StoreMemory, "":
		return memstore.New(), nil
	case config.StoreSQLite:
		s, err := sqlstore.Open(cfg.SQLitePath, log)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return s, nil
	case config.StoreRedis:
		s, err := redisstore.Connect(ctx, redisstore.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.RoomTTL,
		}, log)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.StoreWS:
		c, err := wsstore.Dial(ctx, cfg.DocstoreURL, log)
		if err != nil {
			return nil, fmt.Errorf("dial docstore relay: %w", err)
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
