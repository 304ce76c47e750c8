package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/petervdpas/goopcall/internal/calls"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/storage"
)

type callStore struct {
	db    *storage.DB
	feed  calls.Feed
	calls *storage.CallStore
}

func (s *callStore) Close() error {
	return errors.Join(s.feed.Close(), s.db.Close())
}

// openStore opens the configured database and record feed.
func openStore(ctx context.Context, peerDir string, cfg config.Store) (*callStore, error) {
	var (
		db  *storage.DB
		err error
	)
	switch cfg.Driver {
	case "pgx":
		db, err = storage.OpenPostgres(ctx, cfg.DSN, storage.PoolConfig{})
	default:
		db, err = storage.Open(peerDir)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var feed calls.Feed
	if cfg.RedisAddr != "" {
		feed, err = storage.OpenRedisFeed(ctx, storage.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Prefix:   cfg.FeedPrefix,
		})
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("open record feed: %w", err)
		}
		log.Infof("record feed: redis %s", cfg.RedisAddr)
	} else {
		feed = calls.NewMemFeed()
	}

	log.Infof("call store: %s", db.Driver())
	return &callStore{db: db, feed: feed, calls: storage.NewCallStore(db, feed)}, nil
}
