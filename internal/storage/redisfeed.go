package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petervdpas/goopcall/internal/calls"
)

// RedisConfig controls the feed's redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	PingTimeout  time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.Prefix == "" {
		out.Prefix = "goopcall:calls:"
	}
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 10
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// RedisFeed publishes record changes on one pub/sub channel per participant,
// so every device of a user sees every write regardless of which process
// made it.
type RedisFeed struct {
	rdb    *redis.Client
	prefix string
}

var _ calls.Feed = (*RedisFeed)(nil)

// OpenRedisFeed connects to redis and validates connectivity via PING.
func OpenRedisFeed(ctx context.Context, cfg RedisConfig) (*RedisFeed, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, errors.New("storage: redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("storage: redis ping failed: %w", err)
	}
	return NewRedisFeed(rdb, cfg.Prefix), nil
}

func NewRedisFeed(rdb *redis.Client, prefix string) *RedisFeed {
	if prefix == "" {
		prefix = "goopcall:calls:"
	}
	return &RedisFeed{rdb: rdb, prefix: prefix}
}

func (f *RedisFeed) channel(userID string) string {
	return f.prefix + userID
}

func (f *RedisFeed) Publish(ctx context.Context, rec calls.CallRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	for _, user := range []string{rec.CallerID, rec.ReceiverID} {
		if err := f.rdb.Publish(ctx, f.channel(user), b).Err(); err != nil {
			return fmt.Errorf("storage: redis publish %s: %w", user, err)
		}
	}
	return nil
}

func (f *RedisFeed) Subscribe(ctx context.Context, userID string) (<-chan calls.CallRecord, func(), error) {
	ps := f.rdb.Subscribe(ctx, f.channel(userID))
	// Wait for the subscription confirmation so no publish is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, nil, fmt.Errorf("storage: redis subscribe %s: %w", userID, err)
	}

	out := make(chan calls.CallRecord, 64)
	done := make(chan struct{})
	msgs := ps.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var rec calls.CallRecord
				if err := json.Unmarshal([]byte(msg.Payload), &rec); err != nil {
					log.Warnf("redis feed: bad payload on %s: %v", msg.Channel, err)
					continue
				}
				select {
				case out <- rec:
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = ps.Close()
		})
	}
	return out, cancel, nil
}

func (f *RedisFeed) Close() error {
	return f.rdb.Close()
}
