package runtime

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/deepresearch/config"
	"github.com/mohammad-safakhou/deepresearch/internal/store"
	"github.com/redis/go-redis/v9"
)

// OpenStore connects to Postgres. A failure here is fatal for the caller; it only happens at startup.
func OpenStore(ctx context.Context, cfg *config.Config) (*store.Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	p := cfg.Storage.Postgres
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	st, err := store.NewWithDSN(ctx, p.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return st, nil
}

// OpenRedis returns a client when storage.redis.host is set, or nil when redis is disabled.
func OpenRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	r := cfg.Storage.Redis
	if !r.Enabled() {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:        r.Addr(),
		Password:    r.Password,
		DB:          r.DB,
		DialTimeout: r.Timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", r.Addr(), err)
	}
	return client, nil
}
