package lock

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/royalty/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("lock",
	fx.Provide(NewRedisClient),
	fx.Provide(NewLocker),
)

// NewRedisClient returns nil when no redis address is configured.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	if cfg.Redis.Addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return client
}

// NewLocker always serializes in process and adds the redis lock when a
// client is available.
func NewLocker(cfg config.Config, client *redis.Client, log *zap.Logger) Locker {
	local := NewKeyedMutex()
	if client == nil {
		return local
	}
	ttl := cfg.Redis.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return Chain{local, NewRedisLocker(client, "royalty:lock:", ttl, log)}
}
