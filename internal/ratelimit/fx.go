package ratelimit

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/costflow/internal/clock"
	"github.com/smallbiznis/costflow/internal/config"
	providerdomain "github.com/smallbiznis/costflow/internal/provider/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewRedisClient),
	fx.Provide(newRunLocker),
	fx.Provide(newThrottle),
)

func newRunLocker(client *redis.Client, clk clock.Clock) RunLocker {
	if client == nil {
		return NewMemoryLocker(clk)
	}
	return NewLocker(client)
}

func newThrottle(client *redis.Client, cfg config.Config, log *zap.Logger) providerdomain.Throttle {
	local := providerdomain.NewLocalThrottle(cfg.Provider.RequestsPerSecond, cfg.Provider.Burst)
	if client == nil || cfg.Provider.RequestsPerSecond <= 0 {
		return local
	}
	return NewBucketThrottle(
		NewTokenBucket(client, cfg.Provider.RequestsPerSecond, cfg.Provider.Burst),
		local,
		cfg.AppName+":throttle:",
		log,
	)
}
