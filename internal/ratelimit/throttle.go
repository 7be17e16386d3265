package ratelimit

import (
	"context"
	"time"

	providerdomain "github.com/smallbiznis/costflow/internal/provider/domain"
	"go.uber.org/zap"
)

const minThrottleSleep = 10 * time.Millisecond

// BucketThrottle paces provider calls through a shared Redis token bucket so every
// replica draws from the same budget. Redis failures degrade to the local limiter.
type BucketThrottle struct {
	bucket   *TokenBucket
	fallback providerdomain.Throttle
	prefix   string
	log      *zap.Logger
}

func NewBucketThrottle(bucket *TokenBucket, fallback providerdomain.Throttle, prefix string, log *zap.Logger) *BucketThrottle {
	return &BucketThrottle{
		bucket:   bucket,
		fallback: fallback,
		prefix:   prefix,
		log:      log.Named("ratelimit.throttle"),
	}
}

func (t *BucketThrottle) Wait(ctx context.Context, key string) error {
	for {
		wait, err := t.bucket.Take(ctx, t.prefix+key)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.log.Warn("token bucket unavailable, using local limiter", zap.String("key", key), zap.Error(err))
			return t.fallback.Wait(ctx, key)
		}
		if wait <= 0 {
			return nil
		}

		timer := time.NewTimer(max(wait, minThrottleSleep))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

var _ providerdomain.Throttle = (*BucketThrottle)(nil)
