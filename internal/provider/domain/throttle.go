package domain

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// LocalThrottle keeps one token bucket per key in process memory.
type LocalThrottle struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewLocalThrottle(requestsPerSecond float64, burst int) *LocalThrottle {
	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &LocalThrottle{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		burst:    burst,
	}
}

func (t *LocalThrottle) Wait(ctx context.Context, key string) error {
	return t.limiter(key).Wait(ctx)
}

func (t *LocalThrottle) limiter(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[key]
	if !ok {
		l = rate.NewLimiter(t.limit, t.burst)
		t.limiters[key] = l
	}
	return l
}

type noThrottle struct{}

func (noThrottle) Wait(context.Context, string) error { return nil }

// NoThrottle never delays.
var NoThrottle Throttle = noThrottle{}
