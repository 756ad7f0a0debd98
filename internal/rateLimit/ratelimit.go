package rateLimit

import (
	"context"
	"time"
)

// Counter is a fixed-window counter store; the redis cache implements it.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

type RateLimiter struct {
	counter Counter
}

func NewRateLimiter(counter Counter) *RateLimiter {
	return &RateLimiter{counter: counter}
}

// Allow counts one hit against key and reports whether it is within rate
// hits per period. A counter failure is returned with allowed set to true
// so an unavailable redis does not take the API down.
func (rl *RateLimiter) Allow(ctx context.Context, key string, rate int, period time.Duration) (bool, error) {
	n, err := rl.counter.Incr(ctx, "rl:"+key, period)
	if err != nil {
		return true, err
	}
	return n <= int64(rate), nil
}
