package rateLimit

import (
	"context"
	"time"

	"github.com/robertarktes/seat-allocation/internal/observability"
)

type Counter interface {
	IncrWindow(ctx context.Context, scope, id string, window time.Duration) (int64, error)
}

// RateLimiter throttles requests with fixed windows counted in Redis.
type RateLimiter struct {
	counter Counter
}

func NewRateLimiter(counter Counter) *RateLimiter {
	return &RateLimiter{counter: counter}
}

func (rl *RateLimiter) Allow(ctx context.Context, scope, id string, rate int, period time.Duration) (bool, error) {
	n, err := rl.counter.IncrWindow(ctx, scope, id, period)
	if err != nil {
		return false, err
	}
	if n > int64(rate) {
		observability.RateLimitExceeded.WithLabelValues(scope).Inc()
		return false, nil
	}
	return true, nil
}
