package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter spaces outbound requests evenly; no bursts.
type RateLimiter struct {
	limiter *rate.Limiter
}

func NewRateLimiter(requestsPerSecond int) *RateLimiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1)}
}

// WaitTurn blocks until the next request may be sent or ctx is done.
func (r *RateLimiter) WaitTurn(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Interval is the minimum spacing between two requests.
func (r *RateLimiter) Interval() time.Duration {
	return time.Duration(float64(time.Second) / float64(r.limiter.Limit()))
}

// Sleep pauses for d unless ctx is cancelled first. It is used for the fixed
// delays between batch chunks and between retries.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
