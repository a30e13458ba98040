package binance

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultRequestsPerSecond keeps well under the 1200 weight/minute spot limit.
	DefaultRequestsPerSecond = 10
	DefaultBurst             = 5

	// defaultBackoff applies when a 429/418 arrives without Retry-After.
	defaultBackoff = 30 * time.Second
)

// RateLimiter paces requests and backs off after Binance signals overload.
// A 429 or 418 response opens the breaker until the Retry-After deadline.
type RateLimiter struct {
	limiter *rate.Limiter

	mu        sync.Mutex
	banUntil  time.Time
	throttled int64
	now       func() time.Time
}

// NewRateLimiter creates a limiter allowing rps requests per second.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		now:     time.Now,
	}
}

// Wait blocks until a request may be sent or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	r.mu.Lock()
	wait := r.banUntil.Sub(r.now())
	r.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return r.limiter.Wait(ctx)
}

// Observe records the response status so overload responses pause traffic.
func (r *RateLimiter) Observe(status int, retryAfter string) {
	if status != http.StatusTooManyRequests && status != http.StatusTeapot {
		return
	}

	backoff := defaultBackoff
	if secs, err := strconv.Atoi(retryAfter); err == nil && secs > 0 {
		backoff = time.Duration(secs) * time.Second
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	until := r.now().Add(backoff)
	if until.After(r.banUntil) {
		r.banUntil = until
	}
	r.throttled++
}

// BlockedUntil returns the end of the current backoff, zero when none.
func (r *RateLimiter) BlockedUntil() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.banUntil.Before(r.now()) {
		return time.Time{}
	}
	return r.banUntil
}

// Throttled returns how many overload responses were seen.
func (r *RateLimiter) Throttled() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.throttled
}
