package provider

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// breakerState is a simple failure-detection state machine per provider.
type breakerState string

const (
	breakerClosed   breakerState = "CLOSED"
	breakerOpen     breakerState = "OPEN"
	breakerHalfOpen breakerState = "HALF_OPEN"
)

// providerHealth tracks one provider's availability: last-healthy
// timestamp, circuit breaker, and outbound rate limiter.
type providerHealth struct {
	mu           sync.Mutex
	lastHealthy  time.Time
	lastFailure  time.Time
	failureCount int
	state        breakerState
	limiter      *rate.Limiter
}

func newProviderHealth(rps rate.Limit, burst int) *providerHealth {
	return &providerHealth{
		state:   breakerClosed,
		limiter: rate.NewLimiter(rps, burst),
	}
}

// healthy reports whether the provider is usable: the unhealthy cooldown
// has elapsed and the breaker permits a call.
func (h *providerHealth) healthy(now time.Time, cooldown time.Duration, threshold int) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.lastFailure.IsZero() && now.Sub(h.lastFailure) < cooldown && h.failureCount >= threshold {
		if h.state == breakerOpen {
			return false
		}
	}
	if h.state == breakerOpen {
		if now.Sub(h.lastFailure) > cooldown {
			h.state = breakerHalfOpen
			return true
		}
		return false
	}
	return true
}

func (h *providerHealth) success(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastHealthy = now
	h.failureCount = 0
	h.state = breakerClosed
}

func (h *providerHealth) failure(now time.Time, threshold int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failureCount++
	h.lastFailure = now
	if h.failureCount >= threshold {
		h.state = breakerOpen
	}
}

// markUnhealthy opens the breaker immediately (timeout path).
func (h *providerHealth) markUnhealthy(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failureCount++
	h.lastFailure = now
	h.state = breakerOpen
}
