package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter caps inbound message rate per client id. Disabled when the
// configured RPM is zero or negative.
type RateLimiter struct {
	rpm   int
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter builds a per-client limiter at rpm messages per minute
// with the given burst.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	return &RateLimiter{
		rpm:      rpm,
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether limiting is active.
func (r *RateLimiter) Enabled() bool { return r.rpm > 0 }

// Allow consumes one token for the client, creating its limiter on first
// sight.
func (r *RateLimiter) Allow(clientID string) bool {
	if !r.Enabled() {
		return true
	}
	r.mu.Lock()
	lim, ok := r.limiters[clientID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(r.rpm)/60.0), r.burst)
		r.limiters[clientID] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}

// Remove drops a disconnected client's limiter.
func (r *RateLimiter) Remove(clientID string) {
	r.mu.Lock()
	delete(r.limiters, clientID)
	r.mu.Unlock()
}
