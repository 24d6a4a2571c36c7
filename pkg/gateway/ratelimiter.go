package gateway

import (
	"sync"
	"time"
)

const (
	defaultRequestsPerMinute = 120
	defaultMaxConcurrent     = 10
)

// RateLimiter bounds one client's requests per sliding minute and its
// requests in flight.
type RateLimiter struct {
	mu            sync.Mutex
	perMinute     int
	maxConcurrent int
	window        []time.Time
	inFlight      int
	now           func() time.Time
}

func NewRateLimiter(perMinute, maxConcurrent int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = defaultRequestsPerMinute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}
	return &RateLimiter{perMinute: perMinute, maxConcurrent: maxConcurrent, now: time.Now}
}

// Acquire admits a request, returning the RPC error code and reason when
// it is refused. Every admitted request must be paired with Release.
func (r *RateLimiter) Acquire() (code int, reason string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight >= r.maxConcurrent {
		return TooManyConcurrent, "too many concurrent requests", false
	}

	cutoff := r.now().Add(-time.Minute)
	keep := r.window[:0]
	for _, ts := range r.window {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	r.window = keep
	if len(r.window) >= r.perMinute {
		return RateLimitExceeded, "rate limit exceeded", false
	}

	r.window = append(r.window, r.now())
	r.inFlight++
	return 0, "", true
}

func (r *RateLimiter) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight > 0 {
		r.inFlight--
	}
}
