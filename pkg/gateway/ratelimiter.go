package gateway

import (
	"sync"
	"time"
)

// rateWindow is the sliding window over which per-client request counts are
// enforced.
const rateWindow = time.Minute

// ClientRateLimiter enforces a per-client sliding-window request budget plus
// a cap on requests in flight.
type ClientRateLimiter struct {
	mu          sync.Mutex
	maxPerWin   int
	maxInFlight int
	window      time.Duration
	requests    []time.Time
	inFlight    int
}

// NewClientRateLimiter creates a limiter with the given per-minute and
// concurrency budgets.
func NewClientRateLimiter(requestsPerMinute, maxConcurrent int) *ClientRateLimiter {
	return &ClientRateLimiter{
		maxPerWin:   requestsPerMinute,
		maxInFlight: maxConcurrent,
		window:      rateWindow,
	}
}

// Allow reports whether another request fits the budgets. A non-nil result
// is the RPC error to send back.
func (r *ClientRateLimiter) Allow() *RPCError {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight >= r.maxInFlight {
		return &RPCError{Code: TooManyConcurrent, Message: "too many concurrent requests"}
	}

	r.prune(time.Now())
	if len(r.requests) >= r.maxPerWin {
		return &RPCError{Code: RateLimitExceeded, Message: "rate limit exceeded"}
	}
	return nil
}

// Begin records a request entering the window.
func (r *ClientRateLimiter) Begin() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests = append(r.requests, time.Now())
	r.inFlight++
}

// End records a request finishing. Unmatched calls are absorbed rather than
// driving the in-flight count negative.
func (r *ClientRateLimiter) End() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight > 0 {
		r.inFlight--
	}
}

// Stats returns the in-window request count and the in-flight count.
func (r *ClientRateLimiter) Stats() (inWindow, inFlight int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(time.Now())
	return len(r.requests), r.inFlight
}

// prune drops requests that slid out of the window. Callers hold r.mu.
func (r *ClientRateLimiter) prune(now time.Time) {
	cutoff := now.Add(-r.window)
	kept := r.requests[:0]
	for _, at := range r.requests {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	r.requests = kept
}
