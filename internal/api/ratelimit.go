package api

import (
	"sync"
	"time"
)

// rateLimiter is a sliding-window limiter guarding POST /bundles against overload,
// adapted from the teacher's password-attempt limiter
// (internal/services/ratelimit.RateLimiter): same sliding-window-per-key algorithm,
// re-keyed from wallet id to caller remote address and backing bundlerr.Overloaded
// instead of a login lockout.
type rateLimiter struct {
	maxAttempts int
	window      time.Duration
	attempts    map[string][]time.Time
	mu          sync.Mutex
}

func newRateLimiter(maxAttempts int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		attempts:    make(map[string][]time.Time),
	}
}

// allow reports whether key may proceed, recording the attempt if so, and prunes
// timestamps outside the window on every call so the map never grows unbounded for
// a key that stops submitting.
func (rl *rateLimiter) allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	valid := make([]time.Time, 0, len(rl.attempts[key]))
	for _, ts := range rl.attempts[key] {
		if now.Sub(ts) < rl.window {
			valid = append(valid, ts)
		}
	}

	if len(valid) >= rl.maxAttempts {
		rl.attempts[key] = valid
		return false
	}

	rl.attempts[key] = append(valid, now)
	return true
}
