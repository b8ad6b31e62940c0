package webhook

import (
	"sync"
	"time"
)

// rateLimiter is a per-key sliding-window counter.
type rateLimiter struct {
	limit  int
	window time.Duration

	mu   sync.Mutex
	hits map[string][]time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
	}
}

// allow records one hit for key, reporting whether it fits the window.
// When denied, retryAfter says how long until the oldest hit expires.
func (r *rateLimiter) allow(key string, now time.Time) (ok bool, retryAfter time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	hits := r.hits[key]
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= r.limit {
		r.hits[key] = kept
		return false, kept[0].Sub(cutoff)
	}
	r.hits[key] = append(kept, now)
	return true, 0
}
