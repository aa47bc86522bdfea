package agent

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a per-user token bucket allowing limit requests per window.
// The key is the user ID only, so rotating session IDs does not reset it.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	every    rate.Limit
	burst    int
	window   time.Duration
	done     chan struct{}
	stopOnce sync.Once
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a rate limiter and starts its eviction goroutine.
// Call Stop to release it.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	rl := &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
		window:   window,
		done:     make(chan struct{}),
	}
	go rl.evictLoop()
	return rl
}

// Allow reports whether a request for key may proceed now.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.limiters[key]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(r.every, r.burst)}
		r.limiters[key] = entry
	}
	entry.lastSeen = time.Now()
	return entry.limiter.Allow()
}

// Stop ends the eviction goroutine.
func (r *RateLimiter) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

// evictLoop drops limiters idle for a full window.
func (r *RateLimiter) evictLoop() {
	ticker := time.NewTicker(r.window)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.mu.Lock()
			cutoff := time.Now().Add(-r.window)
			for key, entry := range r.limiters {
				if entry.lastSeen.Before(cutoff) {
					delete(r.limiters, key)
				}
			}
			r.mu.Unlock()
		}
	}
}
