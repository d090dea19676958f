package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const sweepEvery = 256

// MapLimiter applies a token bucket per key (typically a sender address) and
// evicts buckets that have been idle longer than idleTTL. A nil *MapLimiter
// allows everything.
type MapLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	byKey map[string]*entry
	hits  uint64
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a key-based limiter; returns nil if args are invalid.
func New(rps float64, burst int, idleTTL time.Duration) *MapLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &MapLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		byKey:   make(map[string]*entry),
	}
}

// Allow reports whether one token can be consumed for key at now. Time comes
// from the caller so the limiter follows the same clock as the rest of the core.
func (l *MapLimiter) Allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byKey[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byKey[key] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	l.hits++
	if l.hits%sweepEvery == 0 {
		l.sweepLocked(now)
	}
	return allowed
}

// Forget drops the bucket for key.
func (l *MapLimiter) Forget(key string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.byKey, strings.TrimSpace(key))
	l.mu.Unlock()
}

// Len returns the number of tracked keys.
func (l *MapLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byKey)
}

func (l *MapLimiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for k, v := range l.byKey {
		if v.lastSeen.Before(cutoff) {
			delete(l.byKey, k)
		}
	}
}
