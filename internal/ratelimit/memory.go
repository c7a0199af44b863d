package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket is a single token bucket for one prefix:key pair.
type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// MemoryLimiter implements Limiter with an in-memory token bucket per
// prefix:key pair. One instance serves every rule; the rule passed to
// Allow supplies the refill rate (Limit/Window) and capacity (Limit),
// so a burst may consume a full window's allowance at once and then
// refill continuously. A background goroutine evicts stale entries
// every minute to bound memory.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates an in-memory limiter. A background goroutine
// evicts keys not accessed in the last 10 minutes. Call Close to stop it.
func NewMemoryLimiter() *MemoryLimiter {
	m := &MemoryLimiter{
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow consumes one token from the bucket for rule.Prefix:key. Returns
// true if a token was available, false if the caller is rate limited.
// A rule with a non-positive Limit or Window disables limiting for that
// call.
func (m *MemoryLimiter) Allow(_ context.Context, rule Rule, key string) (bool, error) {
	if rule.Limit <= 0 || rule.Window <= 0 {
		return true, nil
	}
	rate := float64(rule.Limit) / rule.Window.Seconds()
	burst := float64(rule.Limit)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	id := rule.Prefix + ":" + key
	b, ok := m.buckets[id]
	if !ok {
		// First request for this pair: start with a full bucket minus one token.
		m.buckets[id] = &bucket{
			tokens:     burst - 1,
			lastAccess: now,
		}
		return true, nil
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastAccess).Seconds()
	b.tokens += elapsed * rate
	if b.tokens > burst {
		b.tokens = burst
	}
	b.lastAccess = now

	if b.tokens < 1 {
		return false, nil
	}
	b.tokens--
	return true, nil
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts buckets that haven't been accessed recently.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for id, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, id)
		}
	}
}
