package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CountRecentFunc reports how many improvement actions executed at or
// after since. The executor wires this to the action history store so
// the hourly budget survives restarts.
type CountRecentFunc func(ctx context.Context, since time.Time) (int, error)

// Verdict is an ActionLimiter decision. When Allowed is false, Reason
// names the exhausted gate in operator-readable form; it ends up in the
// diagnosis record.
type Verdict struct {
	Allowed bool
	Reason  string
}

// ActionLimiter caps how often the improvement loop may change live
// configuration: a shared hourly budget across all targets, plus a
// per-target cooldown so the loop cannot thrash a single parameter.
//
// Unlike request limiting, errors here are fail-closed: when the budget
// cannot be counted the caller should skip the action, not act blind.
type ActionLimiter struct {
	maxPerHour int
	cooldown   time.Duration
	count      CountRecentFunc

	mu       sync.Mutex
	lastSeen map[string]time.Time

	stopOnce sync.Once
	done     chan struct{}
}

// NewActionLimiter creates an action limiter.
//   - maxPerHour: budget shared across all targets; zero disables it
//   - cooldown: minimum gap between writes to the same target; zero disables it
//   - count: backing counter for the budget, usually the action store
//
// A background goroutine evicts cooldown entries once they expire. Call
// Close to stop it.
func NewActionLimiter(maxPerHour int, cooldown time.Duration, count CountRecentFunc) *ActionLimiter {
	l := &ActionLimiter{
		maxPerHour: maxPerHour,
		cooldown:   cooldown,
		count:      count,
		lastSeen:   make(map[string]time.Time),
		done:       make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// AllowAction checks the hourly budget, then the target's cooldown.
// A denied verdict is not an error; an error means the budget could not
// be evaluated at all.
func (l *ActionLimiter) AllowAction(ctx context.Context, target string) (Verdict, error) {
	if l.maxPerHour > 0 {
		n, err := l.count(ctx, time.Now().Add(-time.Hour))
		if err != nil {
			return Verdict{}, fmt.Errorf("ratelimit: count recent actions: %w", err)
		}
		if n >= l.maxPerHour {
			return Verdict{Reason: fmt.Sprintf("action budget exhausted: %d of %d in the last hour", n, l.maxPerHour)}, nil
		}
	}

	if l.cooldown > 0 {
		l.mu.Lock()
		last, ok := l.lastSeen[target]
		l.mu.Unlock()
		if ok {
			if remaining := l.cooldown - time.Since(last); remaining > 0 {
				return Verdict{Reason: fmt.Sprintf("target %q cooling down for another %s", target, remaining.Round(time.Second))}, nil
			}
		}
	}

	return Verdict{Allowed: true}, nil
}

// NoteApplied records that an action just wrote to target, starting its
// cooldown. Call it only after a successful apply; blocked and failed
// attempts do not consume the target's cooldown.
func (l *ActionLimiter) NoteApplied(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastSeen[target] = time.Now()
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (l *ActionLimiter) Close() error {
	l.stopOnce.Do(func() { close(l.done) })
	return nil
}

// cleanup periodically drops cooldown entries that have expired.
func (l *ActionLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evictExpired()
		}
	}
}

func (l *ActionLimiter) evictExpired() {
	// Entries older than the cooldown no longer gate anything. With the
	// cooldown disabled, fall back to the request-limiter threshold so
	// the map still cannot grow without bound.
	ttl := l.cooldown
	if ttl <= 0 {
		ttl = staleThreshold
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	for target, at := range l.lastSeen {
		if at.Before(cutoff) {
			delete(l.lastSeen, target)
		}
	}
}
