// Package ratelimit provides pluggable rate limiting.
//
// Two limiters live here. Limiter implementations throttle inbound HTTP
// requests by an opaque key; the single-binary distribution ships an
// in-memory token bucket (MemoryLimiter), and multi-instance deployments
// can substitute a shared-store implementation behind the same interface.
// ActionLimiter is separate: it gates the improvement loop's configuration
// writes with an hourly budget and a per-target cooldown.
package ratelimit

import (
	"context"
	"time"
)

// Rule describes one rate-limit class: Limit requests per Window per key.
// The server constructs one Rule per endpoint group (for example "auth"
// at 20/min by IP, "api" at 300/min by token subject).
type Rule struct {
	Prefix string        // bucket namespace, keeps endpoint groups independent
	Limit  int           // requests allowed per window
	Window time.Duration // measurement window
}

// Limiter decides whether a request identified by key should be allowed
// under a rule. Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is opaque,
	// callers construct it (client IP, token subject). Returning an error
	// signals a limiter malfunction; callers should treat errors as
	// fail-open (permit the request) rather than blocking traffic.
	Allow(ctx context.Context, rule Rule, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, Rule, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
