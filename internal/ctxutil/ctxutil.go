// Package ctxutil provides shared context key accessors.
//
// This package exists to break the circular dependency between server and
// mcp: server mounts the MCP handler and its middleware authenticates every
// request, while mcp wants the resulting identity and request ID for its
// log lines. Both packages import ctxutil instead of each other.
package ctxutil

import (
	"context"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/auth"
)

type contextKey string

const (
	keyClaims    contextKey = "claims"
	keyRequestID contextKey = "request_id"
)

// WithClaims returns a new context carrying verified operator claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, keyClaims, claims)
}

// ClaimsFromContext extracts the operator claims from the context.
func ClaimsFromContext(ctx context.Context) *auth.Claims {
	if v, ok := ctx.Value(keyClaims).(*auth.Claims); ok {
		return v
	}
	return nil
}

// Operator returns the operator name from the context's claims, or "" when
// the request carried no verified token.
func Operator(ctx context.Context) string {
	if c := ClaimsFromContext(ctx); c != nil {
		return c.Name
	}
	return ""
}

// WithRequestID returns a new context carrying the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request ID from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
