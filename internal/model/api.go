package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// AuthTokenRequest is the request body for POST /auth/token. Name is an
// optional operator label carried into the token claims and every request
// log made with it.
type AuthTokenRequest struct {
	Name        string `json:"name,omitempty"`
	OperatorKey string `json:"operator_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status             string `json:"status"`
	Version            string `json:"version"`
	Storage            string `json:"storage"`
	Qdrant             string `json:"qdrant,omitempty"`
	Breaker            string `json:"breaker,omitempty"`
	PendingInvocations int    `json:"pending_invocations"`
	DroppedInvocations int64  `json:"dropped_invocations"`
	BufferStatus       string `json:"buffer_status"` // "ok", "high", "critical"
	Uptime             int64  `json:"uptime_seconds"`
}
