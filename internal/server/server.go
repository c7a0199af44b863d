package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/auth"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/baseline"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/breaker"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/ctxutil"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/invocations"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/precedent"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/ratelimit"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/runtimecfg"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/storage"
)

// Server is the reasoning service HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	handlers   *Handlers
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Registry, Breaker, Baselines, Recorder,
// Searcher, Limiter, MCPServer.
type ServerConfig struct {
	// Required dependencies.
	Store  storage.Store
	JWTMgr *auth.JWTManager
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Registry  *runtimecfg.Registry
	Breaker   *breaker.Breaker
	Baselines *baseline.Calculator
	Recorder  *invocations.Recorder
	Searcher  precedent.Searcher
	Limiter   ratelimit.Limiter
	MCPServer *mcpserver.MCPServer

	// Operator auth settings.
	AuthEnabled     bool
	OperatorKeyHash string

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	LoopEnabled         bool
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		Store:               cfg.Store,
		JWTMgr:              cfg.JWTMgr,
		Registry:            cfg.Registry,
		Breaker:             cfg.Breaker,
		Baselines:           cfg.Baselines,
		Recorder:            cfg.Recorder,
		Searcher:            cfg.Searcher,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OperatorKeyHash:     cfg.OperatorKeyHash,
		LoopEnabled:         cfg.LoopEnabled,
	})

	// Request ID extractor for rate limit error responses.
	reqIDFunc := func(r *http.Request) string {
		return ctxutil.RequestIDFromContext(r.Context())
	}

	// Rate limit rules.
	queryRL := ratelimit.MiddlewareWithRequestID(cfg.Limiter, ratelimit.Rule{
		Prefix: "query", Limit: 300, Window: time.Minute,
	}, operatorKeyFunc, reqIDFunc)
	mcpRL := ratelimit.MiddlewareWithRequestID(cfg.Limiter, ratelimit.Rule{
		Prefix: "mcp", Limit: 300, Window: time.Minute,
	}, operatorKeyFunc, reqIDFunc)
	authRL := ratelimit.MiddlewareWithRequestID(cfg.Limiter, ratelimit.Rule{
		Prefix: "auth", Limit: 20, Window: time.Minute,
	}, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required, rate limited by IP).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Improvement loop views (read-only, rate limited).
	mux.Handle("GET /v1/improve/status", queryRL(http.HandlerFunc(h.HandleImproveStatus)))
	mux.Handle("GET /v1/improve/history", queryRL(http.HandlerFunc(h.HandleImproveHistory)))
	mux.Handle("GET /v1/improve/diagnoses", queryRL(http.HandlerFunc(h.HandleImproveDiagnoses)))
	mux.Handle("GET /v1/improve/diagnoses/{id}", queryRL(http.HandlerFunc(h.HandleImproveDiagnosis)))
	mux.Handle("GET /v1/improve/baselines", queryRL(http.HandlerFunc(h.HandleImproveBaselines)))
	mux.Handle("GET /v1/improve/effectiveness", queryRL(http.HandlerFunc(h.HandleImproveEffectiveness)))

	// The one mutating improve endpoint: the breaker escape hatch.
	mux.Handle("POST /v1/improve/breaker/reset", queryRL(http.HandlerFunc(h.HandleBreakerReset)))

	// MCP StreamableHTTP transport (token required when auth is enabled).
	if cfg.MCPServer != nil {
		mcpHTTP := mcpserver.NewStreamableHTTPServer(cfg.MCPServer)
		mux.Handle("/mcp", mcpRL(mcpHTTP))
	}

	// Probes (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /ready", h.HandleReady)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, cfg.AuthEnabled, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler:  handler,
		handlers: h,
		logger:   cfg.Logger,
	}
}

// operatorKeyFunc keys rate limits on the token session when authenticated,
// falling back to client IP so unauthenticated deployments stay limited.
func operatorKeyFunc(r *http.Request) string {
	if claims := ctxutil.ClaimsFromContext(r.Context()); claims != nil {
		return claims.Subject
	}
	return ratelimit.IPKeyFunc(r)
}

// Handlers returns the underlying Handlers for direct access in tests.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
