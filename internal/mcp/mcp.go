// Package mcp implements the Model Context Protocol surface of the
// reasoning service.
//
// Two kinds of capability live here: the reasoning_run tool, which executes
// a deployed reasoning pipe and feeds the invocation log the improvement
// loop watches, and the read-only improve_* operator tools and resources,
// which expose what the loop has observed, decided, and done.
package mcp

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/baseline"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/breaker"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/cache"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/invocations"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/pipes"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/runtimecfg"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/storage"
)

// CachedAnswer is one reasoning response held in the response cache. The
// stored time is checked against the live cache.response_ttl_ms parameter on
// every hit, so a TTL adjustment applies to entries already cached.
type CachedAnswer struct {
	Answer   string
	Pipe     string
	Quality  *float64
	StoredAt time.Time
}

// Config carries the static knobs of the MCP surface. Everything tunable at
// runtime is read from the registry per call instead.
type Config struct {
	// Version is the server version reported during MCP initialization.
	Version string
	// LoopEnabled mirrors the improvement loop's autonomous-execution flag
	// for the operator status surface.
	LoopEnabled bool
}

// Server wraps the mcp-go server with the reasoning service's collaborators.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     storage.Store
	runner    pipes.Runner
	fallback  pipes.Runner // nil when no fallback backend is configured
	registry  *runtimecfg.Registry
	recorder  *invocations.Recorder
	answers   *cache.LRU[string, CachedAnswer]
	breaker   *breaker.Breaker
	baselines *baseline.Calculator
	cfg       Config
	logger    *slog.Logger

	// active counts in-flight reasoning_run calls against the live
	// max_concurrent_requests resource level.
	active atomic.Int64
}

// New creates and configures the MCP server with all tools, resources, and
// prompts registered. fallback may be nil; every other collaborator is
// required.
func New(
	store storage.Store,
	runner pipes.Runner,
	fallback pipes.Runner,
	registry *runtimecfg.Registry,
	recorder *invocations.Recorder,
	answers *cache.LRU[string, CachedAnswer],
	brk *breaker.Breaker,
	baselines *baseline.Calculator,
	cfg Config,
	logger *slog.Logger,
) *Server {
	s := &Server{
		store:     store,
		runner:    runner,
		fallback:  fallback,
		registry:  registry,
		recorder:  recorder,
		answers:   answers,
		breaker:   brk,
		baselines: baselines,
		cfg:       cfg,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"reasoning",
		cfg.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// errorResult creates an error tool result. Tool-level failures come back
// this way; a non-nil Go error from a handler would abort the MCP exchange.
func errorResult(message string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: message},
		},
		IsError: true,
	}
}

// jsonResult marshals v indented into a text tool result.
func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("marshal result: " + err.Error())
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
