package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/ctxutil"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/integrity"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/pipes"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/storage"
)

// maxProblemBytes bounds the problem statement accepted by reasoning_run so
// a single call cannot push an oversized prompt at the pipe backend.
const maxProblemBytes = 64 * 1024

func (s *Server) registerTools() {
	// reasoning_run — execute a reasoning pipe.
	s.mcpServer.AddTool(
		mcplib.NewTool("reasoning_run",
			mcplib.WithDescription(`Run a reasoning pipe against a problem statement.

WHEN TO USE: Whenever you need structured reasoning over a problem —
working through a design question, weighing options, checking a claim
against evidence, or searching a configuration space.

Pick the mode that matches the problem's shape; "linear" is right for most.
Available modes: `+modeList()+`.

WHAT YOU GET BACK:
- answer: the reasoning result
- quality: the pipe's self-assessed answer quality (0.0-1.0), when present
- cached: whether the answer was served from the response cache
- fallback: whether the fallback backend served the call after the primary failed

EXAMPLE: reasoning_run with mode="decision",
problem="Choose between Redis and Memcached for session storage given 10k QPS"`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("problem",
				mcplib.Description("The problem statement to reason about. Be specific; include constraints and success criteria."),
				mcplib.Required(),
			),
			mcplib.WithString("mode",
				mcplib.Description("Reasoning mode: "+modeList()+". Defaults to linear."),
			),
			mcplib.WithString("context",
				mcplib.Description("Optional background the reasoning should take into account (prior decisions, environment details, partial results)."),
			),
		),
		s.handleReasoningRun,
	)

	// improve_status — current state of the self-improvement loop.
	s.mcpServer.AddTool(
		mcplib.NewTool("improve_status",
			mcplib.WithDescription(`See the current state of the self-improvement loop.

WHEN TO USE: First stop when reviewing the service. Answers "is the loop
acting, is it blocked, and is anything on fire" in one call.

WHAT YOU GET BACK:
- summary: one-paragraph synthesis of recent loop activity
- attention_needed: true when an operator should look closer
- breaker: circuit breaker position and failure streak
- actions_24h: action outcomes over the last 24 hours
- effectiveness: reward statistics per action kind and target
- config: live runtime parameters, feature flags, and resource levels
- cache / telemetry: response cache and invocation recorder counters`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleImproveStatus,
	)

	// improve_history — the tamper-evident action audit trail.
	s.mcpServer.AddTool(
		mcplib.NewTool("improve_history",
			mcplib.WithDescription(`List executed self-improvement actions, newest first.

Each record carries a content hash; hash_verified reports whether the stored
hash still matches the record, and merkle_root binds the returned set so an
auditor can compare roots across reads.

WHEN TO USE: To review what the loop changed and how each change turned
out — including rollbacks and their reasons.

FILTER EXAMPLES:
- Failures only: outcome="failed"
- Last shift: since_hours=8
- Rollbacks this week: outcome="rolled_back", since_hours=168`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("outcome",
				mcplib.Description("Filter by outcome: pending, success, failed, or rolled_back"),
			),
			mcplib.WithNumber("since_hours",
				mcplib.Description("Only actions executed within the trailing window, in hours. Omit for no time bound."),
				mcplib.Min(0),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum records to return"),
				mcplib.Min(1),
				mcplib.Max(200),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleImproveHistory,
	)

	// improve_diagnostics — diagnosis lifecycle and pipe traces.
	s.mcpServer.AddTool(
		mcplib.NewTool("improve_diagnostics",
			mcplib.WithDescription(`List self-diagnoses the loop produced, newest first.

WHEN TO USE: To understand WHY the loop acted (or refused to): each
diagnosis carries the model's hypothesis, the proposed action, the
rejection reason when a gate stopped it, and the latency and outcome of
every model call made along the way.

FILTER EXAMPLES:
- What got blocked: status="blocked"
- What the self-check rejected: status="rejected"
- Everything still in flight: status="executing"`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("status",
				mcplib.Description("Filter by status: pending, approved, rejected, executing, completed, or blocked"),
			),
			mcplib.WithNumber("since_hours",
				mcplib.Description("Only diagnoses created within the trailing window, in hours. Omit for no time bound."),
				mcplib.Min(0),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum diagnoses to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleImproveDiagnostics,
	)

	// improve_baselines — adaptive baseline state per metric.
	s.mcpServer.AddTool(
		mcplib.NewTool("improve_baselines",
			mcplib.WithDescription(`Show the adaptive baseline for every monitored metric.

WHEN TO USE: To see what the loop currently considers normal — the rolling
mean and EMA per metric, the warning and critical thresholds derived from
them, and whether each baseline has warmed up enough to fire triggers.

A baseline with valid=false is still warming up; its metric cannot trigger
the loop yet.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleImproveBaselines,
	)
}

// ---------------------------------------------------------------------------
// reasoning_run
// ---------------------------------------------------------------------------

func (s *Server) handleReasoningRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	problem := strings.TrimSpace(request.GetString("problem", ""))
	if problem == "" {
		return errorResult("problem is required"), nil
	}
	if len(problem) > maxProblemBytes {
		return errorResult(fmt.Sprintf("problem too large (%d bytes, limit %d)", len(problem), maxProblemBytes)), nil
	}

	mode := request.GetString("mode", defaultMode)
	pipe, ok := pipeForMode(mode)
	if !ok {
		return errorResult(fmt.Sprintf("unknown mode %q; valid modes: %s", mode, modeList())), nil
	}
	background := request.GetString("context", "")

	// Concurrency gate against the live resource level. Rejections are
	// recorded as failed invocations so sustained overload shows up in the
	// error rate the loop monitors.
	limit := s.registry.Resource(model.ResourceMaxConcurrentRequests, 8)
	if n := s.active.Add(1); n > limit {
		s.active.Add(-1)
		s.logger.Warn("mcp: rejecting reasoning_run at capacity",
			"mode", mode, "active", n-1, "limit", limit,
			"request_id", ctxutil.RequestIDFromContext(ctx))
		s.recorder.Record(model.Invocation{
			Tool: "reasoning_run", Mode: mode, Success: false, ErrorKind: "capacity",
		})
		return errorResult("server at capacity, retry shortly"), nil
	}
	defer s.active.Add(-1)

	key := answerKey(mode, problem, background)
	useCache := s.registry.Feature("response_cache", true)
	if useCache {
		ttl := s.registry.Duration("cache.response_ttl_ms", 5*time.Minute)
		if hit, found := s.answers.Get(key); found && time.Since(hit.StoredAt) < ttl {
			s.recorder.Record(model.Invocation{
				Tool: "reasoning_run", Mode: mode, Pipe: hit.Pipe, Success: true,
			})
			return jsonResult(runResponse{
				Mode: mode, Pipe: hit.Pipe, Answer: hit.Answer,
				Quality: hit.Quality, Cached: true,
			}), nil
		}
	}

	messages := pipes.UserMessage(buildRunPrompt(problem, background, s.registry.Int("reasoning.max_steps", 8)))
	timeout := s.registry.Duration("pipe.request_timeout_ms", 30*time.Second)

	resp, err := s.runPipe(ctx, pipe, messages, timeout)
	fellBack := false
	if err != nil {
		if s.fallback == nil {
			s.recorder.Record(model.Invocation{
				Tool: "reasoning_run", Mode: mode, Pipe: pipe,
				Success: false, ErrorKind: errorKind(err),
			})
			return errorResult(fmt.Sprintf("reasoning pipe failed: %v", err)), nil
		}
		s.logger.Warn("mcp: primary pipe failed, trying fallback",
			"pipe", pipe, "mode", mode, "error", err,
			"request_id", ctxutil.RequestIDFromContext(ctx))
		resp, err = s.runFallback(ctx, pipe, messages, timeout)
		if err != nil {
			s.recorder.Record(model.Invocation{
				Tool: "reasoning_run", Mode: mode, Pipe: pipe,
				Success: false, Fallback: true, ErrorKind: errorKind(err),
			})
			return errorResult(fmt.Sprintf("reasoning pipe failed (fallback too): %v", err)), nil
		}
		fellBack = true
	}

	answer, quality := pipes.ExtractQuality(resp.Text)
	s.recorder.Record(model.Invocation{
		Tool: "reasoning_run", Mode: mode, Pipe: resp.Pipe,
		LatencyMS: resp.LatencyMS, Success: true, Fallback: fellBack, Quality: quality,
	})
	if useCache {
		s.answers.Set(key, CachedAnswer{
			Answer: answer, Pipe: resp.Pipe, Quality: quality, StoredAt: time.Now(),
		})
	}

	return jsonResult(runResponse{
		Mode: mode, Pipe: resp.Pipe, Answer: answer,
		LatencyMS: resp.LatencyMS, Quality: quality, Fallback: fellBack,
	}), nil
}

// runResponse is the reasoning_run payload.
type runResponse struct {
	Mode      string   `json:"mode"`
	Pipe      string   `json:"pipe"`
	Answer    string   `json:"answer"`
	LatencyMS int64    `json:"latency_ms,omitempty"`
	Quality   *float64 `json:"quality,omitempty"`
	Cached    bool     `json:"cached,omitempty"`
	Fallback  bool     `json:"fallback,omitempty"`
}

// runPipe executes one attempt against the primary backend under the live
// request timeout.
func (s *Server) runPipe(ctx context.Context, pipe string, messages []pipes.Message, timeout time.Duration) (pipes.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.runner.Run(callCtx, pipe, messages)
}

// runFallback executes the same pipe against the fallback backend. The
// attempt gets its own timeout; a primary that burned its budget must not
// starve the fallback.
func (s *Server) runFallback(ctx context.Context, pipe string, messages []pipes.Message, timeout time.Duration) (pipes.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return s.fallback.Run(callCtx, pipe, messages)
}

// answerKey builds the cache key for one reasoning request. NUL separators
// keep "ab"+"c" and "a"+"bc" distinct.
func answerKey(mode, problem, background string) string {
	return mode + "\x00" + problem + "\x00" + background
}

// buildRunPrompt assembles the user message. The deployed pipe owns the
// mode's prompt; this only carries the problem, its context, the live step
// budget, and the request for the quality trailer ExtractQuality parses.
func buildRunPrompt(problem, background string, maxSteps int64) string {
	var b strings.Builder
	b.WriteString(problem)
	if background != "" {
		b.WriteString("\n\nContext:\n")
		b.WriteString(background)
	}
	fmt.Fprintf(&b, "\n\nUse at most %d reasoning steps.", maxSteps)
	b.WriteString("\nEnd your answer with a final line \"QUALITY: <0.0-1.0>\" rating how well the answer addresses the problem.")
	return b.String()
}

// errorKind classifies a pipe failure for the invocation log.
func errorKind(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, pipes.ErrNotConfigured):
		return "not_configured"
	default:
		return "pipe_error"
	}
}

// ---------------------------------------------------------------------------
// improve_status
// ---------------------------------------------------------------------------

func (s *Server) handleImproveStatus(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	payload, err := s.statusPayload(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(payload), nil
}

// statusPayload assembles the loop status document served by both the
// improve_status tool and the reasoning://improve/status resource.
func (s *Server) statusPayload(ctx context.Context) (map[string]any, error) {
	recent, err := s.store.ListActionRecords(ctx, storage.ActionFilter{
		Since: time.Now().Add(-24 * time.Hour),
		Limit: 50,
	})
	if err != nil {
		return nil, fmt.Errorf("mcp: list action records: %w", err)
	}
	eff, err := s.store.ListEffectiveness(ctx, 10)
	if err != nil {
		return nil, fmt.Errorf("mcp: list effectiveness: %w", err)
	}

	brk := s.breaker.Snapshot()
	hits, misses := s.answers.Stats()

	payload := map[string]any{
		"mode":             loopMode(s.cfg.LoopEnabled),
		"summary":          statusSummary(s.cfg.LoopEnabled, brk, recent),
		"attention_needed": attentionNeeded(brk, recent),
		"breaker":          brk,
		"actions_24h":      actionTally(recent),
		"effectiveness":    compactEffectivenessList(eff),
		"config":           s.registry.Snapshot(),
		"cache": map[string]any{
			"entries": s.answers.Len(),
			"hits":    hits,
			"misses":  misses,
		},
		"telemetry": map[string]any{
			"pending_invocations": s.recorder.Len(),
			"dropped_invocations": s.recorder.Dropped(),
		},
	}

	// Latest reflection, when the learner has written one.
	if refs, err := s.store.ListReflections(ctx, 1); err == nil && len(refs) > 0 {
		payload["last_reflection"] = map[string]any{
			"summary":     refs[0].Summary,
			"suggestions": refs[0].Suggestions,
			"created_at":  refs[0].CreatedAt,
		}
	}

	return payload, nil
}

// ---------------------------------------------------------------------------
// improve_history
// ---------------------------------------------------------------------------

func (s *Server) handleImproveHistory(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	filter := storage.ActionFilter{Limit: request.GetInt("limit", 20)}

	if outcome := request.GetString("outcome", ""); outcome != "" {
		switch model.ActionOutcome(outcome) {
		case model.OutcomePending, model.OutcomeSuccess, model.OutcomeFailed, model.OutcomeRolledBack:
			filter.Outcome = model.ActionOutcome(outcome)
		default:
			return errorResult(fmt.Sprintf("unknown outcome %q; valid outcomes: pending, success, failed, rolled_back", outcome)), nil
		}
	}
	if h := request.GetFloat("since_hours", 0); h > 0 {
		filter.Since = time.Now().Add(-time.Duration(h * float64(time.Hour)))
	}

	records, err := s.store.ListActionRecords(ctx, filter)
	if err != nil {
		return errorResult(fmt.Sprintf("list action records: %v", err)), nil
	}

	rows := make([]map[string]any, 0, len(records))
	hashFailures := 0
	for _, rec := range records {
		verified := integrity.VerifyActionHash(rec.ContentHash, rec.ID, rec.DiagnosisID, rec.Action, rec.ExecutedAt)
		if !verified {
			hashFailures++
		}
		rows = append(rows, compactRecord(rec, verified))
	}

	return jsonResult(map[string]any{
		"count":         len(records),
		"hash_failures": hashFailures,
		"merkle_root":   integrity.RecordsRoot(records),
		"actions":       rows,
	}), nil
}

// ---------------------------------------------------------------------------
// improve_diagnostics
// ---------------------------------------------------------------------------

func (s *Server) handleImproveDiagnostics(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	filter := storage.DiagnosisFilter{Limit: request.GetInt("limit", 20)}

	if status := request.GetString("status", ""); status != "" {
		switch model.DiagnosisStatus(status) {
		case model.DiagnosisPending, model.DiagnosisApproved, model.DiagnosisRejected,
			model.DiagnosisExecuting, model.DiagnosisCompleted, model.DiagnosisBlocked:
			filter.Status = model.DiagnosisStatus(status)
		default:
			return errorResult(fmt.Sprintf("unknown status %q; valid statuses: pending, approved, rejected, executing, completed, blocked", status)), nil
		}
	}
	if h := request.GetFloat("since_hours", 0); h > 0 {
		filter.Since = time.Now().Add(-time.Duration(h * float64(time.Hour)))
	}

	diagnoses, err := s.store.ListDiagnoses(ctx, filter)
	if err != nil {
		return errorResult(fmt.Sprintf("list diagnoses: %v", err)), nil
	}

	rows := make([]map[string]any, 0, len(diagnoses))
	byStatus := map[model.DiagnosisStatus]int{}
	for _, d := range diagnoses {
		byStatus[d.Status]++
		rows = append(rows, compactDiagnosis(d))
	}

	return jsonResult(map[string]any{
		"count":     len(diagnoses),
		"by_status": byStatus,
		"diagnoses": rows,
	}), nil
}

// ---------------------------------------------------------------------------
// improve_baselines
// ---------------------------------------------------------------------------

func (s *Server) handleImproveBaselines(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	states := s.baselines.Snapshot()

	valid := 0
	for _, st := range states {
		if st.Valid {
			valid++
		}
	}

	return jsonResult(map[string]any{
		"count":     len(states),
		"valid":     valid,
		"baselines": states,
	}), nil
}
