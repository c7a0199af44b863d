package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/baseline"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/breaker"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/cache"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/integrity"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/invocations"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/pipes"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/runtimecfg"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/testutil"
)

// fakeRunner serves scripted pipe responses keyed by pipe name and keeps the
// prompts it was handed.
type fakeRunner struct {
	mu      sync.Mutex
	replies map[string]string
	errs    map[string]error
	calls   []string
	prompts []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{replies: make(map[string]string), errs: make(map[string]error)}
}

func (f *fakeRunner) reply(pipe, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[pipe] = text
}

func (f *fakeRunner) failPipe(pipe string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[pipe] = err
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRunner) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

func (f *fakeRunner) Run(_ context.Context, pipe string, messages []pipes.Message) (pipes.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pipe)
	if len(messages) > 0 {
		f.prompts = append(f.prompts, messages[len(messages)-1].Content)
	}
	if err := f.errs[pipe]; err != nil {
		return pipes.Response{}, err
	}
	return pipes.Response{Text: f.replies[pipe], Pipe: pipe, LatencyMS: 7}, nil
}

// fixture wires a Server over in-memory collaborators, mirroring the boot
// wiring closely enough that handlers behave as in production.
type fixture struct {
	server    *Server
	store     *testutil.MemStore
	runner    *fakeRunner
	fallback  *fakeRunner
	registry  *runtimecfg.Registry
	answers   *cache.LRU[string, CachedAnswer]
	brk       *breaker.Breaker
	baselines *baseline.Calculator
}

func newFixture(t *testing.T, withFallback bool) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := testutil.NewMemStore()

	registry := runtimecfg.NewRegistry(logger)
	registry.SetParam("reasoning.max_steps", model.IntValue(8))
	registry.SetParam("reasoning.temperature", model.FloatValue(0.2))
	registry.SetParam("precedent.top_k", model.IntValue(5))
	registry.SetParam("pipe.request_timeout_ms", model.DurationValue(30*time.Second))
	registry.SetParam("cache.response_ttl_ms", model.DurationValue(5*time.Minute))
	registry.SetFeature("response_cache", true)
	registry.SetFeature("self_check", true)
	registry.SetFeature("precedent_memory", true)
	registry.SetResource(model.ResourceMaxConcurrentRequests, 8)

	// maxSize 1 so every Record triggers an immediate flush.
	recorder := invocations.NewRecorder(store, logger, 1, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	recorder.Start(ctx)
	t.Cleanup(func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer drainCancel()
		recorder.Drain(drainCtx)
		cancel()
	})

	f := &fixture{
		store:    store,
		runner:   newFakeRunner(),
		registry: registry,
		answers:  cache.New[string, CachedAnswer](64),
		brk:      breaker.New(breaker.Config{FailureThreshold: 2, RecoveryTimeout: time.Hour, HalfOpenSuccesses: 1}),
		baselines: baseline.New(baseline.Config{
			Alpha: 0.2, WarningMult: 1.5, CriticalMult: 2.0, TrendDeviation: 0.5, MinSamples: 3,
		}),
	}
	var fb pipes.Runner
	if withFallback {
		f.fallback = newFakeRunner()
		fb = f.fallback
	}
	f.server = New(store, f.runner, fb, registry, recorder, f.answers, f.brk, f.baselines,
		Config{Version: "test", LoopEnabled: true}, logger)
	return f
}

// callRequest builds a CallToolRequest with the given arguments.
func callRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

// waitInvocations blocks until the recorder has flushed at least n rows and
// returns them oldest first.
func waitInvocations(t *testing.T, store *testutil.MemStore, n int) []model.Invocation {
	t.Helper()
	require.Eventually(t, func() bool {
		return store.InvocationCount() >= n
	}, 2*time.Second, 10*time.Millisecond, "expected %d flushed invocation(s)", n)
	return store.Invocations()
}

// stepDown is the canonical in-policy action: reasoning.max_steps 8 -> 6.
func stepDown() model.SuggestedAction {
	return model.NewAdjustParam(model.AdjustParam{
		Key: "reasoning.max_steps",
		Old: model.IntValue(8),
		New: model.IntValue(6),
	})
}

// seedRecord inserts an executed-action row with a correct content hash the
// way the executor writes it. age is how far in the past it executed.
func seedRecord(t *testing.T, f *fixture, outcome model.ActionOutcome, age time.Duration) model.ActionRecord {
	t.Helper()
	rec := model.ActionRecord{
		ID:          uuid.New(),
		DiagnosisID: uuid.New(),
		Action:      stepDown(),
		Outcome:     outcome,
		Before:      model.MetricsSnapshot{ErrorRate: 0.08, LatencyP95MS: 1100, QualityScore: 0.7, FallbackRate: 0.02},
		ExecutedAt:  time.Now().UTC().Add(-age),
	}
	rec.ContentHash = integrity.ComputeActionHash(rec.ID, rec.DiagnosisID, rec.Action, rec.ExecutedAt)

	if outcome != model.OutcomePending {
		after := model.MetricsSnapshot{ErrorRate: 0.02, LatencyP95MS: 800, QualityScore: 0.9, FallbackRate: 0.01}
		var reward float64
		switch outcome {
		case model.OutcomeSuccess:
			reward = 0.6
		case model.OutcomeFailed:
			reward = -0.2
		case model.OutcomeRolledBack:
			reward = -0.4
		}
		resolved := rec.ExecutedAt.Add(2 * time.Minute)
		rec.After = &after
		rec.Reward = &reward
		rec.ResolvedAt = &resolved
	}
	require.NoError(t, f.store.InsertActionRecord(context.Background(), rec))
	return rec
}

// seedDiagnosis inserts a diagnosis with a critical error-rate trigger.
func seedDiagnosis(t *testing.T, f *fixture, status model.DiagnosisStatus, hypothesis string, age time.Duration) model.SelfDiagnosis {
	t.Helper()
	d := model.SelfDiagnosis{
		ID: uuid.New(),
		Report: model.HealthReport{
			Healthy:  false,
			Severity: model.SeverityCritical,
			Triggers: []model.TriggerMetric{{
				Metric:       model.MetricErrorRate,
				Severity:     model.SeverityCritical,
				Value:        0.09,
				Baseline:     0.02,
				Threshold:    0.04,
				DeviationPct: 350,
			}},
		},
		Hypothesis: hypothesis,
		Action:     stepDown(),
		Status:     status,
		Confidence: 0.8,
		PipeTrace:  []model.PipeCall{{Pipe: "improve-analyze", LatencyMS: 420, OK: true}},
		CreatedAt:  time.Now().UTC().Add(-age),
	}
	if status == model.DiagnosisBlocked {
		d.RejectedReason = "circuit breaker open"
	}
	require.NoError(t, f.store.InsertDiagnosis(context.Background(), d))
	return d
}

// ---------- reasoning_run ----------

func TestReasoningRunSuccess(t *testing.T) {
	f := newFixture(t, false)
	f.runner.reply("reasoning-linear", "Use Redis for sessions.\nQUALITY: 0.9")

	result, err := f.server.handleReasoningRun(context.Background(), callRequest("reasoning_run", map[string]any{
		"problem": "Choose a session store for 10k QPS",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, "run should succeed: %s", parseToolText(t, result))

	var resp struct {
		Mode      string   `json:"mode"`
		Pipe      string   `json:"pipe"`
		Answer    string   `json:"answer"`
		LatencyMS int64    `json:"latency_ms"`
		Quality   *float64 `json:"quality"`
		Cached    bool     `json:"cached"`
		Fallback  bool     `json:"fallback"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, "linear", resp.Mode, "mode defaults to linear")
	assert.Equal(t, "reasoning-linear", resp.Pipe)
	assert.Equal(t, "Use Redis for sessions.", resp.Answer, "quality trailer is stripped")
	require.NotNil(t, resp.Quality)
	assert.InDelta(t, 0.9, *resp.Quality, 1e-9)
	assert.False(t, resp.Cached)
	assert.False(t, resp.Fallback)

	invs := waitInvocations(t, f.store, 1)
	inv := invs[0]
	assert.Equal(t, "reasoning_run", inv.Tool)
	assert.Equal(t, "linear", inv.Mode)
	assert.Equal(t, "reasoning-linear", inv.Pipe)
	assert.True(t, inv.Success)
	assert.False(t, inv.Fallback)
	require.NotNil(t, inv.Quality)
	assert.InDelta(t, 0.9, *inv.Quality, 1e-9)
	assert.EqualValues(t, 7, inv.LatencyMS)
}

func TestReasoningRunPromptCarriesLiveSettings(t *testing.T) {
	f := newFixture(t, false)
	f.runner.reply("reasoning-tree", "ok\nQUALITY: 0.5")

	result, err := f.server.handleReasoningRun(context.Background(), callRequest("reasoning_run", map[string]any{
		"problem": "Pick an index layout",
		"mode":    "tree",
		"context": "Postgres 16, 2TB table",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	prompt := f.runner.lastPrompt()
	assert.Contains(t, prompt, "Pick an index layout")
	assert.Contains(t, prompt, "Context:\nPostgres 16, 2TB table")
	assert.Contains(t, prompt, "at most 8 reasoning steps")
	assert.Contains(t, prompt, "QUALITY:")

	// The step budget is read from the registry on every call, so a loop
	// adjustment takes effect without a restart.
	f.registry.SetParam("reasoning.max_steps", model.IntValue(4))
	_, err = f.server.handleReasoningRun(context.Background(), callRequest("reasoning_run", map[string]any{
		"problem": "Pick an index layout, take two",
		"mode":    "tree",
	}))
	require.NoError(t, err)
	assert.Contains(t, f.runner.lastPrompt(), "at most 4 reasoning steps")
}

func TestReasoningRunServesCachedAnswer(t *testing.T) {
	f := newFixture(t, false)
	f.runner.reply("reasoning-linear", "First answer.\nQUALITY: 0.8")

	args := map[string]any{"problem": "cache me"}
	first, err := f.server.handleReasoningRun(context.Background(), callRequest("reasoning_run", args))
	require.NoError(t, err)
	require.False(t, first.IsError)

	second, err := f.server.handleReasoningRun(context.Background(), callRequest("reasoning_run", args))
	require.NoError(t, err)
	require.False(t, second.IsError)

	var resp struct {
		Pipe   string `json:"pipe"`
		Answer string `json:"answer"`
		Cached bool   `json:"cached"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, second)), &resp))
	assert.True(t, resp.Cached)
	assert.Equal(t, "First answer.", resp.Answer)
	assert.Equal(t, "reasoning-linear", resp.Pipe)
	assert.Equal(t, 1, f.runner.callCount(), "cache hit must not reach the pipe")

	// Both calls land in the invocation log; the hit carries no fresh
	// quality sample.
	invs := waitInvocations(t, f.store, 2)
	assert.True(t, invs[1].Success)
	assert.Nil(t, invs[1].Quality)
}

func TestReasoningRunIgnoresExpiredEntry(t *testing.T) {
	f := newFixture(t, false)
	f.answers.Set(answerKey("linear", "expiring", ""), CachedAnswer{
		Answer: "stale", Pipe: "reasoning-linear", StoredAt: time.Now().Add(-time.Hour),
	})
	f.runner.reply("reasoning-linear", "fresh\nQUALITY: 0.7")

	result, err := f.server.handleReasoningRun(context.Background(), callRequest("reasoning_run", map[string]any{
		"problem": "expiring",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		Answer string `json:"answer"`
		Cached bool   `json:"cached"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.False(t, resp.Cached)
	assert.Equal(t, "fresh", resp.Answer)
	assert.Equal(t, 1, f.runner.callCount())
}

func TestReasoningRunCacheDisabled(t *testing.T) {
	f := newFixture(t, false)
	f.registry.SetFeature("response_cache", false)
	f.runner.reply("reasoning-linear", "answer\nQUALITY: 0.6")

	args := map[string]any{"problem": "no cache"}
	for i := 0; i < 2; i++ {
		result, err := f.server.handleReasoningRun(context.Background(), callRequest("reasoning_run", args))
		require.NoError(t, err)
		require.False(t, result.IsError)
	}
	assert.Equal(t, 2, f.runner.callCount())
	assert.Equal(t, 0, f.answers.Len(), "disabled cache must not be written")
}

func TestReasoningRunRejectsBadInput(t *testing.T) {
	f := newFixture(t, false)

	result, err := f.server.handleReasoningRun(context.Background(), callRequest("reasoning_run", map[string]any{
		"problem": "p", "mode": "psychic",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), `unknown mode "psychic"`)
	assert.Contains(t, parseToolText(t, result), "linear")

	result, err = f.server.handleReasoningRun(context.Background(), callRequest("reasoning_run", map[string]any{
		"problem": "   ",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "problem is required")

	result, err = f.server.handleReasoningRun(context.Background(), callRequest("reasoning_run", map[string]any{
		"problem": strings.Repeat("x", maxProblemBytes+1),
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "problem too large")

	assert.Equal(t, 0, f.runner.callCount(), "rejected input must not reach the pipe")
}

func TestReasoningRunFallsBack(t *testing.T) {
	f := newFixture(t, true)
	f.runner.failPipe("reasoning-decision", errors.New("langbase 502"))
	f.fallback.reply("reasoning-decision", "local answer\nQUALITY: 0.4")

	result, err := f.server.handleReasoningRun(context.Background(), callRequest("reasoning_run", map[string]any{
		"problem": "failover", "mode": "decision",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		Answer   string `json:"answer"`
		Fallback bool   `json:"fallback"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.True(t, resp.Fallback)
	assert.Equal(t, "local answer", resp.Answer)

	invs := waitInvocations(t, f.store, 1)
	assert.True(t, invs[0].Success)
	assert.True(t, invs[0].Fallback)
}

func TestReasoningRunBothBackendsFail(t *testing.T) {
	f := newFixture(t, true)
	f.runner.failPipe("reasoning-linear", errors.New("primary down"))
	f.fallback.failPipe("reasoning-linear", errors.New("fallback down"))

	result, err := f.server.handleReasoningRun(context.Background(), callRequest("reasoning_run", map[string]any{
		"problem": "doomed",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "fallback too")

	invs := waitInvocations(t, f.store, 1)
	assert.False(t, invs[0].Success)
	assert.True(t, invs[0].Fallback)
	assert.Equal(t, "pipe_error", invs[0].ErrorKind)
}

func TestReasoningRunNoFallbackConfigured(t *testing.T) {
	f := newFixture(t, false)
	f.runner.failPipe("reasoning-linear", fmt.Errorf("langbase: %w", pipes.ErrNotConfigured))

	result, err := f.server.handleReasoningRun(context.Background(), callRequest("reasoning_run", map[string]any{
		"problem": "alone",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "reasoning pipe failed")

	invs := waitInvocations(t, f.store, 1)
	assert.False(t, invs[0].Success)
	assert.False(t, invs[0].Fallback)
	assert.Equal(t, "not_configured", invs[0].ErrorKind)
}

func TestReasoningRunCapacityGate(t *testing.T) {
	f := newFixture(t, false)
	f.registry.SetResource(model.ResourceMaxConcurrentRequests, 0)

	result, err := f.server.handleReasoningRun(context.Background(), callRequest("reasoning_run", map[string]any{
		"problem": "busy",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "at capacity")
	assert.Equal(t, 0, f.runner.callCount())

	// Rejections count as failed invocations so overload feeds the error
	// rate the loop watches.
	invs := waitInvocations(t, f.store, 1)
	assert.False(t, invs[0].Success)
	assert.Equal(t, "capacity", invs[0].ErrorKind)
}

func TestErrorKind(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", context.DeadlineExceeded, "timeout"},
		{"canceled", context.Canceled, "canceled"},
		{"not configured", fmt.Errorf("langbase: %w", pipes.ErrNotConfigured), "not_configured"},
		{"other", errors.New("boom"), "pipe_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, errorKind(tc.err))
		})
	}
}

// ---------- improve_status ----------

func TestImproveStatusEmpty(t *testing.T) {
	f := newFixture(t, false)

	result, err := f.server.handleImproveStatus(context.Background(), callRequest("improve_status", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		Mode            string         `json:"mode"`
		Summary         string         `json:"summary"`
		AttentionNeeded bool           `json:"attention_needed"`
		Actions24h      map[string]int `json:"actions_24h"`
		Breaker         struct {
			State string `json:"state"`
		} `json:"breaker"`
		Cache struct {
			Entries int `json:"entries"`
		} `json:"cache"`
		Telemetry struct {
			Pending int `json:"pending_invocations"`
			Dropped int `json:"dropped_invocations"`
		} `json:"telemetry"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, "autonomous", resp.Mode)
	assert.Contains(t, resp.Summary, "Autonomous execution enabled")
	assert.Contains(t, resp.Summary, "No actions in the last 24 hours")
	assert.False(t, resp.AttentionNeeded)
	assert.Equal(t, "closed", resp.Breaker.State)
	assert.Empty(t, resp.Actions24h)
	assert.Zero(t, resp.Cache.Entries)
}

func TestImproveStatusWithActivity(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	seedRecord(t, f, model.OutcomeSuccess, 2*time.Hour)
	seedRecord(t, f, model.OutcomeRolledBack, time.Hour)

	require.NoError(t, f.store.UpsertEffectiveness(ctx, model.ActionEffectiveness{
		Kind: model.ActionAdjustParam, Target: "reasoning.max_steps",
		Attempts: 4, Successes: 3, MeanReward: 0.45, Score: 0.5,
	}))
	require.NoError(t, f.store.InsertReflection(ctx, model.Reflection{
		ActionsSeen: 2,
		Summary:     "Step reductions keep paying off.",
		Suggestions: "Consider a lower default step budget.",
	}))

	result, err := f.server.handleImproveStatus(ctx, callRequest("improve_status", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		Summary       string `json:"summary"`
		Effectiveness []struct {
			Target      string  `json:"target"`
			SuccessRate float64 `json:"success_rate"`
		} `json:"effectiveness"`
		LastReflection struct {
			Summary string `json:"summary"`
		} `json:"last_reflection"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Contains(t, resp.Summary, "2 action(s) in the last 24 hours")
	assert.Contains(t, resp.Summary, "1 success, 1 rolled_back")
	assert.Contains(t, resp.Summary, "Last action:")
	assert.Contains(t, resp.Summary, "rolled_back")

	require.Len(t, resp.Effectiveness, 1)
	assert.Equal(t, "reasoning.max_steps", resp.Effectiveness[0].Target)
	assert.InDelta(t, 0.75, resp.Effectiveness[0].SuccessRate, 1e-9)
	assert.Equal(t, "Step reductions keep paying off.", resp.LastReflection.Summary)
}

// ---------- improve_history ----------

func TestImproveHistoryVerifiesHashes(t *testing.T) {
	f := newFixture(t, false)
	good := seedRecord(t, f, model.OutcomeSuccess, 2*time.Hour)

	// A record whose stored hash no longer matches its content.
	tampered := model.ActionRecord{
		ID:          uuid.New(),
		DiagnosisID: uuid.New(),
		Action:      stepDown(),
		Outcome:     model.OutcomeFailed,
		Before:      model.MetricsSnapshot{ErrorRate: 0.08},
		ExecutedAt:  time.Now().UTC().Add(-time.Hour),
		ContentHash: "v2:" + strings.Repeat("0", 64),
	}
	require.NoError(t, f.store.InsertActionRecord(context.Background(), tampered))

	result, err := f.server.handleImproveHistory(context.Background(), callRequest("improve_history", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		Count        int    `json:"count"`
		HashFailures int    `json:"hash_failures"`
		MerkleRoot   string `json:"merkle_root"`
		Actions      []struct {
			ID           string `json:"id"`
			HashVerified bool   `json:"hash_verified"`
			Outcome      string `json:"outcome"`
		} `json:"actions"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, 1, resp.HashFailures)
	assert.Len(t, resp.MerkleRoot, 64)

	require.Len(t, resp.Actions, 2)
	// Newest first: the tampered record executed an hour ago, the good one two.
	assert.Equal(t, tampered.ID.String(), resp.Actions[0].ID)
	assert.False(t, resp.Actions[0].HashVerified)
	assert.Equal(t, good.ID.String(), resp.Actions[1].ID)
	assert.True(t, resp.Actions[1].HashVerified)
}

func TestImproveHistoryFilters(t *testing.T) {
	f := newFixture(t, false)
	seedRecord(t, f, model.OutcomeSuccess, 3*time.Hour)
	seedRecord(t, f, model.OutcomeFailed, 2*time.Hour)
	seedRecord(t, f, model.OutcomeFailed, 30*time.Hour)

	count := func(args map[string]any) int {
		t.Helper()
		result, err := f.server.handleImproveHistory(context.Background(), callRequest("improve_history", args))
		require.NoError(t, err)
		require.False(t, result.IsError, parseToolText(t, result))
		var resp struct {
			Count int `json:"count"`
		}
		require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
		return resp.Count
	}

	assert.Equal(t, 3, count(nil))
	assert.Equal(t, 2, count(map[string]any{"outcome": "failed"}))
	assert.Equal(t, 1, count(map[string]any{"outcome": "failed", "since_hours": 24}))
	assert.Equal(t, 1, count(map[string]any{"limit": 1}))

	result, err := f.server.handleImproveHistory(context.Background(), callRequest("improve_history", map[string]any{
		"outcome": "exploded",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), `unknown outcome "exploded"`)
}

// ---------- improve_diagnostics ----------

func TestImproveDiagnostics(t *testing.T) {
	f := newFixture(t, false)
	seedDiagnosis(t, f, model.DiagnosisCompleted, "Error rate spiked after the timeout cut", 2*time.Hour)
	longHypothesis := strings.Repeat("h", 250)
	seedDiagnosis(t, f, model.DiagnosisBlocked, longHypothesis, time.Hour)

	result, err := f.server.handleImproveDiagnostics(context.Background(), callRequest("improve_diagnostics", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		Count     int            `json:"count"`
		ByStatus  map[string]int `json:"by_status"`
		Diagnoses []struct {
			Status         string `json:"status"`
			Hypothesis     string `json:"hypothesis"`
			TriggerMetric  string `json:"trigger_metric"`
			RejectedReason string `json:"rejected_reason"`
		} `json:"diagnoses"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Equal(t, map[string]int{"completed": 1, "blocked": 1}, resp.ByStatus)

	require.Len(t, resp.Diagnoses, 2)
	blocked := resp.Diagnoses[0] // newest first
	assert.Equal(t, "blocked", blocked.Status)
	assert.Equal(t, "error_rate", blocked.TriggerMetric)
	assert.Equal(t, "circuit breaker open", blocked.RejectedReason)
	assert.True(t, strings.HasSuffix(blocked.Hypothesis, "..."), "long hypothesis is truncated")
	assert.Less(t, len(blocked.Hypothesis), len(longHypothesis))

	// Status filter narrows to matching rows.
	result, err = f.server.handleImproveDiagnostics(context.Background(), callRequest("improve_diagnostics", map[string]any{
		"status": "blocked",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	var filtered struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &filtered))
	assert.Equal(t, 1, filtered.Count)

	result, err = f.server.handleImproveDiagnostics(context.Background(), callRequest("improve_diagnostics", map[string]any{
		"status": "meh",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), `unknown status "meh"`)
}

// ---------- improve_baselines ----------

func TestImproveBaselines(t *testing.T) {
	f := newFixture(t, false)
	for i := 0; i < 3; i++ {
		f.baselines.Record(model.MetricErrorRate, 0.02)
	}

	result, err := f.server.handleImproveBaselines(context.Background(), callRequest("improve_baselines", nil))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var resp struct {
		Count     int `json:"count"`
		Valid     int `json:"valid"`
		Baselines []struct {
			Metric  string `json:"metric"`
			Valid   bool   `json:"valid"`
			Samples int64  `json:"samples"`
		} `json:"baselines"`
	}
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), &resp))
	assert.Equal(t, 4, resp.Count, "one baseline per core metric")
	assert.Equal(t, 1, resp.Valid)

	found := false
	for _, b := range resp.Baselines {
		if b.Metric == "error_rate" {
			found = true
			assert.True(t, b.Valid)
			assert.EqualValues(t, 3, b.Samples)
		} else {
			assert.False(t, b.Valid)
		}
	}
	assert.True(t, found, "error_rate baseline present")
}
