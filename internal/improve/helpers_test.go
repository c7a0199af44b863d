package improve_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/baseline"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/pipes"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/precedent"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/runtimecfg"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func baselineConfig() baseline.Config {
	return baseline.Config{
		Alpha:          0.2,
		WarningMult:    1.5,
		CriticalMult:   2.0,
		TrendDeviation: 0.5,
		MinSamples:     3,
	}
}

// seedRegistry mirrors the boot wiring: every allowlisted target exists in
// the live registry.
func seedRegistry(logger *slog.Logger) *runtimecfg.Registry {
	r := runtimecfg.NewRegistry(logger)
	r.SetParam("reasoning.max_steps", model.IntValue(8))
	r.SetParam("reasoning.temperature", model.FloatValue(0.2))
	r.SetParam("precedent.top_k", model.IntValue(5))
	r.SetParam("pipe.request_timeout_ms", model.DurationValue(30*time.Second))
	r.SetParam("cache.response_ttl_ms", model.DurationValue(5*time.Minute))
	r.SetFeature("precedent_memory", true)
	r.SetFeature("response_cache", true)
	r.SetFeature("self_check", true)
	r.SetResource(model.ResourceMaxConcurrentRequests, 8)
	r.RegisterFlusher("response_cache", func() {})
	return r
}

// fakeSource replays queued snapshots in order; once the queue drains the
// last snapshot repeats.
type fakeSource struct {
	mu    sync.Mutex
	queue []model.MetricsSnapshot
	last  model.MetricsSnapshot
	err   error
}

func (f *fakeSource) push(snaps ...model.MetricsSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, snaps...)
}

func (f *fakeSource) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSource) Snapshot(context.Context, time.Duration) (model.MetricsSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return model.MetricsSnapshot{}, f.err
	}
	if len(f.queue) > 0 {
		f.last = f.queue[0]
		f.queue = f.queue[1:]
	}
	return f.last, nil
}

// fakeRunner serves scripted pipe responses keyed by pipe name and records
// the prompt each pipe was last sent.
type fakeRunner struct {
	mu      sync.Mutex
	replies map[string]string
	errs    map[string]error
	calls   []string
	prompts map[string]string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		replies: make(map[string]string),
		errs:    make(map[string]error),
		prompts: make(map[string]string),
	}
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

func (f *fakeRunner) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRunner) prompt(pipe string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prompts[pipe]
}

func (f *fakeRunner) Run(_ context.Context, pipe string, messages []pipes.Message) (pipes.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, pipe)
	if len(messages) > 0 {
		f.prompts[pipe] = messages[0].Content
	}
	if err := f.errs[pipe]; err != nil {
		return pipes.Response{}, err
	}
	return pipes.Response{Text: f.replies[pipe], Pipe: pipe, LatencyMS: 3}, nil
}

// fakePrecedents records the lookup it served.
type fakePrecedents struct {
	mu      sync.Mutex
	matches []model.PrecedentMatch
	calls   int
	gotText string
	gotK    int
	gotF    precedent.Filters
}

func (f *fakePrecedents) TopK(_ context.Context, text string, flt precedent.Filters, k int) ([]model.PrecedentMatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.gotText = text
	f.gotK = k
	f.gotF = flt
	return f.matches, nil
}

// healthySnap is a clean 50-sample window; warming baselines with it puts
// the error-rate critical threshold at 0.04.
func healthySnap() model.MetricsSnapshot {
	now := time.Now().UTC()
	return model.MetricsSnapshot{
		ErrorRate:      0.02,
		LatencyP95MS:   800,
		QualityScore:   0.9,
		FallbackRate:   0.01,
		WindowStart:    now.Add(-15 * time.Minute),
		WindowEnd:      now,
		SampleCount:    50,
		QualitySamples: 40,
	}
}

// degradedSnap spikes the error rate far past the critical threshold.
func degradedSnap() model.MetricsSnapshot {
	s := healthySnap()
	s.ErrorRate = 0.09
	return s
}

// degradedReport is the report the monitor emits for degradedSnap against
// warmed baselines.
func degradedReport() model.HealthReport {
	s := degradedSnap()
	return model.HealthReport{
		Healthy:  false,
		Severity: model.SeverityCritical,
		Triggers: []model.TriggerMetric{{
			Metric:       model.MetricErrorRate,
			Severity:     model.SeverityCritical,
			Value:        s.ErrorRate,
			Baseline:     0.02,
			Threshold:    0.04,
			DeviationPct: 350,
		}},
		Snapshot:   s,
		ObservedAt: time.Now().UTC(),
	}
}

// stepDown is the canonical in-policy action: reasoning.max_steps 8 -> 6.
func stepDown() model.SuggestedAction {
	return model.NewAdjustParam(model.AdjustParam{
		Key: "reasoning.max_steps",
		Old: model.IntValue(8),
		New: model.IntValue(6),
	})
}

// insertRecord stores an executed-action row the way the executor writes it.
func insertRecord(t *testing.T, store *testutil.MemStore, outcome model.ActionOutcome, before model.MetricsSnapshot, after *model.MetricsSnapshot) model.ActionRecord {
	t.Helper()
	now := time.Now().UTC()
	rec := model.ActionRecord{
		ID:          uuid.New(),
		DiagnosisID: uuid.New(),
		Action:      stepDown(),
		Outcome:     outcome,
		Before:      before,
		After:       after,
		ExecutedAt:  now,
	}
	if outcome != model.OutcomePending {
		rec.ResolvedAt = &now
	}
	require.NoError(t, store.InsertActionRecord(context.Background(), rec))
	return rec
}
