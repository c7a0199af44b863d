package improve_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/baseline"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/breaker"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/improve"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/pipes"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/policy"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/ratelimit"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/runtimecfg"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/storage"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/testutil"
)

type systemFixture struct {
	system   *improve.System
	src      *fakeSource
	runner   *fakeRunner
	store    *testutil.MemStore
	registry *runtimecfg.Registry
	brk      *breaker.Breaker
	calc     *baseline.Calculator
}

// newSystemFixture assembles the whole loop over fakes, ticking fast enough
// for Eventually-style assertions.
func newSystemFixture(t *testing.T, enabled bool) *systemFixture {
	t.Helper()
	logger := discardLogger()
	store := testutil.NewMemStore()
	src := &fakeSource{}
	runner := newFakeRunner()
	runner.reply("improve-diagnose", "HYPOTHESIS: error spike after cache churn\nCONFIDENCE: 0.8")
	runner.reply("improve-select-action", "KIND: adjust_param\nTARGET: reasoning.max_steps\nVALUE: 6\nREASON: reduce step budget")
	runner.reply("improve-validate", "APPROVE: yes\nREASON: bounded and reversible")
	runner.reply("improve-reflect", "SUMMARY: one clean step-down\nSUGGESTIONS: none")

	registry := seedRegistry(logger)
	calc := baseline.New(baselineConfig())
	brk := breaker.New(breaker.Config{})
	pipeline := pipes.NewPipeline(runner, pipes.PipeNames{}, logger)
	allow := policy.Default()

	monitor := improve.NewMonitor(src, calc, 15*time.Minute, 20, logger)
	analyzer := improve.NewAnalyzer(pipeline, allow, registry, store, nil, nil, logger)
	limiter := ratelimit.NewActionLimiter(10, 0, store.CountActionsSince)
	t.Cleanup(func() { limiter.Close() })
	executor := improve.NewExecutor(store, registry, allow, brk, limiter, src, improve.ExecutorConfig{
		Stabilization:     0,
		RollbackWorsenPct: 10,
	}, logger)
	learner := improve.NewLearner(store, pipeline, improve.RewardWeights{Error: 0.40, Latency: 0.25, Quality: 0.25, Fallback: 0.10}, 5, logger)

	system := improve.NewSystem(monitor, analyzer, executor, learner, store, calc, brk, improve.SystemConfig{
		Enabled:             enabled,
		Interval:            5 * time.Millisecond,
		InvocationRetention: 24 * time.Hour,
	}, logger)

	return &systemFixture{
		system:   system,
		src:      src,
		runner:   runner,
		store:    store,
		registry: registry,
		brk:      brk,
		calc:     calc,
	}
}

func TestSystemMonitorOnlyMode(t *testing.T) {
	ctx := context.Background()
	f := newSystemFixture(t, false)
	f.src.push(healthySnap(), healthySnap(), healthySnap(), degradedSnap())

	f.system.Start(ctx)
	defer func() { require.NoError(t, f.system.Stop(context.Background())) }()

	require.Eventually(t, func() bool {
		states, err := f.store.LoadBaselines(context.Background())
		if err != nil {
			return false
		}
		for _, s := range states {
			if s.Metric == model.MetricErrorRate && s.Samples >= 4 {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "baselines persist even without autonomy")

	diags, err := f.store.ListDiagnoses(ctx, storage.DiagnosisFilter{})
	require.NoError(t, err)
	assert.Empty(t, diags, "monitor-only mode observes, never analyzes")

	records, err := f.store.ListActionRecords(ctx, storage.ActionFilter{})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSystemFullPass(t *testing.T) {
	ctx := context.Background()
	f := newSystemFixture(t, true)
	// Three warm windows, a degraded window for the monitor, the executor's
	// before-window, then recovery, which repeats from there on.
	f.src.push(healthySnap(), healthySnap(), healthySnap(), degradedSnap(), degradedSnap(), healthySnap())

	f.system.Start(ctx)

	require.Eventually(t, func() bool {
		records, err := f.store.ListActionRecords(context.Background(), storage.ActionFilter{})
		return err == nil && len(records) == 1 &&
			records[0].Outcome == model.OutcomeSuccess && records[0].Reward != nil
	}, 2*time.Second, 5*time.Millisecond, "one action executed, graded, and rewarded")

	assert.Equal(t, int64(6), f.registry.Int("reasoning.max_steps", 0))

	diags, err := f.store.ListDiagnoses(ctx, storage.DiagnosisFilter{Status: model.DiagnosisCompleted})
	require.NoError(t, err)
	require.Len(t, diags, 1)
	assert.Equal(t, "error spike after cache churn", diags[0].Hypothesis)

	eff, err := f.store.GetEffectiveness(ctx, model.ActionAdjustParam, "reasoning.max_steps")
	require.NoError(t, err)
	assert.Equal(t, int64(1), eff.Attempts)
	assert.Equal(t, int64(1), eff.Successes)

	require.NoError(t, f.system.Stop(context.Background()))

	bs, err := f.store.LoadBreakerState(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(breaker.StateClosed), bs.State)
	states, err := f.store.LoadBaselines(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, states, "stop flushes baseline state")
}

func TestSystemRestoresPersistedState(t *testing.T) {
	ctx := context.Background()
	f := newSystemFixture(t, false)

	openedAt := time.Now().UTC().Add(-5 * time.Minute)
	require.NoError(t, f.store.SaveBreakerState(ctx, model.BreakerState{
		State:            string(breaker.StateOpen),
		ConsecutiveFails: 3,
		OpenedAt:         &openedAt,
		Opens:            1,
		UpdatedAt:        time.Now().UTC(),
	}))
	require.NoError(t, f.store.SaveBaselines(ctx, []model.MetricBaselineState{{
		Metric:    model.MetricErrorRate,
		EMA:       0.02,
		Mean:      0.02,
		Samples:   50,
		Warning:   0.03,
		Critical:  0.04,
		Valid:     true,
		UpdatedAt: time.Now().UTC(),
	}}))

	f.system.Start(ctx)
	defer func() { require.NoError(t, f.system.Stop(context.Background())) }()

	// Start restores synchronously, before the first tick.
	assert.Equal(t, breaker.StateOpen, f.brk.State())
	var restored *model.MetricBaselineState
	for _, s := range f.calc.Snapshot() {
		if s.Metric == model.MetricErrorRate {
			restored = &s
			break
		}
	}
	require.NotNil(t, restored)
	assert.Equal(t, int64(50), restored.Samples)
	assert.True(t, restored.Valid)
}

func TestSystemPrunesOldInvocations(t *testing.T) {
	ctx := context.Background()
	f := newSystemFixture(t, false)
	require.NoError(t, f.store.InsertInvocations(ctx, []model.Invocation{{
		ID:        uuid.New(),
		Tool:      "reasoning_run",
		LatencyMS: 12,
		Success:   true,
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	}}))
	require.Equal(t, 1, f.store.InvocationCount())

	f.system.Start(ctx)
	defer func() { require.NoError(t, f.system.Stop(context.Background())) }()

	require.Eventually(t, func() bool {
		return f.store.InvocationCount() == 0
	}, 2*time.Second, 5*time.Millisecond, "rows past retention get pruned on the first pass")
}

func TestSystemSecondStartIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newSystemFixture(t, false)

	f.system.Start(ctx)
	f.system.Start(ctx)
	require.NoError(t, f.system.Stop(context.Background()))
}
