package improve_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/improve"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/pipes"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/policy"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/runtimecfg"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/testutil"
)

// newAnalyzer wires an analyzer over scripted pipes with a happy-path
// conversation preloaded. Individual tests override single replies.
func newAnalyzer(t *testing.T, precedents improve.PrecedentSource) (*improve.Analyzer, *fakeRunner, *testutil.MemStore, *runtimecfg.Registry) {
	t.Helper()
	logger := discardLogger()
	runner := newFakeRunner()
	runner.reply("improve-diagnose", "HYPOTHESIS: error spike after cache churn\nCONFIDENCE: 0.8")
	runner.reply("improve-select-action", "KIND: adjust_param\nTARGET: reasoning.max_steps\nVALUE: 6\nREASON: reduce step budget")
	runner.reply("improve-validate", "APPROVE: yes\nREASON: bounded and reversible")

	store := testutil.NewMemStore()
	registry := seedRegistry(logger)
	pipeline := pipes.NewPipeline(runner, pipes.PipeNames{}, logger)
	a := improve.NewAnalyzer(pipeline, policy.Default(), registry, store, precedents, nil, logger)
	return a, runner, store, registry
}

func TestAnalyzeApprovesInPolicyAction(t *testing.T) {
	a, _, store, _ := newAnalyzer(t, nil)

	diag, err := a.Analyze(context.Background(), degradedReport())
	require.NoError(t, err)
	assert.Equal(t, model.DiagnosisApproved, diag.Status)
	assert.Empty(t, diag.RejectedReason)
	assert.Equal(t, "error spike after cache churn", diag.Hypothesis)
	assert.InDelta(t, 0.8, diag.Confidence, 1e-9)

	require.Equal(t, model.ActionAdjustParam, diag.Action.Kind)
	require.NotNil(t, diag.Action.AdjustParam)
	assert.Equal(t, model.IntValue(8), diag.Action.AdjustParam.Old, "old value read from the live registry")
	assert.Equal(t, model.IntValue(6), diag.Action.AdjustParam.New)

	require.Len(t, diag.PipeTrace, 3)
	for _, call := range diag.PipeTrace {
		assert.True(t, call.OK)
	}

	stored, err := store.GetDiagnosis(context.Background(), diag.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DiagnosisApproved, stored.Status)

	inc, ok := store.IncidentForDiagnosis(diag.ID)
	require.True(t, ok, "every analyzed report becomes an incident")
	assert.Equal(t, model.SeverityCritical, inc.Severity)
	assert.Equal(t, model.MetricErrorRate, inc.Metric)
	assert.Contains(t, inc.Summary, "severity=critical")
	assert.Nil(t, inc.Embedding, "no embedder wired")
}

func TestAnalyzeRejectsOutOfPolicyStep(t *testing.T) {
	a, runner, store, _ := newAnalyzer(t, nil)
	// 8 -> 31 stays inside the bounds but overshoots the max step.
	runner.reply("improve-select-action", "KIND: adjust_param\nTARGET: reasoning.max_steps\nVALUE: 31\nREASON: raise the ceiling")

	diag, err := a.Analyze(context.Background(), degradedReport())
	require.NoError(t, err)
	assert.Equal(t, model.DiagnosisRejected, diag.Status)
	assert.Contains(t, diag.RejectedReason, "allowlist rejected")
	assert.Equal(t, model.ActionAdjustParam, diag.Action.Kind, "proposal kept for the audit trail")
	assert.NotContains(t, runner.called(), "improve-validate", "rejected proposals skip the self-check")

	_, ok := store.IncidentForDiagnosis(diag.ID)
	assert.True(t, ok, "rejected episodes are still incidents")
}

func TestAnalyzeDiagnoseFailure(t *testing.T) {
	a, runner, _, _ := newAnalyzer(t, nil)
	runner.failPipe("improve-diagnose", errors.New("pipe timeout"))

	diag, err := a.Analyze(context.Background(), degradedReport())
	require.NoError(t, err)
	assert.Equal(t, model.DiagnosisRejected, diag.Status)
	assert.Contains(t, diag.RejectedReason, "diagnose stage failed")
	require.Len(t, diag.PipeTrace, 1)
	assert.False(t, diag.PipeTrace[0].OK)
}

func TestAnalyzeUnparseableSelection(t *testing.T) {
	a, runner, _, _ := newAnalyzer(t, nil)
	runner.reply("improve-select-action", "I think we should restart everything and hope.")

	diag, err := a.Analyze(context.Background(), degradedReport())
	require.NoError(t, err)
	assert.Equal(t, model.DiagnosisRejected, diag.Status)
	assert.Contains(t, diag.RejectedReason, "select stage failed")
	require.Len(t, diag.PipeTrace, 2)
	assert.False(t, diag.PipeTrace[1].OK)
}

func TestAnalyzeSelfCheckRejects(t *testing.T) {
	a, runner, _, _ := newAnalyzer(t, nil)
	runner.reply("improve-validate", "APPROVE: no\nREASON: risky during peak traffic")

	diag, err := a.Analyze(context.Background(), degradedReport())
	require.NoError(t, err)
	assert.Equal(t, model.DiagnosisRejected, diag.Status)
	assert.Equal(t, "self-check rejected: risky during peak traffic", diag.RejectedReason)
	assert.Len(t, diag.PipeTrace, 3)
}

func TestAnalyzeSelfCheckToggledOff(t *testing.T) {
	a, runner, _, registry := newAnalyzer(t, nil)
	registry.SetFeature("self_check", false)

	diag, err := a.Analyze(context.Background(), degradedReport())
	require.NoError(t, err)
	assert.Equal(t, model.DiagnosisApproved, diag.Status)
	assert.Len(t, diag.PipeTrace, 2)
	assert.NotContains(t, runner.called(), "improve-validate")
}

func TestAnalyzeBuildsToggleAction(t *testing.T) {
	a, runner, _, _ := newAnalyzer(t, nil)
	runner.reply("improve-select-action", "KIND: toggle_feature\nTARGET: response_cache\nVALUE: off\nREASON: serving stale entries")

	diag, err := a.Analyze(context.Background(), degradedReport())
	require.NoError(t, err)
	assert.Equal(t, model.DiagnosisApproved, diag.Status)
	require.NotNil(t, diag.Action.ToggleFeature)
	assert.Equal(t, "response_cache", diag.Action.ToggleFeature.Feature)
	assert.False(t, diag.Action.ToggleFeature.Desired)
	assert.Equal(t, "serving stale entries", diag.Action.ToggleFeature.Reason)
}

func TestAnalyzeReflectionAdviceReachesSelection(t *testing.T) {
	a, runner, store, _ := newAnalyzer(t, nil)
	require.NoError(t, store.InsertReflection(context.Background(), model.Reflection{
		ID:          uuid.New(),
		ActionsSeen: 5,
		Summary:     "small timeout bumps resolved the last two episodes",
		Suggestions: "prefer the smallest allowed step",
		CreatedAt:   time.Now().UTC(),
	}))

	diag, err := a.Analyze(context.Background(), degradedReport())
	require.NoError(t, err)
	assert.Equal(t, model.DiagnosisApproved, diag.Status)
	assert.Contains(t, runner.prompt("improve-select-action"), "prefer the smallest allowed step",
		"the latest reflection's suggestions bias the next selection")
}

func TestAnalyzeNoReflectionYet(t *testing.T) {
	a, runner, _, _ := newAnalyzer(t, nil)

	diag, err := a.Analyze(context.Background(), degradedReport())
	require.NoError(t, err)
	assert.Equal(t, model.DiagnosisApproved, diag.Status)
	assert.Contains(t, runner.prompt("improve-select-action"), "(none yet)")
}

func TestAnalyzePrecedentLookup(t *testing.T) {
	pre := &fakePrecedents{matches: []model.PrecedentMatch{{
		Incident: model.Incident{
			Summary:     "severity=critical; error_rate=0.0800",
			ActionTaken: "adjust reasoning.max_steps: 8 -> 6",
			Outcome:     model.OutcomeSuccess,
		},
		Score: 0.91,
	}}}
	a, _, _, registry := newAnalyzer(t, pre)
	registry.SetParam("precedent.top_k", model.IntValue(3))

	_, err := a.Analyze(context.Background(), degradedReport())
	require.NoError(t, err)
	assert.Equal(t, 1, pre.calls)
	assert.Equal(t, 3, pre.gotK, "k follows the self-tuned registry param")
	assert.Equal(t, model.MetricErrorRate, pre.gotF.Metric, "lookup filtered to the worst trigger's metric")
	assert.Contains(t, pre.gotText, "severity=critical")
}

func TestAnalyzePrecedentMemoryToggledOff(t *testing.T) {
	pre := &fakePrecedents{}
	a, _, _, registry := newAnalyzer(t, pre)
	registry.SetFeature("precedent_memory", false)

	_, err := a.Analyze(context.Background(), degradedReport())
	require.NoError(t, err)
	assert.Zero(t, pre.calls, "the loop can switch its own memory off")
}

func TestAnalyzePersistFailure(t *testing.T) {
	a, _, store, _ := newAnalyzer(t, nil)
	store.FailInsertDiagnosis(errors.New("connection reset"))

	_, err := a.Analyze(context.Background(), degradedReport())
	require.Error(t, err)
	assert.ErrorContains(t, err, "persist diagnosis")
}
