package mcp

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/breaker"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
)

func closedBreaker() breaker.Snapshot {
	return breaker.Snapshot{State: breaker.StateClosed}
}

// makeRecord builds a resolved action record without touching storage.
func makeRecord(outcome model.ActionOutcome, reward *float64) model.ActionRecord {
	rec := model.ActionRecord{
		ID:          uuid.New(),
		DiagnosisID: uuid.New(),
		Action:      stepDown(),
		Outcome:     outcome,
		Before:      model.MetricsSnapshot{ErrorRate: 0.08, LatencyP95MS: 1100, QualityScore: 0.7, FallbackRate: 0.02},
		ExecutedAt:  time.Now().UTC(),
	}
	if reward != nil {
		after := model.MetricsSnapshot{ErrorRate: 0.02, LatencyP95MS: 800, QualityScore: 0.9, FallbackRate: 0.01}
		resolved := rec.ExecutedAt.Add(2 * time.Minute)
		rec.After = &after
		rec.Reward = reward
		rec.ResolvedAt = &resolved
	}
	return rec
}

func ptr(v float64) *float64 { return &v }

func TestStatusSummary(t *testing.T) {
	t.Run("monitor only, idle", func(t *testing.T) {
		s := statusSummary(false, closedBreaker(), nil)
		assert.Contains(t, s, "Monitor-only mode")
		assert.Contains(t, s, "No actions in the last 24 hours.")
	})

	t.Run("autonomous with recent actions", func(t *testing.T) {
		recent := []model.ActionRecord{
			makeRecord(model.OutcomeSuccess, ptr(0.6)),
			makeRecord(model.OutcomeRolledBack, ptr(-0.4)),
		}
		s := statusSummary(true, closedBreaker(), recent)
		assert.Contains(t, s, "Autonomous execution enabled.")
		assert.Contains(t, s, "2 action(s) in the last 24 hours: 1 success, 1 rolled_back.")
		assert.Contains(t, s, "Last action:")
		assert.Contains(t, s, "reward 0.600")
	})

	t.Run("breaker open", func(t *testing.T) {
		brk := breaker.Snapshot{State: breaker.StateOpen, ConsecutiveFails: 3}
		s := statusSummary(true, brk, nil)
		assert.Contains(t, s, "Circuit breaker OPEN after 3 consecutive failure(s)")
	})

	t.Run("breaker half open", func(t *testing.T) {
		brk := breaker.Snapshot{State: breaker.StateHalfOpen}
		s := statusSummary(true, brk, nil)
		assert.Contains(t, s, "recovery probe")
	})
}

func TestAttentionNeeded(t *testing.T) {
	good := makeRecord(model.OutcomeSuccess, ptr(0.5))
	failed := makeRecord(model.OutcomeFailed, ptr(-0.2))
	rolled := makeRecord(model.OutcomeRolledBack, ptr(-0.4))

	assert.False(t, attentionNeeded(closedBreaker(), nil))
	assert.True(t, attentionNeeded(breaker.Snapshot{State: breaker.StateOpen}, nil))
	assert.True(t, attentionNeeded(breaker.Snapshot{State: breaker.StateHalfOpen}, nil))

	// One bad action is normal operation.
	assert.False(t, attentionNeeded(closedBreaker(), []model.ActionRecord{failed, good, good}))

	// Two bad among the five most recent flags the operator.
	assert.True(t, attentionNeeded(closedBreaker(), []model.ActionRecord{failed, good, rolled}))

	// Bad actions older than the five most recent do not count.
	recent := []model.ActionRecord{good, good, good, good, good, failed, rolled}
	assert.False(t, attentionNeeded(closedBreaker(), recent))
}

func TestDescribeEffect(t *testing.T) {
	before := model.MetricsSnapshot{ErrorRate: 0.08, LatencyP95MS: 1100, QualityScore: 0.7, FallbackRate: 0.02}

	assert.Empty(t, describeEffect(before, nil))

	same := before
	assert.Equal(t, "no measurable change", describeEffect(before, &same))

	after := model.MetricsSnapshot{ErrorRate: 0.02, LatencyP95MS: 800, QualityScore: 0.9, FallbackRate: 0.01}
	assert.Equal(t,
		"error_rate 0.080->0.020, latency_p95 1100ms->800ms, quality 0.70->0.90, fallback_rate 0.020->0.010",
		describeEffect(before, &after))

	// Only the moved metric shows up.
	partial := before
	partial.LatencyP95MS = 900
	assert.Equal(t, "latency_p95 1100ms->900ms", describeEffect(before, &partial))
}

func TestRenderTally(t *testing.T) {
	tally := map[model.ActionOutcome]int{
		model.OutcomePending: 3,
		model.OutcomeSuccess: 2,
		model.OutcomeFailed:  1,
	}
	assert.Equal(t, "2 success, 1 failed, 3 pending", renderTally(tally))
	assert.Empty(t, renderTally(nil))
}

func TestActionTally(t *testing.T) {
	records := []model.ActionRecord{
		makeRecord(model.OutcomeSuccess, ptr(0.5)),
		makeRecord(model.OutcomeSuccess, ptr(0.3)),
		makeRecord(model.OutcomeFailed, ptr(-0.2)),
	}
	tally := actionTally(records)
	assert.Equal(t, 2, tally[model.OutcomeSuccess])
	assert.Equal(t, 1, tally[model.OutcomeFailed])
	assert.Zero(t, tally[model.OutcomeRolledBack])
}

func TestLoopMode(t *testing.T) {
	assert.Equal(t, "autonomous", loopMode(true))
	assert.Equal(t, "monitor-only", loopMode(false))
}

func TestCompactRecord(t *testing.T) {
	t.Run("pending", func(t *testing.T) {
		rec := makeRecord(model.OutcomePending, nil)
		m := compactRecord(rec, true)
		assert.Equal(t, rec.ID, m["id"])
		assert.Equal(t, model.OutcomePending, m["outcome"])
		assert.Equal(t, true, m["hash_verified"])
		assert.NotContains(t, m, "reward")
		assert.NotContains(t, m, "resolved_at")
		assert.NotContains(t, m, "effect")
	})

	t.Run("resolved", func(t *testing.T) {
		rec := makeRecord(model.OutcomeSuccess, ptr(0.61234))
		rec.Detail = "error rate recovered"
		m := compactRecord(rec, false)
		assert.Equal(t, false, m["hash_verified"])
		assert.Equal(t, 0.612, m["reward"])
		assert.Equal(t, "error rate recovered", m["detail"])
		assert.Contains(t, m, "resolved_at")
		assert.Contains(t, m["effect"], "error_rate 0.080->0.020")
	})
}

func TestCompactDiagnosis(t *testing.T) {
	d := model.SelfDiagnosis{
		ID: uuid.New(),
		Report: model.HealthReport{
			Severity: model.SeverityCritical,
			Triggers: []model.TriggerMetric{{Metric: model.MetricErrorRate, Severity: model.SeverityCritical}},
		},
		Hypothesis: strings.Repeat("x", maxCompactHypothesis+50),
		Action:     stepDown(),
		Status:     model.DiagnosisBlocked,
		Confidence: 0.8,
		CreatedAt:  time.Now().UTC(),
	}
	d.RejectedReason = "circuit breaker open"

	m := compactDiagnosis(d)
	assert.Equal(t, model.SeverityCritical, m["severity"])
	assert.Equal(t, model.MetricErrorRate, m["trigger_metric"])
	assert.Equal(t, "circuit breaker open", m["rejected_reason"])
	assert.NotContains(t, m, "pipe_trace")

	hyp, ok := m["hypothesis"].(string)
	assert.True(t, ok)
	assert.True(t, strings.HasSuffix(hyp, "..."))
	assert.Len(t, []rune(hyp), maxCompactHypothesis+3)

	// A healthy-report diagnosis has no trigger to surface.
	d.Report.Triggers = nil
	d.RejectedReason = ""
	m = compactDiagnosis(d)
	assert.NotContains(t, m, "trigger_metric")
	assert.NotContains(t, m, "rejected_reason")
}

func TestCompactEffectivenessList(t *testing.T) {
	rows := compactEffectivenessList([]model.ActionEffectiveness{{
		Kind:       model.ActionAdjustParam,
		Target:     "reasoning.max_steps",
		Attempts:   4,
		Successes:  3,
		MeanReward: 0.45678,
		Score:      0.51234,
	}})
	assert.Len(t, rows, 1)
	assert.Equal(t, model.ActionAdjustParam, rows[0]["kind"])
	assert.Equal(t, 0.75, rows[0]["success_rate"])
	assert.Equal(t, 0.457, rows[0]["mean_reward"])
	assert.Equal(t, 0.512, rows[0]["score"])
}

func TestRound3(t *testing.T) {
	assert.Equal(t, 0.457, round3(0.45678))
	assert.Equal(t, -0.457, round3(-0.45678))
	assert.Equal(t, 1.0, round3(1.0001))
	assert.Zero(t, round3(0))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exact", truncate("exact", 5))
	assert.Equal(t, "abcde...", truncate("abcdefgh", 5))

	// Truncation must cut on rune boundaries.
	multi := strings.Repeat("é", 201)
	got := truncate(multi, 200)
	assert.Equal(t, strings.Repeat("é", 200)+"...", got)
}
