package model_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
)

func TestSeverityOrdering(t *testing.T) {
	ordered := []model.Severity{
		model.SeverityNone,
		model.SeverityTrend,
		model.SeverityWarning,
		model.SeverityCritical,
	}
	for i := 1; i < len(ordered); i++ {
		assert.True(t, ordered[i].AtLeast(ordered[i-1]), "%s should outrank %s", ordered[i], ordered[i-1])
		assert.False(t, ordered[i-1].AtLeast(ordered[i]), "%s should not outrank %s", ordered[i-1], ordered[i])
	}
	assert.True(t, model.SeverityWarning.AtLeast(model.SeverityWarning))
	assert.Equal(t, model.SeverityCritical, model.WorseSeverity(model.SeverityWarning, model.SeverityCritical))
	assert.Equal(t, model.SeverityTrend, model.WorseSeverity(model.SeverityTrend, model.SeverityNone))
}

func TestWorstTrigger(t *testing.T) {
	t.Run("empty report has no trigger", func(t *testing.T) {
		r := model.HealthReport{Healthy: true, Severity: model.SeverityNone}
		assert.Nil(t, r.WorstTrigger())
	})

	t.Run("picks the most severe, first on ties", func(t *testing.T) {
		r := model.HealthReport{
			Triggers: []model.TriggerMetric{
				{Metric: model.MetricFallbackRate, Severity: model.SeverityTrend},
				{Metric: model.MetricErrorRate, Severity: model.SeverityWarning},
				{Metric: model.MetricLatencyP95, Severity: model.SeverityWarning},
			},
		}
		worst := r.WorstTrigger()
		require.NotNil(t, worst)
		assert.Equal(t, model.MetricErrorRate, worst.Metric)
	})
}

func TestDiagnosisTransitions(t *testing.T) {
	tests := []struct {
		from model.DiagnosisStatus
		to   model.DiagnosisStatus
		ok   bool
	}{
		{model.DiagnosisPending, model.DiagnosisApproved, true},
		{model.DiagnosisPending, model.DiagnosisRejected, true},
		{model.DiagnosisPending, model.DiagnosisExecuting, false},
		{model.DiagnosisApproved, model.DiagnosisExecuting, true},
		{model.DiagnosisApproved, model.DiagnosisBlocked, true},
		{model.DiagnosisApproved, model.DiagnosisCompleted, false},
		{model.DiagnosisExecuting, model.DiagnosisCompleted, true},
		{model.DiagnosisExecuting, model.DiagnosisBlocked, true},
		{model.DiagnosisRejected, model.DiagnosisApproved, false},
		{model.DiagnosisCompleted, model.DiagnosisPending, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}

	for _, s := range []model.DiagnosisStatus{model.DiagnosisRejected, model.DiagnosisCompleted, model.DiagnosisBlocked} {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	for _, s := range []model.DiagnosisStatus{model.DiagnosisPending, model.DiagnosisApproved, model.DiagnosisExecuting} {
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestMetricKindInverted(t *testing.T) {
	assert.True(t, model.MetricQualityScore.Inverted())
	assert.False(t, model.MetricErrorRate.Inverted())
	assert.False(t, model.MetricLatencyP95.Inverted())
	assert.False(t, model.MetricFallbackRate.Inverted())
}

func TestSnapshotValue(t *testing.T) {
	s := model.MetricsSnapshot{ErrorRate: 0.05, LatencyP95MS: 1200, QualityScore: 0.82, FallbackRate: 0.01}
	assert.Equal(t, 0.05, s.Value(model.MetricErrorRate))
	assert.Equal(t, 1200.0, s.Value(model.MetricLatencyP95))
	assert.Equal(t, 0.82, s.Value(model.MetricQualityScore))
	assert.Equal(t, 0.01, s.Value(model.MetricFallbackRate))
}
