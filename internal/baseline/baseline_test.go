package baseline_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/baseline"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
)

func testConfig() baseline.Config {
	return baseline.Config{
		Alpha:          0.2,
		WarningMult:    1.5,
		CriticalMult:   2.0,
		TrendDeviation: 0.5,
		MinSamples:     10,
	}
}

// prime feeds n identical samples so mean == ema == value.
func prime(c *baseline.Calculator, metric model.MetricKind, value float64, n int) {
	for i := 0; i < n; i++ {
		c.Record(metric, value)
	}
}

func TestCheckTriggerThresholds(t *testing.T) {
	c := baseline.New(testConfig())
	prime(c, model.MetricErrorRate, 0.05, 15)

	tests := []struct {
		name  string
		value float64
		fired bool
		sev   model.Severity
	}{
		{"above warning", 0.08, true, model.SeverityWarning},
		{"above critical", 0.12, true, model.SeverityCritical},
		{"at baseline", 0.05, false, model.SeverityNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trig, fired := c.CheckTrigger(model.MetricErrorRate, tt.value)
			require.Equal(t, tt.fired, fired)
			if fired {
				assert.Equal(t, tt.sev, trig.Severity)
				assert.Equal(t, tt.value, trig.Value)
				assert.InDelta(t, 0.05, trig.Baseline, 1e-9)
			}
		})
	}
}

func TestCheckTriggerInvertedMetric(t *testing.T) {
	// Quality is inverted: thresholds divide the mean, and crossings point
	// downward. Baseline 0.80 puts warning at ~0.533 and critical at 0.40.
	c := baseline.New(testConfig())
	prime(c, model.MetricQualityScore, 0.80, 15)

	trig, fired := c.CheckTrigger(model.MetricQualityScore, 0.50)
	require.True(t, fired)
	assert.Equal(t, model.SeverityWarning, trig.Severity)
	assert.InDelta(t, 0.80/1.5, trig.Threshold, 1e-9)

	trig, fired = c.CheckTrigger(model.MetricQualityScore, 0.35)
	require.True(t, fired)
	assert.Equal(t, model.SeverityCritical, trig.Severity)
	assert.InDelta(t, 0.40, trig.Threshold, 1e-9)

	_, fired = c.CheckTrigger(model.MetricQualityScore, 0.78)
	assert.False(t, fired)
}

func TestCheckTriggerRequiresValidBaseline(t *testing.T) {
	c := baseline.New(testConfig())
	// Nine samples sit below MinSamples; even an extreme value stays quiet.
	prime(c, model.MetricErrorRate, 0.05, 9)
	_, fired := c.CheckTrigger(model.MetricErrorRate, 10.0)
	assert.False(t, fired)

	c.Record(model.MetricErrorRate, 0.05)
	_, fired = c.CheckTrigger(model.MetricErrorRate, 10.0)
	assert.True(t, fired)
}

func TestCheckTriggerExactThresholdStaysQuiet(t *testing.T) {
	// Crossings are strict: a value sitting exactly on a threshold does not
	// fire. Baseline 0.05 puts warning at 0.075 and critical at 0.10.
	c := baseline.New(testConfig())
	prime(c, model.MetricErrorRate, 0.05, 15)

	_, fired := c.CheckTrigger(model.MetricErrorRate, 0.075)
	assert.False(t, fired, "value at the warning threshold must not fire")

	trig, fired := c.CheckTrigger(model.MetricErrorRate, 0.10)
	require.True(t, fired, "value at critical still crosses warning")
	assert.Equal(t, model.SeverityWarning, trig.Severity)
}

func TestCheckTriggerZeroBaseline(t *testing.T) {
	// A metric that has only ever been zero (fallback rate on a healthy
	// service) carries zero thresholds. It must stay quiet at zero and
	// still fire the moment a real signal appears.
	c := baseline.New(testConfig())
	prime(c, model.MetricFallbackRate, 0, 15)

	_, fired := c.CheckTrigger(model.MetricFallbackRate, 0)
	assert.False(t, fired)

	trig, fired := c.CheckTrigger(model.MetricFallbackRate, 0.3)
	require.True(t, fired)
	assert.Equal(t, model.SeverityCritical, trig.Severity)
}

func TestCheckTriggerTrend(t *testing.T) {
	// Drive the EMA well below the mean, then check a value between them:
	// no threshold crossing, but a >50% deviation from the EMA.
	c := baseline.New(testConfig())
	prime(c, model.MetricLatencyP95, 1.0, 10)
	prime(c, model.MetricLatencyP95, 0.2, 5)

	trig, fired := c.CheckTrigger(model.MetricLatencyP95, 0.7)
	require.True(t, fired)
	assert.Equal(t, model.SeverityTrend, trig.Severity)
}

func TestRecordEMA(t *testing.T) {
	c := baseline.New(testConfig())

	// First sample seeds the EMA instead of decaying from zero.
	c.Record(model.MetricErrorRate, 0.10)
	snap := find(t, c.Snapshot(), model.MetricErrorRate)
	assert.InDelta(t, 0.10, snap.EMA, 1e-9)

	// ema' = alpha*v + (1-alpha)*ema
	c.Record(model.MetricErrorRate, 0.20)
	snap = find(t, c.Snapshot(), model.MetricErrorRate)
	assert.InDelta(t, 0.2*0.20+0.8*0.10, snap.EMA, 1e-9)
}

func TestRecordIncrementalMean(t *testing.T) {
	c := baseline.New(testConfig())
	values := []float64{1, 2, 3, 4, 5, 6}
	for _, v := range values {
		c.Record(model.MetricLatencyP95, v)
	}
	snap := find(t, c.Snapshot(), model.MetricLatencyP95)
	assert.InDelta(t, 3.5, snap.Mean, 1e-9)
	assert.Equal(t, int64(6), snap.Samples)
	assert.InDelta(t, 3.5*1.5, snap.Warning, 1e-9)
	assert.InDelta(t, 3.5*2.0, snap.Critical, 1e-9)
}

func TestDeviationPct(t *testing.T) {
	c := baseline.New(testConfig())
	assert.Zero(t, c.DeviationPct(model.MetricErrorRate, 0.5), "empty baseline must not divide by zero")

	prime(c, model.MetricErrorRate, 0.05, 10)
	assert.InDelta(t, 60.0, c.DeviationPct(model.MetricErrorRate, 0.08), 1e-9)
	assert.InDelta(t, -40.0, c.DeviationPct(model.MetricErrorRate, 0.03), 1e-9)
}

func TestRestoreRecomputesValidity(t *testing.T) {
	c := baseline.New(testConfig())
	c.Restore([]model.MetricBaselineState{
		{Metric: model.MetricErrorRate, EMA: 0.05, Mean: 0.05, Samples: 20, Warning: 0.075, Critical: 0.10, Valid: false, UpdatedAt: time.Now().UTC()},
		{Metric: model.MetricQualityScore, EMA: 0.8, Mean: 0.8, Samples: 3, Warning: 0.533, Critical: 0.4, Valid: true},
		{Metric: model.MetricKind("bogus"), Samples: 99},
	})

	// 20 samples clears MinSamples regardless of the persisted flag.
	_, fired := c.CheckTrigger(model.MetricErrorRate, 0.12)
	assert.True(t, fired)

	// 3 samples does not, even though the row claimed validity.
	_, fired = c.CheckTrigger(model.MetricQualityScore, 0.1)
	assert.False(t, fired)
}

func find(t *testing.T, states []model.MetricBaselineState, k model.MetricKind) model.MetricBaselineState {
	t.Helper()
	for _, s := range states {
		if s.Metric == k {
			return s
		}
	}
	t.Fatalf("no baseline state for %s", k)
	return model.MetricBaselineState{}
}
