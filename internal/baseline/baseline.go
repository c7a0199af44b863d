// Package baseline maintains adaptive per-metric baselines and grades new
// observations against them.
//
// Each metric carries two running statistics: an exponential moving average
// for trend detection and an unbounded incremental mean for thresholds. The
// mean is deliberately not windowed; window-sensitive statistics (p95 and
// friends) belong to the metrics aggregation layer, while the baseline wants
// the long memory so a slow regression cannot walk the thresholds up with it
// sample by sample.
//
// Threshold comparisons are strict: a value sitting exactly on a threshold
// does not fire. A metric whose history is all zeros (a healthy service's
// fallback rate) carries threshold 0, and an inclusive comparison would flag
// every clean zero sample as critical.
package baseline

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
)

// Config holds the tuning knobs shared by all metric baselines.
type Config struct {
	// Alpha is the EMA smoothing factor in (0,1]; higher weighs recent
	// samples more.
	Alpha float64
	// WarningMult and CriticalMult scale the rolling mean into thresholds.
	// Inverted metrics divide instead of multiply.
	WarningMult  float64
	CriticalMult float64
	// TrendDeviation is the relative EMA deviation that fires a trend
	// trigger when no threshold was crossed.
	TrendDeviation float64
	// MinSamples gates triggering: a baseline younger than this never fires.
	MinSamples int
}

// DefaultConfig mirrors the shipped defaults.
func DefaultConfig() Config {
	return Config{
		Alpha:          0.2,
		WarningMult:    1.5,
		CriticalMult:   2.0,
		TrendDeviation: 0.5,
		MinSamples:     10,
	}
}

// Calculator tracks baselines for the four core metrics. Per-metric state
// lives in model.MetricBaselineState so it round-trips through storage and
// the operator surface unchanged.
type Calculator struct {
	mu      sync.Mutex
	cfg     Config
	metrics map[model.MetricKind]*model.MetricBaselineState
}

// New builds a calculator with one empty baseline per core metric.
func New(cfg Config) *Calculator {
	c := &Calculator{cfg: cfg, metrics: make(map[model.MetricKind]*model.MetricBaselineState, len(model.CoreMetrics))}
	for _, k := range model.CoreMetrics {
		c.metrics[k] = &model.MetricBaselineState{Metric: k, Inverted: k.Inverted()}
	}
	return c
}

// Record folds a new observation into the metric's baseline and recomputes
// the thresholds. Unknown metrics are ignored.
func (c *Calculator) Record(metric model.MetricKind, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.metrics[metric]
	if !ok {
		slog.Warn("baseline: ignoring unknown metric", "metric", metric)
		return
	}

	if b.Samples == 0 {
		b.EMA = value
	} else {
		b.EMA = c.cfg.Alpha*value + (1-c.cfg.Alpha)*b.EMA
	}
	b.Mean += (value - b.Mean) / float64(b.Samples+1)
	b.Samples++
	b.Valid = b.Samples >= int64(c.cfg.MinSamples)

	if b.Inverted {
		b.Warning = b.Mean / c.cfg.WarningMult
		b.Critical = b.Mean / c.cfg.CriticalMult
	} else {
		b.Warning = b.Mean * c.cfg.WarningMult
		b.Critical = b.Mean * c.cfg.CriticalMult
	}
	b.UpdatedAt = time.Now().UTC()
}

// CheckTrigger grades a value against the metric's current baseline without
// recording it. It returns false while the baseline is invalid or the value
// sits inside normal range.
func (c *Calculator) CheckTrigger(metric model.MetricKind, value float64) (model.TriggerMetric, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.metrics[metric]
	if !ok || !b.Valid {
		return model.TriggerMetric{}, false
	}

	severity := model.SeverityNone
	threshold := 0.0
	switch {
	case crossed(value, b.Critical, b.Inverted):
		severity, threshold = model.SeverityCritical, b.Critical
	case crossed(value, b.Warning, b.Inverted):
		severity, threshold = model.SeverityWarning, b.Warning
	case b.EMA != 0 && math.Abs(value-b.EMA)/math.Abs(b.EMA) > c.cfg.TrendDeviation:
		severity, threshold = model.SeverityTrend, b.EMA
	default:
		return model.TriggerMetric{}, false
	}

	return model.TriggerMetric{
		Metric:       metric,
		Severity:     severity,
		Value:        value,
		Baseline:     b.Mean,
		Threshold:    threshold,
		DeviationPct: deviationPct(value, b.Mean),
	}, true
}

// DeviationPct reports how far a value sits from the metric's rolling mean,
// in percent. Zero when the baseline is empty or zero.
func (c *Calculator) DeviationPct(metric model.MetricKind, value float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.metrics[metric]
	if !ok {
		return 0
	}
	return deviationPct(value, b.Mean)
}

// Snapshot returns copies of every baseline in canonical metric order.
func (c *Calculator) Snapshot() []model.MetricBaselineState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.MetricBaselineState, 0, len(model.CoreMetrics))
	for _, k := range model.CoreMetrics {
		out = append(out, *c.metrics[k])
	}
	return out
}

// Restore replaces baseline state from persisted rows, typically at boot.
// Rows for unknown metrics are dropped. Validity is recomputed against the
// current MinSamples rather than trusted from the row.
func (c *Calculator) Restore(states []model.MetricBaselineState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range states {
		b, ok := c.metrics[s.Metric]
		if !ok {
			slog.Warn("baseline: dropping persisted state for unknown metric", "metric", s.Metric)
			continue
		}
		b.EMA = s.EMA
		b.Mean = s.Mean
		b.Samples = s.Samples
		b.Warning = s.Warning
		b.Critical = s.Critical
		b.Valid = s.Samples >= int64(c.cfg.MinSamples)
		b.UpdatedAt = s.UpdatedAt
	}
}

// crossed reports whether value breaches a threshold, honoring direction.
// Comparison is strict so a metric whose history is all zeros (threshold 0)
// stays quiet until the value actually moves.
func crossed(value, threshold float64, inverted bool) bool {
	if inverted {
		return value < threshold
	}
	return value > threshold
}

func deviationPct(value, mean float64) float64 {
	if mean == 0 {
		return 0
	}
	return (value - mean) / math.Abs(mean) * 100
}
