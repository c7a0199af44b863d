package improve

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/baseline"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/invocations"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
)

// Monitor turns the trailing invocation window into a health report and
// keeps the metric baselines current.
type Monitor struct {
	source     invocations.Source
	baselines  *baseline.Calculator
	window     time.Duration
	minSamples int
	logger     *slog.Logger
}

// NewMonitor builds a monitor over the given metrics source and baselines.
func NewMonitor(source invocations.Source, baselines *baseline.Calculator, window time.Duration, minSamples int, logger *slog.Logger) *Monitor {
	return &Monitor{
		source:     source,
		baselines:  baselines,
		window:     window,
		minSamples: minSamples,
		logger:     logger,
	}
}

// Check runs one monitoring pass: snapshot the window, grade every metric
// against its baseline, then fold the observations in. Grading happens
// before recording so a degraded sample cannot soften the threshold it is
// judged against. The bool reports whether the result warrants diagnosis
// (severity at warning or above). A window below the sample floor yields
// no report and leaves the baselines untouched.
func (m *Monitor) Check(ctx context.Context) (model.HealthReport, bool, error) {
	snap, err := m.source.Snapshot(ctx, m.window)
	if err != nil {
		return model.HealthReport{}, false, fmt.Errorf("improve: snapshot window: %w", err)
	}
	if snap.SampleCount < m.minSamples {
		m.logger.Debug("improve: window below sample floor, skipping pass",
			"samples", snap.SampleCount, "min", m.minSamples)
		return model.HealthReport{}, false, nil
	}

	report := model.HealthReport{
		Severity:   model.SeverityNone,
		Snapshot:   snap,
		ObservedAt: time.Now().UTC(),
	}
	for _, k := range model.CoreMetrics {
		// A window with no graded answers carries no quality signal;
		// judging the zero value would fire a false critical on an
		// inverted metric.
		if k == model.MetricQualityScore && snap.QualitySamples == 0 {
			continue
		}
		value := snap.Value(k)
		if trig, fired := m.baselines.CheckTrigger(k, value); fired {
			report.Triggers = append(report.Triggers, trig)
			report.Severity = model.WorseSeverity(report.Severity, trig.Severity)
		}
		m.baselines.Record(k, value)
	}
	report.Healthy = !report.Severity.AtLeast(model.SeverityWarning)

	if !report.Healthy {
		m.logger.Warn("improve: health degraded",
			"severity", report.Severity,
			"triggers", len(report.Triggers),
			"error_rate", snap.ErrorRate,
			"latency_p95_ms", snap.LatencyP95MS,
			"quality", snap.QualityScore,
			"fallback_rate", snap.FallbackRate)
	} else if len(report.Triggers) > 0 {
		m.logger.Info("improve: trend deviation observed", "triggers", len(report.Triggers))
	}
	return report, !report.Healthy, nil
}
