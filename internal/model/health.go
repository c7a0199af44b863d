package model

import "time"

// Severity grades how far a metric has drifted from its baseline.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityTrend    Severity = "trend"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityNone:     0,
	SeverityTrend:    1,
	SeverityWarning:  2,
	SeverityCritical: 3,
}

// AtLeast reports whether s is as severe as other or more so.
func (s Severity) AtLeast(other Severity) bool {
	return severityRank[s] >= severityRank[other]
}

// Rank returns the numeric order of s, for range filters over stored
// incidents. Unknown severities rank lowest.
func (s Severity) Rank() int {
	return severityRank[s]
}

// WorseSeverity returns the more severe of a and b.
func WorseSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// TriggerMetric is a single baseline threshold crossing observed during a
// monitoring pass.
type TriggerMetric struct {
	Metric       MetricKind `json:"metric"`
	Severity     Severity   `json:"severity"`
	Value        float64    `json:"value"`
	Baseline     float64    `json:"baseline"`      // rolling mean at check time
	Threshold    float64    `json:"threshold"`     // the crossed threshold value
	DeviationPct float64    `json:"deviation_pct"` // deviation from baseline, percent
}

// HealthReport summarizes one monitoring pass: the snapshot that was
// observed, the triggers it fired, and the worst severity among them.
// Healthy means nothing at warning level or above fired.
type HealthReport struct {
	Healthy    bool            `json:"healthy"`
	Severity   Severity        `json:"severity"`
	Triggers   []TriggerMetric `json:"triggers,omitempty"`
	Snapshot   MetricsSnapshot `json:"snapshot"`
	ObservedAt time.Time       `json:"observed_at"`
}

// WorstTrigger returns the most severe trigger, or nil when none fired.
// Ties keep the earliest trigger, so ordering in Triggers is meaningful.
func (r HealthReport) WorstTrigger() *TriggerMetric {
	var worst *TriggerMetric
	for i := range r.Triggers {
		if worst == nil || !worst.Severity.AtLeast(r.Triggers[i].Severity) {
			worst = &r.Triggers[i]
		}
	}
	return worst
}
