package model

import (
	"time"

	"github.com/google/uuid"
)

// MetricKind identifies one of the core health metrics the loop watches.
type MetricKind string

const (
	MetricErrorRate    MetricKind = "error_rate"
	MetricLatencyP95   MetricKind = "latency_p95_ms"
	MetricQualityScore MetricKind = "quality_score"
	MetricFallbackRate MetricKind = "fallback_rate"
)

// CoreMetrics lists the watched metrics in canonical order.
var CoreMetrics = []MetricKind{MetricErrorRate, MetricLatencyP95, MetricQualityScore, MetricFallbackRate}

// Inverted reports whether lower values of the metric are worse.
// Quality is the only inverted core metric: a drop means degradation.
func (k MetricKind) Inverted() bool { return k == MetricQualityScore }

// MetricsSnapshot is one aggregated observation of service health,
// computed over a sliding window of tool invocations.
type MetricsSnapshot struct {
	ErrorRate    float64 `json:"error_rate"`     // failed invocations / total, [0,1]
	LatencyP95MS float64 `json:"latency_p95_ms"` // 95th percentile handler latency
	QualityScore float64 `json:"quality_score"`  // mean self-assessed answer quality, [0,1]
	FallbackRate float64 `json:"fallback_rate"`  // invocations served by a fallback pipe / total, [0,1]

	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	SampleCount int       `json:"sample_count"`
	// QualitySamples counts invocations that carried a quality estimate.
	// QualityScore is meaningful only when this is positive.
	QualitySamples int `json:"quality_samples"`
}

// Value returns the snapshot's reading for a metric kind.
func (s MetricsSnapshot) Value(k MetricKind) float64 {
	switch k {
	case MetricErrorRate:
		return s.ErrorRate
	case MetricLatencyP95:
		return s.LatencyP95MS
	case MetricQualityScore:
		return s.QualityScore
	case MetricFallbackRate:
		return s.FallbackRate
	}
	return 0
}

// Invocation is one recorded tool call against the reasoning surface.
// Rows are buffered in memory and flushed in batches; aggregates over a
// window of rows produce MetricsSnapshot values.
type Invocation struct {
	ID        uuid.UUID `json:"id"`
	Tool      string    `json:"tool"`           // MCP tool name
	Mode      string    `json:"mode,omitempty"` // reasoning mode requested, if any
	Pipe      string    `json:"pipe,omitempty"` // pipe that served the call
	LatencyMS int64     `json:"latency_ms"`
	Success   bool      `json:"success"`
	Fallback  bool      `json:"fallback"` // served by the fallback pipe after the primary failed
	// Quality is the self-assessed response quality [0,1]; nil when the
	// handler produced no estimate (errors, cache hits).
	Quality   *float64  `json:"quality,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
