package model

import "time"

// MetricBaselineState is the persisted running state of one metric baseline.
// The calculator owns the arithmetic; this struct is what crosses the
// storage and operator boundaries.
type MetricBaselineState struct {
	Metric    MetricKind `json:"metric"`
	Inverted  bool       `json:"inverted"`
	EMA       float64    `json:"ema"`
	Mean      float64    `json:"mean"`
	Samples   int64      `json:"samples"`
	Warning   float64    `json:"warning"`
	Critical  float64    `json:"critical"`
	Valid     bool       `json:"valid"`
	UpdatedAt time.Time  `json:"updated_at"`
}
