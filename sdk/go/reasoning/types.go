package reasoning

import (
	"time"

	"github.com/google/uuid"
)

// The types in this file mirror the server's wire format. They are
// maintained by hand rather than imported so the SDK stays dependency-light
// and never drags the server's internal packages into consumers.

// Action outcome values for ActionRecord.Outcome and history filters.
const (
	OutcomePending    = "pending"
	OutcomeSuccess    = "success"
	OutcomeFailed     = "failed"
	OutcomeRolledBack = "rolled_back"
)

// Diagnosis status values for Diagnosis.Status and diagnosis filters.
const (
	DiagnosisPending   = "pending"
	DiagnosisApproved  = "approved"
	DiagnosisRejected  = "rejected"
	DiagnosisExecuting = "executing"
	DiagnosisCompleted = "completed"
	DiagnosisBlocked   = "blocked"
)

// Action kind values for SuggestedAction.Kind.
const (
	ActionAdjustParam    = "adjust_param"
	ActionToggleFeature  = "toggle_feature"
	ActionScaleResource  = "scale_resource"
	ActionRestartService = "restart_service"
	ActionClearCache     = "clear_cache"
	ActionNoOp           = "no_op"
)

// ParamValue is a typed runtime parameter value. Exactly the field matching
// Kind is meaningful.
type ParamValue struct {
	Kind       string  `json:"kind"` // "integer", "float", "string", "duration_ms", "boolean"
	Integer    int64   `json:"integer,omitempty"`
	Float      float64 `json:"float,omitempty"`
	String     string  `json:"string,omitempty"`
	DurationMS int64   `json:"duration_ms,omitempty"`
	Boolean    bool    `json:"boolean,omitempty"`
}

// AdjustParam changes one runtime parameter from Old to New.
type AdjustParam struct {
	Key   string     `json:"key"`
	Old   ParamValue `json:"old"`
	New   ParamValue `json:"new"`
	Scope string     `json:"scope,omitempty"`
}

// ToggleFeature flips a feature flag to the desired state.
type ToggleFeature struct {
	Feature string `json:"feature"`
	Desired bool   `json:"desired"`
	Reason  string `json:"reason,omitempty"`
}

// ScaleResource moves a resource knob from Old to New.
type ScaleResource struct {
	Resource string `json:"resource"`
	Old      int64  `json:"old"`
	New      int64  `json:"new"`
}

// RestartService asks for a component restart.
type RestartService struct {
	Component string `json:"component"`
	Graceful  bool   `json:"graceful"`
}

// ClearCache drops a named cache.
type ClearCache struct {
	Cache string `json:"cache"`
}

// NoOp records an explicit decision to do nothing.
type NoOp struct {
	Reason       string     `json:"reason"`
	RevisitAfter *time.Time `json:"revisit_after,omitempty"`
}

// SuggestedAction is the tagged union of remediation actions. Kind names the
// active variant; exactly one variant pointer is non-nil.
type SuggestedAction struct {
	Kind           string          `json:"kind"`
	AdjustParam    *AdjustParam    `json:"adjust_param,omitempty"`
	ToggleFeature  *ToggleFeature  `json:"toggle_feature,omitempty"`
	ScaleResource  *ScaleResource  `json:"scale_resource,omitempty"`
	RestartService *RestartService `json:"restart_service,omitempty"`
	ClearCache     *ClearCache     `json:"clear_cache,omitempty"`
	NoOp           *NoOp           `json:"no_op,omitempty"`
}

// MetricsSnapshot is one aggregated window of service health metrics.
type MetricsSnapshot struct {
	ErrorRate      float64   `json:"error_rate"`
	LatencyP95MS   float64   `json:"latency_p95_ms"`
	QualityScore   float64   `json:"quality_score"`
	FallbackRate   float64   `json:"fallback_rate"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	SampleCount    int       `json:"sample_count"`
	QualitySamples int       `json:"quality_samples"`
}

// TriggerMetric is a single baseline threshold crossing.
type TriggerMetric struct {
	Metric       string  `json:"metric"`
	Severity     string  `json:"severity"`
	Value        float64 `json:"value"`
	Baseline     float64 `json:"baseline"`
	Threshold    float64 `json:"threshold"`
	DeviationPct float64 `json:"deviation_pct"`
}

// HealthReport summarizes one monitoring pass.
type HealthReport struct {
	Healthy    bool            `json:"healthy"`
	Severity   string          `json:"severity"`
	Triggers   []TriggerMetric `json:"triggers,omitempty"`
	Snapshot   MetricsSnapshot `json:"snapshot"`
	ObservedAt time.Time       `json:"observed_at"`
}

// PipeCall records one model call made while producing a diagnosis.
type PipeCall struct {
	Pipe      string `json:"pipe"`
	LatencyMS int64  `json:"latency_ms"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// Diagnosis is the analyzer's verdict on an unhealthy report.
type Diagnosis struct {
	ID             uuid.UUID       `json:"id"`
	Report         HealthReport    `json:"report"`
	Hypothesis     string          `json:"hypothesis"`
	Action         SuggestedAction `json:"action"`
	Status         string          `json:"status"`
	Confidence     float64         `json:"confidence"`
	RejectedReason string          `json:"rejected_reason,omitempty"`
	PipeTrace      []PipeCall      `json:"pipe_trace,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ActionRecord is one audited execution attempt.
type ActionRecord struct {
	ID          uuid.UUID        `json:"id"`
	DiagnosisID uuid.UUID        `json:"diagnosis_id"`
	Action      SuggestedAction  `json:"action"`
	Outcome     string           `json:"outcome"`
	Before      MetricsSnapshot  `json:"before"`
	After       *MetricsSnapshot `json:"after,omitempty"`
	Reward      *float64         `json:"reward,omitempty"`
	Detail      string           `json:"detail,omitempty"`
	ContentHash string           `json:"content_hash,omitempty"`
	ExecutedAt  time.Time        `json:"executed_at"`
	ResolvedAt  *time.Time       `json:"resolved_at,omitempty"`
}

// HistoryItem is one audited action row with its server-side hash
// verification result.
type HistoryItem struct {
	ActionRecord
	HashVerified bool `json:"hash_verified"`
}

// HistoryResponse is the response for the history view. MerkleRoot covers
// the returned set; recompute it client-side to detect tampering in transit.
type HistoryResponse struct {
	Count        int           `json:"count"`
	HashFailures int           `json:"hash_failures"`
	MerkleRoot   string        `json:"merkle_root,omitempty"`
	Actions      []HistoryItem `json:"actions"`
}

// DiagnosesResponse is the response for the diagnoses list view.
type DiagnosesResponse struct {
	Count     int         `json:"count"`
	Diagnoses []Diagnosis `json:"diagnoses"`
}

// Effectiveness aggregates learner feedback per action kind and target.
type Effectiveness struct {
	Kind       string    `json:"kind"`
	Target     string    `json:"target"`
	Attempts   int64     `json:"attempts"`
	Successes  int64     `json:"successes"`
	MeanReward float64   `json:"mean_reward"`
	Score      float64   `json:"score"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// EffectivenessResponse is the response for the effectiveness view.
type EffectivenessResponse struct {
	Count   int             `json:"count"`
	Entries []Effectiveness `json:"entries"`
}

// MetricBaseline is the running state of one adaptive metric baseline.
type MetricBaseline struct {
	Metric    string    `json:"metric"`
	Inverted  bool      `json:"inverted"`
	EMA       float64   `json:"ema"`
	Mean      float64   `json:"mean"`
	Samples   int64     `json:"samples"`
	Warning   float64   `json:"warning"`
	Critical  float64   `json:"critical"`
	Valid     bool      `json:"valid"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BaselinesResponse is the response for the baselines view.
type BaselinesResponse struct {
	Count     int              `json:"count"`
	Valid     int              `json:"valid"`
	Baselines []MetricBaseline `json:"baselines"`
}

// BreakerSnapshot is the circuit breaker's observable state.
type BreakerSnapshot struct {
	State             string     `json:"state"` // "closed", "open", "half_open"
	ConsecutiveFails  int        `json:"consecutive_failures"`
	HalfOpenSuccesses int        `json:"half_open_successes"`
	OpenedAt          *time.Time `json:"opened_at,omitempty"`
	Opens             int64      `json:"opens"`
	TotalFailures     int64      `json:"total_failures"`
	TotalSuccesses    int64      `json:"total_successes"`
	LastSuccess       *time.Time `json:"last_success,omitempty"`
	LastFailure       *time.Time `json:"last_failure,omitempty"`
	LastTransition    time.Time  `json:"last_transition"`
}

// ConfigSnapshot is the live runtime-configuration registry.
type ConfigSnapshot struct {
	Params    map[string]ParamValue `json:"params"`
	Features  map[string]bool       `json:"features"`
	Resources map[string]int64      `json:"resources"`
}

// TelemetryStatus reports invocation recorder backpressure.
type TelemetryStatus struct {
	PendingInvocations int   `json:"pending_invocations"`
	DroppedInvocations int64 `json:"dropped_invocations"`
}

// ReflectionStatus is the most recent learner reflection.
type ReflectionStatus struct {
	Summary     string    `json:"summary"`
	Suggestions string    `json:"suggestions,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Status is the one-call summary of the self-improvement loop.
type Status struct {
	Mode           string            `json:"mode"` // "monitor" or "autonomous"
	Breaker        *BreakerSnapshot  `json:"breaker,omitempty"`
	Actions24h     map[string]int    `json:"actions_24h"`
	Effectiveness  []Effectiveness   `json:"effectiveness"`
	Config         *ConfigSnapshot   `json:"config,omitempty"`
	Telemetry      TelemetryStatus   `json:"telemetry"`
	LastReflection *ReflectionStatus `json:"last_reflection,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status             string `json:"status"`
	Version            string `json:"version"`
	Storage            string `json:"storage"`
	Qdrant             string `json:"qdrant,omitempty"`
	Breaker            string `json:"breaker,omitempty"`
	PendingInvocations int    `json:"pending_invocations"`
	DroppedInvocations int64  `json:"dropped_invocations"`
	BufferStatus       string `json:"buffer_status"`
	Uptime             int64  `json:"uptime_seconds"`
}
