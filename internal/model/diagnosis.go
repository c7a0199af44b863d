package model

import (
	"time"

	"github.com/google/uuid"
)

// DiagnosisStatus tracks a diagnosis through its lifecycle:
// pending -> approved|rejected, approved -> executing -> completed|blocked.
type DiagnosisStatus string

const (
	DiagnosisPending   DiagnosisStatus = "pending"
	DiagnosisApproved  DiagnosisStatus = "approved"
	DiagnosisRejected  DiagnosisStatus = "rejected"
	DiagnosisExecuting DiagnosisStatus = "executing"
	DiagnosisCompleted DiagnosisStatus = "completed"
	DiagnosisBlocked   DiagnosisStatus = "blocked"
)

var diagnosisTransitions = map[DiagnosisStatus][]DiagnosisStatus{
	DiagnosisPending:   {DiagnosisApproved, DiagnosisRejected},
	DiagnosisApproved:  {DiagnosisExecuting, DiagnosisBlocked},
	DiagnosisExecuting: {DiagnosisCompleted, DiagnosisBlocked},
}

// CanTransition reports whether moving from s to next is a legal step.
func (s DiagnosisStatus) CanTransition(next DiagnosisStatus) bool {
	for _, allowed := range diagnosisTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s DiagnosisStatus) Terminal() bool {
	return len(diagnosisTransitions[s]) == 0
}

// PipeCall records one model call made while producing a diagnosis, for the
// operator surface and for reflection prompts.
type PipeCall struct {
	Pipe      string `json:"pipe"`
	LatencyMS int64  `json:"latency_ms"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
}

// SelfDiagnosis is the Analyzer's verdict on an unhealthy report: a
// hypothesis about the cause and a validated (or rejected) action.
type SelfDiagnosis struct {
	ID         uuid.UUID       `json:"id"`
	Report     HealthReport    `json:"report"`
	Hypothesis string          `json:"hypothesis"`
	Action     SuggestedAction `json:"action"`
	Status     DiagnosisStatus `json:"status"`
	// Confidence is the model's self-reported confidence in the action [0,1].
	Confidence float64 `json:"confidence"`
	// RejectedReason explains a rejected or blocked status.
	RejectedReason string     `json:"rejected_reason,omitempty"`
	PipeTrace      []PipeCall `json:"pipe_trace,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ActionOutcome is the final disposition of an executed action.
type ActionOutcome string

const (
	OutcomePending    ActionOutcome = "pending" // applied, stabilization window still open
	OutcomeSuccess    ActionOutcome = "success"
	OutcomeFailed     ActionOutcome = "failed"
	OutcomeRolledBack ActionOutcome = "rolled_back"
)

// ActionRecord is the persisted audit row for one execution attempt. Before
// and After snapshots bracket the stabilization window; ContentHash makes the
// row tamper-evident.
type ActionRecord struct {
	ID          uuid.UUID        `json:"id"`
	DiagnosisID uuid.UUID        `json:"diagnosis_id"`
	Action      SuggestedAction  `json:"action"`
	Outcome     ActionOutcome    `json:"outcome"`
	Before      MetricsSnapshot  `json:"before"`
	After       *MetricsSnapshot `json:"after,omitempty"`
	// Reward is the learner's normalized improvement score [-1,1], set once
	// the outcome is final.
	Reward      *float64   `json:"reward,omitempty"`
	Detail      string     `json:"detail,omitempty"` // failure or rollback explanation
	ContentHash string     `json:"content_hash,omitempty"`
	ExecutedAt  time.Time  `json:"executed_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// ActionEffectiveness aggregates learner feedback per action kind and target.
type ActionEffectiveness struct {
	Kind      ActionKind `json:"kind"`
	Target    string     `json:"target"`
	Attempts  int64      `json:"attempts"`
	Successes int64      `json:"successes"`
	// MeanReward is the incremental mean of rewards across attempts.
	MeanReward float64 `json:"mean_reward"`
	// Score is the recency-decayed effectiveness estimate used for ranking.
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SuccessRate returns successes/attempts, 0 when untried.
func (e ActionEffectiveness) SuccessRate() float64 {
	if e.Attempts == 0 {
		return 0
	}
	return float64(e.Successes) / float64(e.Attempts)
}

// Reflection is a periodic model-written review of recent actions.
type Reflection struct {
	ID          uuid.UUID `json:"id"`
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`
	ActionsSeen int       `json:"actions_seen"`
	Summary     string    `json:"summary"`
	Suggestions string    `json:"suggestions,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
