package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
)

// Incident is a stored record of one unhealthy episode, kept so later
// diagnoses can retrieve similar past situations and what was done about
// them. The embedding is computed from Summary and indexed for vector
// search.
type Incident struct {
	ID          uuid.UUID  `json:"id"`
	DiagnosisID uuid.UUID  `json:"diagnosis_id"`
	Severity    Severity   `json:"severity"`
	Metric      MetricKind `json:"metric"` // the worst trigger's metric
	Summary     string     `json:"summary"`
	// ActionTaken and Outcome are filled in once the executor resolves the
	// diagnosis, so retrieved precedents carry their result.
	ActionTaken string           `json:"action_taken,omitempty"`
	Outcome     ActionOutcome    `json:"outcome,omitempty"`
	Embedding   *pgvector.Vector `json:"-"`
	CreatedAt   time.Time        `json:"created_at"`
}

// IncidentSummary renders the canonical embedding text for a report. The
// wording stays stable across releases; changing it invalidates the index.
func IncidentSummary(r HealthReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "severity=%s", r.Severity)
	for _, t := range r.Triggers {
		fmt.Fprintf(&b, "; %s=%.4f baseline=%.4f deviation=%.1f%%", t.Metric, t.Value, t.Baseline, t.DeviationPct)
	}
	fmt.Fprintf(&b, "; error_rate=%.4f latency_p95=%.0fms quality=%.3f fallback=%.4f",
		r.Snapshot.ErrorRate, r.Snapshot.LatencyP95MS, r.Snapshot.QualityScore, r.Snapshot.FallbackRate)
	return b.String()
}

// PrecedentMatch is a retrieved similar incident with its vector score.
type PrecedentMatch struct {
	Incident Incident `json:"incident"`
	Score    float32  `json:"score"`
}
