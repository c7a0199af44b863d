// Package storage defines the persistence boundary for the self-improvement
// loop: diagnoses, action records, effectiveness aggregates, reflections,
// baseline state, invocation telemetry, and incident memory. Drivers live in
// the postgres and sqlite subpackages; consumers hold the Store interface
// and never see driver types.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// DiagnosisFilter narrows ListDiagnoses. Zero values mean no constraint;
// Limit zero falls back to the driver default.
type DiagnosisFilter struct {
	Status model.DiagnosisStatus
	Since  time.Time
	Limit  int
}

// ActionFilter narrows ListActionRecords. Records come back newest first.
type ActionFilter struct {
	Outcome model.ActionOutcome
	Since   time.Time
	Limit   int
}

// InvocationWindow brackets an aggregation query.
type InvocationWindow struct {
	From time.Time
	To   time.Time
}

// Store is the full persistence surface. Implementations must be safe for
// concurrent use.
type Store interface {
	// Diagnoses.
	InsertDiagnosis(ctx context.Context, d model.SelfDiagnosis) error
	UpdateDiagnosisStatus(ctx context.Context, id uuid.UUID, status model.DiagnosisStatus, reason string) error
	GetDiagnosis(ctx context.Context, id uuid.UUID) (model.SelfDiagnosis, error)
	ListDiagnoses(ctx context.Context, f DiagnosisFilter) ([]model.SelfDiagnosis, error)

	// Action records.
	InsertActionRecord(ctx context.Context, rec model.ActionRecord) error
	ResolveActionRecord(ctx context.Context, rec model.ActionRecord) error
	ListActionRecords(ctx context.Context, f ActionFilter) ([]model.ActionRecord, error)
	CountActionsSince(ctx context.Context, since time.Time) (int, error)

	// Effectiveness aggregates.
	UpsertEffectiveness(ctx context.Context, e model.ActionEffectiveness) error
	GetEffectiveness(ctx context.Context, kind model.ActionKind, target string) (model.ActionEffectiveness, error)
	ListEffectiveness(ctx context.Context, limit int) ([]model.ActionEffectiveness, error)

	// Reflections.
	InsertReflection(ctx context.Context, r model.Reflection) error
	ListReflections(ctx context.Context, limit int) ([]model.Reflection, error)

	// Baseline state.
	SaveBaselines(ctx context.Context, states []model.MetricBaselineState) error
	LoadBaselines(ctx context.Context) ([]model.MetricBaselineState, error)

	// Breaker state. Load returns ErrNotFound before the first save.
	SaveBreakerState(ctx context.Context, s model.BreakerState) error
	LoadBreakerState(ctx context.Context) (model.BreakerState, error)

	// Invocation telemetry.
	InsertInvocations(ctx context.Context, batch []model.Invocation) error
	AggregateInvocations(ctx context.Context, w InvocationWindow) (model.MetricsSnapshot, error)
	PruneInvocations(ctx context.Context, before time.Time) (int64, error)

	// Incident memory.
	InsertIncident(ctx context.Context, inc model.Incident) error
	ResolveIncident(ctx context.Context, diagnosisID uuid.UUID, actionTaken string, outcome model.ActionOutcome) error
	GetIncidentsByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Incident, error)

	// Lifecycle.
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
