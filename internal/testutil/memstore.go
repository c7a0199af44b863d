package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/storage"
)

// MemStore is an in-memory storage.Store for unit tests. It mirrors the real
// drivers' observable semantics (defaulted IDs and timestamps, newest-first
// lists, wrapped storage.ErrNotFound) without a database. Safe for
// concurrent use.
type MemStore struct {
	mu            sync.Mutex
	diagnoses     map[uuid.UUID]model.SelfDiagnosis
	actions       []model.ActionRecord
	effectiveness map[string]model.ActionEffectiveness
	reflections   []model.Reflection
	baselines     map[model.MetricKind]model.MetricBaselineState
	breakerState  *model.BreakerState
	invocations   []model.Invocation
	incidents     map[uuid.UUID]model.Incident

	insertCalls int

	// Failure injection, guarded by mu so tests can flip errors while
	// background goroutines use the store. Set via the Fail* methods.
	insertInvocationsErr error
	aggregateErr         error
	insertDiagnosisErr   error
	saveBaselinesErr     error
	insertIncidentErr    error
}

var _ storage.Store = (*MemStore)(nil)

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		diagnoses:     make(map[uuid.UUID]model.SelfDiagnosis),
		effectiveness: make(map[string]model.ActionEffectiveness),
		baselines:     make(map[model.MetricKind]model.MetricBaselineState),
		incidents:     make(map[uuid.UUID]model.Incident),
	}
}

// FailInsertInvocations makes InsertInvocations return err; pass nil to heal.
func (m *MemStore) FailInsertInvocations(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertInvocationsErr = err
}

// FailAggregate makes AggregateInvocations return err; pass nil to heal.
func (m *MemStore) FailAggregate(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aggregateErr = err
}

// FailInsertDiagnosis makes InsertDiagnosis return err; pass nil to heal.
func (m *MemStore) FailInsertDiagnosis(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertDiagnosisErr = err
}

// FailSaveBaselines makes SaveBaselines return err; pass nil to heal.
func (m *MemStore) FailSaveBaselines(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveBaselinesErr = err
}

// FailInsertIncident makes InsertIncident return err; pass nil to heal.
func (m *MemStore) FailInsertIncident(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertIncidentErr = err
}

// ---------------------------------------------------------------------------
// Diagnoses
// ---------------------------------------------------------------------------

func (m *MemStore) InsertDiagnosis(_ context.Context, d model.SelfDiagnosis) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.insertDiagnosisErr != nil {
		return m.insertDiagnosisErr
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}
	m.diagnoses[d.ID] = d
	return nil
}

func (m *MemStore) UpdateDiagnosisStatus(_ context.Context, id uuid.UUID, status model.DiagnosisStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.diagnoses[id]
	if !ok {
		return fmt.Errorf("memstore: diagnosis %s: %w", id, storage.ErrNotFound)
	}
	d.Status = status
	d.RejectedReason = reason
	d.UpdatedAt = time.Now().UTC()
	m.diagnoses[id] = d
	return nil
}

func (m *MemStore) GetDiagnosis(_ context.Context, id uuid.UUID) (model.SelfDiagnosis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.diagnoses[id]
	if !ok {
		return model.SelfDiagnosis{}, fmt.Errorf("memstore: diagnosis %s: %w", id, storage.ErrNotFound)
	}
	return d, nil
}

func (m *MemStore) ListDiagnoses(_ context.Context, f storage.DiagnosisFilter) ([]model.SelfDiagnosis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.SelfDiagnosis
	for _, d := range m.diagnoses {
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && d.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return clampList(out, f.Limit, 50), nil
}

// ---------------------------------------------------------------------------
// Action records
// ---------------------------------------------------------------------------

func (m *MemStore) InsertActionRecord(_ context.Context, rec model.ActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now().UTC()
	}
	m.actions = append(m.actions, rec)
	return nil
}

func (m *MemStore) ResolveActionRecord(_ context.Context, rec model.ActionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.actions {
		if m.actions[i].ID == rec.ID {
			m.actions[i].Outcome = rec.Outcome
			m.actions[i].After = rec.After
			m.actions[i].Reward = rec.Reward
			m.actions[i].Detail = rec.Detail
			m.actions[i].ContentHash = rec.ContentHash
			m.actions[i].ResolvedAt = rec.ResolvedAt
			return nil
		}
	}
	return fmt.Errorf("memstore: action record %s: %w", rec.ID, storage.ErrNotFound)
}

func (m *MemStore) ListActionRecords(_ context.Context, f storage.ActionFilter) ([]model.ActionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.ActionRecord
	for _, rec := range m.actions {
		if f.Outcome != "" && rec.Outcome != f.Outcome {
			continue
		}
		if !f.Since.IsZero() && rec.ExecutedAt.Before(f.Since) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.After(out[j].ExecutedAt) })
	return clampList(out, f.Limit, 50), nil
}

func (m *MemStore) CountActionsSince(_ context.Context, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, rec := range m.actions {
		if !rec.ExecutedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------
// Effectiveness
// ---------------------------------------------------------------------------

func effectivenessKey(kind model.ActionKind, target string) string {
	return string(kind) + "|" + target
}

func (m *MemStore) UpsertEffectiveness(_ context.Context, e model.ActionEffectiveness) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now().UTC()
	}
	m.effectiveness[effectivenessKey(e.Kind, e.Target)] = e
	return nil
}

func (m *MemStore) GetEffectiveness(_ context.Context, kind model.ActionKind, target string) (model.ActionEffectiveness, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.effectiveness[effectivenessKey(kind, target)]
	if !ok {
		return model.ActionEffectiveness{}, fmt.Errorf("memstore: effectiveness %s/%s: %w", kind, target, storage.ErrNotFound)
	}
	return e, nil
}

func (m *MemStore) ListEffectiveness(_ context.Context, limit int) ([]model.ActionEffectiveness, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.ActionEffectiveness, 0, len(m.effectiveness))
	for _, e := range m.effectiveness {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Reflections
// ---------------------------------------------------------------------------

func (m *MemStore) InsertReflection(_ context.Context, r model.Reflection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	m.reflections = append(m.reflections, r)
	return nil
}

func (m *MemStore) ListReflections(_ context.Context, limit int) ([]model.Reflection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Reflection, len(m.reflections))
	copy(out, m.reflections)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit <= 0 {
		limit = 20
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Baselines
// ---------------------------------------------------------------------------

func (m *MemStore) SaveBaselines(_ context.Context, states []model.MetricBaselineState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.saveBaselinesErr != nil {
		return m.saveBaselinesErr
	}
	now := time.Now().UTC()
	for _, s := range states {
		if s.UpdatedAt.IsZero() {
			s.UpdatedAt = now
		}
		m.baselines[s.Metric] = s
	}
	return nil
}

func (m *MemStore) LoadBaselines(_ context.Context) ([]model.MetricBaselineState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.MetricBaselineState, 0, len(m.baselines))
	for _, s := range m.baselines {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Metric < out[j].Metric })
	return out, nil
}

func (m *MemStore) SaveBreakerState(_ context.Context, s model.BreakerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	m.breakerState = &s
	return nil
}

func (m *MemStore) LoadBreakerState(_ context.Context) (model.BreakerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.breakerState == nil {
		return model.BreakerState{}, fmt.Errorf("memstore: breaker state: %w", storage.ErrNotFound)
	}
	return *m.breakerState, nil
}

// ---------------------------------------------------------------------------
// Invocations
// ---------------------------------------------------------------------------

func (m *MemStore) InsertInvocations(_ context.Context, batch []model.Invocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.insertCalls++
	if m.insertInvocationsErr != nil {
		return m.insertInvocationsErr
	}
	now := time.Now().UTC()
	for _, inv := range batch {
		if inv.ID == uuid.Nil {
			inv.ID = uuid.New()
		}
		if inv.CreatedAt.IsZero() {
			inv.CreatedAt = now
		}
		m.invocations = append(m.invocations, inv)
	}
	return nil
}

func (m *MemStore) AggregateInvocations(_ context.Context, w storage.InvocationWindow) (model.MetricsSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.aggregateErr != nil {
		return model.MetricsSnapshot{}, m.aggregateErr
	}
	snap := model.MetricsSnapshot{WindowStart: w.From, WindowEnd: w.To}
	var latencies []int64
	var failed, fallbacks int
	var qualitySum float64
	for _, inv := range m.invocations {
		if inv.CreatedAt.Before(w.From) || !inv.CreatedAt.Before(w.To) {
			continue
		}
		snap.SampleCount++
		latencies = append(latencies, inv.LatencyMS)
		if !inv.Success {
			failed++
		}
		if inv.Fallback {
			fallbacks++
		}
		if inv.Quality != nil {
			snap.QualitySamples++
			qualitySum += *inv.Quality
		}
	}
	if snap.SampleCount > 0 {
		snap.ErrorRate = float64(failed) / float64(snap.SampleCount)
		snap.FallbackRate = float64(fallbacks) / float64(snap.SampleCount)
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		// Nearest-rank p95, matching the sqlite driver.
		offset := (len(latencies)*95+99)/100 - 1
		if offset < 0 {
			offset = 0
		}
		snap.LatencyP95MS = float64(latencies[offset])
	}
	if snap.QualitySamples > 0 {
		snap.QualityScore = qualitySum / float64(snap.QualitySamples)
	}
	return snap, nil
}

func (m *MemStore) PruneInvocations(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.invocations[:0]
	var pruned int64
	for _, inv := range m.invocations {
		if inv.CreatedAt.Before(before) {
			pruned++
			continue
		}
		kept = append(kept, inv)
	}
	m.invocations = kept
	return pruned, nil
}

// InvocationCount reports how many invocations have been flushed into the
// store, for recorder assertions.
func (m *MemStore) InvocationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.invocations)
}

// Invocations returns a copy of every flushed invocation row, oldest first.
func (m *MemStore) Invocations() []model.Invocation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Invocation, len(m.invocations))
	copy(out, m.invocations)
	return out
}

// InsertInvocationCalls reports how many times InsertInvocations was called,
// including failed calls, so tests can observe flush attempts.
func (m *MemStore) InsertInvocationCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertCalls
}

// ---------------------------------------------------------------------------
// Incidents
// ---------------------------------------------------------------------------

func (m *MemStore) InsertIncident(_ context.Context, inc model.Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.insertIncidentErr != nil {
		return m.insertIncidentErr
	}
	if inc.ID == uuid.Nil {
		inc.ID = uuid.New()
	}
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = time.Now().UTC()
	}
	m.incidents[inc.ID] = inc
	return nil
}

func (m *MemStore) ResolveIncident(_ context.Context, diagnosisID uuid.UUID, actionTaken string, outcome model.ActionOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, inc := range m.incidents {
		if inc.DiagnosisID == diagnosisID {
			inc.ActionTaken = actionTaken
			inc.Outcome = outcome
			m.incidents[id] = inc
			return nil
		}
	}
	// No incident for this diagnosis is fine; resolution is best-effort.
	return nil
}

// IncidentForDiagnosis returns the stored incident linked to diagnosisID,
// for assertions on the analyzer's incident trail.
func (m *MemStore) IncidentForDiagnosis(diagnosisID uuid.UUID) (model.Incident, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, inc := range m.incidents {
		if inc.DiagnosisID == diagnosisID {
			return inc, true
		}
	}
	return model.Incident{}, false
}

func (m *MemStore) GetIncidentsByIDs(_ context.Context, ids []uuid.UUID) ([]model.Incident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Incident
	for _, id := range ids {
		if inc, ok := m.incidents[id]; ok {
			out = append(out, inc)
		}
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func (m *MemStore) Ping(context.Context) error  { return nil }
func (m *MemStore) Close(context.Context) error { return nil }

// clampList applies the drivers' limit defaulting: zero or negative limits
// fall back to def, and nothing exceeds 1000.
func clampList[T any](list []T, limit, def int) []T {
	if limit <= 0 {
		limit = def
	}
	if limit > 1000 {
		limit = 1000
	}
	if len(list) > limit {
		list = list[:limit]
	}
	return list
}
