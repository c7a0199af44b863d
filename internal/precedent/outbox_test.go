package precedent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/storage/postgres"
)

type fakeOutboxStore struct {
	mu        sync.Mutex
	claims    []postgres.OutboxClaim // handed out once, then empty
	claimErr  error
	incidents map[uuid.UUID]model.Incident
	fetchErr  error
	indexed   []int64
	failed    []int64
}

func (f *fakeOutboxStore) ClaimIncidentOutbox(_ context.Context, _, _ int, _ time.Duration) ([]postgres.OutboxClaim, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	out := f.claims
	f.claims = nil
	return out, nil
}

func (f *fakeOutboxStore) MarkIncidentIndexed(_ context.Context, outboxID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, outboxID)
	return nil
}

func (f *fakeOutboxStore) MarkIncidentIndexFailed(_ context.Context, outboxID int64, _ error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, outboxID)
	return nil
}

func (f *fakeOutboxStore) PruneDeadOutbox(_ context.Context, _ int, _ time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeOutboxStore) OutboxDepth(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.claims), nil
}

func (f *fakeOutboxStore) GetIncidentsByIDs(_ context.Context, ids []uuid.UUID) ([]model.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	var out []model.Incident
	for _, id := range ids {
		if inc, ok := f.incidents[id]; ok {
			out = append(out, inc)
		}
	}
	return out, nil
}

func (f *fakeOutboxStore) markedIndexed() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.indexed...)
}

func (f *fakeOutboxStore) markedFailed() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.failed...)
}

type fakeWriter struct {
	mu     sync.Mutex
	points []Point
	err    error
}

func (f *fakeWriter) Upsert(_ context.Context, points []Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.points = append(f.points, points...)
	return nil
}

func (f *fakeWriter) upserted() []Point {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Point(nil), f.points...)
}

func embedded(vals ...float32) *pgvector.Vector {
	v := pgvector.NewVector(vals)
	return &v
}

func TestIndexerProcessBatch(t *testing.T) {
	id1 := uuid.New()
	id2 := uuid.New()
	store := &fakeOutboxStore{
		claims: []postgres.OutboxClaim{
			{OutboxID: 1, IncidentID: id1, Attempts: 1},
			{OutboxID: 2, IncidentID: id2, Attempts: 1},
		},
		incidents: map[uuid.UUID]model.Incident{
			id1: {ID: id1, Metric: model.MetricErrorRate, Severity: model.SeverityWarning, Embedding: embedded(0.1, 0.2)},
			id2: {ID: id2, Metric: model.MetricLatencyP95, Severity: model.SeverityCritical, Outcome: model.OutcomeSuccess, Embedding: embedded(0.3, 0.4)},
		},
	}
	writer := &fakeWriter{}

	w := NewIndexer(store, writer, testLogger(), time.Second, 10)
	w.processBatch(context.Background())

	points := writer.upserted()
	require.Len(t, points, 2)
	assert.Equal(t, model.MetricErrorRate, points[0].Metric)
	assert.Equal(t, []float32{0.1, 0.2}, points[0].Embedding)

	assert.ElementsMatch(t, []int64{1, 2}, store.markedIndexed())
	assert.Empty(t, store.markedFailed())
}

func TestIndexerProcessBatchWriterError(t *testing.T) {
	id1 := uuid.New()
	id2 := uuid.New()
	store := &fakeOutboxStore{
		claims: []postgres.OutboxClaim{
			{OutboxID: 1, IncidentID: id1, Attempts: 3},
			{OutboxID: 2, IncidentID: id2, Attempts: maxIndexAttempts}, // last attempt, dead-letters on failure
		},
		incidents: map[uuid.UUID]model.Incident{
			id1: {ID: id1, Embedding: embedded(0.1)},
			id2: {ID: id2, Embedding: embedded(0.2)},
		},
	}
	writer := &fakeWriter{err: errors.New("qdrant down")}

	w := NewIndexer(store, writer, testLogger(), time.Second, 10)
	w.processBatch(context.Background())

	assert.Empty(t, store.markedIndexed())
	assert.ElementsMatch(t, []int64{1, 2}, store.markedFailed())
}

func TestIndexerProcessBatchOrphans(t *testing.T) {
	present := uuid.New()
	store := &fakeOutboxStore{
		claims: []postgres.OutboxClaim{
			{OutboxID: 1, IncidentID: uuid.New(), Attempts: 1}, // incident pruned
			{OutboxID: 2, IncidentID: present, Attempts: 1},    // no embedding to index
		},
		incidents: map[uuid.UUID]model.Incident{
			present: {ID: present},
		},
	}
	writer := &fakeWriter{}

	w := NewIndexer(store, writer, testLogger(), time.Second, 10)
	w.processBatch(context.Background())

	// Orphans are acked without touching the index.
	assert.Empty(t, writer.upserted())
	assert.ElementsMatch(t, []int64{1, 2}, store.markedIndexed())
	assert.Empty(t, store.markedFailed())
}

func TestIndexerProcessBatchFetchError(t *testing.T) {
	store := &fakeOutboxStore{
		claims:   []postgres.OutboxClaim{{OutboxID: 7, IncidentID: uuid.New(), Attempts: 1}},
		fetchErr: errors.New("db down"),
	}
	writer := &fakeWriter{}

	w := NewIndexer(store, writer, testLogger(), time.Second, 10)
	w.processBatch(context.Background())

	assert.Empty(t, writer.upserted())
	assert.Equal(t, []int64{7}, store.markedFailed())
}

func TestIndexerProcessBatchClaimError(t *testing.T) {
	store := &fakeOutboxStore{claimErr: errors.New("db down")}
	writer := &fakeWriter{}

	w := NewIndexer(store, writer, testLogger(), time.Second, 10)
	w.processBatch(context.Background())

	assert.Empty(t, writer.upserted())
	assert.Empty(t, store.markedIndexed())
	assert.Empty(t, store.markedFailed())
}

func TestIndexerStartAndDrain(t *testing.T) {
	id := uuid.New()
	store := &fakeOutboxStore{
		claims: []postgres.OutboxClaim{{OutboxID: 1, IncidentID: id, Attempts: 1}},
		incidents: map[uuid.UUID]model.Incident{
			id: {ID: id, Embedding: embedded(0.5)},
		},
	}
	writer := &fakeWriter{}

	w := NewIndexer(store, writer, testLogger(), 10*time.Millisecond, 10)
	w.Start(context.Background())

	// Second Start is a no-op.
	w.Start(context.Background())

	require.Eventually(t, func() bool {
		return len(writer.upserted()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	drainCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.Drain(drainCtx)

	assert.NoError(t, drainCtx.Err(), "drain should finish before the deadline")
	assert.Equal(t, []int64{1}, store.markedIndexed())
}

func TestIndexerDrainWithoutStart(t *testing.T) {
	// Drain before Start has no loop to stop; it must return via the context
	// deadline instead of hanging on the never-closed done channel.
	w := NewIndexer(&fakeOutboxStore{}, &fakeWriter{}, testLogger(), time.Second, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	w.Drain(ctx)
	assert.ErrorIs(t, ctx.Err(), context.DeadlineExceeded)
}
