package invocations

import (
	"context"
	"fmt"
	"time"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/storage"
)

// Source produces health snapshots of recent reasoning traffic.
type Source interface {
	// Snapshot aggregates the invocations recorded over the trailing window,
	// ending now.
	Snapshot(ctx context.Context, window time.Duration) (model.MetricsSnapshot, error)
}

// StoreSource computes snapshots from persisted invocation rows. Reading
// from the store rather than the in-memory buffer means a restart does not
// blind the loop to traffic it already served.
type StoreSource struct {
	store storage.Store
}

// NewStoreSource returns a Source backed by the given store.
func NewStoreSource(store storage.Store) *StoreSource {
	return &StoreSource{store: store}
}

// Snapshot implements Source.
func (s *StoreSource) Snapshot(ctx context.Context, window time.Duration) (model.MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap, err := s.store.AggregateInvocations(ctx, storage.InvocationWindow{From: now.Add(-window), To: now})
	if err != nil {
		return model.MetricsSnapshot{}, fmt.Errorf("invocations: aggregate window: %w", err)
	}
	return snap, nil
}
