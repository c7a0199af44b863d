// Package precedent retrieves past incidents similar to the one being
// diagnosed, so action selection can see what was tried before and how it
// went. Incidents are embedded and indexed into Qdrant by an outbox-driven
// Indexer; Postgres stays the source of truth and hydrates full records for
// the hits.
package precedent

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/embedding"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
)

// Result holds an incident ID and its raw similarity score from the index.
// The caller hydrates full Incident records from Postgres.
type Result struct {
	IncidentID uuid.UUID
	Score      float32
}

// Filters narrows a precedent search. Zero values mean no constraint.
type Filters struct {
	// Metric restricts hits to incidents triggered by the same metric.
	Metric model.MetricKind
	// MinSeverity drops hits below the given severity.
	MinSeverity model.Severity
}

// Searcher is the vector index read side. Implementations must be safe for
// concurrent use. Search may return more than limit results so the caller
// can rerank before truncating.
type Searcher interface {
	Search(ctx context.Context, embedding []float32, f Filters, limit int) ([]Result, error)

	// Healthy returns nil if the index is reachable, or an error describing
	// the problem.
	Healthy(ctx context.Context) error
}

// Rerank adjusts raw similarity scores with outcome and recency weighting,
// sorts descending, and truncates to limit. Incidents whose action outcome is
// already recorded make better precedents than ones still awaiting
// resolution.
//
// Formula: relevance = similarity * (1.0 if resolved else 0.6) * (1.0 / (1.0 + age_days / 90.0))
func Rerank(results []Result, incidents map[uuid.UUID]model.Incident, limit int) []model.PrecedentMatch {
	now := time.Now()
	scored := make([]model.PrecedentMatch, 0, len(results))

	for _, r := range results {
		inc, ok := incidents[r.IncidentID]
		if !ok {
			// Incident was pruned between index search and Postgres hydration.
			continue
		}

		ageDays := math.Max(0, now.Sub(inc.CreatedAt).Hours()/24.0)
		outcomeBonus := 0.6
		if inc.Outcome != "" {
			outcomeBonus = 1.0
		}
		recencyDecay := 1.0 / (1.0 + ageDays/90.0)
		relevance := float64(r.Score) * outcomeBonus * recencyDecay

		scored = append(scored, model.PrecedentMatch{
			Incident: inc,
			Score:    float32(math.Min(relevance, 1.0)),
		})
	}

	sort.Slice(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored
}

// IncidentStore hydrates incidents for a set of search hits.
type IncidentStore interface {
	GetIncidentsByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Incident, error)
}

// Retriever ties the embedding provider, the vector index, and Postgres
// hydration into one precedent lookup.
type Retriever struct {
	provider embedding.Provider
	searcher Searcher
	store    IncidentStore
	logger   *slog.Logger
}

// NewRetriever creates a Retriever over the given provider, index, and store.
func NewRetriever(provider embedding.Provider, searcher Searcher, store IncidentStore, logger *slog.Logger) *Retriever {
	return &Retriever{provider: provider, searcher: searcher, store: store, logger: logger}
}

// TopK returns up to k precedents for the given incident text, best first.
// An unreachable index yields (nil, nil): precedents enrich diagnosis but
// never block it, and unavailability is expected during index restarts.
// Other failures are returned so the caller can log them.
func (r *Retriever) TopK(ctx context.Context, text string, f Filters, k int) ([]model.PrecedentMatch, error) {
	if k <= 0 {
		k = 5
	}

	if err := r.searcher.Healthy(ctx); err != nil {
		r.logger.Warn("precedent: index unreachable, skipping lookup", "error", err)
		return nil, nil
	}

	vec, err := r.provider.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("precedent: embed query: %w", err)
	}

	hits, err := r.searcher.Search(ctx, vec.Slice(), f, k)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(hits))
	for i, h := range hits {
		ids[i] = h.IncidentID
	}
	incs, err := r.store.GetIncidentsByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("precedent: hydrate incidents: %w", err)
	}

	byID := make(map[uuid.UUID]model.Incident, len(incs))
	for _, inc := range incs {
		byID[inc.ID] = inc
	}
	return Rerank(hits, byID, k), nil
}
