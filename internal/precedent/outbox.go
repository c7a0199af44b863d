package precedent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/storage/postgres"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/telemetry"
)

// OutboxStore is the slice of the Postgres store the indexer drives. The
// outbox is a Postgres-only feature; the sqlite driver stores incidents
// without embeddings and wires no indexer.
type OutboxStore interface {
	ClaimIncidentOutbox(ctx context.Context, limit, maxAttempts int, lease time.Duration) ([]postgres.OutboxClaim, error)
	MarkIncidentIndexed(ctx context.Context, outboxID int64) error
	MarkIncidentIndexFailed(ctx context.Context, outboxID int64, indexErr error) error
	PruneDeadOutbox(ctx context.Context, maxAttempts int, before time.Time) (int64, error)
	OutboxDepth(ctx context.Context) (int, error)
	GetIncidentsByIDs(ctx context.Context, ids []uuid.UUID) ([]model.Incident, error)
}

// PointWriter is the index write side the indexer feeds.
type PointWriter interface {
	Upsert(ctx context.Context, points []Point) error
}

// maxIndexAttempts is the dead-letter threshold. Rows that fail this many
// times stay in the table for inspection until pruned.
const maxIndexAttempts = 10

// claimLease outlives the 30 second batch budget so a slow batch cannot be
// claimed twice by overlapping workers.
const claimLease = time.Minute

// Indexer polls the incident outbox and syncs incidents into the vector
// index.
type Indexer struct {
	store        OutboxStore
	index        PointWriter
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	lastCleanup time.Time
	drainCh     chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewIndexer creates an outbox indexer.
func NewIndexer(store OutboxStore, index PointWriter, logger *slog.Logger, pollInterval time.Duration, batchSize int) *Indexer {
	return &Indexer{
		store:        store,
		index:        index,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *Indexer) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("precedent outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining entries, and blocks
// until done or the context expires. The ctx parameter is passed to the final
// poll so it respects the caller's deadline.
func (w *Indexer) Drain(ctx context.Context) {
	// Send the drain context to pollLoop via channel (race-free).
	// Must be sent before cancelLoop so pollLoop can receive it on ctx.Done().
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("precedent outbox: drain timed out")
	}
}

func (w *Indexer) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain: prefer the drain context (sent by Drain via channel)
			// so the final poll respects the caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				// Fallback for direct cancellation without Drain (e.g., tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()
		}
	}
}

func (w *Indexer) processBatch(ctx context.Context) {
	claims, err := w.store.ClaimIncidentOutbox(ctx, w.batchSize, maxIndexAttempts, claimLease)
	if err != nil {
		w.logger.Error("precedent outbox: claim entries", "error", err)
		return
	}
	if len(claims) == 0 {
		return
	}

	ids := make([]uuid.UUID, len(claims))
	for i, c := range claims {
		ids[i] = c.IncidentID
	}
	incidents, err := w.store.GetIncidentsByIDs(ctx, ids)
	if err != nil {
		w.logger.Error("precedent outbox: fetch incidents", "error", err, "count", len(ids))
		w.failClaims(ctx, claims, err)
		return
	}

	byID := make(map[uuid.UUID]model.Incident, len(incidents))
	for _, inc := range incidents {
		byID[inc.ID] = inc
	}

	// Split claims into indexable points and orphans. An orphan's incident
	// was pruned, or never had an embedding; either way there is nothing to
	// index and the entry is done.
	var points []Point
	var indexable []postgres.OutboxClaim
	for _, c := range claims {
		inc, ok := byID[c.IncidentID]
		if !ok || inc.Embedding == nil {
			if err := w.store.MarkIncidentIndexed(ctx, c.OutboxID); err != nil {
				w.logger.Error("precedent outbox: clear orphan entry", "error", err, "outbox_id", c.OutboxID)
			}
			continue
		}
		points = append(points, Point{
			ID:        inc.ID,
			Metric:    inc.Metric,
			Severity:  inc.Severity,
			Outcome:   inc.Outcome,
			CreatedAt: inc.CreatedAt,
			Embedding: inc.Embedding.Slice(),
		})
		indexable = append(indexable, c)
	}

	if len(points) > 0 {
		if err := w.index.Upsert(ctx, points); err != nil {
			w.logger.Error("precedent outbox: index upsert", "error", err, "count", len(points))
			w.failClaims(ctx, indexable, err)
			return
		}
		for _, c := range indexable {
			if err := w.store.MarkIncidentIndexed(ctx, c.OutboxID); err != nil {
				w.logger.Error("precedent outbox: mark indexed", "error", err, "outbox_id", c.OutboxID)
			}
		}
		w.logger.Info("precedent outbox: indexed", "count", len(points))
	}

	// Periodically prune exhausted entries older than 7 days.
	if time.Since(w.lastCleanup) > time.Hour {
		w.cleanupDeadLetters(ctx)
		w.lastCleanup = time.Now()
	}
}

func (w *Indexer) failClaims(ctx context.Context, claims []postgres.OutboxClaim, cause error) {
	for _, c := range claims {
		if err := w.store.MarkIncidentIndexFailed(ctx, c.OutboxID, cause); err != nil {
			w.logger.Error("precedent outbox: record failure", "error", err, "outbox_id", c.OutboxID)
		}
		// Attempts is the post-claim count, so >= max means this row will
		// never be claimed again.
		if c.Attempts >= maxIndexAttempts {
			w.logger.Warn("precedent outbox: dead-letter entry",
				"outbox_id", c.OutboxID,
				"incident_id", c.IncidentID,
				"attempts", c.Attempts,
			)
		}
	}
}

func (w *Indexer) cleanupDeadLetters(ctx context.Context) {
	n, err := w.store.PruneDeadOutbox(ctx, maxIndexAttempts, time.Now().Add(-7*24*time.Hour))
	if err != nil {
		w.logger.Error("precedent outbox: prune dead letters", "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("precedent outbox: pruned dead-letter entries", "deleted", n)
	}
}

// registerMetrics registers an observable gauge for outbox depth.
func (w *Indexer) registerMetrics() {
	meter := telemetry.Meter("reasoning/outbox")

	_, _ = meter.Int64ObservableGauge("reasoning.outbox.depth",
		metric.WithDescription("Number of pending entries in the incident outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := w.store.OutboxDepth(ctx)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(int64(n))
			return nil
		}),
	)
}
