// Package invocations records per-call telemetry from the reasoning surface
// and turns the persisted rows into health snapshots for the improvement loop.
package invocations

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/storage"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/telemetry"
)

// maxPendingCapacity is the hard upper limit on buffered invocations to
// prevent OOM. Telemetry must never fail a reasoning call, so past this
// limit Record drops the sample instead of blocking; the dropped counter
// surfaces the loss.
const maxPendingCapacity = 50_000

// Recorder accumulates invocation rows in memory and flushes them to the
// store when either the batch size or the flush interval is reached.
type Recorder struct {
	store        storage.Store
	logger       *slog.Logger
	maxSize      int
	flushTimeout time.Duration

	mu      sync.Mutex
	pending []model.Invocation

	dropped atomic.Int64 // total invocations dropped due to capacity

	started    atomic.Bool
	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc // cancels the flushLoop goroutine
	drainCtx   context.Context    // set by Drain so the final flush respects the caller's deadline
}

// NewRecorder creates an invocation recorder. Call Start to begin the
// background flush loop.
func NewRecorder(store storage.Store, logger *slog.Logger, maxSize int, flushTimeout time.Duration) *Recorder {
	return &Recorder{
		store:        store,
		logger:       logger,
		maxSize:      maxSize,
		flushTimeout: flushTimeout,
		flushCh:      make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Start begins the background flush loop and registers OTEL gauges.
// A second call is a no-op. Call Drain to stop.
func (r *Recorder) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		r.logger.Warn("invocations: recorder already started")
		return
	}
	r.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancelLoop = cancel
	go r.flushLoop(loopCtx)
}

// Record buffers one invocation, filling in the ID and timestamp when the
// caller left them zero. It never blocks and never fails: when the buffer
// is at capacity the sample is counted as dropped and discarded.
func (r *Recorder) Record(inv model.Invocation) {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.pending) >= maxPendingCapacity {
		r.dropped.Add(1)
		return
	}

	r.pending = append(r.pending, inv)

	if len(r.pending) >= r.maxSize {
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
}

func (r *Recorder) flushLoop(ctx context.Context) {
	ticker := time.NewTicker(r.flushTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush using the drain context provided by Drain().
			// ctx is already done, so a fresh context is required here.
			if r.drainCtx != nil {
				r.flush(r.drainCtx)
			} else {
				// Fallback for direct cancellation without Drain (e.g. tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				r.flush(fallbackCtx)
				cancel()
			}
			close(r.done)
			return
		case <-ticker.C:
			r.flush(ctx)
		case <-r.flushCh:
			r.flush(ctx)
		}
	}
}

func (r *Recorder) flush(ctx context.Context) {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	start := time.Now()
	err := r.store.InsertInvocations(ctx, batch)
	duration := time.Since(start)

	if err != nil {
		r.logger.Error("invocations: flush failed", "error", err, "batch_size", len(batch))
		// Put the batch back for retry, but respect the capacity limit.
		r.mu.Lock()
		if len(r.pending)+len(batch) <= maxPendingCapacity {
			r.pending = append(batch, r.pending...)
		} else {
			r.dropped.Add(int64(len(batch)))
			r.logger.Error("invocations: dropping batch, buffer at capacity after flush failure", "dropped", len(batch))
		}
		r.mu.Unlock()
		return
	}

	r.logger.Debug("invocations: batch flushed",
		"batch_size", len(batch),
		"flush_duration_ms", duration.Milliseconds(),
	)
}

// Drain signals the flush loop to stop, waits for its final flush, and
// returns. The ctx bounds the wait and is passed to the final flush.
func (r *Recorder) Drain(ctx context.Context) {
	r.drainCtx = ctx
	if r.cancelLoop != nil {
		r.cancelLoop()
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("invocations: drain timed out waiting for flush loop")
	}
}

// registerMetrics registers observable OTEL gauges for recorder health.
// Called from Start() after the global meter provider has been initialized.
func (r *Recorder) registerMetrics() {
	meter := telemetry.Meter("reasoning/invocations")

	_, _ = meter.Int64ObservableGauge("reasoning.invocations.pending",
		metric.WithDescription("Current number of invocations in the write buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(r.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("reasoning.invocations.dropped_total",
		metric.WithDescription("Total invocations dropped due to buffer capacity exhaustion"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(r.Dropped())
			return nil
		}),
	)
}

// Len returns the current number of buffered invocations.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Dropped returns the total number of invocations dropped due to capacity
// exhaustion. A non-zero value indicates telemetry loss, not call failures.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Cap returns the hard buffer capacity. Health reporting compares Len
// against it to grade backpressure.
func (r *Recorder) Cap() int {
	return maxPendingCapacity
}
