// Package improve implements the autonomous improvement loop: monitor the
// service's own invocation stream, diagnose degradations through staged
// model calls, execute allowlisted corrective actions behind safety gates,
// and learn from how each action turned out.
//
// The loop composes four parts. Monitor grades the trailing metrics window
// against adaptive baselines. Analyzer turns an unhealthy report into a
// typed, allowlist-checked action proposal. Executor applies the action
// under the circuit breaker, budget, and cooldown gates and grades it
// across a stabilization window, rolling back regressions. Learner converts
// graded actions into rewards, effectiveness aggregates, and periodic
// reflections. System wires them to one ticker.
package improve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/baseline"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/breaker"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/storage"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/telemetry"
)

// SystemConfig tunes the loop driver.
type SystemConfig struct {
	// Enabled allows autonomous execution. When false the loop still
	// monitors and persists baselines but never analyzes or acts.
	Enabled bool
	// Interval is the tick period.
	Interval time.Duration
	// InvocationRetention bounds how long raw invocation rows are kept.
	InvocationRetention time.Duration
}

// System drives the improvement loop: one ticker, at most one tick in
// flight. A tick that outlasts the interval (stabilization holds the tick
// open) makes the next tick skip rather than overlap.
type System struct {
	monitor   *Monitor
	analyzer  *Analyzer
	executor  *Executor
	learner   *Learner
	store     storage.Store
	baselines *baseline.Calculator
	breaker   *breaker.Breaker
	cfg       SystemConfig
	logger    *slog.Logger

	tracer  trace.Tracer
	ticks   metric.Int64Counter
	actions metric.Int64Counter

	started  atomic.Bool
	inFlight atomic.Bool
	cancel   context.CancelFunc
	done     chan struct{}
	ticksWG  sync.WaitGroup

	lastPrune time.Time // touched only inside ticks, which never overlap
}

// NewSystem assembles the loop driver around its four stages.
func NewSystem(
	monitor *Monitor,
	analyzer *Analyzer,
	executor *Executor,
	learner *Learner,
	store storage.Store,
	baselines *baseline.Calculator,
	brk *breaker.Breaker,
	cfg SystemConfig,
	logger *slog.Logger,
) *System {
	return &System{
		monitor:   monitor,
		analyzer:  analyzer,
		executor:  executor,
		learner:   learner,
		store:     store,
		baselines: baselines,
		breaker:   brk,
		cfg:       cfg,
		logger:    logger,
		tracer:    telemetry.Tracer("reasoning/improve"),
		done:      make(chan struct{}),
	}
}

// Start restores persisted baselines and breaker state, then launches the
// tick loop. Safe to call only once; later calls are no-ops.
func (s *System) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("improve: Start called more than once, ignoring")
		return
	}
	s.restoreState(ctx)
	s.registerMetrics()

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.loop(loopCtx)

	mode := "monitor-only"
	if s.cfg.Enabled {
		mode = "autonomous"
	}
	s.logger.Info("improve: loop started", "mode", mode, "interval", s.cfg.Interval)
}

// Stop halts the loop, waits for any in-flight tick, and persists baseline
// and breaker state one last time. Returns the context error on timeout.
func (s *System) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	s.cancel()

	select {
	case <-s.done:
	case <-ctx.Done():
		return fmt.Errorf("improve: stop: %w", ctx.Err())
	}

	finished := make(chan struct{})
	go func() {
		s.ticksWG.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		return fmt.Errorf("improve: tick drain: %w", ctx.Err())
	}

	s.persistBaselines(ctx)
	if err := s.store.SaveBreakerState(ctx, s.breaker.Export()); err != nil {
		s.logger.Warn("improve: persist breaker state on stop", "error", err)
	}
	s.logger.Info("improve: loop stopped")
	return nil
}

// restoreState reloads baselines and breaker position so a restart resumes
// where the last process left off. Missing rows are expected on first boot.
func (s *System) restoreState(ctx context.Context) {
	states, err := s.store.LoadBaselines(ctx)
	switch {
	case err != nil:
		s.logger.Warn("improve: load baselines", "error", err)
	case len(states) > 0:
		s.baselines.Restore(states)
		s.logger.Info("improve: baselines restored", "metrics", len(states))
	}

	bs, err := s.store.LoadBreakerState(ctx)
	switch {
	case err == nil:
		s.breaker.Restore(bs)
	case !errors.Is(err, storage.ErrNotFound):
		s.logger.Warn("improve: load breaker state", "error", err)
	}
}

func (s *System) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.inFlight.CompareAndSwap(false, true) {
				s.logger.Warn("improve: tick skipped, previous tick still running")
				continue
			}
			s.ticksWG.Add(1)
			go func() {
				defer s.ticksWG.Done()
				defer s.inFlight.Store(false)
				s.tick(ctx)
			}()
		}
	}
}

// tick runs one full pass: monitor, and on a degraded report analyze,
// execute, and learn. Every stage failure is contained to the tick.
func (s *System) tick(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "improve.tick")
	defer span.End()
	if s.ticks != nil {
		s.ticks.Add(ctx, 1)
	}

	report, unhealthy, err := s.monitor.Check(ctx)
	if err != nil {
		s.logger.Warn("improve: monitor pass failed", "error", err)
		return
	}
	s.persistBaselines(ctx)
	s.maybePrune(ctx)

	if !unhealthy {
		return
	}
	span.SetAttributes(attribute.String("improve.severity", string(report.Severity)))

	if !s.cfg.Enabled {
		s.logger.Info("improve: degradation observed, autonomous execution disabled",
			"severity", report.Severity, "triggers", len(report.Triggers))
		return
	}

	diag, err := s.analyzer.Analyze(ctx, report)
	if err != nil {
		s.logger.Error("improve: analysis failed", "error", err)
		return
	}
	if diag.Status != model.DiagnosisApproved {
		return
	}

	rec, err := s.executor.Execute(ctx, diag)
	if err != nil {
		s.logger.Error("improve: execution failed", "id", diag.ID, "error", err)
		return
	}
	if rec == nil {
		return
	}
	if s.actions != nil {
		s.actions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(rec.Outcome))))
	}
	s.learner.Observe(ctx, *rec)
}

func (s *System) persistBaselines(ctx context.Context) {
	if err := s.store.SaveBaselines(ctx, s.baselines.Snapshot()); err != nil {
		s.logger.Warn("improve: persist baselines", "error", err)
	}
}

// maybePrune drops invocation rows past retention, at most hourly.
func (s *System) maybePrune(ctx context.Context) {
	if s.cfg.InvocationRetention <= 0 || time.Since(s.lastPrune) < time.Hour {
		return
	}
	s.lastPrune = time.Now()
	n, err := s.store.PruneInvocations(ctx, time.Now().Add(-s.cfg.InvocationRetention))
	if err != nil {
		s.logger.Warn("improve: prune invocations", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("improve: pruned invocations", "rows", n)
	}
}

// registerMetrics sets up the loop's instruments on the global meter.
func (s *System) registerMetrics() {
	meter := telemetry.Meter("reasoning/improve")

	s.ticks, _ = meter.Int64Counter("reasoning.improve.ticks",
		metric.WithDescription("Completed improvement loop ticks"))
	s.actions, _ = meter.Int64Counter("reasoning.improve.actions",
		metric.WithDescription("Executed actions by outcome"))

	_, _ = meter.Int64ObservableGauge("reasoning.improve.breaker_state",
		metric.WithDescription("Circuit breaker position: 0 closed, 1 half-open, 2 open"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(breakerLevel(s.breaker.State()))
			return nil
		}),
	)
}

func breakerLevel(st breaker.State) int64 {
	switch st {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}
