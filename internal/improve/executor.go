package improve

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/breaker"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/integrity"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/invocations"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/policy"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/ratelimit"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/runtimecfg"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/storage"
)

// ExecutorConfig tunes execution grading.
type ExecutorConfig struct {
	// Stabilization is how long to wait after applying an action before
	// grading it, and the width of the before/after snapshots.
	Stabilization time.Duration
	// RollbackWorsenPct rolls the action back when error rate, latency, or
	// quality degraded by more than this percentage across the window.
	RollbackWorsenPct float64
}

// Executor applies one approved action under the safety gates and grades
// the result across the stabilization window. Gates run in a fixed order:
// circuit breaker, allowlist re-validation, then the hourly budget and
// per-target cooldown. A blocked action writes no record and feeds no
// breaker counter; refusing to act is not an execution failure.
type Executor struct {
	store   storage.Store
	applier runtimecfg.Applier
	allow   policy.Allowlist
	breaker *breaker.Breaker
	limiter *ratelimit.ActionLimiter
	source  invocations.Source
	cfg     ExecutorConfig
	logger  *slog.Logger
}

// NewExecutor wires the execution path.
func NewExecutor(
	store storage.Store,
	applier runtimecfg.Applier,
	allow policy.Allowlist,
	brk *breaker.Breaker,
	limiter *ratelimit.ActionLimiter,
	source invocations.Source,
	cfg ExecutorConfig,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		store:   store,
		applier: applier,
		allow:   allow,
		breaker: brk,
		limiter: limiter,
		source:  source,
		cfg:     cfg,
		logger:  logger,
	}
}

// Execute runs one approved diagnosis through the gates and, when admitted,
// applies and grades its action. The returned record is nil when a gate
// blocked the action; the error return is reserved for infrastructure
// failures that leave the diagnosis in an unexpected state.
func (e *Executor) Execute(ctx context.Context, diag model.SelfDiagnosis) (*model.ActionRecord, error) {
	target := diag.Action.Target()

	if !e.breaker.Allow() {
		e.block(ctx, diag, "circuit breaker open")
		return nil, nil
	}
	if err := e.allow.Validate(diag.Action); err != nil {
		e.block(ctx, diag, fmt.Sprintf("allowlist: %v", err))
		return nil, nil
	}
	verdict, err := e.limiter.AllowAction(ctx, target)
	if err != nil {
		// Fail closed: an uncountable budget blocks the action.
		e.block(ctx, diag, fmt.Sprintf("action budget unavailable: %v", err))
		return nil, nil
	}
	if !verdict.Allowed {
		e.block(ctx, diag, verdict.Reason)
		return nil, nil
	}

	if err := e.store.UpdateDiagnosisStatus(ctx, diag.ID, model.DiagnosisExecuting, ""); err != nil {
		return nil, fmt.Errorf("improve: mark diagnosis executing: %w", err)
	}

	before := e.beforeSnapshot(ctx, diag)

	executedAt := time.Now().UTC()
	rec := model.ActionRecord{
		ID:          uuid.New(),
		DiagnosisID: diag.ID,
		Action:      diag.Action,
		Outcome:     model.OutcomePending,
		Before:      before,
		ExecutedAt:  executedAt,
	}
	rec.ContentHash = integrity.ComputeActionHash(rec.ID, diag.ID, diag.Action, executedAt)

	e.logger.Info("improve: applying action", "id", diag.ID, "action", diag.Action.Describe())
	revert, applyErr := e.applier.Apply(ctx, diag.Action)
	if applyErr != nil {
		now := time.Now().UTC()
		rec.Outcome = model.OutcomeFailed
		rec.Detail = fmt.Sprintf("apply failed: %v", applyErr)
		rec.ResolvedAt = &now
		if err := e.store.InsertActionRecord(ctx, rec); err != nil {
			e.logger.Error("improve: persist failed action record", "id", rec.ID, "error", err)
		}
		e.recordFailure(ctx)
		e.conclude(ctx, diag, rec.Outcome)
		e.logger.Warn("improve: action failed to apply", "id", diag.ID, "error", applyErr)
		return &rec, nil
	}
	e.limiter.NoteApplied(target)

	if err := e.store.InsertActionRecord(ctx, rec); err != nil {
		// The action is live; keep grading so a regression still rolls back.
		e.logger.Error("improve: persist pending action record", "id", rec.ID, "error", err)
	}

	if err := sleepCtx(ctx, e.cfg.Stabilization); err != nil {
		// Shutdown mid-stabilization. The record stays pending; the
		// operator surface shows the open window after restart.
		return &rec, fmt.Errorf("improve: stabilization interrupted: %w", err)
	}

	after, err := e.source.Snapshot(ctx, e.cfg.Stabilization)
	if err != nil || after.SampleCount == 0 {
		// Grading blind would invent success or failure. Leave the record
		// pending and give the breaker no signal.
		e.logger.Warn("improve: no usable after-snapshot, action ungraded",
			"id", diag.ID, "error", err, "samples", after.SampleCount)
		e.conclude(ctx, diag, model.OutcomePending)
		return &rec, nil
	}

	now := time.Now().UTC()
	rec.After = &after
	rec.ResolvedAt = &now

	if why, regressed := e.regression(before, after); regressed {
		rec.Outcome = model.OutcomeRolledBack
		rec.Detail = fmt.Sprintf("rolled back: %s", why)
		if revert == nil {
			rec.Outcome = model.OutcomeFailed
			rec.Detail = fmt.Sprintf("regressed (%s); %s has no rollback", why, diag.Action.Kind)
		} else if err := revert(ctx); err != nil {
			rec.Outcome = model.OutcomeFailed
			rec.Detail = fmt.Sprintf("regressed (%s); rollback failed: %v", why, err)
			e.logger.Error("improve: rollback failed", "id", diag.ID, "error", err)
		}
		e.recordFailure(ctx)
		e.logger.Warn("improve: action regressed", "id", diag.ID, "action", diag.Action.Describe(), "detail", rec.Detail)
	} else {
		rec.Outcome = model.OutcomeSuccess
		e.breaker.RecordSuccess()
		e.persistBreaker(ctx)
		e.logger.Info("improve: action held through stabilization", "id", diag.ID, "action", diag.Action.Describe())
	}

	if err := e.store.ResolveActionRecord(ctx, rec); err != nil {
		e.logger.Error("improve: resolve action record", "id", rec.ID, "error", err)
	}
	e.conclude(ctx, diag, rec.Outcome)
	return &rec, nil
}

// beforeSnapshot reads the pre-apply window. Thin traffic falls back to the
// triggering snapshot so grading always has a base.
func (e *Executor) beforeSnapshot(ctx context.Context, diag model.SelfDiagnosis) model.MetricsSnapshot {
	before, err := e.source.Snapshot(ctx, e.cfg.Stabilization)
	if err != nil || before.SampleCount == 0 {
		e.logger.Debug("improve: before-snapshot empty, using triggering window", "error", err)
		return diag.Report.Snapshot
	}
	return before
}

// regression reports whether the after window degraded past tolerance on
// error rate, latency, or quality.
func (e *Executor) regression(before, after model.MetricsSnapshot) (string, bool) {
	checks := []struct {
		kind          model.MetricKind
		before, after float64
	}{
		{model.MetricErrorRate, before.ErrorRate, after.ErrorRate},
		{model.MetricLatencyP95, before.LatencyP95MS, after.LatencyP95MS},
		{model.MetricQualityScore, before.QualityScore, after.QualityScore},
	}
	for _, c := range checks {
		if c.kind == model.MetricQualityScore && (before.QualitySamples == 0 || after.QualitySamples == 0) {
			continue
		}
		if pct := degradationPct(c.kind, c.before, c.after); pct > e.cfg.RollbackWorsenPct {
			return fmt.Sprintf("%s degraded %.1f%% (%.4f -> %.4f)", c.kind, pct, c.before, c.after), true
		}
	}
	return "", false
}

// degradationPct reports how far the metric moved in its bad direction, as
// a percentage of the before value. A bad signal appearing over a clean
// zero base counts as full degradation.
func degradationPct(k model.MetricKind, before, after float64) float64 {
	delta := after - before
	if k.Inverted() {
		delta = before - after
	}
	if delta <= 0 {
		return 0
	}
	if before == 0 {
		return 100
	}
	return delta / math.Abs(before) * 100
}

// block marks the diagnosis Blocked with the gate's reason.
func (e *Executor) block(ctx context.Context, diag model.SelfDiagnosis, reason string) {
	e.logger.Info("improve: action blocked",
		"id", diag.ID, "action", diag.Action.Describe(), "reason", reason)
	if err := e.store.UpdateDiagnosisStatus(ctx, diag.ID, model.DiagnosisBlocked, reason); err != nil {
		e.logger.Warn("improve: mark diagnosis blocked", "id", diag.ID, "error", err)
	}
}

// conclude closes out the diagnosis and its incident.
func (e *Executor) conclude(ctx context.Context, diag model.SelfDiagnosis, outcome model.ActionOutcome) {
	if err := e.store.UpdateDiagnosisStatus(ctx, diag.ID, model.DiagnosisCompleted, ""); err != nil {
		e.logger.Warn("improve: mark diagnosis completed", "id", diag.ID, "error", err)
	}
	if err := e.store.ResolveIncident(ctx, diag.ID, diag.Action.Describe(), outcome); err != nil {
		e.logger.Warn("improve: resolve incident", "diagnosis_id", diag.ID, "error", err)
	}
}

// recordFailure feeds the breaker and persists its new position.
func (e *Executor) recordFailure(ctx context.Context) {
	e.breaker.RecordFailure()
	e.persistBreaker(ctx)
}

// persistBreaker saves breaker state so an open breaker survives restarts.
// Best-effort: the in-memory breaker is authoritative for this process.
func (e *Executor) persistBreaker(ctx context.Context) {
	if err := e.store.SaveBreakerState(ctx, e.breaker.Export()); err != nil {
		e.logger.Warn("improve: persist breaker state", "error", err)
	}
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
