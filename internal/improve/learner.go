package improve

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/pipes"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/storage"
)

// effectivenessAlpha is the EMA factor for the per-action score. The first
// observation seeds the score outright, matching how baselines warm up.
const effectivenessAlpha = 0.3

// applyFailureReward is the flat penalty for an action that never applied.
// There is no after-snapshot to grade, but the attempt burned budget on a
// proposal the live system refused.
const applyFailureReward = -0.5

// RewardWeights splits the reward across the core metrics. Weights are
// relative; metrics without a signal in either window drop out and the rest
// renormalize.
type RewardWeights struct {
	Error    float64
	Latency  float64
	Quality  float64
	Fallback float64
}

// Learner folds executed actions back into the loop's memory: a reward per
// action, a running effectiveness aggregate per (kind, target), and a
// model-written reflection every few completed actions.
type Learner struct {
	store        storage.Store
	pipeline     *pipes.Pipeline
	weights      RewardWeights
	reflectEvery int
	logger       *slog.Logger

	mu           sync.Mutex
	sinceReflect int
}

// NewLearner builds a learner. reflectEvery is the number of completed
// actions between reflection passes; zero disables reflection.
func NewLearner(store storage.Store, pipeline *pipes.Pipeline, weights RewardWeights, reflectEvery int, logger *slog.Logger) *Learner {
	return &Learner{
		store:        store,
		pipeline:     pipeline,
		weights:      weights,
		reflectEvery: reflectEvery,
		logger:       logger,
	}
}

// Observe processes one executed action: computes its reward, stores it on
// the record, updates the (kind, target) aggregate, and counts toward the
// next reflection. Records whose outcome is still pending are ignored.
func (l *Learner) Observe(ctx context.Context, rec model.ActionRecord) {
	switch rec.Outcome {
	case model.OutcomeSuccess, model.OutcomeFailed, model.OutcomeRolledBack:
	default:
		return
	}

	reward := applyFailureReward
	if rec.After != nil {
		reward = l.Reward(rec.Before, *rec.After)
	}
	rec.Reward = &reward
	if err := l.store.ResolveActionRecord(ctx, rec); err != nil {
		l.logger.Warn("improve: store reward", "id", rec.ID, "error", err)
	}

	l.updateEffectiveness(ctx, rec, reward)
	l.logger.Info("improve: action graded",
		"id", rec.ID, "action", rec.Action.Describe(), "outcome", rec.Outcome, "reward", reward)

	l.mu.Lock()
	l.sinceReflect++
	due := l.reflectEvery > 0 && l.sinceReflect >= l.reflectEvery
	if due {
		l.sinceReflect = 0
	}
	l.mu.Unlock()
	if due {
		l.reflect(ctx)
	}
}

// Reward grades an action by the weighted, normalized movement of each
// metric across the stabilization window, clamped to [-1, 1]. Positive
// means the service got healthier. Quality drops out when either window
// has no graded answers.
func (l *Learner) Reward(before, after model.MetricsSnapshot) float64 {
	var sum, used float64
	add := func(w float64, k model.MetricKind, b, a float64) {
		if w <= 0 {
			return
		}
		sum += w * improvement(k, b, a)
		used += w
	}
	add(l.weights.Error, model.MetricErrorRate, before.ErrorRate, after.ErrorRate)
	add(l.weights.Latency, model.MetricLatencyP95, before.LatencyP95MS, after.LatencyP95MS)
	if before.QualitySamples > 0 && after.QualitySamples > 0 {
		add(l.weights.Quality, model.MetricQualityScore, before.QualityScore, after.QualityScore)
	}
	add(l.weights.Fallback, model.MetricFallbackRate, before.FallbackRate, after.FallbackRate)
	if used == 0 {
		return 0
	}
	return clamp(sum/used, -1, 1)
}

// improvement maps one metric's movement to [-1, 1]: positive when it moved
// in its good direction, scaled by the relative change. A signal appearing
// over a clean zero base counts as fully degraded, and vice versa.
func improvement(k model.MetricKind, before, after float64) float64 {
	delta := before - after
	if k.Inverted() {
		delta = after - before
	}
	if delta == 0 {
		return 0
	}
	if before == 0 {
		if delta > 0 {
			return 1
		}
		return -1
	}
	return clamp(delta/math.Abs(before), -1, 1)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// updateEffectiveness folds the reward into the running (kind, target)
// aggregate: incremental mean plus a recency-weighted score.
func (l *Learner) updateEffectiveness(ctx context.Context, rec model.ActionRecord, reward float64) {
	kind, target := rec.Action.Kind, rec.Action.Target()
	eff, err := l.store.GetEffectiveness(ctx, kind, target)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			l.logger.Warn("improve: load effectiveness", "kind", kind, "target", target, "error", err)
			return
		}
		eff = model.ActionEffectiveness{Kind: kind, Target: target}
	}

	eff.Attempts++
	if rec.Outcome == model.OutcomeSuccess {
		eff.Successes++
	}
	eff.MeanReward += (reward - eff.MeanReward) / float64(eff.Attempts)
	if eff.Attempts == 1 {
		eff.Score = reward
	} else {
		eff.Score = (1-effectivenessAlpha)*eff.Score + effectivenessAlpha*reward
	}
	eff.UpdatedAt = time.Now().UTC()

	if err := l.store.UpsertEffectiveness(ctx, eff); err != nil {
		l.logger.Warn("improve: store effectiveness", "kind", kind, "target", target, "error", err)
	}
}

// reflect asks the model to review the recent run of actions and stores the
// note. Reflection is advisory; failures only log.
func (l *Learner) reflect(ctx context.Context) {
	records, err := l.store.ListActionRecords(ctx, storage.ActionFilter{Limit: l.reflectEvery})
	if err != nil {
		l.logger.Warn("improve: list records for reflection", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	// Records come back newest first.
	windowEnd := records[0].ExecutedAt
	windowStart := records[len(records)-1].ExecutedAt

	draft, _, err := l.pipeline.Reflect(ctx, windowStart, windowEnd, records)
	if err != nil {
		if errors.Is(err, pipes.ErrNotConfigured) {
			l.logger.Debug("improve: reflection skipped, no model configured")
		} else {
			l.logger.Warn("improve: reflection failed", "error", err)
		}
		return
	}

	refl := model.Reflection{
		ID:          uuid.New(),
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
		ActionsSeen: len(records),
		Summary:     draft.Summary,
		Suggestions: draft.Suggestions,
		CreatedAt:   time.Now().UTC(),
	}
	if err := l.store.InsertReflection(ctx, refl); err != nil {
		l.logger.Warn("improve: store reflection", "error", err)
		return
	}
	l.logger.Info("improve: reflection recorded", "actions", refl.ActionsSeen)
}
