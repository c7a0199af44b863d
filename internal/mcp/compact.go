package mcp

import (
	"fmt"
	"math"
	"strings"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/breaker"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
)

const maxCompactHypothesis = 200

// compactDiagnosis returns a minimal representation of a diagnosis for MCP
// responses. Drops the full health report (snapshot, trigger list) that
// operators rarely page through; keeps the severity, the worst trigger, and
// the complete pipe trace, which is what a blocked diagnosis gets debugged
// with.
func compactDiagnosis(d model.SelfDiagnosis) map[string]any {
	m := map[string]any{
		"id":         d.ID,
		"status":     d.Status,
		"severity":   d.Report.Severity,
		"hypothesis": truncate(d.Hypothesis, maxCompactHypothesis),
		"action":     d.Action.Describe(),
		"confidence": d.Confidence,
		"created_at": d.CreatedAt,
	}
	if t := d.Report.WorstTrigger(); t != nil {
		m["trigger_metric"] = t.Metric
	}
	if d.RejectedReason != "" {
		m["rejected_reason"] = d.RejectedReason
	}
	if len(d.PipeTrace) > 0 {
		m["pipe_trace"] = d.PipeTrace
	}
	return m
}

// compactRecord returns a minimal representation of an action record.
// Drops the raw before/after snapshots in favor of a rendered effect line.
func compactRecord(rec model.ActionRecord, hashVerified bool) map[string]any {
	m := map[string]any{
		"id":            rec.ID,
		"diagnosis_id":  rec.DiagnosisID,
		"kind":          rec.Action.Kind,
		"target":        rec.Action.Target(),
		"action":        rec.Action.Describe(),
		"outcome":       rec.Outcome,
		"executed_at":   rec.ExecutedAt,
		"hash_verified": hashVerified,
	}
	if rec.Reward != nil {
		m["reward"] = round3(*rec.Reward)
	}
	if rec.Detail != "" {
		m["detail"] = rec.Detail
	}
	if rec.ResolvedAt != nil {
		m["resolved_at"] = rec.ResolvedAt
	}
	if effect := describeEffect(rec.Before, rec.After); effect != "" {
		m["effect"] = effect
	}
	return m
}

// compactEffectivenessList renders effectiveness aggregates with derived
// rates, rounded to 3 decimal places.
func compactEffectivenessList(list []model.ActionEffectiveness) []map[string]any {
	rows := make([]map[string]any, 0, len(list))
	for _, e := range list {
		rows = append(rows, map[string]any{
			"kind":         e.Kind,
			"target":       e.Target,
			"attempts":     e.Attempts,
			"successes":    e.Successes,
			"success_rate": round3(e.SuccessRate()),
			"mean_reward":  round3(e.MeanReward),
			"score":        round3(e.Score),
		})
	}
	return rows
}

// describeEffect renders the metric movement across an action's
// stabilization window. Returns "" when the after snapshot is missing
// (the action is still ungraded).
func describeEffect(before model.MetricsSnapshot, after *model.MetricsSnapshot) string {
	if after == nil {
		return ""
	}
	var parts []string
	if before.ErrorRate != after.ErrorRate {
		parts = append(parts, fmt.Sprintf("error_rate %.3f->%.3f", before.ErrorRate, after.ErrorRate))
	}
	if before.LatencyP95MS != after.LatencyP95MS {
		parts = append(parts, fmt.Sprintf("latency_p95 %.0fms->%.0fms", before.LatencyP95MS, after.LatencyP95MS))
	}
	if before.QualityScore != after.QualityScore {
		parts = append(parts, fmt.Sprintf("quality %.2f->%.2f", before.QualityScore, after.QualityScore))
	}
	if before.FallbackRate != after.FallbackRate {
		parts = append(parts, fmt.Sprintf("fallback_rate %.3f->%.3f", before.FallbackRate, after.FallbackRate))
	}
	if len(parts) == 0 {
		return "no measurable change"
	}
	return strings.Join(parts, ", ")
}

// actionTally counts records by outcome.
func actionTally(records []model.ActionRecord) map[model.ActionOutcome]int {
	tally := map[model.ActionOutcome]int{}
	for _, rec := range records {
		tally[rec.Outcome]++
	}
	return tally
}

// loopMode labels the loop's configuration the way the loop logs it.
func loopMode(enabled bool) string {
	if enabled {
		return "autonomous"
	}
	return "monitor-only"
}

// statusSummary creates a short human-readable synthesis of recent loop
// activity. Template-based, no model dependency.
func statusSummary(enabled bool, brk breaker.Snapshot, recent []model.ActionRecord) string {
	var parts []string

	if enabled {
		parts = append(parts, "Autonomous execution enabled.")
	} else {
		parts = append(parts, "Monitor-only mode; the loop observes but never acts.")
	}

	if len(recent) == 0 {
		parts = append(parts, "No actions in the last 24 hours.")
	} else {
		parts = append(parts, fmt.Sprintf("%d action(s) in the last 24 hours: %s.",
			len(recent), renderTally(actionTally(recent))))

		// Records come sorted newest first.
		last := recent[0]
		line := fmt.Sprintf("Last action: %s (%s", last.Action.Describe(), last.Outcome)
		if last.Reward != nil {
			line += fmt.Sprintf(", reward %.3f", *last.Reward)
		}
		line += ")."
		parts = append(parts, line)
	}

	switch brk.State {
	case breaker.StateOpen:
		parts = append(parts, fmt.Sprintf("Circuit breaker OPEN after %d consecutive failure(s); automatic actions are paused.",
			brk.ConsecutiveFails))
	case breaker.StateHalfOpen:
		parts = append(parts, "Circuit breaker half-open; the next action is the recovery probe.")
	}

	return strings.Join(parts, " ")
}

// renderTally renders outcome counts in a fixed order, good news first,
// skipping zero buckets.
func renderTally(tally map[model.ActionOutcome]int) string {
	var parts []string
	for _, outcome := range []model.ActionOutcome{
		model.OutcomeSuccess, model.OutcomeRolledBack, model.OutcomeFailed, model.OutcomePending,
	} {
		if n := tally[outcome]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, outcome))
		}
	}
	return strings.Join(parts, ", ")
}

/// attentionNeeded reports whether an operator should look closer: the
// breaker has left closed, or at least two of the five most recent actions
// went bad.
func attentionNeeded(brk breaker.Snapshot, recent []model.ActionRecord) bool {
	if brk.State != breaker.StateClosed {
		return true
	}
	bad := 0
	for i, rec := range recent {
		if i >= 5 {
			break
		}
		if rec.Outcome == model.OutcomeFailed || rec.Outcome == model.OutcomeRolledBack {
			bad++
		}
	}
	return bad >= 2
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
