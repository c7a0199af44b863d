package pipes

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
)

// Pipeline runs the three-stage improvement conversation (diagnose, select
// action, validate) plus the periodic reflection, one pipe per stage. Every
// call is captured as a model.PipeCall for the diagnosis trace.
type Pipeline struct {
	runner Runner
	names  PipeNames
	logger *slog.Logger
}

// PipeNames maps pipeline stages to deployed pipe names.
type PipeNames struct {
	Diagnose string
	Select   string
	Validate string
	Reflect  string
}

// DefaultPipeNames returns the stage pipes expected to exist in the
// Langbase workspace.
func DefaultPipeNames() PipeNames {
	return PipeNames{
		Diagnose: "improve-diagnose",
		Select:   "improve-select-action",
		Validate: "improve-validate",
		Reflect:  "improve-reflect",
	}
}

// NewPipeline wires a runner to the stage pipes. Zero-value names fall back
// to the defaults.
func NewPipeline(runner Runner, names PipeNames, logger *slog.Logger) *Pipeline {
	def := DefaultPipeNames()
	if names.Diagnose == "" {
		names.Diagnose = def.Diagnose
	}
	if names.Select == "" {
		names.Select = def.Select
	}
	if names.Validate == "" {
		names.Validate = def.Validate
	}
	if names.Reflect == "" {
		names.Reflect = def.Reflect
	}
	return &Pipeline{runner: runner, names: names, logger: logger}
}

// Diagnosis is the parsed output of the diagnose stage.
type Diagnosis struct {
	Hypothesis string
	Confidence float64
}

// Selection is the parsed output of the select-action stage. Value stays a
// raw string; the analyzer types it against the allowlist rule.
type Selection struct {
	Kind   model.ActionKind
	Target string
	Value  string
	Reason string
}

// Approval is the parsed output of the validate stage.
type Approval struct {
	Approved bool
	Reason   string
}

// ReflectionDraft is the parsed output of the reflect stage.
type ReflectionDraft struct {
	Summary     string
	Suggestions string
}

const diagnosePrompt = `You are the self-diagnosis stage of an autonomous reasoning service that is currently degraded.

Current health report:
%s

Effectiveness of past corrective actions:
%s

Similar past incidents and how they ended:
%s

Name the single most likely cause of the degradation.

HYPOTHESIS: one sentence naming the suspected cause
CONFIDENCE: a number between 0.0 and 1.0`

const selectPrompt = `You are the action-selection stage of an autonomous reasoning service.

Working hypothesis: %s

Current health report:
%s

Actions you may propose. Anything outside this list is rejected without review:
%s

Effectiveness of past corrective actions:
%s

Advice from the latest reflection over recent actions:
%s

Propose exactly one action.

KIND: one of [adjust_param, toggle_feature, scale_resource, restart_service, clear_cache, no_op]
TARGET: the parameter key, feature, resource, component, or cache to act on
VALUE: the new value (omit for restart_service, clear_cache, no_op)
REASON: one sentence`

const validatePrompt = `You are the final review stage of an autonomous reasoning service.

Working hypothesis: %s

Proposed action: %s

Decide whether this action plausibly addresses the cause without credible risk of making the service worse. When in doubt, reject.

APPROVE: yes or no
REASON: one sentence`

const reflectPrompt = `You review the recent behavior of an autonomous improvement loop.

Actions taken between %s and %s:
%s

SUMMARY: one sentence on what worked and what did not
SUGGESTIONS: one sentence of advice for future action selection`

// Diagnose asks the model for a cause hypothesis.
func (p *Pipeline) Diagnose(ctx context.Context, report model.HealthReport, eff []model.ActionEffectiveness, precedents []model.PrecedentMatch) (Diagnosis, model.PipeCall, error) {
	prompt := fmt.Sprintf(diagnosePrompt, renderReport(report), renderEffectiveness(eff), renderPrecedents(precedents))
	text, call, err := p.run(ctx, p.names.Diagnose, prompt)
	if err != nil {
		return Diagnosis{}, call, err
	}
	d, err := ParseDiagnosis(text)
	if err != nil {
		return Diagnosis{}, failCall(call, err), err
	}
	return d, call, nil
}

// SelectAction asks the model to choose one corrective action from the
// allowed set. advice carries the latest reflection's suggestions so lessons
// from past runs reach the next selection; empty means none recorded yet.
func (p *Pipeline) SelectAction(ctx context.Context, hypothesis string, report model.HealthReport, allowed string, eff []model.ActionEffectiveness, advice string) (Selection, model.PipeCall, error) {
	prompt := fmt.Sprintf(selectPrompt, hypothesis, renderReport(report), allowed, renderEffectiveness(eff), renderAdvice(advice))
	text, call, err := p.run(ctx, p.names.Select, prompt)
	if err != nil {
		return Selection{}, call, err
	}
	sel, err := ParseSelection(text)
	if err != nil {
		return Selection{}, failCall(call, err), err
	}
	return sel, call, nil
}

// ValidateAction asks the model to second-guess the chosen action. This is
// a plausibility check only; the allowlist remains the authority on what
// may execute.
func (p *Pipeline) ValidateAction(ctx context.Context, hypothesis string, action model.SuggestedAction) (Approval, model.PipeCall, error) {
	prompt := fmt.Sprintf(validatePrompt, hypothesis, action.Describe())
	text, call, err := p.run(ctx, p.names.Validate, prompt)
	if err != nil {
		return Approval{}, call, err
	}
	a, err := ParseApproval(text)
	if err != nil {
		return Approval{}, failCall(call, err), err
	}
	return a, call, nil
}

// Reflect asks the model to review a window of resolved actions.
func (p *Pipeline) Reflect(ctx context.Context, windowStart, windowEnd time.Time, records []model.ActionRecord) (ReflectionDraft, model.PipeCall, error) {
	prompt := fmt.Sprintf(reflectPrompt,
		windowStart.UTC().Format(time.RFC3339), windowEnd.UTC().Format(time.RFC3339),
		renderRecords(records))
	text, call, err := p.run(ctx, p.names.Reflect, prompt)
	if err != nil {
		return ReflectionDraft{}, call, err
	}
	r, err := ParseReflection(text)
	if err != nil {
		return ReflectionDraft{}, failCall(call, err), err
	}
	return r, call, nil
}

func (p *Pipeline) run(ctx context.Context, pipe, prompt string) (string, model.PipeCall, error) {
	resp, err := p.runner.Run(ctx, pipe, UserMessage(prompt))
	call := model.PipeCall{Pipe: pipe, LatencyMS: resp.LatencyMS, OK: err == nil}
	if err != nil {
		call.Error = err.Error()
		p.logger.Warn("pipes: stage call failed", "pipe", pipe, "error", err)
		return "", call, err
	}
	return resp.Text, call, nil
}

// failCall marks a transport-successful call whose response did not parse.
func failCall(call model.PipeCall, err error) model.PipeCall {
	call.OK = false
	call.Error = err.Error()
	return call
}

func renderReport(r model.HealthReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "severity: %s\n", r.Severity)
	for _, t := range r.Triggers {
		fmt.Fprintf(&b, "- %s: value=%.4f baseline=%.4f threshold=%.4f deviation=%+.1f%% (%s)\n",
			t.Metric, t.Value, t.Baseline, t.Threshold, t.DeviationPct, t.Severity)
	}
	fmt.Fprintf(&b, "window: %s to %s, %d samples\n",
		r.Snapshot.WindowStart.UTC().Format(time.RFC3339),
		r.Snapshot.WindowEnd.UTC().Format(time.RFC3339),
		r.Snapshot.SampleCount)
	fmt.Fprintf(&b, "error_rate=%.4f latency_p95=%.0fms quality=%.3f fallback=%.4f",
		r.Snapshot.ErrorRate, r.Snapshot.LatencyP95MS, r.Snapshot.QualityScore, r.Snapshot.FallbackRate)
	return b.String()
}

func renderEffectiveness(eff []model.ActionEffectiveness) string {
	if len(eff) == 0 {
		return "(none yet)"
	}
	var b strings.Builder
	for i, e := range eff {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s %s: attempts=%d success_rate=%.2f mean_reward=%+.2f score=%+.2f",
			e.Kind, e.Target, e.Attempts, e.SuccessRate(), e.MeanReward, e.Score)
	}
	return b.String()
}

func renderAdvice(advice string) string {
	advice = strings.TrimSpace(advice)
	if advice == "" {
		return "(none yet)"
	}
	return advice
}

func renderPrecedents(precedents []model.PrecedentMatch) string {
	if len(precedents) == 0 {
		return "(none found)"
	}
	var b strings.Builder
	for i, p := range precedents {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- [similarity %.2f] %s", p.Score, p.Incident.Summary)
		if p.Incident.ActionTaken != "" {
			fmt.Fprintf(&b, " | action: %s -> %s", p.Incident.ActionTaken, p.Incident.Outcome)
		}
	}
	return b.String()
}

func renderRecords(records []model.ActionRecord) string {
	if len(records) == 0 {
		return "(none)"
	}
	var b strings.Builder
	for i, rec := range records {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "- %s %s outcome=%s",
			rec.ExecutedAt.UTC().Format(time.RFC3339), rec.Action.Describe(), rec.Outcome)
		if rec.Reward != nil {
			fmt.Fprintf(&b, " reward=%+.2f", *rec.Reward)
		}
		if rec.Detail != "" {
			fmt.Fprintf(&b, " (%s)", rec.Detail)
		}
	}
	return b.String()
}
