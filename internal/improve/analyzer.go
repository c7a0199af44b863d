package improve

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/embedding"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/pipes"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/policy"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/precedent"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/runtimecfg"
	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/storage"
)

// effectivenessForPrompt caps how many per-action aggregates the stage
// prompts carry.
const effectivenessForPrompt = 10

// PrecedentSource retrieves similar past incidents for prompt grounding.
type PrecedentSource interface {
	TopK(ctx context.Context, text string, f precedent.Filters, k int) ([]model.PrecedentMatch, error)
}

// Analyzer runs the three-stage diagnosis conversation over an unhealthy
// report and persists the result. The pipes only ever see and return text;
// the analyzer is where proposals become typed actions and where the
// allowlist gets the first of its two votes.
type Analyzer struct {
	pipeline   *pipes.Pipeline
	allow      policy.Allowlist
	registry   *runtimecfg.Registry
	store      storage.Store
	precedents PrecedentSource    // nil when no vector index is configured
	embedder   embedding.Provider // nil when incidents should persist without vectors
	logger     *slog.Logger
}

// NewAnalyzer wires the diagnosis stages. precedents and embedder may be
// nil; the analyzer then diagnoses without precedent grounding and stores
// incidents without embeddings.
func NewAnalyzer(
	pipeline *pipes.Pipeline,
	allow policy.Allowlist,
	registry *runtimecfg.Registry,
	store storage.Store,
	precedents PrecedentSource,
	embedder embedding.Provider,
	logger *slog.Logger,
) *Analyzer {
	return &Analyzer{
		pipeline:   pipeline,
		allow:      allow,
		registry:   registry,
		store:      store,
		precedents: precedents,
		embedder:   embedder,
		logger:     logger,
	}
}

// Analyze turns an unhealthy report into a persisted diagnosis: hypothesis,
// proposed action, and verdict. Pipe failures, unparseable proposals, and
// allowlist rejections all end in a Rejected diagnosis carrying the reason;
// the error return is reserved for persistence failures. Every analyzed
// report also becomes an incident so future episodes can find it.
func (a *Analyzer) Analyze(ctx context.Context, report model.HealthReport) (model.SelfDiagnosis, error) {
	now := time.Now().UTC()
	diag := model.SelfDiagnosis{
		ID:        uuid.New(),
		Report:    report,
		Status:    model.DiagnosisPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	summary := model.IncidentSummary(report)

	eff, err := a.store.ListEffectiveness(ctx, effectivenessForPrompt)
	if err != nil {
		a.logger.Warn("improve: list effectiveness for prompt", "error", err)
		eff = nil
	}
	precedents := a.lookupPrecedents(ctx, summary, report)

	d, call, err := a.pipeline.Diagnose(ctx, report, eff, precedents)
	diag.PipeTrace = append(diag.PipeTrace, call)
	if err != nil {
		return a.finalize(ctx, diag, summary, model.DiagnosisRejected, fmt.Sprintf("diagnose stage failed: %v", err))
	}
	diag.Hypothesis = d.Hypothesis
	diag.Confidence = d.Confidence

	sel, call, err := a.pipeline.SelectAction(ctx, d.Hypothesis, report, a.allowedSurface(), eff, a.latestAdvice(ctx))
	diag.PipeTrace = append(diag.PipeTrace, call)
	if err != nil {
		return a.finalize(ctx, diag, summary, model.DiagnosisRejected, fmt.Sprintf("select stage failed: %v", err))
	}

	action, err := a.buildAction(sel)
	if err != nil {
		return a.finalize(ctx, diag, summary, model.DiagnosisRejected, err.Error())
	}
	diag.Action = action

	if err := a.allow.Validate(action); err != nil {
		return a.finalize(ctx, diag, summary, model.DiagnosisRejected, fmt.Sprintf("allowlist rejected %s: %v", action.Describe(), err))
	}

	// The self-check stage is itself a toggleable feature, so the loop can
	// switch off its own second-guessing. The allowlist stays authoritative
	// either way.
	if a.registry.Feature("self_check", true) {
		approval, call, err := a.pipeline.ValidateAction(ctx, diag.Hypothesis, action)
		diag.PipeTrace = append(diag.PipeTrace, call)
		if err != nil {
			return a.finalize(ctx, diag, summary, model.DiagnosisRejected, fmt.Sprintf("validate stage failed: %v", err))
		}
		if !approval.Approved {
			return a.finalize(ctx, diag, summary, model.DiagnosisRejected, fmt.Sprintf("self-check rejected: %s", approval.Reason))
		}
	}

	return a.finalize(ctx, diag, summary, model.DiagnosisApproved, "")
}

// finalize stamps the verdict, persists the diagnosis, and records the
// incident behind it.
func (a *Analyzer) finalize(ctx context.Context, diag model.SelfDiagnosis, summary string, status model.DiagnosisStatus, reason string) (model.SelfDiagnosis, error) {
	diag.Status = status
	diag.RejectedReason = reason
	diag.UpdatedAt = time.Now().UTC()

	if status == model.DiagnosisApproved {
		a.logger.Info("improve: action approved",
			"id", diag.ID, "action", diag.Action.Describe(), "confidence", diag.Confidence)
	} else {
		a.logger.Info("improve: diagnosis rejected", "id", diag.ID, "reason", reason)
	}

	if err := a.store.InsertDiagnosis(ctx, diag); err != nil {
		return model.SelfDiagnosis{}, fmt.Errorf("improve: persist diagnosis: %w", err)
	}
	a.recordIncident(ctx, diag, summary)
	return diag, nil
}

// lookupPrecedents fetches similar past incidents. Precedents are advisory,
// so every failure path degrades to none.
func (a *Analyzer) lookupPrecedents(ctx context.Context, summary string, report model.HealthReport) []model.PrecedentMatch {
	if a.precedents == nil || !a.registry.Feature("precedent_memory", true) {
		return nil
	}
	k := int(a.registry.Int("precedent.top_k", 5))
	var f precedent.Filters
	if worst := report.WorstTrigger(); worst != nil {
		f.Metric = worst.Metric
	}
	matches, err := a.precedents.TopK(ctx, summary, f, k)
	if err != nil {
		a.logger.Warn("improve: precedent lookup failed", "error", err)
		return nil
	}
	return matches
}

// latestAdvice returns the newest reflection's suggestions for the
// select-action prompt. Like precedents, advice is advisory; every failure
// path degrades to none.
func (a *Analyzer) latestAdvice(ctx context.Context) string {
	refs, err := a.store.ListReflections(ctx, 1)
	if err != nil {
		a.logger.Warn("improve: load reflection for prompt", "error", err)
		return ""
	}
	if len(refs) == 0 {
		return ""
	}
	return refs[0].Suggestions
}

// recordIncident persists the episode for precedent memory, embedding the
// summary when a provider is wired. Incident storage is best-effort; the
// diagnosis is the primary record.
func (a *Analyzer) recordIncident(ctx context.Context, diag model.SelfDiagnosis, summary string) {
	inc := model.Incident{
		ID:          uuid.New(),
		DiagnosisID: diag.ID,
		Severity:    diag.Report.Severity,
		Summary:     summary,
		CreatedAt:   time.Now().UTC(),
	}
	if worst := diag.Report.WorstTrigger(); worst != nil {
		inc.Metric = worst.Metric
	}
	if a.embedder != nil {
		vec, err := a.embedder.Embed(ctx, summary)
		if err != nil {
			a.logger.Warn("improve: embed incident summary, storing without vector", "error", err)
		} else {
			inc.Embedding = &vec
		}
	}
	if err := a.store.InsertIncident(ctx, inc); err != nil {
		a.logger.Warn("improve: record incident", "diagnosis_id", diag.ID, "error", err)
	}
}

// allowedSurface renders the allowlist with live current values for the
// select-action prompt.
func (a *Analyzer) allowedSurface() string {
	var b strings.Builder

	keys := a.allow.ParamKeys()
	sort.Strings(keys)
	for _, key := range keys {
		rule := a.allow.Params[key]
		fmt.Fprintf(&b, "- adjust_param %s (%s)", key, rule.Kind)
		if cur, ok := a.registry.Param(key); ok {
			fmt.Fprintf(&b, ": current %s", cur.Display())
		}
		if rule.Kind == model.ParamString {
			fmt.Fprintf(&b, ", one of [%s]\n", strings.Join(rule.Enum, ", "))
		} else {
			fmt.Fprintf(&b, ", range [%g, %g], max step %g\n", rule.Min, rule.Max, rule.MaxStep)
		}
	}

	features := append([]string(nil), a.allow.Toggleable...)
	sort.Strings(features)
	for _, f := range features {
		state := "off"
		if a.registry.Feature(f, false) {
			state = "on"
		}
		fmt.Fprintf(&b, "- toggle_feature %s: currently %s\n", f, state)
	}

	resources := make([]model.ResourceType, 0, len(a.allow.Resources))
	for rt := range a.allow.Resources {
		resources = append(resources, rt)
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i] < resources[j] })
	for _, rt := range resources {
		rule := a.allow.Resources[rt]
		fmt.Fprintf(&b, "- scale_resource %s", rt)
		if cur, ok := a.registry.ResourceValue(rt); ok {
			fmt.Fprintf(&b, ": current %d", cur)
		}
		fmt.Fprintf(&b, ", range [%d, %d], max step %d\n", rule.Min, rule.Max, rule.MaxStep)
	}

	b.WriteString("- restart_service <component>\n")
	b.WriteString("- clear_cache <cache>\n")
	b.WriteString("- no_op")
	return b.String()
}

// buildAction types a raw pipe selection into a SuggestedAction, reading
// the live registry so the action carries an accurate old value. The
// allowlist has not voted yet; this only has to produce a well-shaped
// candidate or say why it cannot.
func (a *Analyzer) buildAction(sel pipes.Selection) (model.SuggestedAction, error) {
	switch sel.Kind {
	case model.ActionAdjustParam:
		rule, ok := a.allow.Params[sel.Target]
		if !ok {
			return model.SuggestedAction{}, fmt.Errorf("improve: param %q not in allowlist", sel.Target)
		}
		cur, ok := a.registry.Param(sel.Target)
		if !ok {
			return model.SuggestedAction{}, fmt.Errorf("improve: param %q not registered", sel.Target)
		}
		next, err := parseParamValue(rule.Kind, sel.Value)
		if err != nil {
			return model.SuggestedAction{}, fmt.Errorf("improve: param %q value %q: %w", sel.Target, sel.Value, err)
		}
		return model.NewAdjustParam(model.AdjustParam{Key: sel.Target, Old: cur, New: next}), nil

	case model.ActionToggleFeature:
		desired, err := parseToggle(sel.Value)
		if err != nil {
			return model.SuggestedAction{}, fmt.Errorf("improve: feature %q value %q: %w", sel.Target, sel.Value, err)
		}
		return model.NewToggleFeature(model.ToggleFeature{Feature: sel.Target, Desired: desired, Reason: sel.Reason}), nil

	case model.ActionScaleResource:
		rt := model.ResourceType(sel.Target)
		if !model.KnownResource(rt) {
			return model.SuggestedAction{}, fmt.Errorf("improve: unknown resource %q", sel.Target)
		}
		cur, ok := a.registry.ResourceValue(rt)
		if !ok {
			return model.SuggestedAction{}, fmt.Errorf("improve: resource %q not registered", sel.Target)
		}
		next, err := strconv.ParseInt(strings.TrimSpace(sel.Value), 10, 64)
		if err != nil {
			return model.SuggestedAction{}, fmt.Errorf("improve: resource %q level %q: %w", sel.Target, sel.Value, err)
		}
		return model.NewScaleResource(model.ScaleResource{Resource: rt, Old: cur, New: next}), nil

	case model.ActionRestartService:
		return model.NewRestartService(model.RestartService{Component: sel.Target, Graceful: true}), nil

	case model.ActionClearCache:
		return model.NewClearCache(model.ClearCache{Cache: sel.Target}), nil

	case model.ActionNoOp:
		return model.NewNoOp(model.NoOp{Reason: sel.Reason}), nil
	}
	return model.SuggestedAction{}, fmt.Errorf("improve: unknown action kind %q", sel.Kind)
}

// parseParamValue types a raw string against the rule's kind. Durations
// accept either integer milliseconds or a Go duration literal.
func parseParamValue(kind model.ParamValueKind, raw string) (model.ParamValue, error) {
	raw = strings.TrimSpace(raw)
	switch kind {
	case model.ParamInteger:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return model.ParamValue{}, fmt.Errorf("not an integer")
		}
		return model.IntValue(v), nil
	case model.ParamFloat:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return model.ParamValue{}, fmt.Errorf("not a number")
		}
		return model.FloatValue(v), nil
	case model.ParamString:
		return model.StringValue(raw), nil
	case model.ParamDuration:
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return model.DurationValue(time.Duration(ms) * time.Millisecond), nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return model.ParamValue{}, fmt.Errorf("not a duration")
		}
		return model.DurationValue(d), nil
	case model.ParamBoolean:
		return model.ParamValue{}, fmt.Errorf("boolean params are toggled, not adjusted")
	}
	return model.ParamValue{}, fmt.Errorf("unsupported param kind %q", kind)
}

// parseToggle reads the desired flag state from model output, which tends
// toward on/off as often as true/false.
func parseToggle(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "on", "enable", "enabled", "yes":
		return true, nil
	case "false", "off", "disable", "disabled", "no":
		return false, nil
	}
	return false, fmt.Errorf("not a recognizable flag state")
}
