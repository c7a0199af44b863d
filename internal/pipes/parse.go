package pipes

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
)

// Model output for the improvement pipes is line-oriented "FIELD: value"
// text rather than JSON: small local models emit it far more reliably, and
// a parse failure on any required field rejects the whole response.
// Ambiguity always fails closed.

var validActionKinds = map[string]bool{
	string(model.ActionAdjustParam):    true,
	string(model.ActionToggleFeature):  true,
	string(model.ActionScaleResource):  true,
	string(model.ActionRestartService): true,
	string(model.ActionClearCache):     true,
	string(model.ActionNoOp):           true,
}

// ParseDiagnosis extracts the hypothesis and confidence from a diagnose
// pipe response.
func ParseDiagnosis(response string) (Diagnosis, error) {
	var hypothesis, confidence string
	for _, line := range strings.Split(strings.TrimSpace(response), "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "hypothesis:"):
			hypothesis = strings.TrimSpace(trimmed[len("hypothesis:"):])
		case strings.HasPrefix(lower, "confidence:"):
			confidence = strings.TrimSpace(trimmed[len("confidence:"):])
		}
	}

	if hypothesis == "" {
		return Diagnosis{}, fmt.Errorf("pipes: no HYPOTHESIS line found in response")
	}

	d := Diagnosis{Hypothesis: hypothesis}
	if confidence != "" {
		// Invalid confidence values are ignored rather than failing the
		// diagnosis; confidence is recorded, never gated on.
		if v, err := strconv.ParseFloat(confidence, 64); err == nil {
			d.Confidence = min(max(v, 0), 1)
		}
	}
	return d, nil
}

// ParseSelection extracts the proposed action from a select-action pipe
// response. Values stay raw strings; the analyzer types them against the
// allowlist rule for the target.
func ParseSelection(response string) (Selection, error) {
	var kind, target, value, reason string
	for _, line := range strings.Split(strings.TrimSpace(response), "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "kind:"):
			kind = strings.ToLower(strings.TrimSpace(trimmed[len("kind:"):]))
		case strings.HasPrefix(lower, "target:"):
			target = strings.TrimSpace(trimmed[len("target:"):])
		case strings.HasPrefix(lower, "value:"):
			value = strings.TrimSpace(trimmed[len("value:"):])
		case strings.HasPrefix(lower, "reason:"):
			reason = strings.TrimSpace(trimmed[len("reason:"):])
		}
	}

	if kind == "" {
		return Selection{}, fmt.Errorf("pipes: no KIND line found in response")
	}
	kind = strings.Trim(kind, "[] ")
	if !validActionKinds[kind] {
		return Selection{}, fmt.Errorf("pipes: unrecognized action kind %q", kind)
	}

	sel := Selection{
		Kind:   model.ActionKind(kind),
		Target: strings.Trim(target, "[] "),
		Value:  value,
		Reason: reason,
	}
	if sel.Kind != model.ActionNoOp && sel.Target == "" {
		return Selection{}, fmt.Errorf("pipes: no TARGET line for action kind %q", kind)
	}
	switch sel.Kind {
	case model.ActionAdjustParam, model.ActionToggleFeature, model.ActionScaleResource:
		if sel.Value == "" {
			return Selection{}, fmt.Errorf("pipes: no VALUE line for action kind %q", kind)
		}
	}
	return sel, nil
}

// ParseApproval extracts the self-check verdict from a validate pipe
// response.
func ParseApproval(response string) (Approval, error) {
	var approve, reason string
	for _, line := range strings.Split(strings.TrimSpace(response), "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "approve:"):
			approve = strings.ToLower(strings.TrimSpace(trimmed[len("approve:"):]))
		case strings.HasPrefix(lower, "reason:"):
			reason = strings.TrimSpace(trimmed[len("reason:"):])
		}
	}

	if approve == "" {
		return Approval{}, fmt.Errorf("pipes: no APPROVE line found in response")
	}
	approve = strings.Trim(approve, "[] ")
	switch approve {
	case "yes":
		return Approval{Approved: true, Reason: reason}, nil
	case "no":
		return Approval{Approved: false, Reason: reason}, nil
	default:
		return Approval{}, fmt.Errorf("pipes: unrecognized approval %q", approve)
	}
}

// ParseReflection extracts the summary and suggestions from a reflect pipe
// response.
func ParseReflection(response string) (ReflectionDraft, error) {
	var summary, suggestions string
	for _, line := range strings.Split(strings.TrimSpace(response), "\n") {
		trimmed := strings.TrimSpace(line)
		lower := strings.ToLower(trimmed)
		switch {
		case strings.HasPrefix(lower, "summary:"):
			summary = strings.TrimSpace(trimmed[len("summary:"):])
		case strings.HasPrefix(lower, "suggestions:"):
			suggestions = strings.TrimSpace(trimmed[len("suggestions:"):])
		}
	}

	if summary == "" {
		return ReflectionDraft{}, fmt.Errorf("pipes: no SUMMARY line found in response")
	}
	return ReflectionDraft{Summary: summary, Suggestions: suggestions}, nil
}

// ExtractQuality splits a trailing "QUALITY: 0.x" self-assessment line off
// a reasoning answer. Returns the answer unchanged and nil when the line is
// absent or out of range.
func ExtractQuality(text string) (string, *float64) {
	trimmed := strings.TrimRight(text, "\n \t")
	idx := strings.LastIndex(trimmed, "\n")
	last := trimmed
	if idx >= 0 {
		last = trimmed[idx+1:]
	}

	lower := strings.ToLower(strings.TrimSpace(last))
	if !strings.HasPrefix(lower, "quality:") {
		return text, nil
	}
	raw := strings.TrimSpace(lower[len("quality:"):])
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 1 {
		return text, nil
	}

	if idx < 0 {
		return "", &v
	}
	return strings.TrimRight(trimmed[:idx], "\n \t"), &v
}
