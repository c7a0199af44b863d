// Package policy holds the action allowlist: the only authority on which
// autonomous actions are executable. Validation is pure; nothing here
// performs I/O at decision time. Model output never widens the allowlist,
// it can only pick from inside it.
package policy

import (
	"errors"
	"fmt"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
)

// Validation failure categories. Callers branch with errors.Is; the wrapped
// message carries the specifics.
var (
	ErrParamNotAllowed       = errors.New("param not in allowlist")
	ErrValueOutOfBounds      = errors.New("value out of bounds")
	ErrFloatValueOutOfBounds = errors.New("float value out of bounds")
	ErrTypeMismatch          = errors.New("param value type mismatch")
	ErrStepTooLarge          = errors.New("step exceeds max step")
	ErrFloatStepTooLarge     = errors.New("float step exceeds max step")
	ErrFeatureNotToggleable  = errors.New("feature not toggleable")
	ErrResourceNotAllowed    = errors.New("resource not in allowlist")
)

// ParamRule bounds one adjustable parameter. Min, Max, and MaxStep are read
// per Kind: raw values for integers, milliseconds for durations, unscaled
// for floats. MaxStep zero disables the step check. String params use Enum
// instead of numeric bounds.
type ParamRule struct {
	Kind    model.ParamValueKind `yaml:"kind" json:"kind"`
	Min     float64              `yaml:"min" json:"min"`
	Max     float64              `yaml:"max" json:"max"`
	MaxStep float64              `yaml:"max_step" json:"max_step"`
	Enum    []string             `yaml:"enum,omitempty" json:"enum,omitempty"`
}

// ResourceRule bounds one scalable resource knob.
type ResourceRule struct {
	Min     int64 `yaml:"min" json:"min"`
	Max     int64 `yaml:"max" json:"max"`
	MaxStep int64 `yaml:"max_step" json:"max_step"`
}

// Allowlist is the full action policy. The YAML tags define the policy file
// format; Default() is the shipped policy.
type Allowlist struct {
	Params     map[string]ParamRule                `yaml:"params" json:"params"`
	Toggleable []string                            `yaml:"toggleable_features" json:"toggleable_features"`
	Resources  map[model.ResourceType]ResourceRule `yaml:"resources" json:"resources"`
}

// Validate decides whether an action is executable under this policy.
// Restarts, cache clears, and no-ops are always executable; everything else
// must match a rule. The same check runs when an action is proposed and
// again immediately before execution.
func (a Allowlist) Validate(action model.SuggestedAction) error {
	if err := action.CheckShape(); err != nil {
		return err
	}

	switch action.Kind {
	case model.ActionAdjustParam:
		return a.validateAdjust(*action.AdjustParam)
	case model.ActionToggleFeature:
		return a.validateToggle(*action.ToggleFeature)
	case model.ActionScaleResource:
		return a.validateScale(*action.ScaleResource)
	case model.ActionRestartService, model.ActionClearCache, model.ActionNoOp:
		return nil
	}
	return fmt.Errorf("policy: unknown action kind %q", action.Kind)
}

func (a Allowlist) validateAdjust(p model.AdjustParam) error {
	rule, ok := a.Params[p.Key]
	if !ok {
		return fmt.Errorf("policy: param %q: %w", p.Key, ErrParamNotAllowed)
	}
	if p.New.Kind != rule.Kind || p.Old.Kind != rule.Kind {
		return fmt.Errorf("policy: param %q wants %s, got old=%s new=%s: %w",
			p.Key, rule.Kind, p.Old.Kind, p.New.Kind, ErrTypeMismatch)
	}

	switch rule.Kind {
	case model.ParamInteger:
		return a.checkIntRange(p.Key, rule, p.New.Integer, p.Old.Integer)
	case model.ParamDuration:
		return a.checkIntRange(p.Key, rule, p.New.DurationMS, p.Old.DurationMS)
	case model.ParamFloat:
		return a.checkFloatRange(p.Key, rule, p.New.Float, p.Old.Float)
	case model.ParamString:
		for _, allowed := range rule.Enum {
			if p.New.String == allowed {
				return nil
			}
		}
		return fmt.Errorf("policy: param %q value %q not in enum: %w", p.Key, p.New.String, ErrValueOutOfBounds)
	case model.ParamBoolean:
		// Boolean state changes go through toggle_feature, where the
		// toggleable list gates them.
		return fmt.Errorf("policy: param %q: booleans are feature toggles: %w", p.Key, ErrTypeMismatch)
	}
	return fmt.Errorf("policy: param %q has unknown kind %q: %w", p.Key, rule.Kind, ErrTypeMismatch)
}

// checkIntRange validates integer and duration params. Bounds before step,
// so a wildly out-of-range value reports as out of bounds even when the
// step is also too large.
func (a Allowlist) checkIntRange(key string, rule ParamRule, newV, oldV int64) error {
	if float64(newV) < rule.Min || float64(newV) > rule.Max {
		return fmt.Errorf("policy: param %q value %d outside [%g, %g]: %w",
			key, newV, rule.Min, rule.Max, ErrValueOutOfBounds)
	}
	if rule.MaxStep > 0 {
		step := newV - oldV
		if step < 0 {
			step = -step
		}
		if float64(step) > rule.MaxStep {
			return fmt.Errorf("policy: param %q step %d exceeds %g: %w",
				key, step, rule.MaxStep, ErrStepTooLarge)
		}
	}
	return nil
}

func (a Allowlist) checkFloatRange(key string, rule ParamRule, newV, oldV float64) error {
	if newV < rule.Min || newV > rule.Max {
		return fmt.Errorf("policy: param %q value %g outside [%g, %g]: %w",
			key, newV, rule.Min, rule.Max, ErrFloatValueOutOfBounds)
	}
	if rule.MaxStep > 0 {
		step := newV - oldV
		if step < 0 {
			step = -step
		}
		if step > rule.MaxStep {
			return fmt.Errorf("policy: param %q step %g exceeds %g: %w",
				key, step, rule.MaxStep, ErrFloatStepTooLarge)
		}
	}
	return nil
}

func (a Allowlist) validateToggle(t model.ToggleFeature) error {
	for _, f := range a.Toggleable {
		if t.Feature == f {
			return nil
		}
	}
	return fmt.Errorf("policy: feature %q: %w", t.Feature, ErrFeatureNotToggleable)
}

func (a Allowlist) validateScale(s model.ScaleResource) error {
	rule, ok := a.Resources[s.Resource]
	if !ok {
		return fmt.Errorf("policy: resource %q: %w", s.Resource, ErrResourceNotAllowed)
	}
	if s.New < rule.Min || s.New > rule.Max {
		return fmt.Errorf("policy: resource %q value %d outside [%d, %d]: %w",
			s.Resource, s.New, rule.Min, rule.Max, ErrValueOutOfBounds)
	}
	if rule.MaxStep > 0 {
		step := s.New - s.Old
		if step < 0 {
			step = -step
		}
		if step > rule.MaxStep {
			return fmt.Errorf("policy: resource %q step %d exceeds %d: %w",
				s.Resource, step, rule.MaxStep, ErrStepTooLarge)
		}
	}
	return nil
}

// ParamKeys returns the allowlisted parameter names, for building model
// prompts. Order is unspecified.
func (a Allowlist) ParamKeys() []string {
	keys := make([]string, 0, len(a.Params))
	for k := range a.Params {
		keys = append(keys, k)
	}
	return keys
}
