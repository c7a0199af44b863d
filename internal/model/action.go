package model

import (
	"fmt"
	"time"
)

// ParamValueKind discriminates the runtime parameter value union.
type ParamValueKind string

const (
	ParamInteger  ParamValueKind = "integer"
	ParamFloat    ParamValueKind = "float"
	ParamString   ParamValueKind = "string"
	ParamDuration ParamValueKind = "duration_ms"
	ParamBoolean  ParamValueKind = "boolean"
)

// ParamValue is a typed runtime parameter value. Exactly the field matching
// Kind is meaningful; the rest stay zero. Durations are carried as integer
// milliseconds so values survive JSON round-trips without precision games.
type ParamValue struct {
	Kind       ParamValueKind `json:"kind"`
	Integer    int64          `json:"integer,omitempty"`
	Float      float64        `json:"float,omitempty"`
	String     string         `json:"string,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	Boolean    bool           `json:"boolean,omitempty"`
}

func IntValue(v int64) ParamValue        { return ParamValue{Kind: ParamInteger, Integer: v} }
func FloatValue(v float64) ParamValue    { return ParamValue{Kind: ParamFloat, Float: v} }
func StringValue(v string) ParamValue    { return ParamValue{Kind: ParamString, String: v} }
func BoolValue(v bool) ParamValue        { return ParamValue{Kind: ParamBoolean, Boolean: v} }
func DurationValue(d time.Duration) ParamValue {
	return ParamValue{Kind: ParamDuration, DurationMS: d.Milliseconds()}
}

// Duration converts a duration_ms value back to a time.Duration.
func (v ParamValue) Duration() time.Duration {
	return time.Duration(v.DurationMS) * time.Millisecond
}

// Equal reports whether two values have the same kind and payload.
func (v ParamValue) Equal(o ParamValue) bool { return v == o }

// Display renders the value for logs and prompts. Not named String to keep
// clear of the String payload field.
func (v ParamValue) Display() string {
	switch v.Kind {
	case ParamInteger:
		return fmt.Sprintf("%d", v.Integer)
	case ParamFloat:
		return fmt.Sprintf("%g", v.Float)
	case ParamString:
		return v.String
	case ParamDuration:
		return fmt.Sprintf("%dms", v.DurationMS)
	case ParamBoolean:
		return fmt.Sprintf("%t", v.Boolean)
	}
	return "<invalid>"
}

// ResourceType enumerates the scalable resource knobs.
type ResourceType string

const (
	ResourceMaxConcurrentRequests ResourceType = "max_concurrent_requests"
	ResourceConnectionPoolSize    ResourceType = "connection_pool_size"
	ResourceCacheSize             ResourceType = "cache_size"
	ResourceTimeoutMS             ResourceType = "timeout_ms"
	ResourceMaxRetries            ResourceType = "max_retries"
	ResourceRetryDelayMS          ResourceType = "retry_delay_ms"
)

// ResourceTypes lists every known resource knob.
var ResourceTypes = []ResourceType{
	ResourceMaxConcurrentRequests,
	ResourceConnectionPoolSize,
	ResourceCacheSize,
	ResourceTimeoutMS,
	ResourceMaxRetries,
	ResourceRetryDelayMS,
}

// KnownResource reports whether r is one of the enumerated knobs.
func KnownResource(r ResourceType) bool {
	for _, known := range ResourceTypes {
		if r == known {
			return true
		}
	}
	return false
}

// ActionKind discriminates the SuggestedAction union.
type ActionKind string

const (
	ActionAdjustParam    ActionKind = "adjust_param"
	ActionToggleFeature  ActionKind = "toggle_feature"
	ActionScaleResource  ActionKind = "scale_resource"
	ActionRestartService ActionKind = "restart_service"
	ActionClearCache     ActionKind = "clear_cache"
	ActionNoOp           ActionKind = "no_op"
)

// AdjustParam changes one runtime parameter from Old to New.
type AdjustParam struct {
	Key   string     `json:"key"`
	Old   ParamValue `json:"old"`
	New   ParamValue `json:"new"`
	Scope string     `json:"scope,omitempty"` // component the param belongs to, informational
}

// ToggleFeature flips a feature flag to the desired state.
type ToggleFeature struct {
	Feature string `json:"feature"`
	Desired bool   `json:"desired"`
	Reason  string `json:"reason,omitempty"`
}

// ScaleResource moves a resource knob from Old to New.
type ScaleResource struct {
	Resource ResourceType `json:"resource"`
	Old      int64        `json:"old"`
	New      int64        `json:"new"`
}

// RestartService asks for a component restart.
type RestartService struct {
	Component string `json:"component"`
	Graceful  bool   `json:"graceful"`
}

// ClearCache drops a named cache.
type ClearCache struct {
	Cache string `json:"cache"`
}

// NoOp records an explicit decision to do nothing.
type NoOp struct {
	Reason       string     `json:"reason"`
	RevisitAfter *time.Time `json:"revisit_after,omitempty"`
}

// SuggestedAction is the tagged union of remediation actions. Kind names the
// active variant; exactly one variant pointer is non-nil. Construct through
// the New* helpers so the invariant holds.
type SuggestedAction struct {
	Kind           ActionKind      `json:"kind"`
	AdjustParam    *AdjustParam    `json:"adjust_param,omitempty"`
	ToggleFeature  *ToggleFeature  `json:"toggle_feature,omitempty"`
	ScaleResource  *ScaleResource  `json:"scale_resource,omitempty"`
	RestartService *RestartService `json:"restart_service,omitempty"`
	ClearCache     *ClearCache     `json:"clear_cache,omitempty"`
	NoOp           *NoOp           `json:"no_op,omitempty"`
}

func NewAdjustParam(p AdjustParam) SuggestedAction {
	return SuggestedAction{Kind: ActionAdjustParam, AdjustParam: &p}
}

func NewToggleFeature(t ToggleFeature) SuggestedAction {
	return SuggestedAction{Kind: ActionToggleFeature, ToggleFeature: &t}
}

func NewScaleResource(s ScaleResource) SuggestedAction {
	return SuggestedAction{Kind: ActionScaleResource, ScaleResource: &s}
}

func NewRestartService(r RestartService) SuggestedAction {
	return SuggestedAction{Kind: ActionRestartService, RestartService: &r}
}

func NewClearCache(c ClearCache) SuggestedAction {
	return SuggestedAction{Kind: ActionClearCache, ClearCache: &c}
}

func NewNoOp(n NoOp) SuggestedAction {
	return SuggestedAction{Kind: ActionNoOp, NoOp: &n}
}

// CheckShape verifies that exactly the variant named by Kind is populated.
// Actions deserialized from storage or model output go through this before
// any policy check.
func (a SuggestedAction) CheckShape() error {
	set := 0
	for _, present := range []bool{
		a.AdjustParam != nil,
		a.ToggleFeature != nil,
		a.ScaleResource != nil,
		a.RestartService != nil,
		a.ClearCache != nil,
		a.NoOp != nil,
	} {
		if present {
			set++
		}
	}
	var match bool
	switch a.Kind {
	case ActionAdjustParam:
		match = a.AdjustParam != nil
	case ActionToggleFeature:
		match = a.ToggleFeature != nil
	case ActionScaleResource:
		match = a.ScaleResource != nil
	case ActionRestartService:
		match = a.RestartService != nil
	case ActionClearCache:
		match = a.ClearCache != nil
	case ActionNoOp:
		match = a.NoOp != nil
	}
	if set != 1 || !match {
		return fmt.Errorf("model: malformed action: kind %q with %d variant(s) set", a.Kind, set)
	}
	return nil
}

// Target identifies what the action touches, for cooldown tracking and
// effectiveness aggregation. NoOp and restarts key on their component.
func (a SuggestedAction) Target() string {
	switch a.Kind {
	case ActionAdjustParam:
		if a.AdjustParam != nil {
			return a.AdjustParam.Key
		}
	case ActionToggleFeature:
		if a.ToggleFeature != nil {
			return a.ToggleFeature.Feature
		}
	case ActionScaleResource:
		if a.ScaleResource != nil {
			return string(a.ScaleResource.Resource)
		}
	case ActionRestartService:
		if a.RestartService != nil {
			return a.RestartService.Component
		}
	case ActionClearCache:
		if a.ClearCache != nil {
			return a.ClearCache.Cache
		}
	case ActionNoOp:
		return "noop"
	}
	return ""
}

// Describe renders a short human-readable summary for logs and prompts.
func (a SuggestedAction) Describe() string {
	switch a.Kind {
	case ActionAdjustParam:
		if p := a.AdjustParam; p != nil {
			return fmt.Sprintf("adjust %s: %s -> %s", p.Key, p.Old.Display(), p.New.Display())
		}
	case ActionToggleFeature:
		if t := a.ToggleFeature; t != nil {
			return fmt.Sprintf("toggle %s -> %t", t.Feature, t.Desired)
		}
	case ActionScaleResource:
		if s := a.ScaleResource; s != nil {
			return fmt.Sprintf("scale %s: %d -> %d", s.Resource, s.Old, s.New)
		}
	case ActionRestartService:
		if r := a.RestartService; r != nil {
			return fmt.Sprintf("restart %s (graceful=%t)", r.Component, r.Graceful)
		}
	case ActionClearCache:
		if c := a.ClearCache; c != nil {
			return fmt.Sprintf("clear cache %s", c.Cache)
		}
	case ActionNoOp:
		if n := a.NoOp; n != nil {
			return fmt.Sprintf("no-op: %s", n.Reason)
		}
	}
	return string(a.Kind)
}

// Inverse returns the action that undoes a, used for rollback. Only
// parameter adjustments, toggles, and resource scalings are invertible.
func (a SuggestedAction) Inverse() (SuggestedAction, bool) {
	switch a.Kind {
	case ActionAdjustParam:
		if p := a.AdjustParam; p != nil {
			return NewAdjustParam(AdjustParam{Key: p.Key, Old: p.New, New: p.Old, Scope: p.Scope}), true
		}
	case ActionToggleFeature:
		if t := a.ToggleFeature; t != nil {
			return NewToggleFeature(ToggleFeature{Feature: t.Feature, Desired: !t.Desired, Reason: "rollback"}), true
		}
	case ActionScaleResource:
		if s := a.ScaleResource; s != nil {
			return NewScaleResource(ScaleResource{Resource: s.Resource, Old: s.New, New: s.Old}), true
		}
	}
	return SuggestedAction{}, false
}
