// Package runtimecfg holds the live tunable state of the service: typed
// runtime parameters, feature flags, and resource levels. Reasoning handlers
// read through the typed getters at call time; after boot the improvement
// loop's executor is the only writer, going through Apply.
package runtimecfg

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
)

// Revert undoes a previously applied action. Apply returns nil for actions
// with nothing to restore (restarts, cache clears, no-ops).
type Revert func(ctx context.Context) error

// Applier applies a validated action to live configuration.
type Applier interface {
	Apply(ctx context.Context, action model.SuggestedAction) (Revert, error)
}

// ResourceHook runs after a resource level changes, so a live component can
// react (a cache resize, for example). A hook error aborts the change and
// restores the previous level.
type ResourceHook func(ctx context.Context, old, new int64) error

// Registry is the live configuration store.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	params    map[string]model.ParamValue
	features  map[string]bool
	resources map[model.ResourceType]int64

	flushers   map[string]func()
	restarters map[string]func(ctx context.Context, graceful bool) error
	hooks      map[model.ResourceType]ResourceHook
}

var _ Applier = (*Registry)(nil)

// NewRegistry creates an empty registry. Seed it with Set* calls at boot.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:     logger,
		params:     make(map[string]model.ParamValue),
		features:   make(map[string]bool),
		resources:  make(map[model.ResourceType]int64),
		flushers:   make(map[string]func()),
		restarters: make(map[string]func(ctx context.Context, graceful bool) error),
		hooks:      make(map[model.ResourceType]ResourceHook),
	}
}

// SetParam seeds or overwrites a runtime parameter.
func (r *Registry) SetParam(key string, v model.ParamValue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.params[key] = v
}

// SetFeature seeds or overwrites a feature flag.
func (r *Registry) SetFeature(name string, on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.features[name] = on
}

// SetResource seeds or overwrites a resource level.
func (r *Registry) SetResource(rt model.ResourceType, level int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resources[rt] = level
}

// RegisterFlusher names a cache that clear_cache actions can target.
func (r *Registry) RegisterFlusher(cache string, fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushers[cache] = fn
}

// RegisterRestarter names a component that restart_service actions can target.
func (r *Registry) RegisterRestarter(component string, fn func(ctx context.Context, graceful bool) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restarters[component] = fn
}

// RegisterResourceHook attaches a hook to one resource type.
func (r *Registry) RegisterResourceHook(rt model.ResourceType, fn ResourceHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[rt] = fn
}

// ---------------------------------------------------------------------------
// Typed getters
// ---------------------------------------------------------------------------

// Param returns the raw value for key.
func (r *Registry) Param(key string) (model.ParamValue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.params[key]
	return v, ok
}

// Int returns the integer param for key, or def when absent or mistyped.
func (r *Registry) Int(key string, def int64) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.params[key]; ok && v.Kind == model.ParamInteger {
		return v.Integer
	}
	return def
}

// Float returns the float param for key, or def when absent or mistyped.
func (r *Registry) Float(key string, def float64) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.params[key]; ok && v.Kind == model.ParamFloat {
		return v.Float
	}
	return def
}

// String returns the string param for key, or def when absent or mistyped.
func (r *Registry) String(key, def string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.params[key]; ok && v.Kind == model.ParamString {
		return v.String
	}
	return def
}

// Duration returns the duration param for key, or def when absent or mistyped.
func (r *Registry) Duration(key string, def time.Duration) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if v, ok := r.params[key]; ok && v.Kind == model.ParamDuration {
		return v.Duration()
	}
	return def
}

// Feature returns the flag state, or def when the flag is unknown.
func (r *Registry) Feature(name string, def bool) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if on, ok := r.features[name]; ok {
		return on
	}
	return def
}

// Resource returns the level for rt, or def when unknown.
func (r *Registry) Resource(rt model.ResourceType, def int64) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if level, ok := r.resources[rt]; ok {
		return level
	}
	return def
}

// ResourceValue returns the level for rt and whether it is registered.
func (r *Registry) ResourceValue(rt model.ResourceType) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	level, ok := r.resources[rt]
	return level, ok
}

// Snapshot is a point-in-time copy of the registry for prompts and the
// operator surface.
type Snapshot struct {
	Params    map[string]model.ParamValue  `json:"params"`
	Features  map[string]bool              `json:"features"`
	Resources map[model.ResourceType]int64 `json:"resources"`
}

// Snapshot deep-copies the current state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Params:    make(map[string]model.ParamValue, len(r.params)),
		Features:  make(map[string]bool, len(r.features)),
		Resources: make(map[model.ResourceType]int64, len(r.resources)),
	}
	for k, v := range r.params {
		snap.Params[k] = v
	}
	for k, v := range r.features {
		snap.Features[k] = v
	}
	for k, v := range r.resources {
		snap.Resources[k] = v
	}
	return snap
}

// ---------------------------------------------------------------------------
// Apply
// ---------------------------------------------------------------------------

// Apply implements Applier. The action must already have passed the
// allowlist; Apply still refuses unknown targets and stale actions (the live
// value no longer matches the action's recorded old value), since the step
// the allowlist approved was relative to that old value.
func (r *Registry) Apply(ctx context.Context, action model.SuggestedAction) (Revert, error) {
	if err := action.CheckShape(); err != nil {
		return nil, fmt.Errorf("runtimecfg: %w", err)
	}

	switch action.Kind {
	case model.ActionAdjustParam:
		return r.applyParam(*action.AdjustParam)
	case model.ActionToggleFeature:
		return r.applyFeature(*action.ToggleFeature)
	case model.ActionScaleResource:
		return r.applyResource(ctx, *action.ScaleResource)
	case model.ActionRestartService:
		return nil, r.applyRestart(ctx, *action.RestartService)
	case model.ActionClearCache:
		return nil, r.applyClearCache(*action.ClearCache)
	case model.ActionNoOp:
		return nil, nil
	}
	return nil, fmt.Errorf("runtimecfg: unknown action kind %q", action.Kind)
}

func (r *Registry) applyParam(p model.AdjustParam) (Revert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.params[p.Key]
	if !ok {
		return nil, fmt.Errorf("runtimecfg: param %q not registered", p.Key)
	}
	if !cur.Equal(p.Old) {
		return nil, fmt.Errorf("runtimecfg: param %q changed since proposal (have %s, action expects %s)",
			p.Key, cur.Display(), p.Old.Display())
	}
	if p.New.Kind != cur.Kind {
		return nil, fmt.Errorf("runtimecfg: param %q is %s, action sets %s", p.Key, cur.Kind, p.New.Kind)
	}

	r.params[p.Key] = p.New
	r.logger.Info("runtimecfg: param adjusted", "key", p.Key, "old", cur.Display(), "new", p.New.Display())

	prev := cur
	return func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.params[p.Key] = prev
		r.logger.Info("runtimecfg: param reverted", "key", p.Key, "value", prev.Display())
		return nil
	}, nil
}

func (r *Registry) applyFeature(t model.ToggleFeature) (Revert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.features[t.Feature]
	if !ok {
		return nil, fmt.Errorf("runtimecfg: feature %q not registered", t.Feature)
	}

	r.features[t.Feature] = t.Desired
	r.logger.Info("runtimecfg: feature toggled", "feature", t.Feature, "old", prev, "new", t.Desired)

	return func(context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.features[t.Feature] = prev
		r.logger.Info("runtimecfg: feature reverted", "feature", t.Feature, "value", prev)
		return nil
	}, nil
}

func (r *Registry) applyResource(ctx context.Context, s model.ScaleResource) (Revert, error) {
	r.mu.Lock()
	cur, ok := r.resources[s.Resource]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("runtimecfg: resource %q not registered", s.Resource)
	}
	if cur != s.Old {
		r.mu.Unlock()
		return nil, fmt.Errorf("runtimecfg: resource %q changed since proposal (have %d, action expects %d)",
			s.Resource, cur, s.Old)
	}
	r.resources[s.Resource] = s.New
	hook := r.hooks[s.Resource]
	r.mu.Unlock()

	// Run the hook outside the lock; it may do real work.
	if hook != nil {
		if err := hook(ctx, cur, s.New); err != nil {
			r.mu.Lock()
			r.resources[s.Resource] = cur
			r.mu.Unlock()
			return nil, fmt.Errorf("runtimecfg: resource %q hook: %w", s.Resource, err)
		}
	}
	r.logger.Info("runtimecfg: resource scaled", "resource", s.Resource, "old", cur, "new", s.New)

	prev := cur
	return func(ctx context.Context) error {
		r.mu.Lock()
		r.resources[s.Resource] = prev
		hook := r.hooks[s.Resource]
		r.mu.Unlock()
		if hook != nil {
			if err := hook(ctx, s.New, prev); err != nil {
				return fmt.Errorf("runtimecfg: resource %q revert hook: %w", s.Resource, err)
			}
		}
		r.logger.Info("runtimecfg: resource reverted", "resource", s.Resource, "value", prev)
		return nil
	}, nil
}

func (r *Registry) applyRestart(ctx context.Context, rs model.RestartService) error {
	r.mu.RLock()
	restart, ok := r.restarters[rs.Component]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("runtimecfg: component %q not restartable", rs.Component)
	}

	r.logger.Info("runtimecfg: restarting component", "component", rs.Component, "graceful", rs.Graceful)
	if err := restart(ctx, rs.Graceful); err != nil {
		return fmt.Errorf("runtimecfg: restart %s: %w", rs.Component, err)
	}
	return nil
}

func (r *Registry) applyClearCache(c model.ClearCache) error {
	r.mu.RLock()
	flush, ok := r.flushers[c.Cache]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("runtimecfg: cache %q not registered", c.Cache)
	}

	flush()
	r.logger.Info("runtimecfg: cache cleared", "cache", c.Cache)
	return nil
}
