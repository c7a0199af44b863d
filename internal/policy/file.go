package policy

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quanticsoul4772/mcp-langbase-reasoning-sub000/internal/model"
)

// Default returns the shipped allowlist. Bounds are deliberately narrow;
// widening them is an operator edit to the policy file, never a code path
// the loop can reach.
func Default() Allowlist {
	return Allowlist{
		Params: map[string]ParamRule{
			// Duration bounds are milliseconds.
			"pipe.request_timeout_ms": {Kind: model.ParamDuration, Min: 5000, Max: 60000, MaxStep: 5000},
			"cache.response_ttl_ms":   {Kind: model.ParamDuration, Min: 10000, Max: 3600000, MaxStep: 60000},
			"reasoning.max_steps":     {Kind: model.ParamInteger, Min: 1, Max: 32, MaxStep: 4},
			"precedent.top_k":         {Kind: model.ParamInteger, Min: 1, Max: 10, MaxStep: 2},
			"reasoning.temperature":   {Kind: model.ParamFloat, Min: 0.0, Max: 1.0, MaxStep: 0.2},
		},
		Toggleable: []string{"precedent_memory", "response_cache", "self_check"},
		Resources: map[model.ResourceType]ResourceRule{
			model.ResourceMaxConcurrentRequests: {Min: 2, Max: 64, MaxStep: 8},
			model.ResourceConnectionPoolSize:    {Min: 2, Max: 32, MaxStep: 4},
			model.ResourceCacheSize:             {Min: 64, Max: 4096, MaxStep: 256},
			model.ResourceTimeoutMS:             {Min: 1000, Max: 120000, MaxStep: 10000},
			model.ResourceMaxRetries:            {Min: 0, Max: 5, MaxStep: 1},
			model.ResourceRetryDelayMS:          {Min: 100, Max: 10000, MaxStep: 500},
		},
	}
}

// Load returns the default allowlist, overlaid section-wise with a YAML
// policy file when path is non-empty. A file section that is present
// replaces the matching default section entirely, so the file is the full
// statement of that section rather than a diff against defaults.
func Load(path string) (Allowlist, error) {
	base := Default()
	if path == "" {
		return base, nil
	}

	raw, err := os.ReadFile(path) //nolint:gosec // path comes from validated config, not user input
	if err != nil {
		return Allowlist{}, fmt.Errorf("policy: read %s: %w", path, err)
	}

	var file Allowlist
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return Allowlist{}, fmt.Errorf("policy: parse %s: %w", path, err)
	}

	if len(file.Params) > 0 {
		base.Params = file.Params
	}
	if len(file.Toggleable) > 0 {
		base.Toggleable = file.Toggleable
	}
	if len(file.Resources) > 0 {
		base.Resources = file.Resources
	}
	if err := base.check(); err != nil {
		return Allowlist{}, fmt.Errorf("policy: %s: %w", path, err)
	}

	slog.Info("policy: loaded allowlist file",
		"path", path,
		"params", len(base.Params),
		"toggleable", len(base.Toggleable),
		"resources", len(base.Resources))
	return base, nil
}

// check verifies the policy itself is coherent. Run at load time so a bad
// file fails the boot instead of rejecting every action at runtime.
func (a Allowlist) check() error {
	for key, rule := range a.Params {
		switch rule.Kind {
		case model.ParamInteger, model.ParamDuration, model.ParamFloat:
			if rule.Min > rule.Max {
				return fmt.Errorf("param %q: min %g > max %g", key, rule.Min, rule.Max)
			}
			if rule.MaxStep < 0 {
				return fmt.Errorf("param %q: negative max_step", key)
			}
		case model.ParamString:
			if len(rule.Enum) == 0 {
				return fmt.Errorf("param %q: string rule needs a non-empty enum", key)
			}
		case model.ParamBoolean:
			return fmt.Errorf("param %q: boolean params belong in toggleable_features", key)
		default:
			return fmt.Errorf("param %q: unknown kind %q", key, rule.Kind)
		}
	}
	for res, rule := range a.Resources {
		if !model.KnownResource(res) {
			return fmt.Errorf("resource %q: unknown resource type", res)
		}
		if rule.Min > rule.Max {
			return fmt.Errorf("resource %q: min %d > max %d", res, rule.Min, rule.Max)
		}
		if rule.MaxStep < 0 {
			return fmt.Errorf("resource %q: negative max_step", res)
		}
	}
	return nil
}
