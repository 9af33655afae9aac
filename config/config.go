// Package config loads engine configuration from YAML: timeout budgets,
// registry bounds, approval rules, static alias overlays and routing
// profiles. Defaults are merged under the file's values, so a partial file
// is always valid.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/handoff/approval"
	"github.com/hupe1980/handoff/core"
	"github.com/hupe1980/handoff/delegation"
	"github.com/hupe1980/handoff/registry"
	"github.com/hupe1980/handoff/routing"
)

// Duration is a yaml-parseable time.Duration ("90s", "2m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// TimeoutsConfig holds the per-agent-class execution budgets.
type TimeoutsConfig struct {
	SubAgent   Duration `yaml:"sub_agent"`
	MainAgent  Duration `yaml:"main_agent"`
	Delegation Duration `yaml:"delegation"`
}

// RegistryConfig bounds the execution registry.
type RegistryConfig struct {
	Capacity int      `yaml:"capacity"`
	IdleTTL  Duration `yaml:"idle_ttl"`
}

// PlanCacheConfig bounds the execution-plan cache.
type PlanCacheConfig struct {
	Capacity int `yaml:"capacity"`
}

// ApprovalRule gates one tool behind human approval.
type ApprovalRule struct {
	Tool         string `yaml:"tool"`
	Description  string `yaml:"description"`
	AllowAccept  bool   `yaml:"allow_accept"`
	AllowEdit    bool   `yaml:"allow_edit"`
	AllowRespond bool   `yaml:"allow_respond"`
	AllowIgnore  bool   `yaml:"allow_ignore"`
}

// Config is the full engine configuration.
type Config struct {
	Timeouts  TimeoutsConfig    `yaml:"timeouts"`
	Registry  RegistryConfig    `yaml:"registry"`
	PlanCache PlanCacheConfig   `yaml:"plan_cache"`
	Aliases   map[string]string `yaml:"aliases"`
	Approval  []ApprovalRule    `yaml:"approval"`
	Routing   []routing.Profile `yaml:"routing"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	t := delegation.DefaultTimeouts()
	return Config{
		Timeouts: TimeoutsConfig{
			SubAgent:   Duration(t.SubAgent),
			MainAgent:  Duration(t.MainAgent),
			Delegation: Duration(t.Delegation),
		},
		Registry: RegistryConfig{
			Capacity: registry.DefaultCapacity,
			IdleTTL:  Duration(registry.DefaultIdleTTL),
		},
	}
}

// Load reads and parses path, merging defaults under the file's values.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes raw YAML, merging defaults under the document's values.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.Timeouts.SubAgent <= 0 || c.Timeouts.MainAgent <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.Registry.Capacity < 0 {
		return fmt.Errorf("registry capacity must not be negative")
	}
	for _, r := range c.Approval {
		if r.Tool == "" {
			return fmt.Errorf("approval rule missing tool name")
		}
	}
	for _, p := range c.Routing {
		if p.Agent == "" {
			return fmt.Errorf("routing profile missing agent")
		}
	}
	return nil
}

// DelegationTimeouts converts into the coordinator's budget struct.
func (c Config) DelegationTimeouts() delegation.Timeouts {
	return delegation.Timeouts{
		SubAgent:   time.Duration(c.Timeouts.SubAgent),
		MainAgent:  time.Duration(c.Timeouts.MainAgent),
		Delegation: time.Duration(c.Timeouts.Delegation),
	}
}

// ApprovalRules converts into gate rules.
func (c Config) ApprovalRules() []approval.Rule {
	rules := make([]approval.Rule, len(c.Approval))
	for i, r := range c.Approval {
		rules[i] = approval.Rule{
			Tool:        r.Tool,
			Description: r.Description,
			Config: core.ApprovalConfig{
				AllowAccept:  r.AllowAccept,
				AllowEdit:    r.AllowEdit,
				AllowRespond: r.AllowRespond,
				AllowIgnore:  r.AllowIgnore,
			},
		}
	}
	return rules
}

