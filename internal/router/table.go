package router

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// ModelSpec is one row of the assignment table file.
type ModelSpec struct {
	Model           string   `yaml:"model"`
	Tier            int      `yaml:"tier"`
	InputCostPer1K  float64  `yaml:"input_cost_per_1k"`
	OutputCostPer1K float64  `yaml:"output_cost_per_1k"`
	ContextBudget   int      `yaml:"context_budget"`
	MaxTokens       int      `yaml:"max_tokens"`
	Roles           []string `yaml:"roles"`
}

func (s ModelSpec) servesRole(role string) bool {
	if len(s.Roles) == 0 {
		return true
	}
	for _, r := range s.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (s ModelSpec) callCost() float64 {
	return (float64(s.ContextBudget)*s.InputCostPer1K + float64(s.MaxTokens)*s.OutputCostPer1K) / 1000
}

func (s ModelSpec) assignment(role string) ModelAssignment {
	return ModelAssignment{
		Role:            role,
		Model:           s.Model,
		Tier:            s.Tier,
		InputCostPer1K:  s.InputCostPer1K,
		OutputCostPer1K: s.OutputCostPer1K,
		ContextBudget:   s.ContextBudget,
		MaxTokens:       s.MaxTokens,
	}
}

type RolePolicy struct {
	MinTier int `yaml:"min_tier"`
}

type tableFile struct {
	Models []ModelSpec           `yaml:"models"`
	Roles  map[string]RolePolicy `yaml:"roles"`
}

// Table is the process-wide model assignment table. Reload swaps the whole
// table atomically; assignments already handed out are unaffected.
type Table struct {
	mu     sync.RWMutex
	models []ModelSpec
	roles  map[string]RolePolicy
}

// DefaultTable covers dev mode and tests: two tiers of an OpenAI-compatible
// lineup with current list pricing.
func DefaultTable() *Table {
	return &Table{
		models: []ModelSpec{
			{Model: "gpt-4o-mini", Tier: 1, InputCostPer1K: 0.00015, OutputCostPer1K: 0.0006, ContextBudget: 16000, MaxTokens: 2048},
			{Model: "gpt-4o", Tier: 2, InputCostPer1K: 0.0025, OutputCostPer1K: 0.01, ContextBudget: 32000, MaxTokens: 4096},
		},
		roles: map[string]RolePolicy{},
	}
}

// LoadTable reads the assignment table from a YAML file.
func LoadTable(path string) (*Table, error) {
	t := &Table{roles: map[string]RolePolicy{}}
	if err := t.Reload(path); err != nil {
		return nil, err
	}
	return t, nil
}

// Reload re-reads the file and swaps the table in one step. Invalid content
// leaves the previous table in place.
func (t *Table) Reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var parsed tableFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse model table %s: %w", path, err)
	}
	if len(parsed.Models) == 0 {
		return fmt.Errorf("model table %s lists no models", path)
	}
	for _, spec := range parsed.Models {
		if spec.Model == "" {
			return fmt.Errorf("model table %s has an entry with no model name", path)
		}
	}
	roles := parsed.Roles
	if roles == nil {
		roles = map[string]RolePolicy{}
	}

	t.mu.Lock()
	t.models = parsed.Models
	t.roles = roles
	t.mu.Unlock()
	return nil
}

func (t *Table) forRole(role string) ([]ModelSpec, int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	specs := make([]ModelSpec, 0, len(t.models))
	for _, spec := range t.models {
		if spec.servesRole(role) {
			specs = append(specs, spec)
		}
	}
	return specs, t.roles[role].MinTier
}

// Models returns a copy of the table rows, for snapshots and diagnostics.
func (t *Table) Models() []ModelSpec {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]ModelSpec(nil), t.models...)
}
