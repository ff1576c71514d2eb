package router

import (
	"fmt"
	"sort"
)

type Policy string

const (
	PolicyFixed                Policy = "fixed"
	PolicyCostOptimized        Policy = "cost-optimized"
	PolicyPerformanceOptimized Policy = "performance-optimized"
	PolicyAdaptive             Policy = "adaptive"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyFixed, PolicyCostOptimized, PolicyPerformanceOptimized, PolicyAdaptive:
		return Policy(s), nil
	case "":
		return PolicyCostOptimized, nil
	default:
		return "", fmt.Errorf("unknown routing policy: %s", s)
	}
}

// ModelAssignment is the router's decision for one agent call: which model,
// what it costs, and how much context it may consume. Returned by value so
// in-flight sessions keep the assignment they started with across reloads.
type ModelAssignment struct {
	Role            string
	Model           string
	Tier            int
	InputCostPer1K  float64
	OutputCostPer1K float64
	ContextBudget   int
	MaxTokens       int
}

// EstimatedCallCost is the worst-case spend for one call under this
// assignment, in USD. Used by the performance policy to stay inside the
// session's remaining budget.
func (a ModelAssignment) EstimatedCallCost() float64 {
	return (float64(a.ContextBudget)*a.InputCostPer1K + float64(a.MaxTokens)*a.OutputCostPer1K) / 1000
}

// Cost converts reported token usage into USD under this assignment.
func (a ModelAssignment) Cost(inputTokens, outputTokens int64) float64 {
	return (float64(inputTokens)*a.InputCostPer1K + float64(outputTokens)*a.OutputCostPer1K) / 1000
}

// Selection narrows a SelectModel call beyond role and policy.
type Selection struct {
	// Override names an explicit model; it wins under the fixed policy.
	Override string
	// BudgetRemaining bounds the performance policy's choice, in USD.
	BudgetRemaining float64
}

// Router is stateless per call: it reads the current assignment table and
// returns a decision. It never mutates session state.
type Router struct {
	table *Table
}

func New(table *Table) *Router {
	return &Router{table: table}
}

// SelectModel picks the model serving an agent role under the given policy.
func (r *Router) SelectModel(role string, policy Policy, sel Selection) (ModelAssignment, error) {
	specs, minTier := r.table.forRole(role)
	if len(specs) == 0 {
		return ModelAssignment{}, fmt.Errorf("no models configured for role %s", role)
	}

	switch policy {
	case PolicyFixed:
		if sel.Override == "" {
			return ModelAssignment{}, fmt.Errorf("fixed policy for role %s requires a model override", role)
		}
		for _, spec := range specs {
			if spec.Model == sel.Override {
				return spec.assignment(role), nil
			}
		}
		return ModelAssignment{}, fmt.Errorf("model override %q not in assignment table for role %s", sel.Override, role)

	case PolicyCostOptimized, PolicyAdaptive:
		// Adaptive starts cost-optimized; escalation is a separate,
		// explicitly bounded step (see Escalate).
		return cheapestAtLeast(specs, minTier, role)

	case PolicyPerformanceOptimized:
		byTierDesc := append([]ModelSpec(nil), specs...)
		sort.Slice(byTierDesc, func(i, j int) bool { return byTierDesc[i].Tier > byTierDesc[j].Tier })
		for _, spec := range byTierDesc {
			a := spec.assignment(role)
			if sel.BudgetRemaining <= 0 || a.EstimatedCallCost() <= sel.BudgetRemaining {
				return a, nil
			}
		}
		// Nothing fits the remaining budget; fall back to the cheapest
		// qualifying model and let the controller's ceiling decide.
		return cheapestAtLeast(specs, minTier, role)

	default:
		return ModelAssignment{}, fmt.Errorf("unknown routing policy: %s", policy)
	}
}

// Escalate returns the assignment one tier above the given one for the same
// role, or the original when no higher tier exists. Callers escalate at most
// once per stage; the router itself holds no escalation state.
func (r *Router) Escalate(role string, from ModelAssignment) ModelAssignment {
	specs, _ := r.table.forRole(role)
	best := from
	bestTier := -1
	for _, spec := range specs {
		if spec.Tier <= from.Tier {
			continue
		}
		if bestTier == -1 || spec.Tier < bestTier {
			best = spec.assignment(role)
			bestTier = spec.Tier
		}
	}
	return best
}

func cheapestAtLeast(specs []ModelSpec, minTier int, role string) (ModelAssignment, error) {
	var best *ModelSpec
	for i := range specs {
		spec := &specs[i]
		if spec.Tier < minTier {
			continue
		}
		if best == nil || spec.callCost() < best.callCost() {
			best = spec
		}
	}
	if best == nil {
		return ModelAssignment{}, fmt.Errorf("no model meets minimum tier %d for role %s", minTier, role)
	}
	return best.assignment(role), nil
}
