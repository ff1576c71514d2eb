package agent

import (
	"context"

	"github.com/lodestone-research/lodestone/internal/router"
	"github.com/lodestone-research/lodestone/internal/store"
)

// Agent roles, one per pipeline stage.
const (
	RolePlanner     = "planner"
	RoleSearcher    = "searcher"
	RoleEvaluator   = "evaluator"
	RoleSummarizer  = "summarizer"
	RoleSynthesizer = "synthesizer"
)

// Input carries everything an agent may consume. The controller fills the
// fields relevant to the stage; agents ignore the rest.
type Input struct {
	Query           string
	SubQuestion     *store.SubQuestion
	SubQuestions    []store.SubQuestion
	Sources         []store.SourceDocument
	Summary         string
	OutputFormat    string
	MaxSubQuestions int
	Assignment      router.ModelAssignment
	BudgetRemaining float64
}

// Output is what an agent hands back. Agents never touch the session; the
// controller folds outputs in, keeping a single writer for session state.
type Output struct {
	Text         string
	SubQuestions []store.SubQuestion
	Sources      []store.SourceDocument
	Score        float64
	Tokens       int64
	CostUSD      float64
	Calls        int64
}

// Agent is the shared contract across the five role variants: a closed set
// dispatched by role identifier, not a hierarchy.
type Agent interface {
	Role() string
	Execute(ctx context.Context, in Input) (Output, error)
	Validate(out Output) error
}

// Registry builds the full agent set against one caller.
func Registry(caller *Caller) map[string]Agent {
	return map[string]Agent{
		RolePlanner:     &Planner{caller: caller},
		RoleSearcher:    &Searcher{caller: caller},
		RoleEvaluator:   &Evaluator{caller: caller},
		RoleSummarizer:  &Summarizer{caller: caller},
		RoleSynthesizer: &Synthesizer{caller: caller},
	}
}
