package agent

import (
	"context"
	"errors"
	"time"

	"github.com/lodestone-research/lodestone/internal/store"
)

// Searcher retrieves sources for one sub-question. It is the only agent
// that talks to the search upstream instead of the LLM.
type Searcher struct {
	caller *Caller
}

func (s *Searcher) Role() string { return RoleSearcher }

func (s *Searcher) Execute(ctx context.Context, in Input) (Output, error) {
	if in.SubQuestion == nil {
		return Output{}, newError(s.Role(), KindInvalidInput, errors.New("searcher requires a sub-question"))
	}

	results, cached, err := s.caller.SearchWeb(ctx, in.SubQuestion.Text)
	if err != nil {
		return Output{}, newError(s.Role(), KindUpstreamUnavailable, err)
	}

	retrievedAt := time.Now().UTC().Format(time.RFC3339Nano)
	sources := make([]store.SourceDocument, 0, len(results))
	for _, r := range results {
		sources = append(sources, store.SourceDocument{
			URL:         r.URL,
			Title:       r.Title,
			Content:     r.Content,
			Score:       r.Score,
			SubQuestion: in.SubQuestion.Text,
			RetrievedAt: retrievedAt,
		})
	}

	out := Output{Sources: sources}
	if !cached {
		out.Calls = 1
	}
	return out, nil
}

func (s *Searcher) Validate(out Output) error {
	// An empty result set is a legitimate outcome for an obscure
	// sub-question; the evaluator will score it accordingly.
	return nil
}
