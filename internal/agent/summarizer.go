package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/lodestone-research/lodestone/internal/llm"
)

// Summarizer compresses the answered sub-questions and their sources into
// working notes for the synthesizer.
type Summarizer struct {
	caller *Caller
}

func (s *Summarizer) Role() string { return RoleSummarizer }

func (s *Summarizer) Execute(ctx context.Context, in Input) (Output, error) {
	if len(in.SubQuestions) == 0 {
		return Output{}, newError(s.Role(), KindInvalidInput, errors.New("summarizer requires answered sub-questions"))
	}

	completion, err := s.caller.Complete(ctx, llm.Request{
		Role:      s.Role(),
		Model:     in.Assignment.Model,
		MaxTokens: in.Assignment.MaxTokens,
		Messages: []llm.Message{
			{Role: "system", Content: summarizerSystemPrompt},
			{Role: "user", Content: buildSummarizerUserPrompt(in.Query, in.SubQuestions, in.Sources)},
		},
	})
	if err != nil {
		return Output{}, newError(s.Role(), KindUpstreamUnavailable, err)
	}

	return Output{
		Text:    completion.Text,
		Tokens:  completion.InputTokens + completion.OutputTokens,
		CostUSD: in.Assignment.Cost(completion.InputTokens, completion.OutputTokens),
		Calls:   1,
	}, nil
}

func (s *Summarizer) Validate(out Output) error {
	if strings.TrimSpace(out.Text) == "" {
		return newError(s.Role(), KindInvalidInput, errors.New("summarizer produced an empty summary"))
	}
	return nil
}
