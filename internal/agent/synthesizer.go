package agent

import (
	"context"
	"errors"
	"strings"

	"github.com/lodestone-research/lodestone/internal/llm"
)

// Synthesizer writes the final report from the summarizer's notes.
type Synthesizer struct {
	caller *Caller
}

func (s *Synthesizer) Role() string { return RoleSynthesizer }

func (s *Synthesizer) Execute(ctx context.Context, in Input) (Output, error) {
	if strings.TrimSpace(in.Summary) == "" {
		return Output{}, newError(s.Role(), KindInvalidInput, errors.New("synthesizer requires a summary"))
	}

	completion, err := s.caller.Complete(ctx, llm.Request{
		Role:      s.Role(),
		Model:     in.Assignment.Model,
		MaxTokens: in.Assignment.MaxTokens,
		Messages: []llm.Message{
			{Role: "system", Content: synthesizerSystemPrompt},
			{Role: "user", Content: buildSynthesizerUserPrompt(in.Query, in.Summary, in.OutputFormat)},
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

func (s *Synthesizer) Validate(out Output) error {
	if strings.TrimSpace(out.Text) == "" {
		return newError(s.Role(), KindInvalidInput, errors.New("synthesizer produced an empty report"))
	}
	return nil
}
