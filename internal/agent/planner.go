package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/lodestone-research/lodestone/internal/llm"
	"github.com/lodestone-research/lodestone/internal/store"
)

// Planner turns the research query into ordered sub-questions.
type Planner struct {
	caller *Caller
}

func (p *Planner) Role() string { return RolePlanner }

func (p *Planner) Execute(ctx context.Context, in Input) (Output, error) {
	if strings.TrimSpace(in.Query) == "" {
		return Output{}, newError(p.Role(), KindInvalidInput, errors.New("empty query"))
	}
	maxQuestions := in.MaxSubQuestions
	if maxQuestions <= 0 {
		maxQuestions = 3
	}

	completion, err := p.caller.Complete(ctx, llm.Request{
		Role:      p.Role(),
		Model:     in.Assignment.Model,
		MaxTokens: in.Assignment.MaxTokens,
		Messages: []llm.Message{
			{Role: "system", Content: plannerSystemPrompt},
			{Role: "user", Content: buildPlannerUserPrompt(in.Query, maxQuestions)},
		},
	})
	if err != nil {
		return Output{}, newError(p.Role(), KindUpstreamUnavailable, err)
	}

	questions, err := parseQuestionList(completion.Text)
	if err != nil {
		return Output{}, newError(p.Role(), KindInvalidInput, err)
	}
	if len(questions) > maxQuestions {
		questions = questions[:maxQuestions]
	}

	subQuestions := make([]store.SubQuestion, 0, len(questions))
	for i, text := range questions {
		subQuestions = append(subQuestions, store.SubQuestion{Text: text, Order: i})
	}

	out := Output{
		Text:         completion.Text,
		SubQuestions: subQuestions,
		Tokens:       completion.InputTokens + completion.OutputTokens,
		CostUSD:      in.Assignment.Cost(completion.InputTokens, completion.OutputTokens),
		Calls:        1,
	}
	return out, nil
}

func (p *Planner) Validate(out Output) error {
	if len(out.SubQuestions) == 0 {
		return newError(p.Role(), KindInvalidInput, errors.New("planner produced no sub-questions"))
	}
	return nil
}

// parseQuestionList accepts a bare JSON array or one wrapped in a fenced
// code block, which chat models emit even when told not to.
func parseQuestionList(text string) ([]string, error) {
	trimmed := strings.TrimSpace(text)
	if start := strings.Index(trimmed, "["); start >= 0 {
		if end := strings.LastIndex(trimmed, "]"); end > start {
			trimmed = trimmed[start : end+1]
		}
	}
	var questions []string
	if err := json.Unmarshal([]byte(trimmed), &questions); err != nil {
		return nil, errors.New("planner output is not a JSON array of strings")
	}
	cleaned := make([]string, 0, len(questions))
	for _, q := range questions {
		if q = strings.TrimSpace(q); q != "" {
			cleaned = append(cleaned, q)
		}
	}
	if len(cleaned) == 0 {
		return nil, errors.New("planner output contained no usable sub-questions")
	}
	return cleaned, nil
}
