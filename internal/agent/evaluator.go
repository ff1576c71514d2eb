package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lodestone-research/lodestone/internal/llm"
)

// Evaluator scores how well the retrieved sources answer a sub-question and
// distills the answer itself. Its score drives adaptive escalation.
type Evaluator struct {
	caller *Caller
}

func (e *Evaluator) Role() string { return RoleEvaluator }

func (e *Evaluator) Execute(ctx context.Context, in Input) (Output, error) {
	if in.SubQuestion == nil {
		return Output{}, newError(e.Role(), KindInvalidInput, errors.New("evaluator requires a sub-question"))
	}
	if len(in.Sources) == 0 {
		// Nothing retrieved: a definitive low score, no model call needed.
		return Output{Text: "no sources retrieved for this sub-question", Score: 0}, nil
	}

	completion, err := e.caller.Complete(ctx, llm.Request{
		Role:      e.Role(),
		Model:     in.Assignment.Model,
		MaxTokens: in.Assignment.MaxTokens,
		Messages: []llm.Message{
			{Role: "system", Content: evaluatorSystemPrompt},
			{Role: "user", Content: buildEvaluatorUserPrompt(in.SubQuestion.Text, in.Sources)},
		},
	})
	if err != nil {
		return Output{}, newError(e.Role(), KindUpstreamUnavailable, err)
	}

	score, answer, err := parseEvaluation(completion.Text)
	if err != nil {
		return Output{}, newError(e.Role(), KindInvalidInput, err)
	}

	out := Output{
		Text:    answer,
		Score:   score,
		Sources: in.Sources,
		Tokens:  completion.InputTokens + completion.OutputTokens,
		CostUSD: in.Assignment.Cost(completion.InputTokens, completion.OutputTokens),
		Calls:   1,
	}
	return out, nil
}

func (e *Evaluator) Validate(out Output) error {
	if out.Score < 0 || out.Score > 1 {
		return newError(e.Role(), KindInvalidInput, fmt.Errorf("quality score %f out of range [0,1]", out.Score))
	}
	return nil
}

func parseEvaluation(text string) (float64, string, error) {
	trimmed := strings.TrimSpace(text)
	if start := strings.Index(trimmed, "{"); start >= 0 {
		if end := strings.LastIndex(trimmed, "}"); end > start {
			trimmed = trimmed[start : end+1]
		}
	}
	var parsed struct {
		Score  float64 `json:"score"`
		Answer string  `json:"answer"`
		Reason string  `json:"reason"`
	}
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return 0, "", errors.New("evaluator output is not a JSON object with score and answer")
	}
	answer := strings.TrimSpace(parsed.Answer)
	if answer == "" {
		answer = strings.TrimSpace(parsed.Reason)
	}
	return parsed.Score, answer, nil
}
