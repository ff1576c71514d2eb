package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// LocalProvider is a deterministic offline stand-in used in dev mode and
// tests. Output depends only on the request, so cached results stay stable.
type LocalProvider struct{}

func (LocalProvider) Complete(ctx context.Context, req Request) (Completion, error) {
	prompt := lastUserMessage(req.Messages)
	var text string
	switch req.Role {
	case "planner":
		questions := []string{
			fmt.Sprintf("What is the current state of %s?", prompt),
			fmt.Sprintf("What are the main drivers behind %s?", prompt),
			fmt.Sprintf("What do recent sources say about %s?", prompt),
		}
		encoded, err := json.Marshal(questions)
		if err != nil {
			return Completion{}, err
		}
		text = string(encoded)
	case "evaluator":
		text = `{"score": 0.8, "reason": "local mode fixed score"}`
	default:
		text = fmt.Sprintf("[local %s] %s", req.Role, prompt)
	}
	return Completion{
		Text:         text,
		InputTokens:  approxTokens(prompt),
		OutputTokens: approxTokens(text),
	}, nil
}

func lastUserMessage(messages []Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return strings.TrimSpace(messages[i].Content)
		}
	}
	return ""
}

func approxTokens(text string) int64 {
	if text == "" {
		return 0
	}
	return int64(len(strings.Fields(text)))
}
