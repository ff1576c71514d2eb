package llm

import (
	"context"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is one completion call. Model and MaxTokens come from the router's
// assignment for the calling agent role, not from provider configuration.
type Request struct {
	Role      string
	Model     string
	MaxTokens int
	Messages  []Message
}

// Completion carries the generated text plus the token usage the provider
// reported, which the caller turns into cost against the session budget.
type Completion struct {
	Text         string
	InputTokens  int64
	OutputTokens int64
}

type Provider interface {
	Complete(ctx context.Context, req Request) (Completion, error)
}

type Config struct {
	Mode        string
	BaseURL     string
	APIKey      string
	MaxTokens   int
	TimeoutSecs int
}

func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Mode {
	case "", "openai":
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			TimeoutSecs: cfg.TimeoutSecs,
		}), nil
	case "local":
		return LocalProvider{}, nil
	default:
		return nil, ErrUnsupportedMode{Mode: cfg.Mode}
	}
}
