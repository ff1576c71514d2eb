package search

import (
	"context"
	"fmt"
)

// Result is one ranked document returned by the search upstream.
type Result struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

type Provider interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

type Config struct {
	Mode        string
	APIKey      string
	BaseURL     string
	Depth       string
	MaxResults  int
	TimeoutSecs int
}

func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Mode {
	case "", "tavily":
		return NewTavily(cfg), nil
	case "local":
		return LocalProvider{}, nil
	default:
		return nil, fmt.Errorf("unsupported search provider mode: %s", cfg.Mode)
	}
}

// ErrUpstreamStatus marks an HTTP-level failure from the search provider.
type ErrUpstreamStatus struct {
	StatusCode int
}

func (e ErrUpstreamStatus) Error() string {
	return fmt.Sprintf("search request failed: http %d", e.StatusCode)
}

func (e ErrUpstreamStatus) Transient() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
