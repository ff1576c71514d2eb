package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// LocalProvider fabricates deterministic results for dev mode and tests.
type LocalProvider struct{}

func (LocalProvider) Search(ctx context.Context, query string) ([]Result, error) {
	trimmed := strings.TrimSpace(query)
	sum := sha256.Sum256([]byte(strings.ToLower(trimmed)))
	slug := hex.EncodeToString(sum[:4])
	results := make([]Result, 0, 3)
	for i := 0; i < 3; i++ {
		results = append(results, Result{
			URL:     fmt.Sprintf("https://example.org/%s/%d", slug, i),
			Title:   fmt.Sprintf("Local result %d for %q", i+1, trimmed),
			Content: fmt.Sprintf("Deterministic local content %d about: %s", i+1, trimmed),
			Score:   1.0 - float64(i)*0.2,
		})
	}
	return results, nil
}
