package search

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTavily_MissingKey(t *testing.T) {
	provider := NewTavily(Config{})
	_, err := provider.Search(context.Background(), "anything")
	if err == nil {
		t.Fatal("expected error for missing API key, got nil")
	}
}

func TestTavily_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["query"] != "housing market" {
			t.Errorf("unexpected query %v", body["query"])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"title": "A", "url": "https://a", "content": "alpha", "score": 0.9},
				{"title": "B", "url": "https://b", "content": "beta", "score": 0.5},
			},
		})
	}))
	defer server.Close()

	provider := NewTavily(Config{APIKey: "k", BaseURL: server.URL})
	results, err := provider.Search(context.Background(), "housing market")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].URL != "https://a" || results[0].Score != 0.9 {
		t.Errorf("unexpected first result %+v", results[0])
	}
}

func TestTavily_CapsResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entries := make([]map[string]any, 0, 10)
		for i := 0; i < 10; i++ {
			entries = append(entries, map[string]any{"title": "t", "url": "https://x", "content": "c"})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"results": entries})
	}))
	defer server.Close()

	provider := NewTavily(Config{APIKey: "k", BaseURL: server.URL, MaxResults: 4})
	results, err := provider.Search(context.Background(), "q")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 4 {
		t.Fatalf("expected results capped at 4, got %d", len(results))
	}
}

func TestTavily_UpstreamStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	provider := NewTavily(Config{APIKey: "k", BaseURL: server.URL})
	_, err := provider.Search(context.Background(), "q")
	var statusErr ErrUpstreamStatus
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected ErrUpstreamStatus, got %v", err)
	}
	if !statusErr.Transient() {
		t.Error("expected 429 to be transient")
	}
}

func TestLocalProvider_Deterministic(t *testing.T) {
	first, err := LocalProvider{}.Search(context.Background(), "Interest Rates")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := LocalProvider{}.Search(context.Background(), "Interest Rates")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(first) == 0 || len(first) != len(second) {
		t.Fatalf("unexpected result counts: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("result %d differs between runs", i)
		}
	}
}
