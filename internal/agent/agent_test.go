package agent

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/lodestone-research/lodestone/internal/llm"
	"github.com/lodestone-research/lodestone/internal/router"
	"github.com/lodestone-research/lodestone/internal/search"
	"github.com/lodestone-research/lodestone/internal/store"
)

func TestParseQuestionList(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		want    []string
		wantErr bool
	}{
		{
			name: "bare array",
			text: `["What drives inflation?", "How do central banks respond?"]`,
			want: []string{"What drives inflation?", "How do central banks respond?"},
		},
		{
			name: "fenced code block",
			text: "Here is the plan:\n```json\n[\"q1\", \"q2\"]\n```",
			want: []string{"q1", "q2"},
		},
		{
			name: "blank entries dropped",
			text: `["q1", "  ", "q2"]`,
			want: []string{"q1", "q2"},
		},
		{name: "not json", text: "1. first question\n2. second question", wantErr: true},
		{name: "empty array", text: "[]", wantErr: true},
		{name: "all blank", text: `["", " "]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseQuestionList(tt.text)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseQuestionList: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("question %d: got %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestPlanner_Execute(t *testing.T) {
	provider := &fakeLLM{response: llm.Completion{
		Text:         `["q1", "q2", "q3", "q4", "q5"]`,
		InputTokens:  100,
		OutputTokens: 40,
	}}
	planner := &Planner{caller: newTestCaller(provider, nil)}

	out, err := planner.Execute(context.Background(), Input{
		Query:           "macro outlook",
		MaxSubQuestions: 3,
		Assignment: router.ModelAssignment{
			Model:           "gpt-4o-mini",
			InputCostPer1K:  0.15,
			OutputCostPer1K: 0.6,
		},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(out.SubQuestions) != 3 {
		t.Fatalf("expected cap at 3 sub-questions, got %d", len(out.SubQuestions))
	}
	for i, sq := range out.SubQuestions {
		if sq.Order != i {
			t.Errorf("sub-question %d has order %d", i, sq.Order)
		}
	}
	if out.Tokens != 140 {
		t.Errorf("tokens = %d, want 140", out.Tokens)
	}
	wantCost := 100.0/1000*0.15 + 40.0/1000*0.6
	if out.CostUSD != wantCost {
		t.Errorf("cost = %f, want %f", out.CostUSD, wantCost)
	}
	if err := planner.Validate(out); err != nil {
		t.Errorf("validate: %v", err)
	}
}

func TestPlanner_EmptyQuery(t *testing.T) {
	planner := &Planner{caller: newTestCaller(&fakeLLM{}, nil)}
	_, err := planner.Execute(context.Background(), Input{Query: "   "})
	var agentErr *Error
	if !errors.As(err, &agentErr) || agentErr.Kind != KindInvalidInput {
		t.Fatalf("expected invalid_input agent error, got %v", err)
	}
}

func TestParseEvaluation(t *testing.T) {
	score, answer, err := parseEvaluation("```json\n{\"score\": 0.85, \"answer\": \"rates fell\"}\n```")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if score != 0.85 || answer != "rates fell" {
		t.Errorf("got score=%f answer=%q", score, answer)
	}

	if _, _, err := parseEvaluation("the sources look fine to me"); err == nil {
		t.Error("prose output should fail to parse")
	}
}

func TestEvaluator_NoSources(t *testing.T) {
	provider := &fakeLLM{}
	evaluator := &Evaluator{caller: newTestCaller(provider, nil)}

	out, err := evaluator.Execute(context.Background(), Input{
		SubQuestion: &store.SubQuestion{Text: "q"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Score != 0 {
		t.Errorf("empty sources must score 0, got %f", out.Score)
	}
	if provider.callCount() != 0 {
		t.Error("empty sources must not spend a model call")
	}
}

func TestEvaluator_Validate(t *testing.T) {
	evaluator := &Evaluator{}
	if err := evaluator.Validate(Output{Score: 0.5}); err != nil {
		t.Errorf("0.5 should validate: %v", err)
	}
	for _, bad := range []float64{-0.1, 1.5} {
		err := evaluator.Validate(Output{Score: bad})
		var agentErr *Error
		if !errors.As(err, &agentErr) || agentErr.Kind != KindInvalidInput {
			t.Errorf("score %f: expected invalid_input, got %v", bad, err)
		}
	}
}

func TestSearcher_Execute(t *testing.T) {
	provider := &fakeSearch{results: []search.Result{
		{URL: "https://example.com/a", Title: "A", Content: "alpha", Score: 0.8},
		{URL: "https://example.com/b", Title: "B", Content: "beta", Score: 0.6},
	}}
	searcher := &Searcher{caller: newTestCaller(nil, provider)}

	out, err := searcher.Execute(context.Background(), Input{
		SubQuestion: &store.SubQuestion{Text: "what is alpha"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(out.Sources) != 2 {
		t.Fatalf("expected 2 sources, got %d", len(out.Sources))
	}
	if out.Sources[0].URL != "https://example.com/a" || out.Sources[0].RetrievedAt == "" {
		t.Errorf("unexpected source %+v", out.Sources[0])
	}
	for i, src := range out.Sources {
		if src.SubQuestion != "what is alpha" {
			t.Errorf("source %d not attributed to its sub-question: %q", i, src.SubQuestion)
		}
	}
	if out.Calls != 1 {
		t.Errorf("fresh search should count one call, got %d", out.Calls)
	}
}

func TestTruncate_RuneBoundary(t *testing.T) {
	s := strings.Repeat("é", 10)
	got := truncate(s, 5)
	if !utf8.ValidString(got) {
		t.Fatalf("truncation produced invalid UTF-8: %q", got)
	}
	if got != "éé…" {
		t.Errorf("truncate = %q, want cut on the rune boundary", got)
	}
	if truncate("short", 10) != "short" {
		t.Error("strings under the cap must pass through unchanged")
	}
}
