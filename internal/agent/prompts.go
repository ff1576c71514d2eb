package agent

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/lodestone-research/lodestone/internal/store"
)

const plannerSystemPrompt = "You are a research planner. Break the user's research query into focused, independently searchable sub-questions. Output ONLY a JSON array of strings, nothing else. Each sub-question must be answerable with a web search. Do not answer the questions yourself."

const evaluatorSystemPrompt = "You assess how well a set of retrieved sources answers a research sub-question. Output ONLY a JSON object of the form {\"score\": <number between 0 and 1>, \"answer\": \"<concise answer grounded strictly in the sources>\"}. The score reflects source relevance and quality, not answer length. If the sources do not answer the question, score low and say so in the answer."

const summarizerSystemPrompt = "You compress research findings into concise plain-text notes. ONLY include facts that appear in the provided answers and sources. Never add information from internal knowledge. Preserve attributions to source URLs where they matter."

const synthesizerSystemPrompt = "You write the final research report from the summary of findings. Structure it with a short introduction, one section per theme, and a conclusion. If information is insufficient on some point, say so clearly rather than inventing it."

func buildPlannerUserPrompt(query string, maxQuestions int) string {
	return fmt.Sprintf("Research query:\n%s\n\nProduce at most %d sub-questions as a JSON array of strings.", query, maxQuestions)
}

func buildEvaluatorUserPrompt(question string, sources []store.SourceDocument) string {
	var b strings.Builder
	b.WriteString("Sub-question:\n")
	b.WriteString(question)
	b.WriteString("\n\nSources:\n")
	for i, src := range sources {
		fmt.Fprintf(&b, "[%d] %s\n%s\n\n", i+1, src.URL, truncate(src.Content, 1200))
	}
	return b.String()
}

func buildSummarizerUserPrompt(query string, questions []store.SubQuestion, sources []store.SourceDocument) string {
	var b strings.Builder
	b.WriteString("Research query:\n")
	b.WriteString(query)
	b.WriteString("\n\nAnswered sub-questions:\n")
	for _, q := range questions {
		fmt.Fprintf(&b, "Q: %s\nA: %s\n\n", q.Text, q.Answer)
	}
	b.WriteString("Supporting sources:\n")
	for _, src := range sources {
		fmt.Fprintf(&b, "- %s (score %.2f)\n", src.URL, src.Score)
	}
	return b.String()
}

func buildSynthesizerUserPrompt(query string, summary string, format string) string {
	var b strings.Builder
	b.WriteString("Research query:\n")
	b.WriteString(query)
	b.WriteString("\n\nSummary of findings:\n")
	b.WriteString(summary)
	if format != "" {
		fmt.Fprintf(&b, "\n\nOutput format: %s", format)
	}
	return b.String()
}

// truncate caps s at max bytes, cutting on a rune boundary so multi-byte
// content never turns into invalid UTF-8.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
