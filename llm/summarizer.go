package llm

import (
	"context"
	"fmt"
)

// Summarizer condenses text with a model.
type Summarizer struct {
	provider  Provider
	maxTokens int
}

// NewSummarizer creates a summarizer.
func NewSummarizer(provider Provider) *Summarizer {
	return &Summarizer{provider: provider, maxTokens: 1000}
}

// Summarize returns a summary of content. focus, if set, narrows what the
// summary should cover.
func (s *Summarizer) Summarize(ctx context.Context, content, focus string) (string, error) {
	if s.provider == nil {
		return "", fmt.Errorf("no LLM provider configured for summarization")
	}
	if focus == "" {
		focus = "Summarize the main points."
	}

	prompt := fmt.Sprintf(`Content:
---
%s
---

%s

Respond with a concise summary based only on the content above. If the
content does not cover the request, say so.`, content, focus)

	resp, err := s.provider.Chat(ctx, ChatRequest{
		Messages:  []Message{{Role: "user", Content: prompt}},
		MaxTokens: s.maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarization LLM call failed: %w", err)
	}
	return resp.Content, nil
}
