package llm

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GoogleProvider implements Provider with the Gemini SDK.
type GoogleProvider struct {
	client    *genai.Client
	model     string
	maxTokens int32
	retry     RetryConfig
}

// NewGoogleProvider creates a Gemini provider.
func NewGoogleProvider(cfg Config) (*GoogleProvider, error) {
	if err := requireModel("google", cfg); err != nil {
		return nil, err
	}
	client, err := genai.NewClient(context.Background(), option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create google client: %w", err)
	}
	return &GoogleProvider{client: client, model: cfg.Model, maxTokens: int32(cfg.MaxTokens), retry: cfg.Retry}, nil
}

// Close closes the underlying client.
func (p *GoogleProvider) Close() error {
	return p.client.Close()
}

// Chat implements Provider. A model handle is built per call so concurrent
// calls never share a system instruction.
func (p *GoogleProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	system, turns := splitSystem(req.Messages)
	if len(turns) == 0 {
		return nil, fmt.Errorf("google: request has no user turn")
	}

	model := p.client.GenerativeModel(p.model)
	maxTokens := p.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = int32(req.MaxTokens)
	}
	model.MaxOutputTokens = &maxTokens
	if system != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	cs := model.StartChat()
	for _, m := range turns[:len(turns)-1] {
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		cs.History = append(cs.History, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	last := turns[len(turns)-1].Content

	resp, err := withRetry(ctx, p.retry, "google", func() (*genai.GenerateContentResponse, error) {
		return cs.SendMessage(ctx, genai.Text(last))
	})
	if err != nil {
		return nil, err
	}

	out := &ChatResponse{Model: p.model}
	if len(resp.Candidates) > 0 {
		c := resp.Candidates[0]
		if c.FinishReason != 0 {
			out.StopReason = c.FinishReason.String()
		}
		if c.Content != nil {
			for _, part := range c.Content.Parts {
				if text, ok := part.(genai.Text); ok {
					out.Content += string(text)
				}
			}
		}
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}
