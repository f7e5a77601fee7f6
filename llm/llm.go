// Package llm provides the language model providers used for planning,
// summarization and conversation staging.
//
// Providers speak a minimal chat contract. Callers that only need
// text-in/text-out wrap a Provider in a Generator.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Message is one turn of a chat.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// ChatRequest is a request to a provider.
type ChatRequest struct {
	Messages  []Message `json:"messages"`
	MaxTokens int       `json:"max_tokens,omitempty"`
}

// ChatResponse is a provider's reply.
type ChatResponse struct {
	Content      string `json:"content"`
	StopReason   string `json:"stop_reason"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	Model        string `json:"model"`
}

// Provider is implemented by each model backend.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// RetryConfig holds retry settings for provider calls.
type RetryConfig struct {
	MaxRetries  int           // default 5
	InitBackoff time.Duration // default 1s
	MaxBackoff  time.Duration // default 60s
}

// Config selects and configures a provider.
type Config struct {
	Provider  string // anthropic, openai, google, ollama, mock
	Model     string
	APIKey    string
	BaseURL   string
	MaxTokens int
	Retry     RetryConfig
}

// DefaultOllamaURL is the OpenAI-compatible endpoint of a local Ollama.
const DefaultOllamaURL = "http://localhost:11434/v1"

// New builds the provider named by cfg, wrapped with tracing. An empty
// Provider is inferred from the model name.
func New(cfg Config) (Provider, error) {
	if cfg.Provider == "" {
		cfg.Provider = InferProvider(cfg.Model)
		if cfg.Provider == "" {
			return nil, fmt.Errorf("cannot determine provider for model %q; set provider explicitly", cfg.Model)
		}
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "anthropic":
		p, err = NewAnthropicProvider(cfg)
	case "openai":
		p, err = NewOpenAIProvider(cfg)
	case "ollama":
		if cfg.BaseURL == "" {
			cfg.BaseURL = DefaultOllamaURL
		}
		if cfg.APIKey == "" {
			cfg.APIKey = "ollama"
		}
		p, err = NewOpenAIProvider(cfg)
	case "google":
		p, err = NewGoogleProvider(cfg)
	case "mock":
		p = NewMockProvider()
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return WithTracing(p, cfg.Provider), nil
}

// InferProvider maps a model name to its provider, or "" if unknown.
func InferProvider(model string) string {
	model = strings.ToLower(model)
	switch {
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gpt-"), strings.HasPrefix(model, "o1"),
		strings.HasPrefix(model, "o3"), strings.HasPrefix(model, "chatgpt"):
		return "openai"
	case strings.HasPrefix(model, "gemini"), strings.HasPrefix(model, "gemma"):
		return "google"
	case strings.HasPrefix(model, "llama"), strings.HasPrefix(model, "qwen"),
		strings.HasPrefix(model, "mistral"):
		return "ollama"
	}
	return ""
}

func requireModel(name string, cfg Config) error {
	if cfg.APIKey == "" {
		return fmt.Errorf("api_key is required for %s", name)
	}
	if cfg.Model == "" {
		return fmt.Errorf("model is required for %s", name)
	}
	return nil
}

// Generator adapts a Provider to single-prompt text generation.
type Generator struct {
	provider  Provider
	system    string
	maxTokens int
}

// NewGenerator wraps p. system, if non-empty, is sent as the system turn.
func NewGenerator(p Provider, system string, maxTokens int) *Generator {
	return &Generator{provider: p, system: system, maxTokens: maxTokens}
}

// Generate sends prompt as a user turn and returns the reply text.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	msgs := make([]Message, 0, 2)
	if g.system != "" {
		msgs = append(msgs, Message{Role: "system", Content: g.system})
	}
	msgs = append(msgs, Message{Role: "user", Content: prompt})

	resp, err := g.provider.Chat(ctx, ChatRequest{Messages: msgs, MaxTokens: g.maxTokens})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// splitSystem separates the system turn from the conversation.
func splitSystem(msgs []Message) (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == "system" {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}
