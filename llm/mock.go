package llm

import (
	"context"
	"sync"
)

// MockProvider replays scripted replies. With no script left it returns the
// default response.
type MockProvider struct {
	mu       sync.Mutex
	script   []string
	response string
	err      error
	requests []ChatRequest

	// ChatFunc, when set, replaces the scripted behavior.
	ChatFunc func(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// NewMockProvider creates a mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// SetResponse sets the reply used once the script is exhausted.
func (p *MockProvider) SetResponse(content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.response = content
}

// Script queues replies returned in order.
func (p *MockProvider) Script(replies ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, replies...)
}

// SetError makes every call fail with err.
func (p *MockProvider) SetError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Requests returns the requests seen so far.
func (p *MockProvider) Requests() []ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ChatRequest(nil), p.requests...)
}

// CallCount returns the number of Chat calls.
func (p *MockProvider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Chat implements Provider.
func (p *MockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	fn := p.ChatFunc
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	content := p.response
	if len(p.script) > 0 {
		content = p.script[0]
		p.script = p.script[1:]
	}
	return &ChatResponse{Content: content, StopReason: "end_turn", Model: "mock"}, nil
}
