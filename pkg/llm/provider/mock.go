package provider

import (
	"context"
	"sync"
)

// MockProvider is a mock LLM provider for testing
type MockProvider struct {
	name string

	mu sync.Mutex

	// Responses to return for each request, in order
	CompletionResponses []*CompletionResponse
	// Errors to return for each request; a nil entry falls through to the response
	Errors []error
	// Handler, when set, replaces the queued responses entirely
	Handler func(ctx context.Context, request CompletionRequest) (*CompletionResponse, error)

	// Track calls
	CompletionCalls []CompletionRequest
	// APIKeys records the key of every Config the factory was called with
	APIKeys []string

	currentIndex int
}

// NewMockProvider creates a new mock provider
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name}
}

// CreateCompletion implements Provider
func (m *MockProvider) CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error) {
	m.mu.Lock()
	m.CompletionCalls = append(m.CompletionCalls, request)
	handler := m.Handler
	m.mu.Unlock()

	if handler != nil {
		return handler(ctx, request)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.currentIndex
	m.currentIndex++

	if idx < len(m.Errors) && m.Errors[idx] != nil {
		return nil, m.Errors[idx]
	}
	if idx < len(m.CompletionResponses) {
		return m.CompletionResponses[idx], nil
	}

	return &CompletionResponse{
		Content:      "Mock response",
		FinishReason: "stop",
		Usage: Usage{
			PromptTokens:     10,
			CompletionTokens: 5,
			TotalTokens:      15,
		},
	}, nil
}

// Name implements Provider
func (m *MockProvider) Name() string {
	return m.name
}

// Factory returns a factory that hands out this mock and records the key it was built with.
func (m *MockProvider) Factory() Factory {
	return func(cfg Config) (Provider, error) {
		m.mu.Lock()
		m.APIKeys = append(m.APIKeys, cfg.APIKey)
		m.mu.Unlock()
		return m, nil
	}
}

// Calls returns a copy of the recorded completion requests.
func (m *MockProvider) Calls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CompletionRequest, len(m.CompletionCalls))
	copy(out, m.CompletionCalls)
	return out
}

// Keys returns a copy of the recorded API keys.
func (m *MockProvider) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.APIKeys))
	copy(out, m.APIKeys)
	return out
}

// AddCompletionResponse adds a completion response to the queue
func (m *MockProvider) AddCompletionResponse(response *CompletionResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompletionResponses = append(m.CompletionResponses, response)
}

// AddError adds an error to the queue
func (m *MockProvider) AddError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors = append(m.Errors, err)
}

// Reset resets the mock provider state
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CompletionResponses = nil
	m.Errors = nil
	m.CompletionCalls = nil
	m.APIKeys = nil
	m.Handler = nil
	m.currentIndex = 0
}

// MockCompletionResponse creates a simple completion response for testing
func MockCompletionResponse(content string) *CompletionResponse {
	return &CompletionResponse{
		Content:      content,
		FinishReason: "stop",
		Usage: Usage{
			PromptTokens:     10,
			CompletionTokens: len(content) / 4,
			TotalTokens:      10 + len(content)/4,
		},
	}
}
