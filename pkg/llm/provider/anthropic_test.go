package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func writeAnthropicText(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"id":"msg_test","type":"message","role":"assistant","model":"claude-3-haiku-20240307",`+
		`"content":[{"type":"text","text":`+mustJSON(text)+`}],"stop_reason":"end_turn",`+
		`"usage":{"input_tokens":10,"output_tokens":5}}`)
}

func mustJSON(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func TestAnthropicProvider_Name(t *testing.T) {
	p := NewAnthropicProvider(Config{APIKey: "test-key"})
	if p.Name() != "anthropic" {
		t.Errorf("expected 'anthropic', got %s", p.Name())
	}
}

func TestAnthropicProvider_CreateCompletion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "test-key" {
			t.Error("missing x-api-key header")
		}
		if r.Header.Get("anthropic-version") != anthropicVersion {
			t.Error("missing anthropic-version header")
		}

		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		_ = json.Unmarshal(body, &req)

		if req["model"] != "claude-3-haiku-20240307" {
			t.Errorf("expected claude model, got %v", req["model"])
		}
		if req["max_tokens"] != float64(500) {
			t.Errorf("expected max_tokens 500, got %v", req["max_tokens"])
		}

		writeAnthropicText(w, "Hello from Claude!")
	}))
	defer server.Close()

	p := NewAnthropicProvider(Config{APIKey: "test-key", BaseURL: server.URL})
	resp, err := p.CreateCompletion(context.Background(), CompletionRequest{
		Messages:  []Message{{Role: "user", Content: "Hi"}},
		Model:     "claude-3-haiku-20240307",
		MaxTokens: 500,
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Hello from Claude!" {
		t.Errorf("expected 'Hello from Claude!', got %s", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("expected 'stop', got %s", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected 15 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestAnthropicProvider_SystemMessage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req map[string]any
		_ = json.Unmarshal(body, &req)

		system, ok := req["system"].(string)
		if !ok || system != "You are helpful" {
			t.Errorf("expected system message 'You are helpful', got %v", req["system"])
		}

		messages, ok := req["messages"].([]any)
		if !ok || len(messages) != 2 {
			t.Errorf("expected 2 messages (system should be separate), got %v", len(messages))
		}

		writeAnthropicText(w, "OK")
	}))
	defer server.Close()

	p := NewAnthropicProvider(Config{APIKey: "test-key", BaseURL: server.URL + "/"})
	_, err := p.CreateCompletion(context.Background(), CompletionRequest{
		Messages: []Message{
			{Role: "system", Content: "You are helpful"},
			{Role: "user", Content: "Hi"},
			{Role: "assistant", Content: "Hello"},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAnthropicProvider_ErrorResponse(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer server.Close()

	p := NewAnthropicProvider(Config{APIKey: "bad-key", BaseURL: server.URL})
	_, err := p.CreateCompletion(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "Hi"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}

	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError, got %T", err)
	}
	if provErr.Code != ErrorCodeAuthentication {
		t.Errorf("expected authentication code, got %s", provErr.Code)
	}
	if provErr.Message != "invalid x-api-key" {
		t.Errorf("unexpected message %q", provErr.Message)
	}
	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}

func TestAnthropicProvider_ServerErrorNotRetried(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	p := NewAnthropicProvider(Config{APIKey: "k", BaseURL: server.URL})
	_, err := p.CreateCompletion(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "Hi"}},
	})

	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if provErr.Code != ErrorCodeServerError || provErr.Message != "overloaded" {
		t.Errorf("unexpected error %+v", provErr)
	}
	if calls != 1 {
		t.Errorf("expected a single attempt, got %d", calls)
	}
}

func TestAnthropicProvider_TransportErrors(t *testing.T) {
	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	p := NewAnthropicProvider(Config{APIKey: "k", BaseURL: closedURL})
	_, err := p.CreateCompletion(context.Background(), CompletionRequest{
		Messages: []Message{{Role: "user", Content: "Hi"}},
	})
	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if provErr.Code == ErrorCodeTimeout {
		t.Errorf("refused connection reported as timeout: %+v", provErr)
	}

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer slow.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p = NewAnthropicProvider(Config{APIKey: "k", BaseURL: slow.URL})
	_, err = p.CreateCompletion(ctx, CompletionRequest{
		Messages: []Message{{Role: "user", Content: "Hi"}},
	})
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if provErr.Code != ErrorCodeTimeout {
		t.Errorf("expected timeout code, got %s", provErr.Code)
	}
}

func TestAnthropicFactory_RequiresKey(t *testing.T) {
	_, err := New("anthropic", Config{})
	if !errors.Is(err, ErrMissingAPIKey) {
		t.Errorf("expected ErrMissingAPIKey, got %v", err)
	}
}
