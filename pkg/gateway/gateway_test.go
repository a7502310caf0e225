package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/megbot-dev/megbot/pkg/conversation"
	"github.com/megbot-dev/megbot/pkg/llm/provider"
)

func newTestGateway(t *testing.T, opts Options) (*Gateway, map[string]*provider.MockProvider) {
	t.Helper()
	mocks := map[string]*provider.MockProvider{
		"openai":    provider.NewMockProvider("openai"),
		"anthropic": provider.NewMockProvider("anthropic"),
		"gemini":    provider.NewMockProvider("gemini"),
	}
	opts.NewProvider = func(name string, cfg provider.Config) (provider.Provider, error) {
		m, ok := mocks[name]
		if !ok {
			return nil, errors.New("no such provider")
		}
		return m.Factory()(cfg)
	}
	return New(provider.DefaultCatalog(), opts), mocks
}

var history = []conversation.Message{
	{Role: conversation.RoleSystem, Content: conversation.DefaultSystemPrompt},
	{Role: conversation.RoleUser, Content: "Hi"},
}

func TestComplete_UsesCallerCredential(t *testing.T) {
	g, mocks := newTestGateway(t, Options{ServerKeys: map[string]string{"openai": "server-key"}})
	mocks["openai"].AddCompletionResponse(provider.MockCompletionResponse("Hello!"))

	reply, err := g.Complete(context.Background(), "gpt-4o-mini", history,
		&Credential{APIKey: "user-key", Provider: "openai"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "Hello!", reply)

	assert.Equal(t, []string{"user-key"}, mocks["openai"].Keys())
	calls := mocks["openai"].Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "gpt-4o-mini", calls[0].Model)
	assert.Equal(t, DefaultMaxTokens, calls[0].MaxTokens)
	assert.Equal(t, "system", calls[0].Messages[0].Role)
	assert.Equal(t, "Hi", calls[0].Messages[1].Content)
}

func TestComplete_FallsBackToServerKey(t *testing.T) {
	g, mocks := newTestGateway(t, Options{ServerKeys: map[string]string{"anthropic": "server-key"}})

	_, err := g.Complete(context.Background(), "claude-3-haiku", history,
		&Credential{APIKey: "user-openai-key", Provider: "openai"}, 100)
	require.NoError(t, err)

	assert.Equal(t, []string{"server-key"}, mocks["anthropic"].Keys())
	calls := mocks["anthropic"].Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "claude-3-haiku-20240307", calls[0].Model)
	assert.Equal(t, 100, calls[0].MaxTokens)
	assert.True(t, g.HasServerKey("anthropic"))
	assert.False(t, g.HasServerKey("gemini"))
}

func TestComplete_NoKey(t *testing.T) {
	g, mocks := newTestGateway(t, Options{})

	_, err := g.Complete(context.Background(), "gemini-1.5-pro", history, nil, 0)
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "gemini", gwErr.Provider)
	assert.ErrorIs(t, err, provider.ErrMissingAPIKey)
	assert.Empty(t, mocks["gemini"].Calls())
}

func TestComplete_UnknownModel(t *testing.T) {
	g, _ := newTestGateway(t, Options{})

	_, err := g.Complete(context.Background(), "gpt-9", history, nil, 0)
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.ErrorIs(t, err, provider.ErrUnknownModel)
}

func TestComplete_ProviderErrorMessage(t *testing.T) {
	g, mocks := newTestGateway(t, Options{ServerKeys: map[string]string{"openai": "k"}})
	mocks["openai"].AddError(&provider.ProviderError{
		Provider: "openai",
		Code:     provider.ErrorCodeAuthentication,
		Message:  "Incorrect API key provided",
	})

	_, err := g.Complete(context.Background(), "gpt-3.5-turbo", history, nil, 0)
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "Incorrect API key provided", gwErr.Error())
	assert.Equal(t, "gpt-3.5-turbo", gwErr.Model)
	assert.Equal(t, "openai", gwErr.Provider)
	assert.Len(t, mocks["openai"].Calls(), 1, "no retries")
}

func TestComplete_RecoversPanic(t *testing.T) {
	g, mocks := newTestGateway(t, Options{ServerKeys: map[string]string{"openai": "k"}})
	mocks["openai"].Handler = func(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
		panic("boom")
	}

	_, err := g.Complete(context.Background(), "gpt-3.5-turbo", history, nil, 0)
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Contains(t, gwErr.Message, "boom")
}

func TestComplete_NilResponse(t *testing.T) {
	g, mocks := newTestGateway(t, Options{ServerKeys: map[string]string{"openai": "k"}})
	mocks["openai"].Handler = func(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
		return nil, nil
	}

	_, err := g.Complete(context.Background(), "gpt-3.5-turbo", history, nil, 0)
	var gwErr *GatewayError
	assert.ErrorAs(t, err, &gwErr)
}

func TestComplete_Timeout(t *testing.T) {
	g, mocks := newTestGateway(t, Options{
		ServerKeys: map[string]string{"openai": "k"},
		Timeout:    20 * time.Millisecond,
	})
	mocks["openai"].Handler = func(ctx context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := g.Complete(context.Background(), "gpt-3.5-turbo", history, nil, 0)
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "the completion service did not respond in time", gwErr.Message)
}

func TestComplete_FactoryError(t *testing.T) {
	g := New(nil, Options{
		ServerKeys: map[string]string{"openai": "k"},
		NewProvider: func(name string, cfg provider.Config) (provider.Provider, error) {
			return nil, errors.New("cannot build client")
		},
	})

	_, err := g.Complete(context.Background(), "gpt-3.5-turbo", history, nil, 0)
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "cannot build client", gwErr.Message)
}
