package provider

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCatalog(t *testing.T) {
	c := DefaultCatalog()

	assert.Equal(t, []string{"gpt-3.5-turbo", "gpt-4o-mini", "claude-3-haiku", "gemini-1.5-pro"}, c.IDs())
	assert.Equal(t, []string{"openai", "anthropic", "gemini"}, c.Providers())

	m, err := c.Lookup("claude-3-haiku")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", m.Provider)
	assert.Equal(t, "claude-3-haiku-20240307", m.Upstream)

	_, err = c.Lookup("gpt-5")
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestNewCatalog_DuplicatesAndUpstreamDefault(t *testing.T) {
	c := NewCatalog([]Model{
		{ID: "a", Provider: "openai"},
		{ID: "a", Provider: "gemini"},
		{ID: "b", Provider: "gemini", Upstream: "b-001"},
	})

	assert.Equal(t, []string{"a", "b"}, c.IDs())
	m, err := c.Lookup("a")
	require.NoError(t, err)
	assert.Equal(t, "openai", m.Provider)
	assert.Equal(t, "a", m.Upstream)

	models := c.Models()
	models[0].ID = "changed"
	assert.Equal(t, "a", c.IDs()[0])
}

func TestRegistry(t *testing.T) {
	for _, name := range []string{"openai", "anthropic", "gemini"} {
		assert.True(t, Has(name), name)
	}

	mock := NewMockProvider("test-registry")
	RegisterFactory("test-registry", mock.Factory())
	assert.Contains(t, Names(), "test-registry")

	p, err := New("test-registry", Config{APIKey: "abc"})
	require.NoError(t, err)
	assert.Equal(t, "test-registry", p.Name())
	assert.Equal(t, []string{"abc"}, mock.Keys())

	_, err = New("nope", Config{})
	assert.Error(t, err)
}

func TestMockProvider(t *testing.T) {
	mock := NewMockProvider("mock")
	mock.AddCompletionResponse(MockCompletionResponse("first"))
	mock.AddError(nil)
	mock.Errors = append(mock.Errors, errors.New("boom"))

	ctx := context.Background()
	resp, err := mock.CreateCompletion(ctx, CompletionRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Content)

	_, err = mock.CreateCompletion(ctx, CompletionRequest{Model: "m"})
	assert.EqualError(t, err, "boom")

	resp, err = mock.CreateCompletion(ctx, CompletionRequest{Model: "m"})
	require.NoError(t, err)
	assert.Equal(t, "Mock response", resp.Content)
	assert.Len(t, mock.Calls(), 3)

	mock.Reset()
	assert.Empty(t, mock.Calls())
}
