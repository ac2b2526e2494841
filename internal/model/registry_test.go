package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct{}

func (s *stubProvider) Complete(_ context.Context, _ CompletionRequest) (CompletionResponse, error) {
	return CompletionResponse{Content: "ok"}, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	registry := NewRegistry()
	provider := &stubProvider{}

	registry.Register(" OpenRouter ", provider)

	got, ok := registry.Get("openrouter")
	require.True(t, ok)
	assert.Same(t, provider, got)
	assert.Equal(t, []string{"openrouter"}, registry.Names())
}

func TestRegistryGetMissing(t *testing.T) {
	_, ok := NewRegistry().Get("missing")
	assert.False(t, ok)
}

func TestRegistryRegisterIgnoresInvalidInput(t *testing.T) {
	registry := NewRegistry()
	registry.Register("", &stubProvider{})
	registry.Register("openrouter", nil)

	_, ok := registry.Get("openrouter")
	assert.False(t, ok)
}

func TestRegistryFactoryRegistersProvider(t *testing.T) {
	registry := NewRegistry()
	expected := &stubProvider{}
	seenAPIKey := ""
	registry.RegisterFactory("anthropic", func(apiKey string) Provider {
		seenAPIKey = apiKey
		return expected
	})

	provider, ok := registry.New("Anthropic", "secret-key")
	require.True(t, ok)
	assert.Same(t, expected, provider)
	assert.Equal(t, "secret-key", seenAPIKey)

	got, ok := registry.Get("anthropic")
	require.True(t, ok)
	assert.Same(t, expected, got)
}

func TestRegistryFactoryReturnsNil(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterFactory("openrouter", func(string) Provider { return nil })

	_, ok := registry.New("openrouter", "key")
	assert.False(t, ok)
	_, ok = registry.New("missing", "key")
	assert.False(t, ok)
}
