package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"crabstack.local/projects/crab-cut/internal/catalog"
	"crabstack.local/projects/crab-cut/internal/config"
	"crabstack.local/projects/crab-cut/internal/db"
	"crabstack.local/projects/crab-cut/internal/model"
)

func TestWebhookSubscriberName(t *testing.T) {
	assert.Equal(t, "hooks.example.com", webhookSubscriberName(0, "https://hooks.example.com/crab"))
	assert.Equal(t, "webhook-2", webhookSubscriberName(1, "not a url"))
}

func TestSelectProvider(t *testing.T) {
	cfg := config.Default()
	assert.Nil(t, selectProvider(zap.NewNop(), cfg))

	cfg.OpenRouterAPIKey = "or-key"
	_, ok := selectProvider(zap.NewNop(), cfg).(*model.OpenAIProvider)
	assert.True(t, ok)

	cfg.Provider = "anthropic"
	assert.Nil(t, selectProvider(zap.NewNop(), cfg))
	cfg.AnthropicAPIKey = "ant-key"
	_, ok = selectProvider(zap.NewNop(), cfg).(*model.AnthropicProvider)
	assert.True(t, ok)
}

func TestSeedCatalogOnlyWhenEmpty(t *testing.T) {
	ctx := context.Background()
	gormDB, err := db.OpenGorm("sqlite", filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	cat, err := catalog.New(ctx, gormDB, nil, zap.NewNop())
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "transitions.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"Cross Dissolve":"smooth soft blend","Whip Pan":"fast energetic swipe"}`), 0o600))

	require.NoError(t, seedCatalog(ctx, zap.NewNop(), cat, ""))
	assert.Zero(t, cat.Len())

	require.NoError(t, seedCatalog(ctx, zap.NewNop(), cat, file))
	assert.Equal(t, 2, cat.Len())

	require.NoError(t, os.WriteFile(file, []byte(`{"Glitch":"digital noise"}`), 0o600))
	require.NoError(t, seedCatalog(ctx, zap.NewNop(), cat, file))
	assert.Equal(t, 2, cat.Len())
}

func TestBuildToolsRegistersEditingTools(t *testing.T) {
	ctx := context.Background()
	gormDB, err := db.OpenGorm("sqlite", filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	cat, err := catalog.New(ctx, gormDB, nil, zap.NewNop())
	require.NoError(t, err)

	registry := buildTools(ctx, zap.NewNop(), config.Default(), cat)
	assert.Equal(t, []string{"add_transition", "curseword_detect", "trim_silence"}, registry.Names())
}
