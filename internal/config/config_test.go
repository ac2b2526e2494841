package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		EnvConfigFile, EnvHTTPAddr, EnvDBDriver, EnvDBDSN, EnvProvider, EnvModel,
		EnvOpenRouterAPIKey, EnvOpenRouterURL, EnvAnthropicAPIKey, EnvGeminiAPIKey,
		EnvEmbeddingModel, EnvToolHostURLs, EnvWebhookURLs, EnvWebhookCommands, EnvCatalogFile,
		EnvTurnTimeout, EnvMediaWaitTimeout, EnvLogLevel, EnvLogFormat,
	} {
		t.Setenv(key, "")
	}
}

func setWorkingDir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	setWorkingDir(t, t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultHTTPAddr, cfg.HTTPAddr)
	assert.Equal(t, DefaultModel, cfg.Model)
	assert.Equal(t, DefaultOpenRouterBaseURL, cfg.OpenRouterBaseURL)
	assert.Equal(t, DefaultSummaryThreshold, cfg.SummaryThreshold)
	assert.Equal(t, DefaultMaxToolRounds, cfg.MaxToolRounds)
	assert.Zero(t, cfg.Temperature)
	assert.False(t, cfg.HasProviderCredentials())
	require.NoError(t, cfg.Validate())
}

func TestLoadYAMLThenEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	setWorkingDir(t, dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".crabcut"), 0o700))
	body := `
server:
  http_addr: ":9100"
  db_driver: memory
model:
  provider: anthropic
  name: claude-sonnet-4-5
  temperature: 0.3
  anthropic_api_key: from-file
dialog:
  summary_threshold: 8
  turn_timeout: 30s
tool_hosts:
  - name: audio
    url: http://127.0.0.1:5225
log:
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".crabcut", "config.yaml"), []byte(body), 0o600))
	t.Setenv(EnvHTTPAddr, ":9200")
	t.Setenv(EnvWebhookURLs, "http://hooks.local/a, http://hooks.local/b")
	t.Setenv(EnvWebhookCommands, "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9200", cfg.HTTPAddr)
	assert.Equal(t, "memory", cfg.DBDriver)
	assert.Equal(t, "anthropic", cfg.Provider)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Model)
	assert.InDelta(t, 0.3, cfg.Temperature, 1e-9)
	assert.Equal(t, 8, cfg.SummaryThreshold)
	assert.Equal(t, 30*time.Second, cfg.TurnTimeout)
	assert.Equal(t, []ToolHost{{Name: "audio", BaseURL: "http://127.0.0.1:5225"}}, cfg.ToolHosts)
	assert.Equal(t, []string{"http://hooks.local/a", "http://hooks.local/b"}, cfg.WebhookURLs)
	assert.True(t, cfg.WebhookCommandsOnly)
	assert.True(t, cfg.HasProviderCredentials())
	require.NoError(t, cfg.Validate())
}

func TestLoadExplicitFileMissing(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvConfigFile, filepath.Join(t.TempDir(), "nope.yaml"))

	_, err := Load()
	require.Error(t, err)
}

func TestTurnTimeoutAcceptsBareSeconds(t *testing.T) {
	clearEnv(t)
	setWorkingDir(t, t.TempDir())
	t.Setenv(EnvTurnTimeout, "45")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.TurnTimeout)
}

func TestParseToolHosts(t *testing.T) {
	hosts, err := ParseToolHosts("audio=http://localhost:5225, words=http://localhost:5226")
	require.NoError(t, err)
	assert.Len(t, hosts, 2)
	assert.Equal(t, "words", hosts[1].Name)

	_, err = ParseToolHosts("audio")
	assert.Error(t, err)
	_, err = ParseToolHosts("audio=not-a-url")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "empty addr", mutate: func(c *Config) { c.HTTPAddr = "" }},
		{name: "bad driver", mutate: func(c *Config) { c.DBDriver = "mysql" }},
		{name: "bad provider", mutate: func(c *Config) { c.Provider = "local" }},
		{name: "threshold", mutate: func(c *Config) { c.SummaryThreshold = 1 }},
		{name: "tool rounds", mutate: func(c *Config) { c.MaxToolRounds = 0 }},
		{name: "timeout", mutate: func(c *Config) { c.TurnTimeout = 0 }},
		{name: "temperature", mutate: func(c *Config) { c.Temperature = 3 }},
		{name: "log format", mutate: func(c *Config) { c.LogFormat = "xml" }},
		{name: "webhook", mutate: func(c *Config) { c.WebhookURLs = []string{"nope"} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
