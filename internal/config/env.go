package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

func EnvString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func applyEnv(cfg *Config) error {
	if value := EnvString(EnvHTTPAddr); value != "" {
		cfg.HTTPAddr = value
	}
	if value := EnvString(EnvDBDriver); value != "" {
		cfg.DBDriver = strings.ToLower(value)
	}
	if value := EnvString(EnvDBDSN); value != "" {
		cfg.DBDSN = value
	}
	if value := EnvString(EnvProvider); value != "" {
		cfg.Provider = strings.ToLower(value)
	}
	if value := EnvString(EnvModel); value != "" {
		cfg.Model = value
	}
	if value := EnvString(EnvOpenRouterAPIKey); value != "" {
		cfg.OpenRouterAPIKey = value
	}
	if value := EnvString(EnvOpenRouterURL); value != "" {
		cfg.OpenRouterBaseURL = value
	}
	if value := EnvString(EnvAnthropicAPIKey); value != "" {
		cfg.AnthropicAPIKey = value
	}
	if value := EnvString(EnvGeminiAPIKey); value != "" {
		cfg.GeminiAPIKey = value
	}
	if value := EnvString(EnvEmbeddingModel); value != "" {
		cfg.EmbeddingModel = value
	}
	if value := EnvString(EnvCatalogFile); value != "" {
		cfg.CatalogFile = value
	}
	if value := EnvString(EnvLogLevel); value != "" {
		cfg.LogLevel = strings.ToLower(value)
	}
	if value := EnvString(EnvLogFormat); value != "" {
		cfg.LogFormat = strings.ToLower(value)
	}

	var err error
	if cfg.TurnTimeout, err = parseOptionalDuration(EnvString(EnvTurnTimeout), cfg.TurnTimeout, EnvTurnTimeout); err != nil {
		return err
	}
	if cfg.MediaWaitTimeout, err = parseOptionalDuration(EnvString(EnvMediaWaitTimeout), cfg.MediaWaitTimeout, EnvMediaWaitTimeout); err != nil {
		return err
	}

	if raw := EnvString(EnvToolHostURLs); raw != "" {
		hosts, err := ParseToolHosts(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvToolHostURLs, err)
		}
		cfg.ToolHosts = hosts
	}
	if raw := EnvString(EnvWebhookURLs); raw != "" {
		cfg.WebhookURLs = splitList(raw)
	}
	if raw := EnvString(EnvWebhookCommands); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", EnvWebhookCommands, err)
		}
		cfg.WebhookCommandsOnly = enabled
	}
	return nil
}

// ParseToolHosts parses a comma separated list of name=url entries.
func ParseToolHosts(raw string) ([]ToolHost, error) {
	parts := splitList(raw)
	hosts := make([]ToolHost, 0, len(parts))
	for _, entry := range parts {
		name, rawURL, ok := strings.Cut(entry, "=")
		if !ok {
			return nil, fmt.Errorf("invalid entry %q (expected name=url)", entry)
		}
		name = strings.TrimSpace(name)
		rawURL = strings.TrimSpace(rawURL)
		if name == "" || rawURL == "" {
			return nil, fmt.Errorf("invalid entry %q (name and url are required)", entry)
		}
		if err := validateURL(rawURL); err != nil {
			return nil, fmt.Errorf("host %q: %w", name, err)
		}
		hosts = append(hosts, ToolHost{Name: name, BaseURL: rawURL})
	}
	return hosts, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if value := strings.TrimSpace(part); value != "" {
			out = append(out, value)
		}
	}
	return out
}

func parseOptionalDuration(raw string, fallback time.Duration, field string) (time.Duration, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		// bare seconds, as the plugin host writes them
		seconds, convErr := strconv.ParseFloat(value, 64)
		if convErr != nil {
			return 0, fmt.Errorf("invalid %s duration %q: %w", field, value, err)
		}
		parsed = time.Duration(seconds * float64(time.Second))
	}
	if parsed <= 0 {
		return 0, fmt.Errorf("%s must be > 0", field)
	}
	return parsed, nil
}
