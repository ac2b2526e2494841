package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	configDirName           = ".crabcut"
	defaultConfigFileName   = "config.yaml"
	alternateConfigFileName = "config.yml"
)

type fileConfig struct {
	Version int            `yaml:"version"`
	Server  fileServer     `yaml:"server"`
	Model   fileModel      `yaml:"model"`
	Dialog  fileDialog     `yaml:"dialog"`
	Catalog fileCatalog    `yaml:"catalog"`
	Tools   []fileToolHost `yaml:"tool_hosts"`
	Hooks   []string       `yaml:"webhooks"`
	Log     fileLog        `yaml:"log"`
}

type fileServer struct {
	HTTPAddr string `yaml:"http_addr"`
	DBDriver string `yaml:"db_driver"`
	DBDSN    string `yaml:"db_dsn"`
}

type fileModel struct {
	Provider          string   `yaml:"provider"`
	Name              string   `yaml:"name"`
	Temperature       *float64 `yaml:"temperature"`
	OpenRouterAPIKey  string   `yaml:"openrouter_api_key"`
	OpenRouterBaseURL string   `yaml:"openrouter_base_url"`
	AnthropicAPIKey   string   `yaml:"anthropic_api_key"`
}

type fileDialog struct {
	SummaryThreshold int    `yaml:"summary_threshold"`
	MaxToolRounds    int    `yaml:"max_tool_rounds"`
	SessionQueueSize int    `yaml:"session_queue_size"`
	TurnTimeout      string `yaml:"turn_timeout"`
	MediaWaitTimeout string `yaml:"media_wait_timeout"`
}

type fileCatalog struct {
	File           string `yaml:"file"`
	GeminiAPIKey   string `yaml:"gemini_api_key"`
	EmbeddingModel string `yaml:"embedding_model"`
}

type fileToolHost struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

type fileLog struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func loadFileConfig() (fileConfig, error) {
	path, ok, err := resolveConfigFilePath()
	if err != nil {
		return fileConfig{}, err
	}
	if !ok {
		return fileConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file %s: %w", path, err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return cfg, nil
}

func resolveConfigFilePath() (string, bool, error) {
	if explicit := EnvString(EnvConfigFile); explicit != "" {
		info, err := os.Stat(explicit)
		if err != nil {
			return "", false, fmt.Errorf("config file %s: %w", explicit, err)
		}
		if info.IsDir() {
			return "", false, fmt.Errorf("config file %s is a directory", explicit)
		}
		return explicit, true, nil
	}

	candidates := []string{
		filepath.Join(configDirName, defaultConfigFileName),
		filepath.Join(configDirName, alternateConfigFileName),
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", false, fmt.Errorf("config path %s is a directory", candidate)
			}
			return candidate, true, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}
	return "", false, nil
}

func applyYAML(cfg *Config, source fileConfig) error {
	if value := strings.TrimSpace(source.Server.HTTPAddr); value != "" {
		cfg.HTTPAddr = value
	}
	if value := strings.TrimSpace(source.Server.DBDriver); value != "" {
		cfg.DBDriver = strings.ToLower(value)
	}
	if value := strings.TrimSpace(source.Server.DBDSN); value != "" {
		cfg.DBDSN = value
	}

	if value := strings.TrimSpace(source.Model.Provider); value != "" {
		cfg.Provider = strings.ToLower(value)
	}
	if value := strings.TrimSpace(source.Model.Name); value != "" {
		cfg.Model = value
	}
	if source.Model.Temperature != nil {
		cfg.Temperature = *source.Model.Temperature
	}
	if value := strings.TrimSpace(source.Model.OpenRouterAPIKey); value != "" {
		cfg.OpenRouterAPIKey = value
	}
	if value := strings.TrimSpace(source.Model.OpenRouterBaseURL); value != "" {
		cfg.OpenRouterBaseURL = value
	}
	if value := strings.TrimSpace(source.Model.AnthropicAPIKey); value != "" {
		cfg.AnthropicAPIKey = value
	}

	if source.Dialog.SummaryThreshold != 0 {
		cfg.SummaryThreshold = source.Dialog.SummaryThreshold
	}
	if source.Dialog.MaxToolRounds != 0 {
		cfg.MaxToolRounds = source.Dialog.MaxToolRounds
	}
	if source.Dialog.SessionQueueSize != 0 {
		cfg.SessionQueueSize = source.Dialog.SessionQueueSize
	}
	var err error
	if cfg.TurnTimeout, err = parseOptionalDuration(source.Dialog.TurnTimeout, cfg.TurnTimeout, "dialog.turn_timeout"); err != nil {
		return err
	}
	if cfg.MediaWaitTimeout, err = parseOptionalDuration(source.Dialog.MediaWaitTimeout, cfg.MediaWaitTimeout, "dialog.media_wait_timeout"); err != nil {
		return err
	}

	if value := strings.TrimSpace(source.Catalog.File); value != "" {
		cfg.CatalogFile = value
	}
	if value := strings.TrimSpace(source.Catalog.GeminiAPIKey); value != "" {
		cfg.GeminiAPIKey = value
	}
	if value := strings.TrimSpace(source.Catalog.EmbeddingModel); value != "" {
		cfg.EmbeddingModel = value
	}

	for _, host := range source.Tools {
		name := strings.TrimSpace(host.Name)
		rawURL := strings.TrimSpace(host.URL)
		if name == "" || rawURL == "" {
			return fmt.Errorf("tool_hosts entries require name and url")
		}
		cfg.ToolHosts = append(cfg.ToolHosts, ToolHost{Name: name, BaseURL: rawURL})
	}
	for _, hook := range source.Hooks {
		if value := strings.TrimSpace(hook); value != "" {
			cfg.WebhookURLs = append(cfg.WebhookURLs, value)
		}
	}

	if value := strings.TrimSpace(source.Log.Level); value != "" {
		cfg.LogLevel = strings.ToLower(value)
	}
	if value := strings.TrimSpace(source.Log.Format); value != "" {
		cfg.LogFormat = strings.ToLower(value)
	}
	return nil
}
