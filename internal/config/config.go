package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	EnvConfigFile       = "CRAB_CUT_CONFIG"
	EnvHTTPAddr         = "CRAB_CUT_HTTP_ADDR"
	EnvDBDriver         = "CRAB_CUT_DB_DRIVER"
	EnvDBDSN            = "CRAB_CUT_DB_DSN"
	EnvProvider         = "CRAB_CUT_PROVIDER"
	EnvModel            = "CRAB_CUT_MODEL"
	EnvOpenRouterAPIKey = "OPENROUTER_API_KEY"
	EnvOpenRouterURL    = "CRAB_CUT_OPENROUTER_BASE_URL"
	EnvAnthropicAPIKey  = "ANTHROPIC_API_KEY"
	EnvGeminiAPIKey     = "GEMINI_API_KEY"
	EnvEmbeddingModel   = "CRAB_CUT_EMBEDDING_MODEL"
	EnvToolHostURLs     = "CRAB_CUT_TOOL_HOST_URLS"
	EnvWebhookURLs      = "CRAB_CUT_WEBHOOK_URLS"
	EnvWebhookCommands  = "CRAB_CUT_WEBHOOK_COMMANDS_ONLY"
	EnvCatalogFile      = "CRAB_CUT_CATALOG_FILE"
	EnvTurnTimeout      = "CRAB_CUT_TURN_TIMEOUT"
	EnvMediaWaitTimeout = "CRAB_CUT_MEDIA_WAIT_TIMEOUT"
	EnvLogLevel         = "CRAB_CUT_LOG_LEVEL"
	EnvLogFormat        = "CRAB_CUT_LOG_FORMAT"
)

const (
	DefaultHTTPAddr          = ":8000"
	DefaultDBDriver          = "sqlite"
	DefaultDBDSN             = ".crabcut/sessions.db"
	DefaultProvider          = "openrouter"
	DefaultModel             = "google/gemini-2.5-flash-lite"
	DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	DefaultEmbeddingModel    = "text-embedding-004"
	DefaultSummaryThreshold  = 6
	DefaultMaxToolRounds     = 10
	DefaultSessionQueueSize  = 16
	DefaultTurnTimeout       = 120 * time.Second
	DefaultMediaWaitTimeout  = 10 * time.Second
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
)

type ToolHost struct {
	Name    string
	BaseURL string
}

type Config struct {
	HTTPAddr          string
	DBDriver          string
	DBDSN             string
	Provider          string
	Model             string
	Temperature       float64
	OpenRouterAPIKey  string
	OpenRouterBaseURL string
	AnthropicAPIKey   string
	GeminiAPIKey      string
	EmbeddingModel    string
	SummaryThreshold  int
	MaxToolRounds     int
	SessionQueueSize  int
	TurnTimeout       time.Duration
	MediaWaitTimeout  time.Duration
	ToolHosts         []ToolHost
	WebhookURLs       []string
	// WebhookCommandsOnly limits webhooks to completed turns with commands.
	WebhookCommandsOnly bool
	CatalogFile         string
	LogLevel            string
	LogFormat           string
}

// Load builds a Config from defaults, the optional YAML file and then the
// environment, in that order of precedence.
func Load() (Config, error) {
	cfg := Default()

	fileCfg, err := loadFileConfig()
	if err != nil {
		return Config{}, err
	}
	if err := applyYAML(&cfg, fileCfg); err != nil {
		return Config{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Default() Config {
	return Config{
		HTTPAddr:          DefaultHTTPAddr,
		DBDriver:          DefaultDBDriver,
		DBDSN:             DefaultDBDSN,
		Provider:          DefaultProvider,
		Model:             DefaultModel,
		OpenRouterBaseURL: DefaultOpenRouterBaseURL,
		EmbeddingModel:    DefaultEmbeddingModel,
		SummaryThreshold:  DefaultSummaryThreshold,
		MaxToolRounds:     DefaultMaxToolRounds,
		SessionQueueSize:  DefaultSessionQueueSize,
		TurnTimeout:       DefaultTurnTimeout,
		MediaWaitTimeout:  DefaultMediaWaitTimeout,
		LogLevel:          DefaultLogLevel,
		LogFormat:         DefaultLogFormat,
	}
}

// HasProviderCredentials reports whether the selected provider can be built.
// A missing key is not a Validate failure: the server starts and every turn
// answers with a configuration error instead.
func (c Config) HasProviderCredentials() bool {
	switch c.Provider {
	case "anthropic":
		return c.AnthropicAPIKey != ""
	default:
		return c.OpenRouterAPIKey != ""
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("%s must not be empty", EnvHTTPAddr)
	}
	switch c.DBDriver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("%s must be sqlite, postgres or memory", EnvDBDriver)
	}
	if c.DBDriver != "memory" && strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("%s must not be empty", EnvDBDSN)
	}
	switch c.Provider {
	case "openrouter", "anthropic":
	default:
		return fmt.Errorf("%s must be openrouter or anthropic", EnvProvider)
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("%s must not be empty", EnvModel)
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return fmt.Errorf("temperature must be within [0, 2]")
	}
	if c.SummaryThreshold < 2 {
		return fmt.Errorf("summary_threshold must be >= 2")
	}
	if c.MaxToolRounds <= 0 {
		return fmt.Errorf("max_tool_rounds must be > 0")
	}
	if c.SessionQueueSize <= 0 {
		return fmt.Errorf("session_queue_size must be > 0")
	}
	if c.TurnTimeout <= 0 {
		return fmt.Errorf("%s must be > 0", EnvTurnTimeout)
	}
	if c.MediaWaitTimeout < 0 {
		return fmt.Errorf("%s must be >= 0", EnvMediaWaitTimeout)
	}
	for _, host := range c.ToolHosts {
		if err := validateURL(host.BaseURL); err != nil {
			return fmt.Errorf("tool host %q: %w", host.Name, err)
		}
	}
	for _, webhookURL := range c.WebhookURLs {
		if err := validateURL(webhookURL); err != nil {
			return fmt.Errorf("webhook: %w", err)
		}
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("%s must be json or console", EnvLogFormat)
	}
	return nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("invalid url %q", raw)
	}
	return nil
}
