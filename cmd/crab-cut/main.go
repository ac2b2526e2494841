package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"crabstack.local/projects/crab-cut/internal/catalog"
	"crabstack.local/projects/crab-cut/internal/config"
	"crabstack.local/projects/crab-cut/internal/db"
	"crabstack.local/projects/crab-cut/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "crab-cut",
		Short:         "Conversational editing assistant for Premiere Pro",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newCatalogCmd())
	return root
}

// runtime holds what every subcommand needs: validated config, the process
// logger and the shared database.
type runtime struct {
	cfg    config.Config
	logger *zap.Logger
	db     *gorm.DB
}

func bootstrap() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}

	driver, dsn := cfg.DBDriver, cfg.DBDSN
	if driver == "memory" {
		driver, dsn = "sqlite", ":memory:"
	}
	gormDB, err := db.OpenGorm(driver, dsn)
	if err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &runtime{cfg: cfg, logger: logger, db: gormDB}, nil
}

func (r *runtime) close() {
	if sqlDB, err := r.db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			r.logger.Warn("database close error", zap.Error(err))
		}
	}
	_ = r.logger.Sync()
}

// openCatalog builds the transition catalog, with embeddings when a Gemini
// key is configured and token overlap otherwise.
func (r *runtime) openCatalog(ctx context.Context) (*catalog.Catalog, error) {
	var embedder catalog.Embedder
	if r.cfg.GeminiAPIKey != "" {
		genai, err := catalog.NewGenAIEmbedder(ctx, r.cfg.GeminiAPIKey, r.cfg.EmbeddingModel)
		if err != nil {
			return nil, fmt.Errorf("init embedder: %w", err)
		}
		embedder = genai
	} else {
		r.logger.Warn("no embedding key configured, catalog falls back to keyword matching",
			zap.String("env", config.EnvGeminiAPIKey))
	}
	return catalog.New(ctx, r.db, embedder, r.logger.Named("catalog"))
}

func webhookSubscriberName(index int, webhookURL string) string {
	parsed, err := url.Parse(webhookURL)
	if err == nil {
		host := strings.TrimSpace(parsed.Host)
		if host != "" {
			return host
		}
	}
	return fmt.Sprintf("webhook-%d", index+1)
}
