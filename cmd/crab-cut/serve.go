package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"crabstack.local/projects/crab-cut/internal/catalog"
	"crabstack.local/projects/crab-cut/internal/config"
	"crabstack.local/projects/crab-cut/internal/dialog"
	"crabstack.local/projects/crab-cut/internal/dispatch"
	"crabstack.local/projects/crab-cut/internal/httpapi"
	"crabstack.local/projects/crab-cut/internal/media"
	"crabstack.local/projects/crab-cut/internal/model"
	"crabstack.local/projects/crab-cut/internal/session"
	"crabstack.local/projects/crab-cut/internal/subscribers"
	logsub "crabstack.local/projects/crab-cut/internal/subscribers/logging"
	"crabstack.local/projects/crab-cut/internal/subscribers/webhook"
	"crabstack.local/projects/crab-cut/internal/toolclient"
	"crabstack.local/projects/crab-cut/internal/tools"
	"crabstack.local/projects/crab-cut/internal/transition"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := bootstrap()
			if err != nil {
				return err
			}
			defer rt.close()
			return serve(cmd.Context(), rt)
		},
	}
}

func serve(ctx context.Context, rt *runtime) error {
	cfg, logger := rt.cfg, rt.logger

	store, err := openSessionStore(rt)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("session store close error", zap.Error(err))
		}
	}()

	cat, err := rt.openCatalog(ctx)
	if err != nil {
		return err
	}
	if err := seedCatalog(ctx, logger, cat, cfg.CatalogFile); err != nil {
		return err
	}

	registry := buildTools(ctx, logger, cfg, cat)

	subs := []subscribers.Subscriber{logsub.New(logger.Named("events"))}
	var hookOpts []webhook.Option
	if cfg.WebhookCommandsOnly {
		hookOpts = append(hookOpts, webhook.WithCommandsOnly())
	}
	for idx, webhookURL := range cfg.WebhookURLs {
		subs = append(subs, webhook.New(webhookSubscriberName(idx, webhookURL), webhookURL, logger.Named("webhook"), hookOpts...))
	}
	dispatcher := dispatch.New(logger.Named("dispatch"), subs)
	defer dispatcher.Wait()

	controller := dialog.New(logger.Named("dialog"), store, selectProvider(logger, cfg), registry,
		dialog.WithModel(cfg.Model),
		dialog.WithTemperature(cfg.Temperature),
		dialog.WithSummaryThreshold(cfg.SummaryThreshold),
		dialog.WithMaxToolRounds(cfg.MaxToolRounds),
		dialog.WithQueueSize(cfg.SessionQueueSize),
		dialog.WithTurnTimeout(cfg.TurnTimeout),
		dialog.WithDispatcher(dispatcher),
	)
	defer controller.Close()

	srv := httpapi.NewServer(logger.Named("http"), cfg.HTTPAddr, controller, store)
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.Strings("tools", registry.Names()))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server crashed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}
	return nil
}

func openSessionStore(rt *runtime) (session.Store, error) {
	if rt.cfg.DBDriver == "memory" {
		return session.NewMemoryStore(), nil
	}
	store, err := session.NewGormStoreFromDB(rt.db)
	if err != nil {
		return nil, fmt.Errorf("init session store: %w", err)
	}
	return store, nil
}

// seedCatalog loads the configured catalog file into an empty catalog.
func seedCatalog(ctx context.Context, logger *zap.Logger, cat *catalog.Catalog, file string) error {
	if file == "" || cat.Len() > 0 {
		return nil
	}
	entries, err := catalog.LoadEntries(file)
	if err != nil {
		return err
	}
	n, err := cat.Seed(ctx, entries)
	if err != nil {
		return fmt.Errorf("seed catalog: %w", err)
	}
	logger.Info("catalog seeded", zap.String("file", file), zap.Int("entries", n))
	return nil
}

func buildTools(ctx context.Context, logger *zap.Logger, cfg config.Config, cat *catalog.Catalog) *tools.Registry {
	hosts := make([]toolclient.HostConfig, 0, len(cfg.ToolHosts))
	for _, host := range cfg.ToolHosts {
		hosts = append(hosts, toolclient.HostConfig{Name: host.Name, BaseURL: host.BaseURL})
	}
	client := toolclient.New(logger.Named("toolclient"), hosts)
	if len(hosts) > 0 {
		discoverCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := client.Discover(discoverCtx); err != nil {
			logger.Warn("tool discovery warning", zap.Error(err))
		}
	} else {
		logger.Warn("no tool hosts configured, audio tools will report errors",
			zap.String("env", config.EnvToolHostURLs))
	}

	sequencer := transition.NewSequencer(cat, logger.Named("transition"))
	waiter := media.NewWaiter(cfg.MediaWaitTimeout, logger.Named("media"))
	return tools.NewRegistry(
		tools.NewAddTransition(sequencer, waiter, logger.Named("tools")),
		tools.NewTrimSilence(client, logger.Named("tools")),
		tools.NewCursewordDetect(client, logger.Named("tools")),
	)
}

// selectProvider returns nil when the configured provider has no credentials;
// turns then fail with a configuration error.
func selectProvider(logger *zap.Logger, cfg config.Config) model.Provider {
	registry := model.NewRegistry()
	registry.RegisterFactory("openrouter", func(apiKey string) model.Provider {
		return model.NewOpenAIProvider(apiKey,
			model.WithOpenAIBaseURL(cfg.OpenRouterBaseURL),
			model.WithOpenAIHeader("X-Title", "crab-cut"),
		)
	})
	registry.RegisterFactory("anthropic", func(apiKey string) model.Provider {
		return model.NewAnthropicProvider(apiKey)
	})

	if !cfg.HasProviderCredentials() {
		logger.Warn("missing api key configuration, turns will fail until one is set",
			zap.String("provider", cfg.Provider))
		return nil
	}
	apiKey := cfg.OpenRouterAPIKey
	if cfg.Provider == "anthropic" {
		apiKey = cfg.AnthropicAPIKey
	}
	provider, ok := registry.New(cfg.Provider, apiKey)
	if !ok {
		logger.Warn("unknown provider", zap.String("provider", cfg.Provider))
		return nil
	}
	logger.Info("model provider ready", zap.String("provider", cfg.Provider), zap.String("model", cfg.Model))
	return provider
}
