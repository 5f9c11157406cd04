package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/adapter"
	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/cache"
	"github.com/haasonsaas/relay/internal/catalog"
	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/llm"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/orchestrator"
	"github.com/haasonsaas/relay/internal/providers"
	"github.com/haasonsaas/relay/internal/resolver"
	"github.com/haasonsaas/relay/internal/scheduler"
	"github.com/haasonsaas/relay/internal/server"
	"github.com/haasonsaas/relay/internal/store"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the runtime: HTTP endpoint, adapters, and the job scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := slog.Default()

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	fileCache, err := cache.New(cfg.Cache.Dir)
	if err != nil {
		return err
	}

	metrics := observability.NewMetrics(nil)

	authSvc := auth.NewService(st, cfg.Auth.GoogleClientID, cfg.Auth.GoogleClientSecret,
		auth.WithLogger(logger))

	registry := adapter.NewRegistry()
	providers.Register(registry, cfg.Providers, providers.RegisterDeps{Jobs: st})

	dataDir := filepath.Dir(cfg.Store.Path)
	var factoryOpts []adapter.FactoryOption
	if cfg.Auth.CredentialsFile != "" {
		blob, readErr := os.ReadFile(cfg.Auth.CredentialsFile)
		if readErr != nil {
			return fmt.Errorf("read credentials file: %w", readErr)
		}
		factoryOpts = append(factoryOpts, adapter.WithInstalledAppCredentials(blob))
	}
	memoryDir := filepath.Join(dataDir, "memory")
	factoryOpts = append(factoryOpts, adapter.WithFactoryMetrics(metrics))
	factory := adapter.NewFactory(registry, authSvc, st,
		filepath.Join(dataDir, "adapters"),
		memoryDir,
		factoryOpts...)
	defer factory.CloseAll()

	var catalogOpts []catalog.Option
	if cfg.Catalog.UseRemoteEmbeddings {
		embedder, embErr := llm.NewEmbedder(cfg.LLM.OpenAI.APIKey, cfg.LLM.OpenAI.BaseURL, cfg.LLM.OpenAI.EmbeddingModel)
		if embErr != nil {
			return embErr
		}
		catalogOpts = append(catalogOpts, catalog.WithEmbedding(embedder.Embed))
	}
	cat := catalog.New(factory, catalogOpts...)

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	orch := orchestrator.New(orchestrator.Options{
		Factory:   factory,
		Registry:  registry,
		Catalog:   cat,
		Resolver:  resolver.New(fileCache, authSvc),
		Cache:     fileCache,
		Store:     st,
		Provider:  provider,
		Metrics:   metrics,
		Chat:      cfg.Chat,
		Discovery: cfg.Catalog,
	})

	runner := scheduler.NewRunner(st, orch,
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(metrics),
		scheduler.WithTickInterval(cfg.Scheduler.TickInterval),
		scheduler.WithClaimLease(cfg.Scheduler.ClaimLease),
		scheduler.WithBackoff(cfg.Scheduler.MaxBackoff, cfg.Scheduler.MaxFailures),
	)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.New(orch, st, registry, providers.NewRoleJanitor(factory, memoryDir), logger),
	}

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner.Start(runCtx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-runCtx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := runner.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown", "error", err)
	}
	return nil
}

func buildProvider(cfg *config.Config) (llm.Provider, error) {
	switch strings.ToLower(cfg.LLM.Provider) {
	case "openai":
		return llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:       cfg.LLM.OpenAI.APIKey,
			BaseURL:      cfg.LLM.OpenAI.BaseURL,
			DefaultModel: cfg.LLM.OpenAI.DefaultModel,
		})
	default:
		return llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:       cfg.LLM.Anthropic.APIKey,
			BaseURL:      cfg.LLM.Anthropic.BaseURL,
			DefaultModel: cfg.LLM.Anthropic.DefaultModel,
			MaxRetries:   cfg.LLM.Anthropic.MaxRetries,
		})
	}
}
