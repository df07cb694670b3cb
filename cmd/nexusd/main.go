// Command nexusd serves the personal reading-library API: Readwise
// import, fulltext fetch, chunking, embeddings, search and digests.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/karstenhoffmann/nexus-os/internal/api"
	"github.com/karstenhoffmann/nexus-os/internal/config"
	"github.com/karstenhoffmann/nexus-os/internal/server"
	"github.com/karstenhoffmann/nexus-os/pkg/chunker"
	"github.com/karstenhoffmann/nexus-os/pkg/digest"
	"github.com/karstenhoffmann/nexus-os/pkg/embeddings"
	"github.com/karstenhoffmann/nexus-os/pkg/fetcher"
	"github.com/karstenhoffmann/nexus-os/pkg/fetcher/ratelimit"
	"github.com/karstenhoffmann/nexus-os/pkg/jobs"
	"github.com/karstenhoffmann/nexus-os/pkg/llm"
	"github.com/karstenhoffmann/nexus-os/pkg/prompts"
	"github.com/karstenhoffmann/nexus-os/pkg/readwise"
	"github.com/karstenhoffmann/nexus-os/pkg/store"
)

func main() {
	listenFlag := flag.String("listen", "", "listen address, overrides LISTEN_ADDR")
	logLevel := flag.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	flag.Parse()

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "nexusd",
		Level: hclog.LevelFromString(*logLevel),
	})

	if err := run(logger, *listenFlag); err != nil {
		logger.Error("nexusd failed", "error", err)
		os.Exit(1)
	}
	logger.Info("nexusd stopped")
}

func run(logger hclog.Logger, listenOverride string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if listenOverride != "" {
		cfg.ListenAddr = listenOverride
	}
	if cfg.ReadwiseToken == "" {
		return fmt.Errorf("READWISE_TOKEN is required")
	}

	s, err := store.Open(store.Config{Path: cfg.DBPath, Logger: logger})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()
	logger.Info("store open", "path", cfg.DBPath)

	embedder, err := buildEmbedder(cfg, logger)
	if err != nil {
		return fmt.Errorf("embedding provider: %w", err)
	}
	logger.Info("embedding provider ready",
		"provider", embedder.Name(), "model", embedder.ModelID(), "dims", embedder.Dimensions())

	var chat llm.Provider
	if cfg.OpenAIAPIKey != "" {
		chat, err = llm.NewOpenAI(llm.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.DigestModel,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("chat provider: %w", err)
		}
		logger.Info("chat provider ready", "model", chat.ModelID())
	} else {
		logger.Warn("no OPENAI_API_KEY, digest generation disabled")
	}

	client, err := readwise.NewClient(readwise.Config{
		Token:  cfg.ReadwiseToken,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("readwise client: %w", err)
	}

	fetch := fetcher.New(fetcher.Config{Logger: logger})
	limiter := ratelimit.New(ratelimit.Config{})
	split := chunker.New(chunker.Config{})

	registry := jobs.NewRegistry()
	promptReg := prompts.NewRegistry(s)

	importMgr := jobs.NewImportManager(jobs.ImportConfig{
		Store:    s,
		Client:   client,
		Registry: registry,
		Logger:   logger,
		Fetcher:  fetch,
	})
	fetchMgr := jobs.NewFetchManager(jobs.FetchConfig{
		Store:    s,
		Fetcher:  fetch,
		Limiter:  limiter,
		Registry: registry,
		Logger:   logger,
	})
	embedMgr := jobs.NewEmbedManager(jobs.EmbedConfig{
		Store:              s,
		Provider:           embedder,
		Registry:           registry,
		Logger:             logger,
		BatchSize:          cfg.EmbedBatchSize,
		MaxConcurrent:      cfg.EmbedMaxConcurrent,
		MaxCallsPerDay:     cfg.MaxEmbedCallsPerDay,
		RequireCostConfirm: cfg.RequireConfirmForCostlyRuns,
	})
	pipelineMgr := jobs.NewPipelineManager(jobs.PipelineConfig{
		Store:              s,
		Importer:           importMgr,
		Embedder:           embedMgr,
		Chunker:            split,
		Registry:           registry,
		Logger:             logger,
		RequireCostConfirm: cfg.RequireConfirmForCostlyRuns,
	})

	var digestGen *digest.Generator
	if chat != nil {
		digestGen = digest.NewGenerator(digest.Config{
			Store:          s,
			LLM:            chat,
			Prompts:        promptReg,
			Registry:       registry,
			Logger:         logger,
			EmbedProvider:  embedder.Name(),
			EmbedModel:     embedder.ModelID(),
			MaxCallsPerDay: cfg.MaxLLMCallsPerDay,
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Jobs interrupted by the last shutdown come back paused, ready to
	// resume over the API.
	if err := jobs.RestoreOpenJobs(ctx, s, registry); err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}

	srv := &server.Server{
		Config:   cfg,
		Store:    s,
		Embedder: embedder,
		Chat:     chat,
		Prompts:  promptReg,
		Jobs:     registry,
		Fetch:    fetchMgr,
		Embed:    embedMgr,
		Import:   importMgr,
		Pipeline: pipelineMgr,
		Digest:   digestGen,
		Logger:   logger,
	}

	httpServer := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     api.New(srv),
		ReadTimeout: 30 * time.Second,
		// No write timeout: SSE streams are long-lived and manage their
		// own deadlines.
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
	return nil
}

// buildEmbedder constructs the configured embedding backend.
func buildEmbedder(cfg *config.Config, logger hclog.Logger) (embeddings.Provider, error) {
	switch cfg.EmbeddingProvider {
	case "openai":
		return embeddings.NewOpenAI(embeddings.OpenAIConfig{
			APIKey: cfg.OpenAIAPIKey,
			Model:  cfg.EmbeddingModel,
			Logger: logger,
		})
	case "ollama":
		return embeddings.NewOllama(embeddings.OllamaConfig{
			BaseURL: cfg.OllamaBaseURL,
			Model:   cfg.EmbeddingModel,
			Logger:  logger,
		})
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.EmbeddingProvider)
	}
}
