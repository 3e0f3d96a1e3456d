// mnemon-mcp is a local-first knowledge-graph service speaking the Model
// Context Protocol over stdio or HTTP/SSE.
//
// It ingests textual episodes, extracts entities and relationships, embeds
// them with an in-process model, persists everything in a WAL-mode SQLite
// file, and answers hybrid text+vector queries over the resulting graph.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mnemon/mnemon/internal/config"
	"github.com/mnemon/mnemon/internal/contextwindow"
	"github.com/mnemon/mnemon/internal/embedding"
	"github.com/mnemon/mnemon/internal/extract"
	"github.com/mnemon/mnemon/internal/graph"
	"github.com/mnemon/mnemon/internal/graphquery"
	"github.com/mnemon/mnemon/internal/logging"
	"github.com/mnemon/mnemon/internal/mcp"
	"github.com/mnemon/mnemon/internal/search"
	"github.com/mnemon/mnemon/internal/stability"
)

const version = "0.3.0"

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	validateOnly := flag.Bool("validate-config", false, "Validate configuration and exit")
	dryRun := flag.Bool("dry-run", false, "Initialize all components but open no listeners")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *validateOnly {
		fmt.Fprintln(os.Stderr, "config ok")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *dryRun); err != nil {
		logging.Error("main", "fatal: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, dryRun bool) error {
	store, err := graph.Open(cfg.DataDir, graph.Options{
		Filename:           cfg.Database.Filename,
		PoolSize:           cfg.Database.ConnectionPoolSize,
		EnableWAL:          cfg.Database.EnableWAL,
		CacheSizeKB:        cfg.Database.CacheSizeKB,
		Dimensions:         cfg.Embeddings.Dimensions,
		SlowQueryThreshold: time.Duration(cfg.Database.SlowQueryThresholdMS) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	embedder, err := embedding.NewEngine(
		embedding.NewNGramModel(cfg.Embeddings.Dimensions),
		embedding.Options{
			BatchSize:    cfg.Embeddings.BatchSize,
			BatchLatency: time.Duration(cfg.Embeddings.BatchLatencyMS) * time.Millisecond,
			CacheSize:    cfg.Embeddings.CacheSize,
		},
	)
	if err != nil {
		return err
	}
	defer embedder.Close()

	if cfg.Embeddings.WarmupEnabled {
		embedder.Warmup(ctx)
	}

	breakers := stability.NewRegistry(stability.BreakerConfig{
		FailureThreshold: cfg.Stability.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  time.Duration(cfg.Stability.CircuitBreaker.RecoveryTimeoutSeconds) * time.Second,
		SuccessThreshold: cfg.Stability.CircuitBreaker.SuccessThreshold,
	})

	text := search.NewTextSearcher(store, true)
	hybrid := search.NewHybrid(store, text, embedder, search.Options{
		MaxResults:          cfg.Search.MaxResults,
		SimilarityThreshold: cfg.Search.SimilarityThreshold,
		TextWeight:          cfg.Search.TextSearchWeight,
		VectorWeight:        cfg.Search.VectorSearchWeight,
		Algorithm:           cfg.Search.FusionAlgorithm,
		Metric:              graph.Metric(cfg.Search.DistanceMetric),
		EnableRerank:        cfg.Search.EnableReranking,
		Breakers:            breakers,
	})

	deps := &mcp.Dependencies{
		Store:     store,
		Embedder:  embedder,
		Hybrid:    hybrid,
		Graph:     graphquery.New(store, graphquery.DefaultNMax),
		Extractor: extract.NewPipeline(embedder.ModelVersion()),
		Breakers:  breakers,
		Dedup:     stability.NewDedup(),
		Retry: stability.RetryConfig{
			MaxRetries:  cfg.Stability.Retry.MaxRetries,
			BaseDelay:   time.Duration(cfg.Stability.Retry.BaseDelayMS) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Stability.Retry.MaxDelayMS) * time.Millisecond,
			Exponential: cfg.Stability.Retry.ExponentialBackoff,
		},
		Selector: contextwindow.NewSelector(contextwindow.Options{
			MaxTokens:          cfg.Context.Window.MaxTokens,
			OverlapTokens:      cfg.Context.Window.OverlapTokens,
			PriorityBoost:      cfg.Context.Window.PriorityBoost,
			RecencyWeight:      cfg.Context.Window.RecencyWeight,
			RelevanceThreshold: cfg.Context.Window.RelevanceThreshold,
			PreserveCodeBlocks: cfg.Context.Window.PreserveCodeBlocks,
		}),
		MaxContentLength: cfg.Security.MaxContentLength,
		MaxQueryLength:   cfg.Security.MaxQueryLength,
		MaxArraySize:     cfg.Security.MaxArraySize,
		IndexingTimeout:  time.Duration(cfg.IndexingTimeoutSeconds) * time.Second,
	}

	auth := mcp.NewAuthenticator(cfg.Security.EnableAuthentication, cfg.Security.AdminOperationsRequireAuth, cfg.Security.APIKey)
	limiter := mcp.NewRateLimiter(cfg.Security.RateLimitRequestsPerMinute, cfg.Security.RateLimitBurst)
	server := mcp.NewServer("mnemon", version, auth, limiter, mcp.NewMetrics(),
		time.Duration(cfg.ToolTimeoutSeconds)*time.Second)
	mcp.RegisterAll(server, deps)

	if cfg.Database.BackupEnabled {
		go store.BackupLoop(ctx, time.Duration(cfg.Database.BackupIntervalHours)*time.Hour)
	}

	if dryRun {
		logging.Info("main", "dry run: components initialized, exiting")
		return nil
	}

	switch cfg.Transport {
	case "sse":
		return mcp.NewHTTPServer(server, store, cfg.Port).Run(ctx)
	default:
		return server.RunStdio(ctx)
	}
}
