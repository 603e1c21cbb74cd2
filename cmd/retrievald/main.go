// Retrievald is a retrieval-augmented generation daemon.
//
// It wires configuration, logging, the vector store backend, the embedding
// and rerank clients, and the retrieval engine, then runs periodic cache
// maintenance until terminated.
//
// Usage:
//
//	# Start with defaults (~/.config/retrievald/config.yaml if present)
//	retrievald
//
//	# Explicit config file
//	retrievald --config /etc/retrievald/config.yaml
//
//	# Configure via environment
//	RETRIEVALD_EMBEDDINGS_BASE_URL=http://localhost:8080 retrievald
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/retrievald/internal/cache"
	"github.com/fyrsmithlabs/retrievald/internal/chunker"
	"github.com/fyrsmithlabs/retrievald/internal/config"
	"github.com/fyrsmithlabs/retrievald/internal/embeddings"
	"github.com/fyrsmithlabs/retrievald/internal/engine"
	"github.com/fyrsmithlabs/retrievald/internal/logging"
	"github.com/fyrsmithlabs/retrievald/internal/reranker"
	"github.com/fyrsmithlabs/retrievald/internal/tokens"
	"github.com/fyrsmithlabs/retrievald/internal/vectorstore"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("retrievald %s (%s)\n", version, gitCommit)
		os.Exit(0)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, shutting down", sig)
		cancel()
	}()

	if err := run(ctx, *configPath); err != nil {
		log.Fatalf("retrievald: %v", err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Fields: map[string]string{"service": "retrievald"},
	})
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	logger.Info("starting retrievald",
		zap.String("version", version),
		zap.String("vectorstore", cfg.VectorStore.Provider),
		zap.String("rerank", cfg.Rerank.Provider),
	)

	store, err := vectorstore.NewStore(vectorstore.Config{
		Provider: cfg.VectorStore.Provider,
		Bolt: vectorstore.BoltConfig{
			Path:       cfg.VectorStore.Bolt.Path,
			Dimension:  cfg.Embeddings.Dimension,
			Partitions: cfg.VectorStore.Bolt.Partitions,
		},
		Chromem: vectorstore.ChromemConfig{
			Path:       cfg.VectorStore.Chromem.Path,
			Collection: cfg.VectorStore.Chromem.Collection,
			Dimension:  cfg.Embeddings.Dimension,
			Compress:   cfg.VectorStore.Chromem.Compress,
		},
		Qdrant: vectorstore.QdrantConfig{
			Host:       cfg.VectorStore.Qdrant.Host,
			Port:       cfg.VectorStore.Qdrant.Port,
			APIKey:     cfg.VectorStore.Qdrant.APIKey.Value(),
			UseTLS:     cfg.VectorStore.Qdrant.UseTLS,
			Collection: cfg.VectorStore.Qdrant.Collection,
			Dimension:  cfg.Embeddings.Dimension,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("building vector store: %w", err)
	}

	embedder, err := embeddings.NewService(embeddings.Config{
		BaseURL:           cfg.Embeddings.BaseURL,
		Model:             cfg.Embeddings.Model,
		APIKey:            cfg.Embeddings.APIKey.Value(),
		Dimension:         cfg.Embeddings.Dimension,
		MaxBatchSize:      cfg.Embeddings.MaxBatchSize,
		Timeout:           cfg.Embeddings.Timeout.Duration(),
		RequestsPerSecond: cfg.Embeddings.RequestsPerSecond,
	}, logger)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("building embedding client: %w", err)
	}

	rerank, err := buildReranker(cfg, logger)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("building rerank client: %w", err)
	}

	eng, err := engine.New(engine.Config{
		Chunker: chunker.Config{
			ChunkSize: cfg.Chunking.ChunkSize,
			Overlap:   cfg.Chunking.Overlap,
			MinSize:   cfg.Chunking.MinSize,
			MaxSize:   cfg.Chunking.MaxSize,
		},
		Cache: cache.Config{
			TTL:        cfg.Cache.TTL.Duration(),
			MaxEntries: cfg.Cache.MaxEntries,
		},
		Tokens: tokens.Config{
			Limit:                 cfg.Tokens.Limit,
			WarnThresholdFraction: cfg.Tokens.WarnThreshold,
		},
		ScoreThreshold: cfg.Rerank.ScoreThreshold,
		Modes: map[engine.Mode]engine.ModeOverride{
			engine.ModeGeneral: {
				TopK:            cfg.Modes.General.TopK,
				CandidatePool:   cfg.Modes.General.CandidatePool,
				ReserveEstimate: cfg.Modes.General.ReserveEstimate,
			},
			engine.ModeResearch: {
				TopK:            cfg.Modes.Research.TopK,
				CandidatePool:   cfg.Modes.Research.CandidatePool,
				ReserveEstimate: cfg.Modes.Research.ReserveEstimate,
			},
		},
	}, store, embedder, rerank, logger)
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("building engine: %w", err)
	}

	initCtx, initCancel := context.WithTimeout(ctx, 30*time.Second)
	err = eng.Initialize(initCtx)
	initCancel()
	if err != nil {
		_ = eng.Close()
		return fmt.Errorf("initializing engine: %w", err)
	}

	logger.Info("retrievald ready",
		zap.Duration("maintenance_interval", cfg.Maintenance.Interval.Duration()),
	)

	ticker := time.NewTicker(cfg.Maintenance.Interval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			if err := eng.Close(); err != nil {
				logger.Error("shutdown error", zap.Error(err))
				return err
			}
			logger.Info("shutdown complete")
			return nil

		case <-ticker.C:
			if _, err := eng.Maintenance(ctx); err != nil {
				logger.Warn("maintenance sweep failed", zap.Error(err))
			}
			stats, err := eng.Stats(ctx)
			if err != nil {
				logger.Warn("stats unavailable", zap.Error(err))
				continue
			}
			if stats.NearTokenCap {
				logger.Warn("token budget approaching limit",
					zap.Int64("used", stats.TokensUsed),
					zap.Int64("limit", stats.TokenLimit),
				)
			}
		}
	}
}

// buildReranker constructs the configured rerank client; nil means
// reranking is disabled.
func buildReranker(cfg *config.Config, logger *zap.Logger) (reranker.Client, error) {
	switch cfg.Rerank.Provider {
	case "none":
		return nil, nil
	case "local":
		return reranker.NewLocal(cfg.Rerank.SubChunkSize), nil
	default:
		return reranker.NewService(reranker.Config{
			BaseURL:           cfg.Rerank.BaseURL,
			Model:             cfg.Rerank.Model,
			APIKey:            cfg.Rerank.APIKey.Value(),
			SubChunkSize:      cfg.Rerank.SubChunkSize,
			Timeout:           cfg.Rerank.Timeout.Duration(),
			RequestsPerSecond: cfg.Rerank.RequestsPerSecond,
		}, logger)
	}
}
