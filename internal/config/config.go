// Package config provides configuration loading for retrievald.
package config

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidConfig indicates invalid configuration.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the root configuration.
type Config struct {
	Logging     LoggingConfig     `koanf:"logging"`
	Chunking    ChunkingConfig    `koanf:"chunking"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	Rerank      RerankConfig      `koanf:"rerank"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Cache       CacheConfig       `koanf:"cache"`
	Tokens      TokensConfig      `koanf:"tokens"`
	Modes       ModesConfig       `koanf:"modes"`
	Maintenance MaintenanceConfig `koanf:"maintenance"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is json or console.
	Format string `koanf:"format"`
}

// ChunkingConfig configures document chunking.
type ChunkingConfig struct {
	// ChunkSize is the target chunk size in tokens.
	ChunkSize int `koanf:"chunk_size"`

	// Overlap is the number of tokens shared between adjacent chunks.
	Overlap int `koanf:"overlap"`

	// MinSize is the minimum chunk size in tokens.
	MinSize int `koanf:"min_size"`

	// MaxSize is the maximum chunk size in tokens.
	MaxSize int `koanf:"max_size"`
}

// EmbeddingsConfig configures the embedding service client.
type EmbeddingsConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  Secret `koanf:"api_key"`

	// Dimension is the embedding vector dimension.
	Dimension int `koanf:"dimension"`

	// MaxBatchSize caps texts per embedding request.
	MaxBatchSize int `koanf:"max_batch_size"`

	// Timeout is the per-request deadline.
	Timeout Duration `koanf:"timeout"`

	// RequestsPerSecond throttles outbound calls. Zero disables throttling.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// RerankConfig configures result reranking.
type RerankConfig struct {
	// Provider is one of "local", "service", or "none".
	// Default: "local"
	Provider string `koanf:"provider"`

	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  Secret `koanf:"api_key"`

	// SubChunkSize is the token size candidates are split into before
	// scoring. Must stay within [150, 250].
	SubChunkSize int `koanf:"sub_chunk_size"`

	// ScoreThreshold drops results scoring below it after reranking.
	// Default: 0.7
	ScoreThreshold float64 `koanf:"score_threshold"`

	// Timeout is the per-request deadline.
	Timeout Duration `koanf:"timeout"`

	// RequestsPerSecond throttles outbound calls. Zero disables throttling.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// VectorStoreConfig selects and configures the vector store backend.
type VectorStoreConfig struct {
	// Provider is one of "bolt", "chromem", or "qdrant".
	Provider string `koanf:"provider"`

	Bolt    BoltConfig    `koanf:"bolt"`
	Chromem ChromemConfig `koanf:"chromem"`
	Qdrant  QdrantConfig  `koanf:"qdrant"`
}

// BoltConfig configures the embedded bbolt backend.
type BoltConfig struct {
	Path       string `koanf:"path"`
	Partitions int    `koanf:"partitions"`
}

// ChromemConfig configures the embedded chromem backend.
type ChromemConfig struct {
	Path       string `koanf:"path"`
	Collection string `koanf:"collection"`
	Compress   bool   `koanf:"compress"`
}

// QdrantConfig configures the external Qdrant backend.
type QdrantConfig struct {
	Host       string `koanf:"host"`
	Port       int    `koanf:"port"`
	APIKey     Secret `koanf:"api_key"`
	UseTLS     bool   `koanf:"use_tls"`
	Collection string `koanf:"collection"`
}

// CacheConfig configures the retrieval caches.
type CacheConfig struct {
	// TTL is the entry time-to-live.
	TTL Duration `koanf:"ttl"`

	// MaxEntries caps entries per cache before LRU eviction.
	MaxEntries int `koanf:"max_entries"`
}

// TokensConfig configures the token budget ledger.
type TokensConfig struct {
	// Limit is the total token budget.
	Limit int64 `koanf:"limit"`

	// WarnThreshold is the usage fraction that triggers warnings.
	WarnThreshold float64 `koanf:"warn_threshold"`
}

// ModesConfig overrides the per-mode retrieval limits. Zero fields keep the
// built-in values.
type ModesConfig struct {
	General  ModeParams `koanf:"general"`
	Research ModeParams `koanf:"research"`
}

// ModeParams are one mode's retrieval limits.
type ModeParams struct {
	// TopK caps the number of returned results.
	TopK int `koanf:"top_k"`

	// CandidatePool is how many vector matches feed the reranker.
	CandidatePool int `koanf:"candidate_pool"`

	// ReserveEstimate is the token reservation charged per retrieval.
	ReserveEstimate int64 `koanf:"reserve_estimate"`
}

// MaintenanceConfig configures periodic maintenance.
type MaintenanceConfig struct {
	// Interval between maintenance sweeps.
	Interval Duration `koanf:"interval"`
}

// applyDefaults fills unset fields with defaults. Component packages apply
// their own defaults on construction; only values the daemon consumes
// directly are defaulted here.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Rerank.Provider == "" {
		cfg.Rerank.Provider = "local"
	}
	if cfg.Rerank.ScoreThreshold == 0 {
		cfg.Rerank.ScoreThreshold = 0.7
	}
	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "bolt"
	}
	if cfg.Maintenance.Interval == 0 {
		cfg.Maintenance.Interval = Duration(5 * time.Minute)
	}
}

// Validate validates cross-cutting configuration choices. Component-level
// values are validated by the components themselves.
func (c *Config) Validate() error {
	switch c.Rerank.Provider {
	case "local", "service", "none":
	default:
		return fmt.Errorf("%w: rerank provider must be local, service, or none, got %q",
			ErrInvalidConfig, c.Rerank.Provider)
	}
	if c.Rerank.Provider == "service" && c.Rerank.BaseURL == "" {
		return fmt.Errorf("%w: rerank base_url required for service provider", ErrInvalidConfig)
	}
	if c.Rerank.ScoreThreshold < 0 || c.Rerank.ScoreThreshold > 1 {
		return fmt.Errorf("%w: rerank score_threshold must be in [0, 1]", ErrInvalidConfig)
	}

	switch c.VectorStore.Provider {
	case "bolt", "chromem", "qdrant":
	default:
		return fmt.Errorf("%w: vectorstore provider must be bolt, chromem, or qdrant, got %q",
			ErrInvalidConfig, c.VectorStore.Provider)
	}

	if c.Embeddings.BaseURL == "" {
		return fmt.Errorf("%w: embeddings base_url is required", ErrInvalidConfig)
	}
	for name, m := range map[string]ModeParams{"general": c.Modes.General, "research": c.Modes.Research} {
		if m.TopK < 0 || m.CandidatePool < 0 || m.ReserveEstimate < 0 {
			return fmt.Errorf("%w: modes.%s limits must be non-negative", ErrInvalidConfig, name)
		}
	}
	if c.Maintenance.Interval.Duration() <= 0 {
		return fmt.Errorf("%w: maintenance interval must be positive", ErrInvalidConfig)
	}
	return nil
}
