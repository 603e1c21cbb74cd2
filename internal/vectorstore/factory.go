package vectorstore

import (
	"fmt"

	"go.uber.org/zap"
)

// Supported provider names.
const (
	ProviderBolt    = "bolt"
	ProviderChromem = "chromem"
	ProviderQdrant  = "qdrant"
)

// Config selects and configures a backend.
type Config struct {
	// Provider is one of "bolt", "chromem", or "qdrant".
	// Default: "bolt"
	Provider string

	Bolt    BoltConfig
	Chromem ChromemConfig
	Qdrant  QdrantConfig
}

// NewStore creates a Store for the configured provider:
//
//   - "bolt" (default): embedded bbolt file with an in-memory search index
//   - "chromem": embedded chromem-go persistent database
//   - "qdrant": external Qdrant server over gRPC
func NewStore(cfg Config, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case ProviderBolt, "":
		return NewBoltStore(cfg.Bolt, logger)
	case ProviderChromem:
		return NewChromemStore(cfg.Chromem, logger)
	case ProviderQdrant:
		return NewQdrantStore(cfg.Qdrant, logger)
	default:
		return nil, fmt.Errorf("%w: unsupported provider %q (supported: bolt, chromem, qdrant)",
			ErrInvalidConfig, cfg.Provider)
	}
}
