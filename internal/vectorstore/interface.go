// Package vectorstore defines the vector storage capability and its backends.
//
// The engine depends only on the Store interface; backends differ in
// durability and deployment model:
//
//   - BoltStore: embedded bbolt file, in-memory index rebuilt on open (default)
//   - ChromemStore: embedded chromem-go persistent database
//   - QdrantStore: external Qdrant server over gRPC
package vectorstore

import (
	"context"
	"errors"
	"math"
	"sync"
)

// Sentinel errors for vector store operations.
var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid vector store configuration")

	// ErrDimensionMismatch is returned when a vector's length differs from
	// the configured dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrEmptyPoints indicates an empty or nil upsert batch.
	ErrEmptyPoints = errors.New("empty or nil points")

	// ErrConnectionFailed indicates the backend is unreachable.
	ErrConnectionFailed = errors.New("vector store connection failed")
)

// Point is one stored vector, keyed by chunk ID.
type Point struct {
	// ChunkID is the unique key. Upserting an existing ID replaces it.
	ChunkID string

	// DocumentID groups points for DeleteByDocument.
	DocumentID string

	// Vector is the embedding. Length must match the store dimension.
	Vector []float32

	// Metadata is carried opaquely and returned with search results.
	Metadata map[string]string
}

// SearchResult is one ranked similarity match.
type SearchResult struct {
	ChunkID    string
	DocumentID string

	// Score is cosine similarity normalized to [0, 1].
	Score float64

	Metadata map[string]string
}

// Store is the polymorphic vector storage capability.
type Store interface {
	// Upsert inserts or replaces points by chunk ID.
	Upsert(ctx context.Context, points []Point) error

	// DeleteByDocument removes every point belonging to the document.
	// The removal is atomic: a concurrent Search observes either the
	// pre-deletion or the post-deletion state, never a partial one.
	DeleteByDocument(ctx context.Context, documentID string) error

	// Search returns up to topK points ranked by cosine similarity to the
	// query, descending. Ties break by point insertion order.
	Search(ctx context.Context, query []float32, topK int) ([]SearchResult, error)

	// Count returns the number of stored points.
	Count(ctx context.Context) (int, error)

	// Ping checks backend availability.
	Ping(ctx context.Context) error

	// Close releases resources. Pending writes are flushed first.
	Close() error
}

// seqClock issues strictly increasing insertion sequence numbers.
// Wall-clock based so ordering survives process restarts.
type seqClock struct {
	mu   sync.Mutex
	last int64
}

func (c *seqClock) next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := timeNow().UnixNano()
	if seq <= c.last {
		seq = c.last + 1
	}
	c.last = seq
	return seq
}

// CosineSimilarity returns the cosine of the angle between a and b,
// in [-1, 1]. A zero vector yields 0, never NaN.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// NormalizeScore maps cosine similarity from [-1, 1] to [0, 1].
func NormalizeScore(cos float64) float64 {
	s := (1 + cos) / 2
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
