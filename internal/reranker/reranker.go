// Package reranker provides the client contract to an external reranking
// service, plus a local term-overlap fallback for deployments without one.
package reranker

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/retrievald/internal/tokenizer"
)

var (
	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid reranker configuration")

	// ErrService indicates a non-retryable rerank service failure.
	ErrService = errors.New("rerank service error")
)

// Candidate is one retrieval candidate to score against a query.
type Candidate struct {
	ID      string
	Content string
}

// Client scores candidates against a query.
//
// Rerank returns one score per candidate, aligned with the input order,
// each in [0, 1]. Candidates longer than the configured sub-chunk size are
// split and scored per sub-chunk; the candidate score is the best sub-chunk
// score.
type Client interface {
	Rerank(ctx context.Context, query string, candidates []Candidate) ([]float64, error)

	// Ping checks service reachability. Local implementations return nil.
	Ping(ctx context.Context) error

	Close() error
}

// subChunk splits content into spans of at most size tokens. Content at or
// under the limit comes back as a single piece.
func subChunk(content string, size int) []string {
	spans := tokenizer.Fields(content)
	if len(spans) <= size {
		return []string{content}
	}

	var pieces []string
	for lo := 0; lo < len(spans); lo += size {
		hi := lo + size
		startOff := spans[lo].Start
		var endOff int
		if hi >= len(spans) {
			endOff = len(content)
			hi = len(spans)
		} else {
			endOff = spans[hi].Start
		}
		pieces = append(pieces, content[startOff:endOff])
		if hi == len(spans) {
			break
		}
	}
	return pieces
}

// clampScore clamps s to [0, 1].
func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}
