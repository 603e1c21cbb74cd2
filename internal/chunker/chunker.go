// Package chunker splits document text into overlapping, boundary-aware chunks.
package chunker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/retrievald/internal/tokenizer"
)

var (
	// ErrEmptyContent is returned for empty or whitespace-only input.
	ErrEmptyContent = errors.New("content is empty or whitespace-only")

	// ErrInvalidConfig indicates invalid chunker configuration.
	ErrInvalidConfig = errors.New("invalid chunker configuration")
)

// Chunk is a contiguous span of the original content.
//
// StartOffset and EndOffset are byte offsets into the source text, with
// EndOffset > StartOffset. Offsets are monotonic across the returned slice.
// Consecutive chunks of the same document share exactly the configured
// overlap token count, except possibly the final chunk.
type Chunk struct {
	Content     string
	StartOffset int
	EndOffset   int
	TokenCount  int
}

// Config holds chunking parameters, all counted in tokens.
type Config struct {
	// ChunkSize is the target tokens per chunk.
	// Default: 450
	ChunkSize int

	// Overlap is the number of tokens shared between consecutive chunks.
	// Default: 50
	Overlap int

	// MinSize is the smallest chunk emitted, except for the final chunk
	// of a document and for documents shorter than MinSize.
	// Default: 50
	MinSize int

	// MaxSize is the hard upper bound on chunk tokens.
	// Default: 2 * ChunkSize
	MaxSize int

	// BoundaryTolerance is the fraction of ChunkSize within which a
	// sentence or paragraph boundary is snapped to. Outside the window
	// the chunker falls back to a hard token split.
	// Default: 0.2
	BoundaryTolerance float64
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.ChunkSize == 0 {
		c.ChunkSize = 450
	}
	if c.Overlap == 0 {
		c.Overlap = 50
	}
	if c.MinSize == 0 {
		c.MinSize = 50
	}
	if c.MaxSize == 0 {
		c.MaxSize = 2 * c.ChunkSize
	}
	if c.BoundaryTolerance == 0 {
		c.BoundaryTolerance = 0.2
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive", ErrInvalidConfig)
	}
	if c.Overlap < 0 || c.Overlap >= c.ChunkSize {
		return fmt.Errorf("%w: overlap %d must be in [0, chunk size)", ErrInvalidConfig, c.Overlap)
	}
	if c.MinSize > c.ChunkSize {
		return fmt.Errorf("%w: min size %d exceeds chunk size %d", ErrInvalidConfig, c.MinSize, c.ChunkSize)
	}
	if c.MaxSize < c.ChunkSize {
		return fmt.Errorf("%w: max size %d below chunk size %d", ErrInvalidConfig, c.MaxSize, c.ChunkSize)
	}
	if c.BoundaryTolerance < 0 || c.BoundaryTolerance >= 1 {
		return fmt.Errorf("%w: boundary tolerance must be in [0, 1)", ErrInvalidConfig)
	}
	return nil
}

// Chunker splits text into overlapping chunks, preferring to end each chunk
// at a sentence or paragraph boundary near the target size.
type Chunker struct {
	config Config
}

// New creates a Chunker with the given configuration.
func New(config Config) (*Chunker, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Chunker{config: config}, nil
}

// Chunk splits content into ordered chunks.
//
// A document shorter than MinSize tokens yields exactly one chunk. Every
// non-first chunk begins Overlap tokens before the previous chunk's end.
func (c *Chunker) Chunk(content string) ([]Chunk, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	spans := tokenizer.Fields(content)
	if len(spans) == 0 {
		return nil, ErrEmptyContent
	}

	// Short document: single chunk covering everything.
	if len(spans) <= c.config.MinSize || len(spans) <= c.config.ChunkSize {
		return []Chunk{{
			Content:     content,
			StartOffset: 0,
			EndOffset:   len(content),
			TokenCount:  len(spans),
		}}, nil
	}

	tolerance := int(float64(c.config.ChunkSize) * c.config.BoundaryTolerance)

	var chunks []Chunk
	start := 0 // token index of the current chunk start
	for start < len(spans) {
		end := c.chunkEnd(content, spans, start, tolerance)

		startOff := spans[start].Start
		if start == 0 {
			startOff = 0
		}
		endOff := len(content)
		if end < len(spans) {
			endOff = spans[end].Start
		}

		chunks = append(chunks, Chunk{
			Content:     content[startOff:endOff],
			StartOffset: startOff,
			EndOffset:   endOff,
			TokenCount:  end - start,
		})

		if end >= len(spans) {
			break
		}
		start = end - c.config.Overlap
	}

	return chunks, nil
}

// chunkEnd returns the exclusive token index where the chunk starting at
// start should end. It prefers a sentence/paragraph boundary within the
// tolerance window around the target, falling back to a hard split.
func (c *Chunker) chunkEnd(content string, spans []tokenizer.Span, start, tolerance int) int {
	target := start + c.config.ChunkSize
	if target >= len(spans) {
		return len(spans)
	}

	// The window never dips into the overlap region of the next chunk and
	// never exceeds MaxSize.
	lo := target - tolerance
	if lo <= start+c.config.Overlap {
		lo = start + c.config.Overlap + 1
	}
	hi := target + tolerance
	if hi > start+c.config.MaxSize {
		hi = start + c.config.MaxSize
	}
	if hi >= len(spans) {
		hi = len(spans) - 1
	}

	// Scan outward from the target, nearest boundary first.
	for delta := 0; delta <= tolerance; delta++ {
		for _, end := range []int{target + delta, target - delta} {
			if end < lo || end > hi {
				continue
			}
			if isBoundary(content, spans, end) {
				return end
			}
		}
	}

	// No boundary within tolerance: hard token split.
	return target
}

// isBoundary reports whether the gap before token index end looks like a
// sentence or paragraph break.
func isBoundary(content string, spans []tokenizer.Span, end int) bool {
	if end <= 0 || end >= len(spans) {
		return false
	}
	gap := content[spans[end-1].End:spans[end].Start]
	return strings.ContainsAny(gap, ".!?") || strings.Contains(gap, "\n\n")
}
