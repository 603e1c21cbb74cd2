package chunker_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/fyrsmithlabs/retrievald/internal/chunker"
	"github.com/fyrsmithlabs/retrievald/internal/tokenizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// genText produces deterministic prose with n word tokens, a sentence break
// every 17 words and a paragraph break every 6 sentences.
func genText(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			if i%17 == 0 {
				if (i/17)%6 == 0 {
					b.WriteString(".\n\n")
				} else {
					b.WriteString(". ")
				}
			} else {
				b.WriteString(" ")
			}
		}
		fmt.Fprintf(&b, "word%d", i)
	}
	b.WriteString(".")
	return b.String()
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := chunker.Config{}
	cfg.ApplyDefaults()

	assert.Equal(t, 450, cfg.ChunkSize)
	assert.Equal(t, 50, cfg.Overlap)
	assert.Equal(t, 50, cfg.MinSize)
	assert.Equal(t, 900, cfg.MaxSize)
	assert.InDelta(t, 0.2, cfg.BoundaryTolerance, 1e-9)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  chunker.Config
		wantErr bool
	}{
		{
			name:   "valid",
			config: chunker.Config{ChunkSize: 450, Overlap: 50, MinSize: 50, MaxSize: 900, BoundaryTolerance: 0.2},
		},
		{
			name:    "overlap not below chunk size",
			config:  chunker.Config{ChunkSize: 100, Overlap: 100, MinSize: 10, MaxSize: 200, BoundaryTolerance: 0.2},
			wantErr: true,
		},
		{
			name:    "min above chunk size",
			config:  chunker.Config{ChunkSize: 100, Overlap: 10, MinSize: 200, MaxSize: 200, BoundaryTolerance: 0.2},
			wantErr: true,
		},
		{
			name:    "max below chunk size",
			config:  chunker.Config{ChunkSize: 100, Overlap: 10, MinSize: 10, MaxSize: 50, BoundaryTolerance: 0.2},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, chunker.ErrInvalidConfig)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestChunk_EmptyContent(t *testing.T) {
	c, err := chunker.New(chunker.Config{})
	require.NoError(t, err)

	for _, content := range []string{"", "   ", "\n\t  \n"} {
		_, err := c.Chunk(content)
		assert.ErrorIs(t, err, chunker.ErrEmptyContent)
	}
}

func TestChunk_ShortDocumentSingleChunk(t *testing.T) {
	c, err := chunker.New(chunker.Config{})
	require.NoError(t, err)

	content := genText(20)
	chunks, err := c.Chunk(content)
	require.NoError(t, err)

	require.Len(t, chunks, 1)
	assert.Equal(t, content, chunks[0].Content)
	assert.Equal(t, 0, chunks[0].StartOffset)
	assert.Equal(t, len(content), chunks[0].EndOffset)
	assert.Equal(t, 20, chunks[0].TokenCount)
}

func TestChunk_OffsetInvariants(t *testing.T) {
	c, err := chunker.New(chunker.Config{ChunkSize: 100, Overlap: 10, MinSize: 20, MaxSize: 200})
	require.NoError(t, err)

	content := genText(1000)
	chunks, err := c.Chunk(content)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	for i, ch := range chunks {
		assert.Greater(t, ch.EndOffset, ch.StartOffset, "chunk %d", i)
		assert.Equal(t, content[ch.StartOffset:ch.EndOffset], ch.Content, "chunk %d", i)
		if i > 0 {
			assert.Greater(t, ch.StartOffset, chunks[i-1].StartOffset, "monotonic starts")
			assert.Greater(t, ch.EndOffset, chunks[i-1].EndOffset, "monotonic ends")
			// Overlap region: next chunk starts before the previous ends.
			assert.Less(t, ch.StartOffset, chunks[i-1].EndOffset, "chunks overlap")
		}
	}
	assert.Equal(t, 0, chunks[0].StartOffset)
	assert.Equal(t, len(content), chunks[len(chunks)-1].EndOffset)
}

func TestChunk_ReconstructsContent(t *testing.T) {
	c, err := chunker.New(chunker.Config{ChunkSize: 80, Overlap: 8, MinSize: 10, MaxSize: 160})
	require.NoError(t, err)

	content := genText(700)
	chunks, err := c.Chunk(content)
	require.NoError(t, err)

	var b strings.Builder
	b.WriteString(chunks[0].Content)
	for i := 1; i < len(chunks); i++ {
		// Drop the part of this chunk already emitted by the previous one.
		skip := chunks[i-1].EndOffset - chunks[i].StartOffset
		require.GreaterOrEqual(t, skip, 0)
		b.WriteString(chunks[i].Content[skip:])
	}
	assert.Equal(t, content, b.String())
}

func TestChunk_OverlapTokenCount(t *testing.T) {
	const overlap = 10
	c, err := chunker.New(chunker.Config{ChunkSize: 100, Overlap: overlap, MinSize: 20, MaxSize: 200})
	require.NoError(t, err)

	content := genText(1000)
	chunks, err := c.Chunk(content)
	require.NoError(t, err)
	require.Greater(t, len(chunks), 2)

	for i := 1; i < len(chunks); i++ {
		shared := content[chunks[i].StartOffset:chunks[i-1].EndOffset]
		assert.Equal(t, overlap, tokenizer.CountTokens(shared), "overlap between chunks %d and %d", i-1, i)
	}
}

func TestChunk_TenThousandTokenDocument(t *testing.T) {
	c, err := chunker.New(chunker.Config{ChunkSize: 450, Overlap: 50})
	require.NoError(t, err)

	chunks, err := c.Chunk(genText(10000))
	require.NoError(t, err)

	// 10000 tokens at 450-token chunks with 50-token stride-back: ~25 chunks.
	assert.GreaterOrEqual(t, len(chunks), 22)
	assert.LessOrEqual(t, len(chunks), 28)

	for i, ch := range chunks[:len(chunks)-1] {
		assert.GreaterOrEqual(t, ch.TokenCount, 50, "chunk %d below min size", i)
	}
}

func TestChunk_SnapsToSentenceBoundary(t *testing.T) {
	c, err := chunker.New(chunker.Config{ChunkSize: 100, Overlap: 10, MinSize: 20, MaxSize: 200, BoundaryTolerance: 0.2})
	require.NoError(t, err)

	chunks, err := c.Chunk(genText(500))
	require.NoError(t, err)
	require.Greater(t, len(chunks), 1)

	// Sentence breaks occur every 17 tokens, well within the 20-token
	// tolerance window, so every non-final chunk should end on one.
	for i, ch := range chunks[:len(chunks)-1] {
		trimmed := strings.TrimRight(ch.Content, " \n")
		assert.True(t, strings.HasSuffix(trimmed, "."), "chunk %d should end at a sentence boundary, got %q", i, trimmed[len(trimmed)-10:])
	}
}
