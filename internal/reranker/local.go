package reranker

import (
	"context"
	"strings"

	"github.com/fyrsmithlabs/retrievald/internal/tokenizer"
)

// Local scores candidates by term overlap with the query, without any
// network call. It stands in for the external reranking service in
// deployments that have none; scores are coarser but live in the same
// [0, 1] range.
type Local struct {
	subChunkSize int
}

// NewLocal creates a local term-overlap reranker.
func NewLocal(subChunkSize int) *Local {
	if subChunkSize < 150 || subChunkSize > 250 {
		subChunkSize = 200
	}
	return &Local{subChunkSize: subChunkSize}
}

// Rerank scores each candidate as the best term-overlap ratio among its
// sub-chunks.
func (l *Local) Rerank(ctx context.Context, query string, candidates []Candidate) ([]float64, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	queryTerms := significantTerms(query)
	scores := make([]float64, len(candidates))
	if len(queryTerms) == 0 {
		return scores, nil
	}

	for i, cand := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		best := 0.0
		for _, piece := range subChunk(cand.Content, l.subChunkSize) {
			if s := termOverlap(queryTerms, significantTerms(piece)); s > best {
				best = s
			}
		}
		scores[i] = clampScore(best)
	}
	return scores, nil
}

// Ping always succeeds: there is no remote service.
func (l *Local) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (l *Local) Close() error {
	return nil
}

// significantTerms lowercases and drops stopwords and very short tokens.
func significantTerms(text string) []string {
	words := tokenizer.Words(text)
	terms := make([]string, 0, len(words))
	for _, w := range words {
		w = strings.ToLower(w)
		if len(w) <= 2 || stopwords[w] {
			continue
		}
		terms = append(terms, w)
	}
	return terms
}

// termOverlap returns the fraction of unique query terms present in the
// document terms.
func termOverlap(queryTerms, docTerms []string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}

	docSet := make(map[string]bool, len(docTerms))
	for _, t := range docTerms {
		docSet[t] = true
	}

	matched := make(map[string]bool)
	for _, t := range queryTerms {
		if docSet[t] {
			matched[t] = true
		}
	}

	unique := make(map[string]bool)
	for _, t := range queryTerms {
		unique[t] = true
	}
	return float64(len(matched)) / float64(len(unique))
}

var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "her": true,
	"was": true, "one": true, "our": true, "out": true, "his": true,
	"has": true, "had": true, "how": true, "man": true, "new": true,
	"now": true, "old": true, "see": true, "two": true, "way": true,
	"who": true, "did": true, "its": true, "let": true, "she": true,
	"too": true, "use": true, "that": true, "with": true, "have": true,
	"this": true, "will": true, "your": true, "from": true, "they": true,
	"been": true, "were": true, "when": true, "where": true, "which": true,
	"what": true, "would": true, "could": true, "should": true, "there": true,
	"their": true, "about": true, "these": true, "those": true, "into": true,
}

var _ Client = (*Local)(nil)
