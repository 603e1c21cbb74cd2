package reranker_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/retrievald/internal/remote"
	"github.com/fyrsmithlabs/retrievald/internal/reranker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRerankServer scores each text by a scoreFn over (query, text).
func newRerankServer(t *testing.T, scoreFn func(query, text string) float64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/rerank", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Query string   `json:"query"`
			Texts []string `json:"texts"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		type scored struct {
			Index int     `json:"index"`
			Score float64 `json:"score"`
		}
		out := make([]scored, len(req.Texts))
		for i, text := range req.Texts {
			out[i] = scored{Index: i, Score: scoreFn(req.Query, text)}
		}
		require.NoError(t, json.NewEncoder(w).Encode(out))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newRerankClient(t *testing.T, baseURL string) *reranker.Service {
	t.Helper()
	svc, err := reranker.NewService(reranker.Config{
		BaseURL: baseURL,
		Retry:   remote.RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond},
	}, nil)
	require.NoError(t, err)
	return svc
}

func TestNewService_Validation(t *testing.T) {
	_, err := reranker.NewService(reranker.Config{}, nil)
	assert.ErrorIs(t, err, reranker.ErrInvalidConfig)

	_, err = reranker.NewService(reranker.Config{BaseURL: "http://x", SubChunkSize: 100}, nil)
	assert.ErrorIs(t, err, reranker.ErrInvalidConfig)
}

func TestRerank_OrderAlignedScores(t *testing.T) {
	srv := newRerankServer(t, func(query, text string) float64 {
		if strings.Contains(text, query) {
			return 0.9
		}
		return 0.1
	})
	svc := newRerankClient(t, srv.URL)

	scores, err := svc.Rerank(context.Background(), "needle", []reranker.Candidate{
		{ID: "a", Content: "plain haystack text"},
		{ID: "b", Content: "contains the needle here"},
		{ID: "c", Content: "more haystack"},
	})
	require.NoError(t, err)
	require.Len(t, scores, 3)
	assert.InDelta(t, 0.1, scores[0], 1e-9)
	assert.InDelta(t, 0.9, scores[1], 1e-9)
	assert.InDelta(t, 0.1, scores[2], 1e-9)
}

func TestRerank_SubChunkingTakesBestScore(t *testing.T) {
	// The needle sits in the tail of a long candidate; only sub-chunking
	// lets the match surface.
	var tail strings.Builder
	for i := 0; i < 400; i++ {
		fmt.Fprintf(&tail, "filler%d ", i)
	}
	tail.WriteString("needle")

	var maxTextTokens atomic.Int32
	srv := newRerankServer(t, func(query, text string) float64 {
		n := int32(len(strings.Fields(text)))
		if n > maxTextTokens.Load() {
			maxTextTokens.Store(n)
		}
		if strings.Contains(text, "needle") {
			return 0.95
		}
		return 0.05
	})
	svc := newRerankClient(t, srv.URL)

	scores, err := svc.Rerank(context.Background(), "needle", []reranker.Candidate{
		{ID: "long", Content: tail.String()},
	})
	require.NoError(t, err)
	require.Len(t, scores, 1)
	assert.InDelta(t, 0.95, scores[0], 1e-9, "best sub-chunk score wins")
	assert.LessOrEqual(t, maxTextTokens.Load(), int32(201), "candidates must be split into sub-chunks")
}

func TestRerank_ScoresClamped(t *testing.T) {
	srv := newRerankServer(t, func(query, text string) float64 { return 1.7 })
	svc := newRerankClient(t, srv.URL)

	scores, err := svc.Rerank(context.Background(), "q", []reranker.Candidate{{ID: "a", Content: "x"}})
	require.NoError(t, err)
	assert.Equal(t, 1.0, scores[0])
}

func TestRerank_EmptyCandidates(t *testing.T) {
	srv := newRerankServer(t, func(query, text string) float64 { return 0.5 })
	svc := newRerankClient(t, srv.URL)

	scores, err := svc.Rerank(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Nil(t, scores)
}

func TestRerank_Retries5xx(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/rerank", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode([]map[string]any{{"index": 0, "score": 0.4}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	svc := newRerankClient(t, srv.URL)
	scores, err := svc.Rerank(context.Background(), "q", []reranker.Candidate{{ID: "a", Content: "x"}})
	require.NoError(t, err)
	assert.InDelta(t, 0.4, scores[0], 1e-9)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRerank_4xxSurfacesImmediately(t *testing.T) {
	var calls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/rerank", func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	svc := newRerankClient(t, srv.URL)
	_, err := svc.Rerank(context.Background(), "q", []reranker.Candidate{{ID: "a", Content: "x"}})
	assert.ErrorIs(t, err, reranker.ErrService)
	assert.Equal(t, int32(1), calls.Load())
}

func TestLocal_Rerank(t *testing.T) {
	local := reranker.NewLocal(0)

	scores, err := local.Rerank(context.Background(), "database connection pooling", []reranker.Candidate{
		{ID: "hit", Content: "configure the database connection pooling limits"},
		{ID: "partial", Content: "database schema migration guide"},
		{ID: "miss", Content: "recipe for sourdough bread"},
	})
	require.NoError(t, err)
	require.Len(t, scores, 3)

	assert.Greater(t, scores[0], scores[1])
	assert.Greater(t, scores[1], scores[2])
	assert.Equal(t, 0.0, scores[2])
	for _, s := range scores {
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
	}
}

func TestLocal_PingAlwaysHealthy(t *testing.T) {
	assert.NoError(t, reranker.NewLocal(200).Ping(context.Background()))
}
