package embeddings_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fyrsmithlabs/retrievald/internal/embeddings"
	"github.com/fyrsmithlabs/retrievald/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDim = 4

// newEmbedServer returns a test server answering /embed with one fixed-dim
// vector per input and /health with 200.
func newEmbedServer(t *testing.T, hook func(w http.ResponseWriter, inputs []string) bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/embed", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Inputs []string `json:"inputs"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if hook != nil && hook(w, req.Inputs) {
			return
		}
		vectors := make([][]float32, len(req.Inputs))
		for i := range req.Inputs {
			vectors[i] = []float32{float32(i), 1, 2, 3}
		}
		require.NoError(t, json.NewEncoder(w).Encode(vectors))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, baseURL string, retries int) *embeddings.Service {
	t.Helper()
	svc, err := embeddings.NewService(embeddings.Config{
		BaseURL:   baseURL,
		Model:     "test-model",
		Dimension: testDim,
		Timeout:   2 * time.Second,
		Retry: remote.RetryConfig{
			MaxRetries:     retries,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		},
	}, nil)
	require.NoError(t, err)
	return svc
}

func TestNewService_Validation(t *testing.T) {
	_, err := embeddings.NewService(embeddings.Config{}, nil)
	assert.ErrorIs(t, err, embeddings.ErrInvalidConfig)
}

func TestEmbedDocuments_OrderPreserving(t *testing.T) {
	srv := newEmbedServer(t, nil)
	svc := newClient(t, srv.URL, 0)

	vectors, err := svc.EmbedDocuments(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	for i, v := range vectors {
		assert.Equal(t, float32(i), v[0], "order must be preserved")
		assert.Len(t, v, testDim)
	}
}

func TestEmbedDocuments_EmptyInput(t *testing.T) {
	srv := newEmbedServer(t, nil)
	svc := newClient(t, srv.URL, 0)

	_, err := svc.EmbedDocuments(context.Background(), nil)
	assert.ErrorIs(t, err, embeddings.ErrEmptyInput)
}

func TestEmbedDocuments_BatchSplitting(t *testing.T) {
	var calls atomic.Int32
	srv := newEmbedServer(t, func(w http.ResponseWriter, inputs []string) bool {
		calls.Add(1)
		assert.LessOrEqual(t, len(inputs), 2)
		return false
	})

	svc, err := embeddings.NewService(embeddings.Config{
		BaseURL:      srv.URL,
		Dimension:    testDim,
		MaxBatchSize: 2,
	}, nil)
	require.NoError(t, err)

	vectors, err := svc.EmbedDocuments(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	assert.Len(t, vectors, 5)
	assert.Equal(t, int32(3), calls.Load(), "five texts at batch size two need three requests")
}

func TestEmbedDocuments_RetriesTransient5xx(t *testing.T) {
	var calls atomic.Int32
	srv := newEmbedServer(t, func(w http.ResponseWriter, inputs []string) bool {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return true
		}
		return false
	})
	svc := newClient(t, srv.URL, 3)

	vectors, err := svc.EmbedDocuments(context.Background(), []string{"x"})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
	assert.Equal(t, int32(3), calls.Load())
}

func TestEmbedDocuments_4xxNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := newEmbedServer(t, func(w http.ResponseWriter, inputs []string) bool {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		return true
	})
	svc := newClient(t, srv.URL, 3)

	_, err := svc.EmbedDocuments(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, embeddings.ErrService)
	assert.Equal(t, int32(1), calls.Load(), "client errors must surface immediately")
}

func TestEmbedDocuments_DimensionMismatch(t *testing.T) {
	srv := newEmbedServer(t, func(w http.ResponseWriter, inputs []string) bool {
		_ = json.NewEncoder(w).Encode([][]float32{{1, 2}})
		return true
	})
	svc := newClient(t, srv.URL, 0)

	_, err := svc.EmbedDocuments(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, embeddings.ErrService)
}

func TestEmbedDocuments_Timeout(t *testing.T) {
	srv := newEmbedServer(t, func(w http.ResponseWriter, inputs []string) bool {
		time.Sleep(200 * time.Millisecond)
		return false
	})

	svc, err := embeddings.NewService(embeddings.Config{
		BaseURL:   srv.URL,
		Dimension: testDim,
		Timeout:   20 * time.Millisecond,
		Retry:     remote.RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond},
	}, nil)
	require.NoError(t, err)

	_, err = svc.EmbedDocuments(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, remote.ErrTimeout)
}

func TestEmbedQuery(t *testing.T) {
	srv := newEmbedServer(t, nil)
	svc := newClient(t, srv.URL, 0)

	vec, err := svc.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Len(t, vec, testDim)

	_, err = svc.EmbedQuery(context.Background(), "")
	assert.ErrorIs(t, err, embeddings.ErrEmptyInput)
}

func TestAuthorizationHeader(t *testing.T) {
	var gotAuth string
	mux := http.NewServeMux()
	mux.HandleFunc("/embed", func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewEncoder(w).Encode([][]float32{{0, 1, 2, 3}})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	svc, err := embeddings.NewService(embeddings.Config{
		BaseURL:   srv.URL,
		APIKey:    "secret-key",
		Dimension: testDim,
	}, nil)
	require.NoError(t, err)

	_, err = svc.EmbedQuery(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-key", gotAuth)
}

func TestPing(t *testing.T) {
	srv := newEmbedServer(t, nil)
	svc := newClient(t, srv.URL, 0)
	assert.NoError(t, svc.Ping(context.Background()))

	srv.Close()
	assert.Error(t, svc.Ping(context.Background()))
}
