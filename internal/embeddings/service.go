// Package embeddings provides the client contract to an external embedding
// service and its HTTP implementation.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fyrsmithlabs/retrievald/internal/remote"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid embeddings configuration")

	// ErrService indicates a non-retryable embedding service failure
	// (4xx status, malformed response, exhausted retries).
	ErrService = errors.New("embedding service error")
)

// Client is the contract an embedding provider must satisfy.
//
// EmbedDocuments is order-preserving: result i is the vector for texts[i].
type Client interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// Dimension returns the fixed embedding dimension.
	Dimension() int

	// Ping checks service reachability.
	Ping(ctx context.Context) error

	Close() error
}

// Config holds configuration for the embedding service client.
type Config struct {
	// BaseURL is the base URL for the embedding API.
	BaseURL string

	// Model is the embedding model name, for metrics labels.
	Model string

	// APIKey is the bearer key. Optional for unauthenticated deployments.
	APIKey string

	// Dimension is the expected embedding dimension.
	// Default: 384
	Dimension int

	// Timeout is the per-request deadline.
	// Default: 30 seconds
	Timeout time.Duration

	// MaxBatchSize caps texts per request; larger inputs are split and
	// reassembled in order.
	// Default: 32
	MaxBatchSize int

	// RequestsPerSecond throttles outbound calls. Zero disables throttling.
	RequestsPerSecond float64

	// Retry configures transient-failure retries.
	Retry remote.RetryConfig
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Dimension == 0 {
		c.Dimension = 384
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxBatchSize == 0 {
		c.MaxBatchSize = 32
	}
	c.Retry.ApplyDefaults()
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive", ErrInvalidConfig)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("%w: max batch size must be positive", ErrInvalidConfig)
	}
	return nil
}

// Service is the HTTP implementation of Client.
type Service struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
	metrics *Metrics
}

// NewService creates a new embedding service client.
func NewService(config Config, logger *zap.Logger) (*Service, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}

	return &Service{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		limiter: limiter,
		logger:  logger,
		metrics: NewMetrics(logger),
	}, nil
}

// embedRequest is the request body for the embed endpoint.
type embedRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

// EmbedDocuments generates embeddings for multiple texts, preserving order.
// Inputs larger than the configured batch size are split across requests.
func (s *Service) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	var reqErr error
	defer func() {
		s.metrics.RecordRequest(ctx, s.config.Model, "embed_documents", time.Since(start), len(texts), reqErr)
	}()

	if len(texts) == 0 {
		reqErr = fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
		return nil, reqErr
	}

	vectors := make([][]float32, 0, len(texts))
	for lo := 0; lo < len(texts); lo += s.config.MaxBatchSize {
		hi := lo + s.config.MaxBatchSize
		if hi > len(texts) {
			hi = len(texts)
		}

		batch, err := s.embedBatch(ctx, texts[lo:hi])
		if err != nil {
			reqErr = err
			return nil, err
		}
		vectors = append(vectors, batch...)
	}

	return vectors, nil
}

// EmbedQuery generates an embedding for a single query.
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	var reqErr error
	defer func() {
		s.metrics.RecordRequest(ctx, s.config.Model, "embed_query", time.Since(start), 1, reqErr)
	}()

	if text == "" {
		reqErr = fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
		return nil, reqErr
	}

	vectors, err := s.embedBatch(ctx, []string{text})
	if err != nil {
		reqErr = err
		return nil, err
	}
	return vectors[0], nil
}

// embedBatch performs a single embed call with retries.
func (s *Service) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32

	op := func() error {
		var err error
		vectors, err = s.doEmbed(ctx, texts)
		return err
	}
	retryable := func(err error) bool {
		return remote.IsTimeout(err) || isTransientStatus(err)
	}

	if err := remote.Retry(ctx, s.config.Retry, s.logger, op, retryable); err != nil {
		if remote.IsTimeout(err) {
			return nil, fmt.Errorf("%w: embed after %s: %v", remote.ErrTimeout, s.config.Timeout, err)
		}
		return nil, err
	}
	return vectors, nil
}

// statusError carries an HTTP status for retryability classification.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.status, e.body)
}

func isTransientStatus(err error) bool {
	var se *statusError
	return errors.As(err, &se) && (se.status >= 500 || se.status == http.StatusTooManyRequests)
}

func (s *Service) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	body, err := json.Marshal(embedRequest{Inputs: texts, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling request: %v", ErrService, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %v", ErrService, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if remote.IsTimeout(err) {
			return nil, fmt.Errorf("%w: %v", remote.ErrTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrService, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		se := &statusError{status: resp.StatusCode, body: string(respBody)}
		return nil, fmt.Errorf("%w: %w", ErrService, se)
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrService, err)
	}

	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrService, len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) != s.config.Dimension {
			return nil, fmt.Errorf("%w: vector %d has dimension %d, want %d", ErrService, i, len(v), s.config.Dimension)
		}
	}

	return vectors, nil
}

// Dimension returns the configured embedding dimension.
func (s *Service) Dimension() int {
	return s.config.Dimension
}

// Ping checks the service health endpoint.
func (s *Service) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.config.BaseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrService, err)
	}
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if remote.IsTimeout(err) {
			return fmt.Errorf("%w: %v", remote.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrService, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health status %d", ErrService, resp.StatusCode)
	}
	return nil
}

// Close is a no-op for the HTTP client.
func (s *Service) Close() error {
	return nil
}

var _ Client = (*Service)(nil)
