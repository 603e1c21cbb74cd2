package reranker

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

// Config holds configuration for the rerank service client.
type Config struct {
	// BaseURL is the base URL for the rerank API.
	BaseURL string

	// Model is the rerank model name.
	Model string

	// APIKey is the bearer key. Optional.
	APIKey string

	// SubChunkSize is the token size candidates are split into before
	// scoring. Bounded to [150, 250].
	// Default: 200
	SubChunkSize int

	// Timeout is the per-request deadline.
	// Default: 30 seconds
	Timeout time.Duration

	// RequestsPerSecond throttles outbound calls. Zero disables throttling.
	RequestsPerSecond float64

	// Retry configures transient-failure retries.
	Retry remote.RetryConfig
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.SubChunkSize == 0 {
		c.SubChunkSize = 200
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	c.Retry.ApplyDefaults()
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.SubChunkSize < 150 || c.SubChunkSize > 250 {
		return fmt.Errorf("%w: sub-chunk size %d outside [150, 250]", ErrInvalidConfig, c.SubChunkSize)
	}
	return nil
}

// Service is the HTTP implementation of Client.
type Service struct {
	config  Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewService creates a new rerank service client.
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
	}, nil
}

// rerankRequest is the request body for the rerank endpoint.
type rerankRequest struct {
	Query string   `json:"query"`
	Texts []string `json:"texts"`
}

// rerankScore is one scored text in the response.
type rerankScore struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// Rerank scores candidates against the query.
//
// Each candidate is split into sub-chunks; all sub-chunks go to the service
// in one request and the candidate's score is its best sub-chunk score.
func (s *Service) Rerank(ctx context.Context, query string, candidates []Candidate) ([]float64, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	if query == "" {
		return nil, fmt.Errorf("%w: query cannot be empty", ErrInvalidConfig)
	}

	// Flatten sub-chunks, remembering which candidate each belongs to.
	var texts []string
	var owner []int
	for i, cand := range candidates {
		for _, piece := range subChunk(cand.Content, s.config.SubChunkSize) {
			texts = append(texts, piece)
			owner = append(owner, i)
		}
	}

	scores, err := s.score(ctx, query, texts)
	if err != nil {
		return nil, err
	}

	best := make([]float64, len(candidates))
	seen := make([]bool, len(candidates))
	for idx, score := range scores {
		c := owner[idx]
		if !seen[c] || score > best[c] {
			best[c] = clampScore(score)
			seen[c] = true
		}
	}
	return best, nil
}

// score performs a single rerank call with retries.
func (s *Service) score(ctx context.Context, query string, texts []string) ([]float64, error) {
	var scores []float64

	op := func() error {
		var err error
		scores, err = s.doScore(ctx, query, texts)
		return err
	}
	retryable := func(err error) bool {
		return remote.IsTimeout(err) || isTransientStatus(err)
	}

	if err := remote.Retry(ctx, s.config.Retry, s.logger, op, retryable); err != nil {
		if remote.IsTimeout(err) {
			return nil, fmt.Errorf("%w: rerank after %s: %v", remote.ErrTimeout, s.config.Timeout, err)
		}
		return nil, err
	}
	return scores, nil
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

func (s *Service) doScore(ctx context.Context, query string, texts []string) ([]float64, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	body, err := json.Marshal(rerankRequest{Query: query, Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling request: %v", ErrService, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.BaseURL+"/rerank", bytes.NewReader(body))
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

	var ranked []rerankScore
	if err := json.NewDecoder(resp.Body).Decode(&ranked); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrService, err)
	}

	scores := make([]float64, len(texts))
	for _, r := range ranked {
		if r.Index < 0 || r.Index >= len(texts) {
			return nil, fmt.Errorf("%w: score index %d out of range", ErrService, r.Index)
		}
		scores[r.Index] = r.Score
	}
	return scores, nil
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
