// Package remote holds shared plumbing for external service clients:
// transient-error classification and bounded exponential-backoff retries.
package remote

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
)

// ErrTimeout indicates an external service call exceeded its deadline.
var ErrTimeout = errors.New("remote service timeout")

// RetryConfig configures retry behavior for external service calls.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts after the first try.
	// Default: 3
	MaxRetries int

	// InitialBackoff is the initial backoff duration.
	// Default: 1 second
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	// Default: 30 seconds
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	// Default: 2
	BackoffMultiplier float64
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2.0
	}
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Retry runs op with bounded exponential backoff.
//
// After each failure, retryable decides whether another attempt is worth
// making; non-retryable errors surface immediately. Context cancellation
// aborts the backoff wait.
func Retry(ctx context.Context, config RetryConfig, logger *zap.Logger, op func() error, retryable func(error) bool) error {
	config.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := op()
		if err == nil {
			if attempt > 0 {
				logger.Debug("remote call recovered after retries",
					zap.Int("attempts", attempt+1))
			}
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}
		if attempt == config.MaxRetries {
			break
		}

		logger.Debug("retrying remote call after transient error",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", config.MaxRetries+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffMultiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return lastErr
}
