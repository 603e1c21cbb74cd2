package remote_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fyrsmithlabs/retrievald/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")
var errFatal = errors.New("fatal")

func fastRetry(max int) remote.RetryConfig {
	return remote.RetryConfig{
		MaxRetries:        max,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := remote.Retry(context.Background(), fastRetry(3), nil,
		func() error {
			calls++
			if calls < 3 {
				return errTransient
			}
			return nil
		},
		func(err error) bool { return errors.Is(err, errTransient) },
	)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_NonRetryableSurfacesImmediately(t *testing.T) {
	calls := 0
	err := remote.Retry(context.Background(), fastRetry(3), nil,
		func() error {
			calls++
			return errFatal
		},
		func(err error) bool { return errors.Is(err, errTransient) },
	)

	assert.ErrorIs(t, err, errFatal)
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := remote.Retry(context.Background(), fastRetry(2), nil,
		func() error {
			calls++
			return errTransient
		},
		func(err error) bool { return true },
	)

	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, calls, "initial attempt plus two retries")
}

func TestRetry_ContextCancelAbortsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := remote.RetryConfig{MaxRetries: 5, InitialBackoff: time.Hour}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := remote.Retry(ctx, cfg, nil,
		func() error { return errTransient },
		func(err error) bool { return true },
	)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, remote.IsTimeout(remote.ErrTimeout))
	assert.True(t, remote.IsTimeout(context.DeadlineExceeded))
	assert.True(t, remote.IsTimeout(errors.Join(errors.New("wrapped"), context.DeadlineExceeded)))
	assert.False(t, remote.IsTimeout(errors.New("other")))
	assert.False(t, remote.IsTimeout(nil))
}
