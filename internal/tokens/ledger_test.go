package tokens_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/fyrsmithlabs/retrievald/internal/tokens"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger(t *testing.T, cfg tokens.Config) *tokens.Ledger {
	t.Helper()
	l, err := tokens.NewLedger(cfg)
	require.NoError(t, err)
	return l
}

func TestNewLedger_Defaults(t *testing.T) {
	l := newLedger(t, tokens.Config{})
	assert.Equal(t, int64(500000), l.Limit())
	assert.Zero(t, l.Used())
}

func TestCheckAndReserve_Accumulates(t *testing.T) {
	l := newLedger(t, tokens.Config{Limit: 1000})

	require.NoError(t, l.CheckAndReserve(300))
	require.NoError(t, l.CheckAndReserve(700))
	assert.Equal(t, int64(1000), l.Used())
}

func TestCheckAndReserve_ExceedLeavesCounterUnchanged(t *testing.T) {
	l := newLedger(t, tokens.Config{Limit: 1000})

	err := l.CheckAndReserve(1200)
	require.Error(t, err)

	var limitErr *tokens.LimitExceededError
	require.ErrorAs(t, err, &limitErr)
	assert.Equal(t, int64(0), limitErr.Current)
	assert.Equal(t, int64(1200), limitErr.Requested)
	assert.Equal(t, int64(1000), limitErr.Limit)
	assert.Zero(t, l.Used())

	// After reset, a smaller reservation succeeds.
	l.Reset()
	assert.NoError(t, l.CheckAndReserve(800))
	assert.Equal(t, int64(800), l.Used())
}

func TestCheckAndReserve_InvalidAmount(t *testing.T) {
	l := newLedger(t, tokens.Config{Limit: 1000})

	assert.True(t, errors.Is(l.CheckAndReserve(0), tokens.ErrInvalidReservation))
	assert.True(t, errors.Is(l.CheckAndReserve(-5), tokens.ErrInvalidReservation))
	assert.Zero(t, l.Used())
}

func TestRelease(t *testing.T) {
	l := newLedger(t, tokens.Config{Limit: 1000})

	require.NoError(t, l.CheckAndReserve(600))
	l.Release(200)
	assert.Equal(t, int64(400), l.Used())

	// Release never drives usage negative.
	l.Release(10000)
	assert.Zero(t, l.Used())
}

func TestIsApproachingLimit(t *testing.T) {
	l := newLedger(t, tokens.Config{Limit: 1000, WarnThresholdFraction: 0.8})

	require.NoError(t, l.CheckAndReserve(799))
	assert.False(t, l.IsApproachingLimit())

	require.NoError(t, l.CheckAndReserve(1))
	assert.True(t, l.IsApproachingLimit())
}

func TestCheckAndReserve_ConcurrentNeverOvercommits(t *testing.T) {
	const (
		limit   = 1000
		workers = 50
		amount  = 100
	)
	l := newLedger(t, tokens.Config{Limit: limit})

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := int64(0)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.CheckAndReserve(amount); err == nil {
				mu.Lock()
				granted += amount
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), granted)
	assert.Equal(t, int64(limit), l.Used())
}

func TestConfig_Validate(t *testing.T) {
	_, err := tokens.NewLedger(tokens.Config{Limit: -1})
	assert.Error(t, err)

	_, err = tokens.NewLedger(tokens.Config{Limit: 100, WarnThresholdFraction: 1.5})
	assert.Error(t, err)
}
