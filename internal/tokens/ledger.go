// Package tokens enforces a cumulative, engine-instance-scoped token budget.
//
// A Ledger only grows through explicit reservation and only shrinks through
// an explicit Reset or Release. It is never a process-wide singleton: each
// engine owns its own ledger, so multiple engines per process account
// independently.
package tokens

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// ErrInvalidReservation indicates a non-positive or overflowing reservation.
var ErrInvalidReservation = errors.New("invalid token reservation")

// LimitExceededError is returned when a reservation would exceed the limit.
// The counter is left unchanged.
type LimitExceededError struct {
	Current   int64
	Requested int64
	Limit     int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("token limit exceeded: current %d + requested %d > limit %d",
		e.Current, e.Requested, e.Limit)
}

// Config holds ledger parameters.
type Config struct {
	// Limit is the cumulative token budget.
	// Default: 500000
	Limit int64

	// WarnThresholdFraction is the usage fraction at which
	// IsApproachingLimit turns true.
	// Default: 0.8
	WarnThresholdFraction float64
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.Limit == 0 {
		c.Limit = 500000
	}
	if c.WarnThresholdFraction == 0 {
		c.WarnThresholdFraction = 0.8
	}
}

// Validate validates the configuration.
func (c Config) Validate() error {
	if c.Limit <= 0 {
		return fmt.Errorf("%w: limit must be positive", ErrInvalidReservation)
	}
	if c.WarnThresholdFraction <= 0 || c.WarnThresholdFraction > 1 {
		return fmt.Errorf("%w: warn threshold fraction must be in (0, 1]", ErrInvalidReservation)
	}
	return nil
}

// Ledger tracks cumulative token usage against a fixed limit.
type Ledger struct {
	mu           sync.Mutex
	used         int64
	limit        int64
	warnFraction float64
}

// NewLedger creates a ledger from config.
func NewLedger(config Config) (*Ledger, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Ledger{
		limit:        config.Limit,
		warnFraction: config.WarnThresholdFraction,
	}, nil
}

// CheckAndReserve atomically reserves estimated tokens.
//
// The check and the increment happen under one lock: two concurrent
// reservations can never both pass a check that jointly exceeds the limit.
// On failure the counter is unchanged and a *LimitExceededError carries the
// current usage, the requested amount, and the limit.
func (l *Ledger) CheckAndReserve(estimated int64) error {
	if estimated <= 0 || estimated > math.MaxInt64-l.limit {
		return fmt.Errorf("%w: %d", ErrInvalidReservation, estimated)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.used+estimated > l.limit {
		return &LimitExceededError{
			Current:   l.used,
			Requested: estimated,
			Limit:     l.limit,
		}
	}
	l.used += estimated
	return nil
}

// Release returns a previously reserved amount to the budget. Used when a
// pipeline fails after reserving but before the tokens were actually spent.
func (l *Ledger) Release(reserved int64) {
	if reserved <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.used -= reserved
	if l.used < 0 {
		l.used = 0
	}
}

// IsApproachingLimit reports whether usage has crossed the warn threshold.
func (l *Ledger) IsApproachingLimit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return float64(l.used) >= float64(l.limit)*l.warnFraction
}

// Reset zeroes the counter. This is an explicit operator action.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.used = 0
}

// Used returns the cumulative reserved token count.
func (l *Ledger) Used() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.used
}

// Limit returns the configured budget.
func (l *Ledger) Limit() int64 {
	return l.limit
}
