// Package retry runs optimistic-concurrency updates under an explicit conflict policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Strategy decides what happens after a conflicting write.
type Strategy int

const (
	// Recompute runs the operation again; it re-reads whatever it depends on.
	Recompute Strategy = iota
	// KeepMine refreshes the stale row through Policy.Refresh and re-applies the same changes.
	KeepMine
	// KeepTheirs yields to the concurrent writer: the operation is not applied and no error is reported.
	KeepTheirs
)

func (s Strategy) String() string {
	switch s {
	case KeepMine:
		return "keep-mine"
	case KeepTheirs:
		return "keep-theirs"
	default:
		return "recompute"
	}
}

var ErrAttemptsExhausted = errors.New("conflict retry attempts exhausted")

// Policy is one call site's conflict handling.
type Policy struct {
	// MaxAttempts bounds the number of runs; zero means unbounded.
	MaxAttempts int
	// IsConflict classifies errors; only conflicts are retried.
	IsConflict func(error) bool
	Strategy   Strategy
	// Refresh reloads stale state before a KeepMine retry.
	Refresh func(ctx context.Context) error
	// BaseWait is the first backoff; zero retries immediately.
	BaseWait time.Duration
	MaxWait  time.Duration
}

// Operation performs one attempt; attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Do runs op until it succeeds, fails with a non-conflict error, the strategy yields or the
// attempts run out. applied reports whether op succeeded.
func (p Policy) Do(ctx context.Context, op Operation) (applied bool, err error) {
	waits := p.backOff()

	for attempt := 1; ; attempt++ {
		err := op(ctx, attempt)
		if err == nil {
			return true, nil
		}

		if p.IsConflict == nil || !p.IsConflict(err) {
			return false, err
		}

		if p.Strategy == KeepTheirs {
			return false, nil
		}

		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return false, fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempt, err)
		}

		if err := wait(ctx, waits); err != nil {
			return false, err
		}

		if p.Strategy == KeepMine && p.Refresh != nil {
			if err := p.Refresh(ctx); err != nil {
				return false, fmt.Errorf("failed to refresh after conflict: %w", err)
			}
		}
	}
}

// backOff doubles from BaseWait up to MaxWait with 10% jitter and never gives up; attempts are
// bounded by MaxAttempts instead.
func (p Policy) backOff() backoff.BackOff {
	if p.BaseWait <= 0 {
		return &backoff.ZeroBackOff{}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseWait
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxInterval = p.MaxWait
	b.MaxElapsedTime = 0

	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(math.MaxInt64 / 2)
	}

	b.Reset()

	return b
}

// wait sleeps for the next backoff, abandoning early when ctx is done.
func wait(ctx context.Context, waits backoff.BackOff) error {
	next := waits.NextBackOff()
	if next <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(next)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
