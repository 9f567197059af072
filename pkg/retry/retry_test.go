package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dukex/flowcore/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConflict = errors.New("conflict")

func isConflict(err error) bool {
	return errors.Is(err, errConflict)
}

// failing returns an operation that conflicts the first n attempts.
func failing(n int, calls *int) retry.Operation {
	return func(_ context.Context, attempt int) error {
		*calls = attempt
		if attempt <= n {
			return errConflict
		}

		return nil
	}
}

func TestPolicy_Do(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		policy    retry.Policy
		conflicts int
		applied   bool
		wantErr   error
		wantCalls int
	}{
		{
			name:      "unbounded recompute eventually applies",
			policy:    retry.Policy{IsConflict: isConflict},
			conflicts: 7,
			applied:   true,
			wantCalls: 8,
		},
		{
			name:      "bounded attempts are reported",
			policy:    retry.Policy{IsConflict: isConflict, MaxAttempts: 3},
			conflicts: 5,
			wantErr:   retry.ErrAttemptsExhausted,
			wantCalls: 3,
		},
		{
			name:      "keep theirs yields on first conflict",
			policy:    retry.Policy{IsConflict: isConflict, Strategy: retry.KeepTheirs},
			conflicts: 1,
			wantCalls: 1,
		},
		{
			name:      "success needs no retry",
			policy:    retry.Policy{IsConflict: isConflict, MaxAttempts: 1},
			applied:   true,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			calls := 0

			applied, err := tt.policy.Do(context.Background(), failing(tt.conflicts, &calls))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.ErrorIs(t, err, errConflict)
			} else {
				require.NoError(t, err)
			}

			assert.Equal(t, tt.applied, applied)
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestPolicy_KeepMineRefreshes(t *testing.T) {
	t.Parallel()

	refreshed := 0
	calls := 0

	policy := retry.Policy{
		IsConflict:  isConflict,
		Strategy:    retry.KeepMine,
		MaxAttempts: 2,
		Refresh: func(context.Context) error {
			refreshed++

			return nil
		},
	}

	applied, err := policy.Do(context.Background(), failing(1, &calls))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, refreshed)
}

func TestPolicy_NonConflictErrorStops(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	calls := 0

	applied, err := retry.Policy{IsConflict: isConflict}.Do(context.Background(), func(context.Context, int) error {
		calls++

		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.False(t, applied)
	assert.Equal(t, 1, calls)
}

func TestPolicy_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	policy := retry.Policy{IsConflict: isConflict, BaseWait: time.Hour}

	_, err := policy.Do(ctx, failing(10, &calls))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, calls)
}

func TestPolicy_BacksOffBetweenAttempts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		policy   retry.Policy
		atLeast  time.Duration
		atMost   time.Duration
		attempts int
	}{
		{"no base wait", retry.Policy{IsConflict: isConflict}, 0, 50 * time.Millisecond, 4},
		// 10ms + 20ms + 20ms, each at least 90% of its interval.
		{"capped doubling", retry.Policy{IsConflict: isConflict, BaseWait: 10 * time.Millisecond, MaxWait: 20 * time.Millisecond}, 45 * time.Millisecond, time.Second, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			calls := 0
			begin := time.Now()

			applied, err := tt.policy.Do(context.Background(), failing(tt.attempts-1, &calls))
			elapsed := time.Since(begin)

			require.NoError(t, err)
			assert.True(t, applied)
			assert.Equal(t, tt.attempts, calls)
			assert.GreaterOrEqual(t, elapsed, tt.atLeast)
			assert.Less(t, elapsed, tt.atMost)
		})
	}
}
