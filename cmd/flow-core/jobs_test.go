package main

import (
	"testing"
	"time"

	"github.com/dukex/flowcore/pkg/log"
	"github.com/dukex/flowcore/pkg/periodic"
	"github.com/dukex/flowcore/pkg/persistence/memory"
	"github.com/dukex/flowcore/pkg/timeouts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterSweeps(t *testing.T) {
	t.Parallel()

	valid := sweepIntervals{activity: time.Minute, decider: 30 * time.Second, retention: time.Hour}

	tests := []struct {
		name      string
		intervals sweepIntervals
		wantErr   bool
	}{
		{"defaults", valid, false},
		{"zero activity interval", sweepIntervals{decider: valid.decider, retention: valid.retention}, true},
		{"negative retention interval", sweepIntervals{activity: valid.activity, decider: valid.decider, retention: -time.Hour}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			checker := timeouts.New(memory.NewPersistence(), log.Discard())
			epoch := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
			scheduler := periodic.New(log.Discard(), periodic.WithClock(func() time.Time { return epoch }))

			err := registerSweeps(scheduler, checker, tt.intervals, log.Discard())
			if tt.wantErr {
				require.ErrorIs(t, err, periodic.ErrInvalidPeriod)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, epoch, scheduler.Due(0))
			assert.Equal(t, epoch, scheduler.Due(1))
			assert.Equal(t, epoch.Add(time.Hour), scheduler.Due(2))
		})
	}
}
