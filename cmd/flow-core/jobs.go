package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowcore/pkg/periodic"
	"github.com/dukex/flowcore/pkg/timeouts"
)

type sweepIntervals struct {
	activity  time.Duration
	decider   time.Duration
	retention time.Duration
}

// registerSweeps adds the timeout and retention sweeps of checker to scheduler.
func registerSweeps(scheduler *periodic.Scheduler, checker *timeouts.Checker, intervals sweepIntervals, logger *slog.Logger) error {
	jobs := []periodic.Job{
		{
			Name:   "activity-timeouts",
			Period: intervals.activity,
			RunNow: true,
			Fn:     sweep(logger, "activity-timeouts", checker.ExpireTasks),
		},
		{
			Name:   "decider-timeouts",
			Period: intervals.decider,
			RunNow: true,
			Fn:     sweep(logger, "decider-timeouts", checker.ExpireDeciderClaims),
		},
		{
			Name:   "retention",
			Period: intervals.retention,
			Fn:     sweep(logger, "retention", checker.PurgeFinished),
		},
	}

	for _, job := range jobs {
		_, err := scheduler.Add(job)
		if err != nil {
			return fmt.Errorf("failed to register sweep: %w", err)
		}
	}

	return nil
}

func sweep(logger *slog.Logger, name string, fn func(ctx context.Context) (int, error)) periodic.Func {
	return func(ctx context.Context) error {
		n, err := fn(ctx)
		if n > 0 {
			logger.InfoContext(ctx, "sweep finished", "job", name, "rows", n)
		}

		return err
	}
}
