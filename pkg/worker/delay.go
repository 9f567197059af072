package worker

import (
	"context"
	"time"
)

const (
	DefaultDelay = 50
	delaySteps   = 10
)

// Delay waits input.delay seconds in ten steps, heartbeating after each and stopping early
// when the engine asks for cancellation.
type Delay struct {
	// Unit scales the delay input; zero means seconds.
	Unit time.Duration
}

func (d Delay) Handle(ctx context.Context, task *Task) error {
	unit := d.Unit
	if unit == 0 {
		unit = time.Second
	}

	delay := int64(DefaultDelay)
	if input := task.Input("delay"); input.Exists() {
		delay = input.Int()
	}

	step := time.Duration(delay) * unit / delaySteps

	for progress := 0; progress < 100; progress += 100 / delaySteps {
		timer := time.NewTimer(step)

		select {
		case <-ctx.Done():
			timer.Stop()

			return ctx.Err()
		case <-timer.C:
		}

		cancelled, err := task.Heartbeat(ctx, &progress, "")
		if err != nil {
			return task.Failure(ctx, "Heartbeat failed", nil)
		}

		if cancelled {
			return task.Cancelled(ctx)
		}
	}

	return task.Success(ctx, map[string]int64{"delay": delay})
}
