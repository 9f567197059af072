package cmd

import (
	"fmt"
	"time"
)

// PositiveDuration validates duration flags that drive timers and intervals.
func PositiveDuration(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("duration must be positive, got %s", d)
	}

	return nil
}
