// Package clock provides the timed waits used between power steps.
// Production code waits on real timers; tests inject a Sleeper that
// records the requested durations and returns at once.
package clock

import (
	"context"
	"time"
)

// Sleeper waits for d or until ctx ends, whichever comes first. It
// returns ctx.Err() when the wait was cut short.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
