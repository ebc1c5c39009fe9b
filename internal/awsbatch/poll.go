package awsbatch

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// pollUntil evaluates cond immediately and then every interval until it
// reports done, returns an error, the timeout elapses or ctx is cancelled.
// An exhausted budget yields ErrPollTimeout.
func pollUntil(ctx context.Context, clock clockwork.Clock, interval, timeout time.Duration, cond func(ctx context.Context) (bool, error)) error {
	deadline := clock.Now().Add(timeout)

	for {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if !clock.Now().Before(deadline) {
			return ErrPollTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(interval):
		}
	}
}
