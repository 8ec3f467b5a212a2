package pacing

import (
	"context"
	"time"
)

// PollUntil evaluates predicate up to maxAttempts times, sleeping interval
// between attempts. It reports whether the predicate held and how many
// attempts were made. Exhausting the attempts is not an error.
func PollUntil(ctx context.Context, s Sleeper, interval time.Duration, maxAttempts int, predicate func(context.Context) (bool, error)) (bool, int, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, attempt - 1, err
		}
		ok, err := predicate(ctx)
		if err != nil {
			return false, attempt, err
		}
		if ok {
			return true, attempt, nil
		}
		if attempt < maxAttempts {
			if err := s.Sleep(ctx, interval); err != nil {
				return false, attempt, err
			}
		}
	}
	return false, maxAttempts, nil
}
