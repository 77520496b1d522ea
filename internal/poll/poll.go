// Package poll implements the bounded sleep-and-retry wait used while a
// follower waits for the leader to bring the shared region up.
package poll

import (
	"context"
	"errors"
	"time"
)

// ErrExhausted is returned when the retry budget runs out before the
// condition holds.
var ErrExhausted = errors.New("retry budget exhausted")

// Budget bounds a poll: at most Retries sleeps of Interval each.
type Budget struct {
	Interval time.Duration
	Retries  int
}

// Total returns the longest time a poll with this budget can sleep
func (b Budget) Total() time.Duration {
	return b.Interval * time.Duration(b.Retries)
}

// Condition reports whether the awaited state has been reached. A non-nil
// error aborts the poll and is returned unchanged.
type Condition func() (bool, error)

// Until evaluates cond, sleeping b.Interval between attempts, until cond
// reports true, returns an error, ctx is done, or b.Retries sleeps have
// elapsed. cond is evaluated once more after the final sleep, so a budget of
// zero retries still checks the condition once.
func Until(ctx context.Context, b Budget, cond Condition) error {
	if ctx == nil {
		ctx = context.Background()
	}

	timer := time.NewTimer(b.Interval)
	defer timer.Stop()

	for attempt := 0; ; attempt++ {
		done, err := cond()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt >= b.Retries {
			return ErrExhausted
		}

		if attempt > 0 {
			timer.Reset(b.Interval)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}
