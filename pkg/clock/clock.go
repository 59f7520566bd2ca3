// Package clock provides time abstractions for production and testing
package clock

import (
	"context"
	"time"
)

// Clock is the time source shared by the poller components
type Clock interface {
	After(d time.Duration) <-chan time.Time
	Now() time.Time
}

// SystemClock provides production time implementation using the standard library
type SystemClock struct{}

// After returns a channel that sends the current time after the specified duration
func (SystemClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Now returns the current time
func (SystemClock) Now() time.Time {
	return time.Now()
}

// Sleep waits for d on the given clock or until ctx is done.
// A non-positive duration returns immediately.
func Sleep(ctx context.Context, c Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.After(d):
		return nil
	}
}
