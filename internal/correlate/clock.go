// ABOUTME: Time source for the reply poll loop.
// ABOUTME: Production uses the wall clock; tests inject a clock that advances on Sleep.

package correlate

import (
	"context"
	"time"
)

// Clock abstracts the time operations of the poll loop.
type Clock interface {
	Now() time.Time

	// Sleep pauses for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock returns a Clock backed by the time package.
func RealClock() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
