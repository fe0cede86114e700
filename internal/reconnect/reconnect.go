package reconnect

import (
	"context"
	"time"
)

// Backoff doubles the delay after each failed attempt, starting at Base and
// never exceeding Cap.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Default is min(1s * 2^attempt, 5s).
var Default = Backoff{Base: time.Second, Cap: 5 * time.Second}

// Delay returns the wait that follows the given zero-based failed attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for i := 0; i < attempt && d < 1<<61; i++ {
		d *= 2
		if b.Cap > 0 && d >= b.Cap {
			return b.Cap
		}
	}
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}

// Delay returns Default.Delay(attempt).
func Delay(attempt int) time.Duration {
	return Default.Delay(attempt)
}

// Sleep waits for d or until ctx ends, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
