package driver

import "time"

// Reconnect policy: exponential backoff from 250ms doubling to 8s for
// the first five attempts, then a longer fixed idle probe interval.
const (
	backoffInitial  = 250 * time.Millisecond
	backoffMax      = 8 * time.Second
	backoffAttempts = 5
	idleProbePeriod = 30 * time.Second
)

// Backoff computes reconnect delays. The zero value is ready to use.
type Backoff struct {
	attempt int
}

// Next returns the delay to wait before the upcoming reconnect attempt.
func (b *Backoff) Next() time.Duration {
	b.attempt++
	if b.attempt > backoffAttempts {
		return idleProbePeriod
	}
	d := backoffInitial << (b.attempt - 1)
	if d > backoffMax {
		d = backoffMax
	}
	return d
}

// Exhausted reports whether the fast retry budget is spent and the
// policy has moved to idle probing.
func (b *Backoff) Exhausted() bool {
	return b.attempt > backoffAttempts
}

// Reset restarts the schedule after a successful connect.
func (b *Backoff) Reset() {
	b.attempt = 0
}
