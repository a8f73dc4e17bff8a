package transport

import "time"

// Backoff doubles the reconnect delay per attempt, starting at Base, and gives up
// once MaxAttempts reconnects have been scheduled.
type Backoff struct {
	Base        time.Duration
	MaxAttempts int
}

// Delay returns the wait before reconnect attempt n (1-based) and false when n
// is beyond the attempt cap.
func (b Backoff) Delay(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > b.MaxAttempts {
		return 0, false
	}

	delay := b.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
	}

	return delay, true
}
