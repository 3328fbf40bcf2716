package worker

import "time"

// Reconnect bounds how often a worker reopens its source after the stream
// was interrupted. Zero attempts ends the worker on the first interruption.
type Reconnect struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
}

// backoff returns Delay*2^(attempt-1), capped at MaxDelay.
func (r Reconnect) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}
	delay := r.Delay * time.Duration(1<<uint(attempt-1))
	if r.MaxDelay > 0 && (delay > r.MaxDelay || delay < 0) {
		delay = r.MaxDelay
	}
	return delay
}
