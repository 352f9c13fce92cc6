package conn

import (
	"math/rand"
	"time"
)

// Policy controls reconnection after an unexpected channel closure.
// The zero value never reconnects.
type Policy struct {
	// Delay is the wait before each reconnect attempt.
	Delay time.Duration
	// MaxAttempts bounds how many attempts follow one closure.
	MaxAttempts int
	// Jitter adds up to this much random extra wait per attempt, so a
	// fleet of clients does not stampede the server.
	Jitter time.Duration
}

// Backoff returns the wait before the given attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	d := p.Delay
	if p.Jitter > 0 {
		d += time.Duration(rand.Int63n(int64(p.Jitter)))
	}
	return d
}
