package outbound

import (
	"math"
	"time"
)

// Backoff is the retry schedule for failed deliveries.
type Backoff struct {
	Base        time.Duration
	Factor      float64
	Max         time.Duration
	Jitter      float64 // fraction added on top, never subtracted
	MaxAttempts int
}

// DefaultBackoff: 10 attempts starting at 60s, growing 1.8x, capped at 24h.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:        60 * time.Second,
		Factor:      1.8,
		Max:         24 * time.Hour,
		Jitter:      0.1,
		MaxAttempts: 10,
	}
}

// Delay returns the wait after the given failed attempt (1-based).
// rnd must return a value in [0, 1). With Factor >= 1+Jitter the schedule
// never decreases from one attempt to the next.
func (b Backoff) Delay(attempt int, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := float64(b.Base) * math.Pow(b.Factor, float64(attempt-1))
	if b.Jitter > 0 && rnd != nil {
		d *= 1 + b.Jitter*rnd()
	}

	if d >= float64(b.Max) || math.IsInf(d, 0) {
		return b.Max
	}
	return time.Duration(d)
}

// Exhausted reports whether no attempts remain after attempt.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt >= b.MaxAttempts
}
