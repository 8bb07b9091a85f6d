package logging

import "time"

// Limiter is a windowed burst limiter for driver logging. A driver that
// produces more than burst lines within window has further lines dropped
// until the window rolls over; the drop count is reported once when
// logging resumes.
type Limiter struct {
	burst   int
	window  time.Duration
	count   int
	dropped int
	start   time.Time
}

// NewLimiter returns a limiter allowing burst lines per window. A zero
// burst disables limiting.
func NewLimiter(burst int, window time.Duration) *Limiter {
	return &Limiter{
		burst:  burst,
		window: window,
	}
}

func (l *Limiter) rollover(now time.Time) {
	l.start = now
	l.count = 0
}

// Pass reports whether a line may be logged now. Dropped returns how
// many lines were suppressed since Dropped was last called.
func (l *Limiter) Pass(now time.Time) bool {
	if l.burst <= 0 {
		return true
	}

	if l.start.IsZero() || now.Sub(l.start) >= l.window {
		l.rollover(now)
	}

	if l.count >= l.burst {
		l.dropped++
		return false
	}

	l.count++
	return true
}

// Dropped returns and resets the suppressed line count.
func (l *Limiter) Dropped() int {
	n := l.dropped
	l.dropped = 0
	return n
}
