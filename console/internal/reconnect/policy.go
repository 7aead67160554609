package reconnect

import "time"

// Policy decides the wait before a retry.
type Policy interface {
	// Delay returns the wait before retry attempt+1 (attempt is zero-based)
	// and false once no further retry is allowed.
	Delay(attempt int) (time.Duration, bool)
}

// Fixed retries at a constant interval.
type Fixed struct {
	Interval    time.Duration
	MaxAttempts int
}

// Delay implements Policy.
func (f Fixed) Delay(attempt int) (time.Duration, bool) {
	if attempt >= f.MaxAttempts {
		return 0, false
	}
	return f.Interval, true
}

// Exponential doubles the delay on every attempt, truncated at Max.
type Exponential struct {
	Initial     time.Duration
	Max         time.Duration
	MaxAttempts int
}

// Delay implements Policy. The result is min(Initial * 2^attempt, Max).
func (e Exponential) Delay(attempt int) (time.Duration, bool) {
	if attempt >= e.MaxAttempts {
		return 0, false
	}
	d := e.Initial
	for i := 0; i < attempt; i++ {
		d *= 2
		if e.Max > 0 && d >= e.Max {
			return e.Max, true
		}
	}
	if e.Max > 0 && d > e.Max {
		d = e.Max
	}
	return d, true
}

// Backoff tracks consecutive failed attempts against a Policy.
// It is not safe for concurrent use; callers guard it with their own lock.
type Backoff struct {
	policy  Policy
	attempt int
}

// New returns a Backoff at attempt zero.
func New(p Policy) *Backoff {
	return &Backoff{policy: p}
}

// Next returns the delay for the next retry and advances the counter.
// When the policy is exhausted it returns false and leaves the counter alone.
func (b *Backoff) Next() (time.Duration, bool) {
	d, ok := b.policy.Delay(b.attempt)
	if !ok {
		return 0, false
	}
	b.attempt++
	return d, true
}

// Attempts returns the number of retries handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}

// Reset returns the counter to zero, typically after a successful open.
func (b *Backoff) Reset() {
	b.attempt = 0
}
