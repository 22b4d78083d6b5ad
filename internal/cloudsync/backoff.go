package cloudsync

import (
	"time"
)

// RetryPolicy schedules automatic retries of transiently failed operations.
// The delay before retry n is BaseDelay * Multiplier^(n-1), capped at
// MaxDelay. After MaxAttempts consecutive failures an operation waits for a
// manual retry.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	MaxAttempts int
}

// DefaultRetryPolicy: 30s, 1m, 2m, 4m, 8m, 16m, 30m, then manual.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   30 * time.Second,
		MaxDelay:    30 * time.Minute,
		Multiplier:  2,
		MaxAttempts: 8,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	return p
}

// Delay returns the wait after the n-th consecutive failure (n >= 1). It is
// non-decreasing in n and never exceeds MaxDelay.
func (p RetryPolicy) Delay(n int) time.Duration {
	p = p.normalized()
	if n < 1 {
		n = 1
	}
	d := float64(p.BaseDelay)
	for i := 1; i < n; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			return p.MaxDelay
		}
	}
	return time.Duration(d)
}

// NextAttempt returns when an operation with the given consecutive failure
// count may be retried automatically. ok is false once the attempt bound is
// reached.
func (p RetryPolicy) NextAttempt(failures int, now time.Time) (at time.Time, ok bool) {
	p = p.normalized()
	if failures >= p.MaxAttempts {
		return time.Time{}, false
	}
	return now.Add(p.Delay(failures)), true
}
