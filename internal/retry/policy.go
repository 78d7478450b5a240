// Package retry computes backoff delays and retry eligibility for the
// outbound queue.
package retry

import (
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/pcastello/chatsync/internal/remote"
)

// Policy is a pure description of how sends are retried. The zero
// value is not usable; use Default or build one from config.
type Policy struct {
	MaxRetries int           // attempts before a message goes failed
	Base       time.Duration // first backoff step
	Cap        time.Duration // backoff ceiling
	Jitter     time.Duration // random +/- applied to each delay, 0 disables
}

// Default returns the stock policy: 5 attempts, exponential backoff
// from 1s capped at 30s, with 250ms of jitter.
func Default() Policy {
	return Policy{
		MaxRetries: 5,
		Base:       time.Second,
		Cap:        30 * time.Second,
		Jitter:     250 * time.Millisecond,
	}
}

// Delay returns how long to wait before the attempt following
// attempt (0-based count of failures so far).
func (p Policy) Delay(attempt int) time.Duration {
	b := retry.NewExponential(p.Base)
	b = retry.WithCappedDuration(p.Cap, b)
	if p.Jitter > 0 {
		b = retry.WithJitter(p.Jitter, b)
	}
	var d time.Duration
	for i := 0; i <= attempt; i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		d = next
	}
	return d
}

// ShouldRetry reports whether a failed attempt is worth repeating:
// false once the ceiling is reached or the error class is permanent.
func (p Policy) ShouldRetry(attempt int, err error) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	return !remote.IsPermanent(err)
}
