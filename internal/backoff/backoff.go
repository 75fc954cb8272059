// Package backoff turns a retry configuration into per-attempt delays for
// the persisted retry state machines (reconciler, resolver, bulk jobs).
package backoff

import (
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/zulandar/batchyard/internal/config"
)

// Policy bounds automatic retries.
type Policy struct {
	MaxAttempts   int
	Base          time.Duration
	Cap           time.Duration
	JitterPercent uint64
}

// FromConfig converts a config section into a Policy.
func FromConfig(c config.RetryConfig) Policy {
	return Policy{
		MaxAttempts:   c.MaxAttempts,
		Base:          c.BackoffBase.Std(),
		Cap:           c.BackoffCap.Std(),
		JitterPercent: c.JitterPercent,
	}
}

// Delay returns how long to wait before attempt n+1 after n failures
// (n >= 1): min(cap, base*2^(n-1)) with ±JitterPercent jitter.
func (p Policy) Delay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	var b retry.Backoff = retry.NewExponential(base)
	if p.Cap > 0 {
		b = retry.WithCappedDuration(p.Cap, b)
	}
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	var d time.Duration
	for i := 0; i < failures; i++ {
		d, _ = b.Next()
	}
	return d
}

// Exhausted reports whether failures has used up every attempt.
func (p Policy) Exhausted(failures int) bool {
	return p.MaxAttempts > 0 && failures >= p.MaxAttempts
}
