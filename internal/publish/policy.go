package publish

import "time"

// Policy bounds retries for one job.
type Policy struct {
	// AttemptMax is the lifetime attempt ceiling per job. Manual retries do
	// not reset the count, so the ceiling binds across operator intervention.
	AttemptMax int
	// RetryBase seeds the exponential backoff.
	RetryBase time.Duration
	// RetryMaxDelay caps the backoff growth.
	RetryMaxDelay time.Duration
}

// DefaultPolicy matches the platform posture: five attempts, 30s doubling up
// to 15 minutes.
func DefaultPolicy() Policy {
	return Policy{
		AttemptMax:    5,
		RetryBase:     30 * time.Second,
		RetryMaxDelay: 15 * time.Minute,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.AttemptMax <= 0 {
		p.AttemptMax = d.AttemptMax
	}
	if p.RetryBase <= 0 {
		p.RetryBase = d.RetryBase
	}
	if p.RetryMaxDelay <= 0 {
		p.RetryMaxDelay = d.RetryMaxDelay
	}
	return p
}

// Backoff returns the delay before the next try after the given attempt
// number (1-based). Growth is exponential from RetryBase, capped at
// RetryMaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.normalized()
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	delay := p.RetryBase << shift
	if delay <= 0 || delay > p.RetryMaxDelay {
		delay = p.RetryMaxDelay
	}
	return delay
}
