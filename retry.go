package promptflow

import "time"

// RetryBuilder provides a fluent way to construct the retry settings of a
// node for use with FlowBuilder.
type RetryBuilder struct {
	maxRetries int
	policy     RetryPolicy
}

// Retry creates a RetryBuilder allowing maxRetries retries after the first
// attempt.
//
// maxRetries < 0 is treated as 0 (no retries).
func Retry(maxRetries int) RetryBuilder {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return RetryBuilder{maxRetries: maxRetries}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - initial is the delay before the first retry.
//   - multiplier > 1 grows the delay each attempt (default 2.0 if <= 0).
//   - max caps the delay; if <= 0, there is no cap.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(100*time.Millisecond, 2.0, 2*time.Second)
func (r RetryBuilder) WithExponentialBackoff(initial time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	if multiplier <= 0 {
		multiplier = 2.0
	}
	r.policy = RetryPolicy{
		InitialBackoff:    initial,
		BackoffMultiplier: multiplier,
		MaxBackoff:        max,
	}
	return r
}

// WithConstantBackoff waits delay before every retry.
func (r RetryBuilder) WithConstantBackoff(delay time.Duration) RetryBuilder {
	r.policy = RetryPolicy{InitialBackoff: delay, BackoffMultiplier: 1.0}
	return r
}

// MaxRetries returns the retry count.
func (r RetryBuilder) MaxRetries() int {
	return r.maxRetries
}

// Policy returns the backoff shape. A zero policy means the engine
// defaults apply.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}

func (r RetryBuilder) apply(n *Node) {
	n.MaxRetries = r.maxRetries
	if r.policy != (RetryPolicy{}) {
		p := r.policy
		n.Retry = &p
	} else {
		n.Retry = nil
	}
}
