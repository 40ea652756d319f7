// Package retry runs node attempts under a bounded retry policy with a
// per-attempt timeout and exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/petrijr/promptflow/pkg/api"
)

// DefaultMultiplier is applied when a policy leaves the multiplier unset.
const DefaultMultiplier = 2.0

// Policy bounds how an attempt is repeated.
type Policy struct {
	// Name labels timeout errors, usually the node key.
	Name string

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// Timeout applies to each attempt separately. Zero disables it.
	Timeout time.Duration

	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// ForNode derives the policy of a node. Backoff fields the node leaves at
// zero are taken from defaults.
func ForNode(n api.Node, defaults Policy) Policy {
	p := defaults
	p.Name = n.Key
	p.MaxRetries = n.MaxRetries
	if t := n.Timeout(); t > 0 {
		p.Timeout = t
	}
	if r := n.Retry; r != nil {
		if r.InitialBackoff > 0 {
			p.InitialBackoff = r.InitialBackoff
		}
		if r.BackoffMultiplier > 0 {
			p.BackoffMultiplier = r.BackoffMultiplier
		}
		if r.MaxBackoff > 0 {
			p.MaxBackoff = r.MaxBackoff
		}
	}
	return p
}

// Delays returns the wait before each retry, in order.
func (p Policy) Delays() []time.Duration {
	out := make([]time.Duration, 0, p.MaxRetries)
	b := newBackoff(p)
	for i := 0; i < p.MaxRetries; i++ {
		out = append(out, b.next())
	}
	return out
}

type backoff struct {
	current    time.Duration
	max        time.Duration
	multiplier float64
}

func newBackoff(p Policy) *backoff {
	m := p.BackoffMultiplier
	if m <= 0 {
		m = DefaultMultiplier
	}
	return &backoff{current: p.InitialBackoff, max: p.MaxBackoff, multiplier: m}
}

// next returns the current delay, capped, and advances the sequence.
func (b *backoff) next() time.Duration {
	delay := b.current
	if b.max > 0 && delay > b.max {
		delay = b.max
	}
	nextBackoff := time.Duration(float64(b.current) * b.multiplier)
	if b.max > 0 && nextBackoff > b.max {
		b.current = b.max
	} else {
		b.current = nextBackoff
	}
	return delay
}

// Hooks observe the attempt loop. Any of them may be nil.
type Hooks struct {
	// OnAttempt runs before every attempt, attempt counting from 1.
	OnAttempt func(attempt int)

	// OnRetry runs after a transient failure that will be retried.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Outcome is the final result of ExecuteWithPolicy.
type Outcome[T any] struct {
	Value    T
	Status   api.NodeStatus
	Err      error
	Attempts int
	Retries  int
}

// Func is one attempt. It must honour ctx.
type Func[T any] func(ctx context.Context, attempt int) (T, error)

// ExecuteWithPolicy runs fn until it succeeds, fails permanently, runs out
// of retries, or ctx ends.
//
// The returned status is Completed on success, Cancelled when ctx ended,
// TimedOut when the final attempt exceeded the per-attempt timeout and
// Failed otherwise.
func ExecuteWithPolicy[T any](ctx context.Context, p Policy, fn Func[T], hooks Hooks) Outcome[T] {
	var out Outcome[T]
	b := newBackoff(p)
	maxAttempts := p.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return cancelled(ctx, out)
		}

		out.Attempts = attempt
		if hooks.OnAttempt != nil {
			hooks.OnAttempt(attempt)
		}

		v, err := runAttempt(ctx, p, attempt, fn)
		if err == nil {
			out.Value = v
			out.Status = api.NodeCompleted
			out.Err = nil
			return out
		}
		out.Err = err

		if ctx.Err() != nil {
			return cancelled(ctx, out)
		}

		if !api.IsTransient(err) {
			out.Status = api.NodeFailed
			return out
		}

		if attempt == maxAttempts {
			var te *api.TimeoutError
			if errors.As(err, &te) && te.Scope == api.TimeoutNode {
				out.Status = api.NodeTimedOut
			} else {
				out.Status = api.NodeFailed
			}
			return out
		}

		delay := b.next()
		out.Retries++
		if hooks.OnRetry != nil {
			hooks.OnRetry(attempt, err, delay)
		}

		if delay > 0 {
			select {
			case <-ctx.Done():
				return cancelled(ctx, out)
			case <-time.After(delay):
			}
		}
	}

	// unreachable while maxAttempts >= 1
	out.Status = api.NodeFailed
	return out
}

func cancelled[T any](ctx context.Context, out Outcome[T]) Outcome[T] {
	out.Status = api.NodeCancelled
	out.Err = context.Cause(ctx)
	return out
}

type attemptResult[T any] struct {
	v   T
	err error
}

// runAttempt runs fn in its own goroutine so an attempt that ignores its
// context still cannot hold the caller past the deadline.
func runAttempt[T any](ctx context.Context, p Policy, attempt int, fn Func[T]) (T, error) {
	attemptCtx := ctx
	var cancel context.CancelFunc = func() {}
	if p.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeoutCause(ctx, p.Timeout,
			&api.TimeoutError{Scope: api.TimeoutNode, Subject: p.Name, After: p.Timeout})
	}
	defer cancel()

	done := make(chan attemptResult[T], 1)
	go func() {
		v, err := fn(attemptCtx, attempt)
		done <- attemptResult[T]{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() == nil && attemptCtx.Err() != nil {
			// The attempt gave up because of its own deadline.
			return r.v, context.Cause(attemptCtx)
		}
		return r.v, r.err
	case <-attemptCtx.Done():
		var zero T
		if ctx.Err() != nil {
			return zero, context.Cause(ctx)
		}
		return zero, context.Cause(attemptCtx)
	}
}
