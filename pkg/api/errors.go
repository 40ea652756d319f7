package api

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrFlowNotFound      = errors.New("flow not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrNotPaused         = errors.New("execution is not waiting for input")
	ErrExecutionFinished = errors.New("execution already finished")
	ErrExecutionActive   = errors.New("execution has not finished")
	ErrTrafficOverflow   = errors.New("variant traffic allocation exceeds 100%")
	ErrDuplicateFlow     = errors.New("flow version already registered")
)

// ValidationError reports a malformed graph or configuration. It is raised
// before execution starts and is never retried.
type ValidationError struct {
	Flow   string
	Result ValidationResult
	Reason string
	Err    error
}

func (e *ValidationError) Unwrap() error { return e.Err }

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation failed")
	if e.Flow != "" {
		b.WriteString(" for ")
		b.WriteString(e.Flow)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	for i, m := range e.Result.Errors() {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(m.Code)
		if m.Subject != "" {
			b.WriteString("(" + m.Subject + ")")
		}
	}
	return b.String()
}

// ExecutionError wraps a failure raised while invoking a node. Transient
// errors are retried; permanent errors fail the node immediately.
type ExecutionError struct {
	Err       error
	transient bool
}

func (e *ExecutionError) Error() string {
	kind := "permanent"
	if e.transient {
		kind = "transient"
	}
	return kind + ": " + e.Err.Error()
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Transient marks err as retryable (rate limit, timeout, network).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ExecutionError{Err: err, transient: true}
}

// Permanent marks err as non-retryable (invalid input, refused request).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &ExecutionError{Err: err}
}

// IsTransient reports whether err, or any error it wraps, was marked
// transient. A TimeoutError is transient. Unclassified errors are permanent.
func IsTransient(err error) bool {
	var ee *ExecutionError
	if errors.As(err, &ee) {
		return ee.transient
	}
	var te *TimeoutError
	return errors.As(err, &te)
}

// ConditionError reports a malformed or unevaluable edge condition.
type ConditionError struct {
	EdgeID     string
	Expression string
	Err        error
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("condition on edge %s (%q): %v", e.EdgeID, e.Expression, e.Err)
}

func (e *ConditionError) Unwrap() error { return e.Err }

// TimeoutScope tells node-level and flow-level deadlines apart.
type TimeoutScope string

const (
	TimeoutNode TimeoutScope = "node"
	TimeoutFlow TimeoutScope = "flow"
)

// TimeoutError reports an exceeded deadline.
type TimeoutError struct {
	Scope   TimeoutScope
	Subject string
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s timed out after %s", e.Scope, e.Subject, e.After)
}
