// Package job models registered callables as a closed tagged union.
//
// Every callable handed to the bus or the service registry is classified
// exactly once, at registration time, as Immediate (safe to run inline on
// the caller), Deferred (scheduled as a tracked task) or Blocking (must run
// on the bounded worker pool). The classification is fixed for the job's
// lifetime; dispatchers never re-inspect the callable per invocation.
package job

import (
	"context"
	"errors"
	"fmt"
)

// Kind is a job's dispatch classification.
type Kind int

const (
	// Immediate jobs are safe to invoke inline on the delivering goroutine.
	// They must be fast and must not block.
	Immediate Kind = iota

	// Deferred jobs are scheduled as tracked tasks on their own goroutine.
	Deferred

	// Blocking jobs perform blocking work and run on the bounded worker
	// pool; they are never invoked inline.
	Blocking
)

// String returns the lowercase name of the kind.
func (k Kind) String() string {
	switch k {
	case Immediate:
		return "immediate"
	case Deferred:
		return "deferred"
	case Blocking:
		return "blocking"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ErrInvalidJob is returned when a job registration is malformed: a nil
// callable, an unknown kind, or a missing name. Invalid registrations fail
// fast instead of surfacing later at dispatch time.
var ErrInvalidJob = errors.New("job: invalid")

// Job pairs a callable with its precomputed dispatch classification and a
// name used to identify it in logs. T is the argument type delivered to the
// callable (an event for bus listeners, a service call for handlers).
//
// The zero Job is invalid; construct with New or the kind helpers.
type Job[T any] struct {
	kind Kind
	name string
	fn   func(context.Context, T) error
}

// New builds a Job, validating the registration once.
func New[T any](kind Kind, name string, fn func(context.Context, T) error) (Job[T], error) {
	if fn == nil {
		return Job[T]{}, fmt.Errorf("%w: nil callable", ErrInvalidJob)
	}
	if name == "" {
		return Job[T]{}, fmt.Errorf("%w: name is required", ErrInvalidJob)
	}
	if kind < Immediate || kind > Blocking {
		return Job[T]{}, fmt.Errorf("%w: unknown kind %d", ErrInvalidJob, int(kind))
	}
	return Job[T]{kind: kind, name: name, fn: fn}, nil
}

// NewImmediate builds an Immediate job.
func NewImmediate[T any](name string, fn func(context.Context, T) error) (Job[T], error) {
	return New(Immediate, name, fn)
}

// NewDeferred builds a Deferred job.
func NewDeferred[T any](name string, fn func(context.Context, T) error) (Job[T], error) {
	return New(Deferred, name, fn)
}

// NewBlocking builds a Blocking job.
func NewBlocking[T any](name string, fn func(context.Context, T) error) (Job[T], error) {
	return New(Blocking, name, fn)
}

// Kind returns the dispatch classification decided at registration.
func (j Job[T]) Kind() Kind { return j.kind }

// Name returns the job's log identity.
func (j Job[T]) Name() string { return j.name }

// IsZero reports whether the job is the invalid zero value.
func (j Job[T]) IsZero() bool { return j.fn == nil }

// Run invokes the callable. Running a zero Job returns ErrInvalidJob.
func (j Job[T]) Run(ctx context.Context, arg T) error {
	if j.fn == nil {
		return fmt.Errorf("%w: zero job", ErrInvalidJob)
	}
	return j.fn(ctx, arg)
}
