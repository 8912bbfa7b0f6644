package loop

import (
	"context"
	"sync"
)

// Task is a tracked unit of background work.
//
// A task runs on its own goroutine with its own cancellable context, and is
// removed from the loop's registry automatically when it completes. Waiters
// observe completion through Done or Wait.
type Task struct {
	id     uint64
	name   string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Name returns the name the task was spawned with.
func (t *Task) Name() string { return t.name }

// Done returns a channel closed when the task has finished.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task's result error. It is only meaningful after Done is
// closed; before completion it returns nil.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Cancel cancels the task's context. The task itself decides whether and
// when to honour the cancellation.
func (t *Task) Cancel() { t.cancel() }

// Wait blocks until the task completes or ctx expires. It returns the
// task's error on completion, or ctx.Err() if the wait was abandoned
// (the task keeps running in that case).
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// complete records the result and releases waiters.
func (t *Task) complete(err error) {
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	close(t.done)
}
