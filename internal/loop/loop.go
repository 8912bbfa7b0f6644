package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned when scheduling is attempted after the loop has
// been closed during the final shutdown stage.
var ErrClosed = errors.New("loop: closed")

// Default sizing. Workers bounds concurrently running Blocking jobs;
// queueSize buffers marshalled cross-goroutine calls.
const (
	defaultWorkers   = 32
	defaultQueueSize = 256
)

// Logger defines the logging interface used by the loop.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Loop.
type Options struct {
	// Workers is the worker-pool size for Blocking jobs. Defaults to 32.
	Workers int64

	// QueueSize is the buffer of the marshalled-call queue. Defaults to 256.
	QueueSize int

	// Logger receives panic and scheduling diagnostics.
	Logger Logger
}

// Loop is the runtime scheduler.
//
// Thread Safety: all methods are safe for concurrent use.
type Loop struct {
	queue   chan func()
	quit    chan struct{}
	done    chan struct{}
	workers *semaphore.Weighted
	logger  Logger

	mu      sync.Mutex
	tasks   map[uint64]*Task
	nextID  uint64
	closed  bool
	started bool
}

// New creates a Loop. Call Start to begin executing marshalled calls.
func New(opts Options) *Loop {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Loop{
		queue:   make(chan func(), opts.QueueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		workers: semaphore.NewWeighted(opts.Workers),
		logger:  opts.Logger,
		tasks:   make(map[uint64]*Task),
	}
}

// Start launches the loop goroutine. Starting twice is a no-op.
func (l *Loop) Start() {
	l.mu.Lock()
	if l.started {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	go l.run()
}

// run executes marshalled calls in arrival order until Close.
func (l *Loop) run() {
	defer close(l.done)
	for {
		select {
		case fn := <-l.queue:
			l.runSafe("call", fn)
		case <-l.quit:
			// Drain anything already queued so CallSync callers that won
			// the race against Close still get an answer.
			for {
				select {
				case fn := <-l.queue:
					l.runSafe("call", fn)
				default:
					return
				}
			}
		}
	}
}

// runSafe invokes fn, converting a panic into a logged error.
func (l *Loop) runSafe(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic on runtime loop", "name", name, "panic", r)
		}
	}()
	fn()
}

// Submit enqueues fn for asynchronous execution on the loop goroutine.
// Returns ErrClosed once the loop has been closed.
func (l *Loop) Submit(name string, fn func()) error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return fmt.Errorf("%w: submit %q rejected", ErrClosed, name)
	}

	select {
	case l.queue <- fn:
		return nil
	case <-l.quit:
		return fmt.Errorf("%w: submit %q rejected", ErrClosed, name)
	}
}

// CallSync marshals fn onto the loop goroutine and blocks the calling
// goroutine until fn has run or ctx expires. This is the sanctioned entry
// point for foreign goroutines that need serialised access to the core.
//
// If ctx expires before fn is executed the call returns ctx.Err(); fn may
// still run later (its result is discarded).
func (l *Loop) CallSync(ctx context.Context, name string, fn func() error) error {
	result := make(chan error, 1)
	wrapped := func() {
		result <- fn()
	}
	if err := l.Submit(name, wrapped); err != nil {
		return err
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return fmt.Errorf("loop: call %q abandoned: %w", name, ctx.Err())
	}
}

// SpawnTask runs fn on its own goroutine as a tracked task.
// Returns ErrClosed once the loop has been closed.
func (l *Loop) SpawnTask(name string, fn func(context.Context) error) (*Task, error) {
	return l.spawn(name, fn, false)
}

// SpawnBlocking runs fn as a tracked task that first acquires a worker-pool
// slot, bounding the number of concurrently running blocking jobs.
func (l *Loop) SpawnBlocking(name string, fn func(context.Context) error) (*Task, error) {
	return l.spawn(name, fn, true)
}

func (l *Loop) spawn(name string, fn func(context.Context) error, pooled bool) (*Task, error) {
	ctx, cancel := context.WithCancel(context.Background())

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: task %q rejected", ErrClosed, name)
	}
	l.nextID++
	t := &Task{
		id:     l.nextID,
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	l.tasks[t.id] = t
	l.mu.Unlock()

	go func() {
		defer func() {
			l.mu.Lock()
			delete(l.tasks, t.id)
			l.mu.Unlock()
			cancel()
		}()

		if pooled {
			if err := l.workers.Acquire(ctx, 1); err != nil {
				t.complete(fmt.Errorf("loop: worker slot for %q: %w", name, err))
				return
			}
			defer l.workers.Release(1)
		}

		t.complete(l.protect(name, ctx, fn))
	}()

	return t, nil
}

// protect runs fn, converting a panic into an error so one broken job
// cannot take down the process.
func (l *Loop) protect(name string, ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("panic in task", "task", name, "panic", r)
			err = fmt.Errorf("loop: task %q panicked: %v", name, r)
		}
	}()
	return fn(ctx)
}

// TaskCount returns the number of currently tracked tasks.
func (l *Loop) TaskCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

// CancelTasks cancels the context of every currently tracked task.
// Tasks that ignore cancellation keep running; Drain bounds the wait.
func (l *Loop) CancelTasks() {
	for _, t := range l.snapshot() {
		t.Cancel()
	}
}

// Drain waits for every task that was tracked at the moment of the call.
// Tasks spawned afterwards are not waited for. Returns ctx.Err() if the
// bound expired with tasks still running, nil otherwise.
func (l *Loop) Drain(ctx context.Context) error {
	for _, t := range l.snapshot() {
		select {
		case <-t.Done():
		case <-ctx.Done():
			l.logger.Warn("drain abandoned with task still running", "task", t.Name())
			return ctx.Err()
		}
	}
	return nil
}

// snapshot returns the currently tracked tasks.
func (l *Loop) snapshot() []*Task {
	l.mu.Lock()
	defer l.mu.Unlock()
	tasks := make([]*Task, 0, len(l.tasks))
	for _, t := range l.tasks {
		tasks = append(tasks, t)
	}
	return tasks
}

// Close disables all further scheduling and stops the loop goroutine.
// In-flight tasks are unaffected; drain them separately.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	close(l.quit)
}

// Done returns a channel closed once the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} { return l.done }
