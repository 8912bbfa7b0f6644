package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hearthline/hearth-core/internal/bus"
	"github.com/hearthline/hearth-core/internal/event"
	"github.com/hearthline/hearth-core/internal/job"
	"github.com/hearthline/hearth-core/internal/loop"
	"github.com/hearthline/hearth-core/internal/service"
	"github.com/hearthline/hearth-core/internal/site"
	"github.com/hearthline/hearth-core/internal/state"
)

// RunState is the lifecycle state of the runtime.
//
// The machine is linear: NotRunning, Starting, Running, Stopping,
// FinalWrite, Stopped. A Core that reached Stopped is spent; build a new
// one to restart.
type RunState string

const (
	StateNotRunning RunState = "NOT_RUNNING"
	StateStarting   RunState = "STARTING"
	StateRunning    RunState = "RUNNING"
	StateStopping   RunState = "STOPPING"
	StateFinalWrite RunState = "FINAL_WRITE"
	StateStopped    RunState = "STOPPED"
)

// Domain errors for the core package.
var (
	// ErrAlreadyStarted is returned when Start is called outside NotRunning.
	ErrAlreadyStarted = errors.New("core: already started")

	// ErrNotRunning is returned when Stop is called before Start without
	// force.
	ErrNotRunning = errors.New("core: not running")
)

// Timeouts bounds each lifecycle stage independently. Exceeding a stage's
// bound logs a warning and proceeds; shutdown never hangs indefinitely.
type Timeouts struct {
	Start      time.Duration
	Stop       time.Duration
	FinalWrite time.Duration
	Close      time.Duration
}

// DefaultTimeouts returns the stage bounds used when config supplies none.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Start:      60 * time.Second,
		Stop:       30 * time.Second,
		FinalWrite: 30 * time.Second,
		Close:      10 * time.Second,
	}
}

// Logger defines the logging interface used by the Core.
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

// Config configures a Core.
type Config struct {
	// Timeouts bounds the lifecycle stages; zero fields take defaults.
	Timeouts Timeouts

	// Workers is the worker-pool size for Blocking jobs.
	Workers int64

	// QueueSize buffers marshalled cross-goroutine calls.
	QueueSize int

	// ServiceCallTimeout is the default bound for blocking service calls.
	ServiceCallTimeout time.Duration

	// SiteConfig is the persisted core configuration record announced at
	// startup via core_config_updated.
	SiteConfig site.Record

	Logger Logger
}

// Core is the runtime: event bus, state store, service registry and the
// scheduling loop, under one lifecycle.
//
// Thread Safety: all methods are safe for concurrent use.
type Core struct {
	Bus      *bus.Bus
	States   *state.Store
	Services *service.Registry

	loop     *loop.Loop
	logger   Logger
	timeouts Timeouts
	site     site.Record

	mu       sync.Mutex
	state    RunState
	exitCode int
	stopped  chan struct{}
}

// New builds a wired, NotRunning core. The scheduling loop starts
// immediately so subscriptions registered before Start are serviceable.
func New(cfg Config) *Core {
	logger := cfg.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	t := cfg.Timeouts
	def := DefaultTimeouts()
	if t.Start <= 0 {
		t.Start = def.Start
	}
	if t.Stop <= 0 {
		t.Stop = def.Stop
	}
	if t.FinalWrite <= 0 {
		t.FinalWrite = def.FinalWrite
	}
	if t.Close <= 0 {
		t.Close = def.Close
	}

	l := loop.New(loop.Options{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Logger:    logger,
	})
	l.Start()

	b := bus.New(l, logger)

	c := &Core{
		Bus:      b,
		States:   state.New(b, logger),
		Services: service.New(l, b, logger, cfg.ServiceCallTimeout),
		loop:     l,
		logger:   logger,
		timeouts: t,
		site:     cfg.SiteConfig,
		stopped:  make(chan struct{}),
	}
	c.state = StateNotRunning
	return c
}

// State returns the current lifecycle state.
func (c *Core) State() RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsRunning reports whether the core is accepting work.
func (c *Core) IsRunning() bool {
	s := c.State()
	return s == StateStarting || s == StateRunning
}

// ExitCode returns the exit code recorded by Stop.
func (c *Core) ExitCode() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

// Done returns a channel closed once the core reaches Stopped. It is the
// "run until stopped" primitive.
func (c *Core) Done() <-chan struct{} {
	return c.stopped
}

// RunSync marshals fn onto the runtime loop and waits for it, bounded by
// ctx. This is the sanctioned entry point for foreign goroutines (HTTP
// handlers, broker callbacks) that mutate core state.
func (c *Core) RunSync(ctx context.Context, name string, fn func() error) error {
	return c.loop.CallSync(ctx, name, fn)
}

// SpawnTask registers background work in the process-wide task set that
// shutdown cancels and drains.
func (c *Core) SpawnTask(name string, fn func(context.Context) error) (*loop.Task, error) {
	return c.loop.SpawnTask(name, fn)
}

// Start runs the startup sequence: announce the core config, fire the
// start event, wait (bounded) for the tasks those listeners spawned, then
// declare the core running.
//
// If a concurrent Stop altered the state while Start was draining, the
// transition to Running is abandoned with a warning instead of overwriting
// the shutdown in progress.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateNotRunning {
		c.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrAlreadyStarted, c.state)
	}
	c.state = StateStarting
	c.mu.Unlock()

	c.logger.Info("core starting")

	c.publish(event.TopicCoreConfigUpdated, c.site.Map())
	c.publish(event.TopicStart, nil)

	drainCtx, cancel := context.WithTimeout(ctx, c.timeouts.Start)
	err := c.loop.Drain(drainCtx)
	cancel()
	if err != nil {
		c.logger.Warn("startup tasks still pending after timeout, continuing",
			"timeout", c.timeouts.Start,
			"pending", c.loop.TaskCount(),
		)
	}

	c.mu.Lock()
	if c.state != StateStarting {
		interrupted := c.state
		c.mu.Unlock()
		c.logger.Warn("start aborted, shutdown requested during startup", "state", interrupted)
		return nil
	}
	c.state = StateRunning
	c.mu.Unlock()

	c.publish(event.TopicStarted, nil)
	c.logger.Info("core started")
	return nil
}

// Stop drives the three-stage shutdown protocol and records exitCode.
//
// Stop is idempotent: a second call while shutdown is in progress logs and
// returns. Calling Stop before Start fails with ErrNotRunning unless force
// is set. Each stage tolerates its own timeout and proceeds; the machine
// always reaches Stopped.
func (c *Core) Stop(ctx context.Context, exitCode int, force bool) error {
	c.mu.Lock()
	switch c.state {
	case StateStopping, StateFinalWrite:
		c.mu.Unlock()
		c.logger.Info("stop already in progress")
		return nil
	case StateStopped:
		c.mu.Unlock()
		c.logger.Info("already stopped")
		return nil
	case StateNotRunning:
		if !force {
			c.mu.Unlock()
			return ErrNotRunning
		}
	case StateStarting, StateRunning:
		// Normal shutdown path.
	}
	c.state = StateStopping
	c.exitCode = exitCode
	c.mu.Unlock()

	c.logger.Info("core stopping", "exit_code", exitCode)

	// Background tasks get their cancellation first; the drain stages
	// below give them bounded windows to honour it.
	c.loop.CancelTasks()

	// Stage 1: stop.
	c.publish(event.TopicStop, nil)
	c.drainStage(ctx, "stop", c.timeouts.Stop)

	// Stage 2: final write. Last chance for integrations to persist.
	c.setState(StateFinalWrite)
	c.publish(event.TopicFinalWrite, nil)
	c.drainStage(ctx, "final_write", c.timeouts.FinalWrite)

	// Stage 3: close. Delivered only to exact-topic subscribers, then the
	// scheduler is sealed against any further cross-goroutine work.
	c.setState(StateNotRunning)
	c.publish(event.TopicClose, nil)
	c.loop.Close()
	c.drainStage(ctx, "close", c.timeouts.Close)

	c.setState(StateStopped)
	close(c.stopped)

	c.logger.Info("core stopped", "exit_code", exitCode)
	return nil
}

// Run starts the core and blocks until it stops, either because Stop was
// called or because ctx was cancelled (signal). It returns the recorded
// exit code.
func (c *Core) Run(ctx context.Context) (int, error) {
	if err := c.Start(ctx); err != nil {
		return 1, err
	}

	select {
	case <-ctx.Done():
		// Detach from the cancelled signal context: shutdown runs under
		// its own stage bounds.
		if err := c.Stop(context.Background(), 0, false); err != nil {
			return 1, err
		}
	case <-c.Done():
	}

	<-c.Done()
	return c.ExitCode(), nil
}

// OnStart subscribes j once to the start lifecycle topic.
func (c *Core) OnStart(j job.Job[*event.Event]) (func(), error) {
	return c.Bus.SubscribeOnce(event.TopicStart, j)
}

// OnStop subscribes j once to the stop lifecycle topic.
func (c *Core) OnStop(j job.Job[*event.Event]) (func(), error) {
	return c.Bus.SubscribeOnce(event.TopicStop, j)
}

func (c *Core) setState(s RunState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Core) publish(topic string, data map[string]any) {
	if _, err := c.Bus.Publish(topic, data); err != nil {
		c.logger.Error("failed to publish lifecycle event", "topic", topic, "error", err)
	}
}

// drainStage waits out one shutdown stage. A timeout is a warning, never a
// reason to abandon the remaining stages.
func (c *Core) drainStage(ctx context.Context, stage string, bound time.Duration) {
	drainCtx, cancel := context.WithTimeout(ctx, bound)
	defer cancel()

	if err := c.loop.Drain(drainCtx); err != nil {
		c.logger.Warn("shutdown stage timed out, proceeding",
			"stage", stage,
			"timeout", bound,
			"pending", c.loop.TaskCount(),
		)
	}
}
