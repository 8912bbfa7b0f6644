package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hearthline/hearth-core/internal/bus"
	"github.com/hearthline/hearth-core/internal/event"
	"github.com/hearthline/hearth-core/internal/job"
	"github.com/hearthline/hearth-core/internal/loop"
)

// DefaultCallTimeout bounds blocking calls that do not supply their own
// timeout.
const DefaultCallTimeout = 10 * time.Second

// Call is one immutable service invocation, constructed fresh per call
// after schema validation.
type Call struct {
	Domain  string
	Service string
	Data    map[string]any
	Context *event.Context
}

// Handler is the classified job invoked with the call.
type Handler = job.Job[*Call]

// EventBus is the interface the registry needs from the event bus.
type EventBus interface {
	Publish(topic string, data map[string]any, opts ...bus.PublishOption) (*event.Event, error)
}

// Logger defines the logging interface used by the Registry.
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

// registration pairs a handler with its compiled payload schema.
type registration struct {
	handler Handler
	schema  *jsonschema.Schema
}

// Registry maps domain → service name → handler.
//
// Thread Safety: all methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	domains map[string]map[string]*registration

	loop           *loop.Loop
	bus            EventBus
	logger         Logger
	defaultTimeout time.Duration
}

// New creates an empty registry executing handlers on l and announcing
// registrations on b.
func New(l *loop.Loop, b EventBus, logger Logger, defaultTimeout time.Duration) *Registry {
	if logger == nil {
		logger = noopLogger{}
	}
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultCallTimeout
	}
	return &Registry{
		domains:        make(map[string]map[string]*registration),
		loop:           l,
		bus:            b,
		logger:         logger,
		defaultTimeout: defaultTimeout,
	}
}

// Register installs a handler for domain.name, replacing any prior handler
// for the same key atomically, and fires a service_registered event.
//
// schemaJSON, when non-empty, is a JSON-schema document compiled here, once;
// every call payload is validated against it before the handler runs.
func (r *Registry) Register(domain, name string, h Handler, schemaJSON string) error {
	domain = strings.ToLower(domain)
	name = strings.ToLower(name)
	if domain == "" || name == "" {
		return fmt.Errorf("%w: domain and service name are required", job.ErrInvalidJob)
	}
	if h.IsZero() {
		return fmt.Errorf("%w: %s.%s", job.ErrInvalidJob, domain, name)
	}

	reg := &registration{handler: h}
	if schemaJSON != "" {
		schema, err := jsonschema.CompileString(domain+"."+name+".json", schemaJSON)
		if err != nil {
			return fmt.Errorf("%w: %s.%s: %w", ErrInvalidSchema, domain, name, err)
		}
		reg.schema = schema
	}

	r.mu.Lock()
	services := r.domains[domain]
	if services == nil {
		services = make(map[string]*registration)
		r.domains[domain] = services
	}
	services[name] = reg
	r.mu.Unlock()

	r.logger.Debug("service registered", "domain", domain, "service", name)
	r.announce(event.TopicServiceRegistered, domain, name)
	return nil
}

// Remove deletes a handler. A missing handler logs a warning and returns;
// removal of a present handler fires a service_removed event. Removing the
// last service of a domain frees the domain's sub-map.
func (r *Registry) Remove(domain, name string) {
	domain = strings.ToLower(domain)
	name = strings.ToLower(name)

	r.mu.Lock()
	services := r.domains[domain]
	_, ok := services[name]
	if ok {
		delete(services, name)
		if len(services) == 0 {
			delete(r.domains, domain)
		}
	}
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("removing unknown service", "domain", domain, "service", name)
		return
	}
	r.announce(event.TopicServiceRemoved, domain, name)
}

// Has reports whether domain.name is registered.
func (r *Registry) Has(domain, name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.domains[strings.ToLower(domain)][strings.ToLower(name)]
	return ok
}

// Services returns the registered service names per domain, sorted.
func (r *Registry) Services() map[string][]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]string, len(r.domains))
	for domain, services := range r.domains {
		names := make([]string, 0, len(services))
		for name := range services {
			names = append(names, name)
		}
		sort.Strings(names)
		out[domain] = names
	}
	return out
}

func (r *Registry) announce(topic, domain, name string) {
	if r.bus == nil {
		return
	}
	if _, err := r.bus.Publish(topic, map[string]any{"domain": domain, "service": name}); err != nil {
		r.logger.Error("failed to publish service event", "topic", topic, "error", err)
	}
}

// CallOption customises a service call.
type CallOption func(*callParams)

type callParams struct {
	blocking bool
	timeout  time.Duration
	ctx      *event.Context
	target   map[string]any
}

// Blocking makes the call wait for the handler, up to the timeout.
func Blocking() CallOption {
	return func(p *callParams) { p.blocking = true }
}

// WithTimeout overrides the default blocking-call timeout.
func WithTimeout(d time.Duration) CallOption {
	return func(p *callParams) { p.timeout = d }
}

// WithContext links the call to the causal context that triggered it.
func WithContext(ctx *event.Context) CallOption {
	return func(p *callParams) { p.ctx = ctx }
}

// WithTarget merges targeting fields (e.g. entity ids) into the payload
// before validation.
func WithTarget(target map[string]any) CallOption {
	return func(p *callParams) { p.target = target }
}

// Call invokes a registered service.
//
// The payload is merged with the target, validated against the handler's
// schema (validation errors are never swallowed, even for fire-and-forget
// calls), and announced with a call_service event before the handler runs.
//
// Fire-and-forget calls return (false, nil) immediately; the handler runs
// under background supervision that logs failures. Blocking calls return
// (true, nil) when the handler completes in time, propagate its error when
// it fails in time, and return (false, nil) when the timeout expires — the
// handler then keeps running, detached, under the same supervision.
//
// If ctx is cancelled while waiting, the in-flight handler is cancelled and
// awaited within the timeout bound before the cancellation is returned.
func (r *Registry) Call(ctx context.Context, domain, name string, data map[string]any, opts ...CallOption) (bool, error) {
	domain = strings.ToLower(domain)
	name = strings.ToLower(name)

	p := callParams{timeout: r.defaultTimeout}
	for _, opt := range opts {
		opt(&p)
	}
	if p.timeout <= 0 {
		p.timeout = r.defaultTimeout
	}

	r.mu.RLock()
	reg, ok := r.domains[domain][name]
	r.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s.%s", ErrNotFound, domain, name)
	}

	payload := event.CopyMap(data)
	if len(p.target) > 0 {
		if payload == nil {
			payload = make(map[string]any, len(p.target))
		}
		for k, v := range p.target {
			payload[k] = v
		}
	}

	if reg.schema != nil {
		if err := reg.schema.Validate(normalizeForSchema(payload)); err != nil {
			return false, fmt.Errorf("%w: %s.%s: %w", ErrInvalidData, domain, name, err)
		}
	}

	// The call shares the caller's causal context; effects the handler
	// produces derive children from it, keeping the chain reconstructable.
	callCtx := p.ctx
	if callCtx == nil {
		callCtx = event.NewContext()
	}

	call := &Call{
		Domain:  domain,
		Service: name,
		Data:    payload,
		Context: callCtx,
	}

	if r.bus != nil {
		_, err := r.bus.Publish(event.TopicCallService,
			map[string]any{
				"domain":       domain,
				"service":      name,
				"service_data": payload,
			},
			bus.WithContext(callCtx),
		)
		if err != nil {
			r.logger.Error("failed to publish call_service", "error", err)
		}
	}

	return r.execute(ctx, reg.handler, call, p)
}

// execute dispatches the handler according to its classification.
func (r *Registry) execute(ctx context.Context, h Handler, call *Call, p callParams) (bool, error) {
	taskName := "service:" + call.Domain + "." + call.Service

	if h.Kind() == job.Immediate {
		// Immediate handlers run inline regardless of blocking mode; an
		// inline failure is a synchronous failure.
		if err := r.runInline(ctx, h, call); err != nil {
			return false, err
		}
		return true, nil
	}

	run := func(tctx context.Context) error { return h.Run(tctx, call) }

	var (
		task *loop.Task
		err  error
	)
	if h.Kind() == job.Blocking {
		task, err = r.loop.SpawnBlocking(taskName, run)
	} else {
		task, err = r.loop.SpawnTask(taskName, run)
	}
	if err != nil {
		return false, fmt.Errorf("scheduling %s.%s: %w", call.Domain, call.Service, err)
	}

	if !p.blocking {
		go r.supervise(task)
		return false, nil
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-task.Done():
		if taskErr := task.Err(); taskErr != nil {
			return false, taskErr
		}
		return true, nil

	case <-timer.C:
		// Fire accepted, completion unknown: the handler keeps running
		// under background supervision.
		r.logger.Warn("service call did not complete in time, detaching",
			"domain", call.Domain,
			"service", call.Service,
			"timeout", p.timeout,
		)
		go r.supervise(task)
		return false, nil

	case <-ctx.Done():
		// The caller gave up; make a bounded attempt to cancel and reap
		// the in-flight handler before surfacing the cancellation.
		task.Cancel()
		waitCtx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if waitErr := task.Wait(waitCtx); waitErr != nil && !errors.Is(waitErr, context.Canceled) {
			r.logger.Warn("handler did not stop after caller cancellation",
				"domain", call.Domain,
				"service", call.Service,
				"error", waitErr,
			)
		}
		cancel()
		return false, ctx.Err()
	}
}

// runInline executes an Immediate handler on the calling goroutine,
// converting a panic into an error.
func (r *Registry) runInline(ctx context.Context, h Handler, call *Call) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("service %s.%s panicked: %v", call.Domain, call.Service, rec)
		}
	}()
	return h.Run(ctx, call)
}

// supervise watches a detached handler task and logs its outcome.
// Authorisation refusals and cancellations are expected shapes of failure
// for background work; anything else is an error worth noticing.
func (r *Registry) supervise(task *loop.Task) {
	<-task.Done()

	err := task.Err()
	switch {
	case err == nil:
		r.logger.Debug("background service call completed", "task", task.Name())
	case errors.Is(err, ErrUnauthorized):
		r.logger.Warn("background service call unauthorised", "task", task.Name())
	case errors.Is(err, context.Canceled):
		r.logger.Debug("background service call cancelled", "task", task.Name())
	default:
		r.logger.Error("background service call failed", "task", task.Name(), "error", err)
	}
}

// normalizeForSchema converts payload values into the shapes the JSON
// schema validator expects (e.g. ints to float64), mirroring a decode from
// JSON text.
func normalizeForSchema(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = normalizeForSchema(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = normalizeForSchema(elem)
		}
		return out
	case int:
		return float64(val)
	case int32:
		return float64(val)
	case int64:
		return float64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}
