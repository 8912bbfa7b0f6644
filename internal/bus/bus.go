package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hearthline/hearth-core/internal/event"
	"github.com/hearthline/hearth-core/internal/job"
	"github.com/hearthline/hearth-core/internal/loop"
)

// Listener is a classified job invoked with the delivered event.
type Listener = job.Job[*event.Event]

// Filter decides whether a subscription wants an event. A panicking filter
// is treated as "does not match" and logged; it never interrupts delivery
// to other subscribers.
type Filter func(*event.Event) bool

// Logger defines the logging interface used by the Bus.
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

// subscription is one registered listener on one topic.
type subscription struct {
	id        uint64
	topic     string
	job       Listener
	filter    Filter
	immediate bool
}

// Bus is the in-process event bus.
//
// Thread Safety: all methods are safe for concurrent use. Mutation of the
// subscription lists is mutex-guarded; delivery works on a snapshot, so
// subscribing from within a listener never deadlocks.
type Bus struct {
	mu        sync.RWMutex
	listeners map[string][]*subscription
	nextID    uint64

	loop   *loop.Loop
	logger Logger
}

// New creates an event bus that schedules non-immediate deliveries on l.
func New(l *loop.Loop, logger Logger) *Bus {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Bus{
		listeners: make(map[string][]*subscription),
		loop:      l,
		logger:    logger,
	}
}

// SubscribeOption customises a subscription.
type SubscribeOption func(*subscription)

// WithFilter attaches a filter predicate evaluated before delivery.
func WithFilter(f Filter) SubscribeOption {
	return func(s *subscription) { s.filter = f }
}

// WithImmediate requests inline delivery within the publishing call.
// Only legal for Immediate-classified jobs; enforced at subscribe time.
func WithImmediate() SubscribeOption {
	return func(s *subscription) { s.immediate = true }
}

// Subscribe registers j for events on topic (event.TopicAll for every
// topic). It returns an unsubscribe handle; calling it removes the
// subscription, and removing the last subscription for a topic frees the
// topic's list entry.
func (b *Bus) Subscribe(topic string, j Listener, opts ...SubscribeOption) (func(), error) {
	sub, err := b.newSubscription(topic, j, opts...)
	if err != nil {
		return nil, err
	}
	b.install(sub)
	return func() { b.remove(sub) }, nil
}

// SubscribeOnce registers j so that the first delivery removes the
// subscription before invoking the job. If a single publish queues several
// deliveries concurrently, only the first runs the callback; the rest are
// no-ops.
func (b *Bus) SubscribeOnce(topic string, j Listener, opts ...SubscribeOption) (func(), error) {
	sub, err := b.newSubscription(topic, j, opts...)
	if err != nil {
		return nil, err
	}

	// The wrapped job removes the subscription through the sub pointer
	// itself, so a delivery racing the tail of this call always has a
	// valid handle.
	fired := &atomic.Bool{}
	wrapped, err := job.New(j.Kind(), j.Name(), func(ctx context.Context, ev *event.Event) error {
		if !fired.CompareAndSwap(false, true) {
			return nil
		}
		b.remove(sub)
		return j.Run(ctx, ev)
	})
	if err != nil {
		return nil, err
	}
	sub.job = wrapped

	b.install(sub)
	return func() { b.remove(sub) }, nil
}

// newSubscription validates the topic, job and options, returning a
// subscription that is not yet visible to publishers.
func (b *Bus) newSubscription(topic string, j Listener, opts ...SubscribeOption) (*subscription, error) {
	if err := validateSubscribeTopic(topic); err != nil {
		return nil, err
	}
	if j.IsZero() {
		return nil, job.ErrInvalidJob
	}

	sub := &subscription{topic: topic, job: j}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.immediate && j.Kind() != job.Immediate {
		return nil, ErrImmediateDelivery
	}
	return sub, nil
}

// install assigns the subscription its id and makes it visible.
func (b *Bus) install(sub *subscription) {
	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	b.listeners[sub.topic] = append(b.listeners[sub.topic], sub)
	b.mu.Unlock()
}

// remove deletes sub from its topic list, freeing the list entry when it
// was the last subscription for that topic.
func (b *Bus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.listeners[sub.topic]
	for i, s := range subs {
		if s.id == sub.id {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.listeners, sub.topic)
	} else {
		b.listeners[sub.topic] = subs
	}
}

// PublishOption customises a published event.
type PublishOption func(*publishParams)

type publishParams struct {
	origin event.Origin
	ctx    *event.Context
	fired  time.Time
}

// WithOrigin tags the event's origin (defaults to local).
func WithOrigin(o event.Origin) PublishOption {
	return func(p *publishParams) { p.origin = o }
}

// WithContext attaches an existing causal context to the event.
func WithContext(ctx *event.Context) PublishOption {
	return func(p *publishParams) { p.ctx = ctx }
}

// WithTimeFired overrides the event's fire timestamp.
func WithTimeFired(t time.Time) PublishOption {
	return func(p *publishParams) { p.fired = t }
}

// Publish builds an Event and delivers it.
//
// Wildcard subscriptions are delivered first, then topic-specific ones, in
// registration order. Publishing the shutdown-close topic bypasses wildcard
// subscribers so last-gasp cleanup events are not re-broadcast to generic
// loggers. Having no subscribers is a normal, silent case.
//
// Immediate-delivery subscribers run inline before Publish returns; their
// panics and errors are logged, never propagated to the publisher. All
// other subscribers are scheduled on the runtime loop in registration
// order, with no completion-order guarantee between them.
func (b *Bus) Publish(topic string, data map[string]any, opts ...PublishOption) (*event.Event, error) {
	if err := event.ValidateTopic(topic); err != nil {
		return nil, err
	}

	p := publishParams{origin: event.OriginLocal}
	for _, opt := range opts {
		opt(&p)
	}

	ev := event.New(topic, data, p.origin, p.ctx, p.fired)

	// The first event on a causal chain becomes its own origin; set-once
	// semantics keep an inherited origin reference intact.
	ev.Context.SetOriginEvent(ev)

	for _, sub := range b.matching(topic) {
		b.deliver(sub, ev)
	}
	return ev, nil
}

// matching snapshots the subscriptions for topic: wildcard first (except
// for the close topic), then topic-specific, each in registration order.
func (b *Bus) matching(topic string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var subs []*subscription
	if topic != event.TopicClose {
		subs = append(subs, b.listeners[event.TopicAll]...)
	}
	return append(subs, b.listeners[topic]...)
}

// deliver routes one event to one subscription.
func (b *Bus) deliver(sub *subscription, ev *event.Event) {
	if sub.filter != nil && !b.runFilter(sub, ev) {
		return
	}

	if sub.immediate {
		b.runInline(sub, ev)
		return
	}

	name := "bus:" + sub.job.Name()
	run := func(ctx context.Context) error {
		if err := sub.job.Run(ctx, ev); err != nil {
			b.logger.Error("event listener failed",
				"topic", ev.Topic,
				"job", sub.job.Name(),
				"error", err,
			)
		}
		return nil
	}

	var err error
	if sub.job.Kind() == job.Blocking {
		_, err = b.loop.SpawnBlocking(name, run)
	} else {
		_, err = b.loop.SpawnTask(name, run)
	}
	if err != nil {
		b.logger.Debug("event delivery dropped, scheduler closed",
			"topic", ev.Topic,
			"job", sub.job.Name(),
		)
	}
}

// runFilter evaluates the subscription's predicate; a panic is logged and
// treated as "does not match".
func (b *Bus) runFilter(sub *subscription, ev *event.Event) (match bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event filter panicked",
				"topic", ev.Topic,
				"job", sub.job.Name(),
				"panic", r,
			)
			match = false
		}
	}()
	return sub.filter(ev)
}

// runInline invokes an immediate subscriber within the publishing call.
// Panics and errors are logged, never propagated to the publisher.
func (b *Bus) runInline(sub *subscription, ev *event.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				"topic", ev.Topic,
				"job", sub.job.Name(),
				"panic", r,
			)
		}
	}()
	if err := sub.job.Run(context.Background(), ev); err != nil {
		b.logger.Error("event listener failed",
			"topic", ev.Topic,
			"job", sub.job.Name(),
			"error", err,
		)
	}
}

// Listeners returns the number of subscriptions per topic. Useful for
// diagnostics and the system API.
func (b *Bus) Listeners() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := make(map[string]int, len(b.listeners))
	for topic, subs := range b.listeners {
		counts[topic] = len(subs)
	}
	return counts
}

// validateSubscribeTopic accepts exact topics and the wildcard.
func validateSubscribeTopic(topic string) error {
	if topic == event.TopicAll {
		return nil
	}
	return event.ValidateTopic(topic)
}
