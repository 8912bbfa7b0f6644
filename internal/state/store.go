package state

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hearthline/hearth-core/internal/bus"
	"github.com/hearthline/hearth-core/internal/event"
)

// EventBus is the interface the store needs from the event bus.
type EventBus interface {
	Publish(topic string, data map[string]any, opts ...bus.PublishOption) (*event.Event, error)
}

// Logger defines the logging interface used by the Store.
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

// Store holds the current snapshot for every known entity, plus a
// reservation set used to claim an entity id before its first snapshot
// exists (prevents two registrants creating the same entity concurrently).
//
// Thread Safety: all methods are safe for concurrent use; writes are
// serialised under the store mutex, so two concurrent Set calls on the same
// entity are observed in a well-defined order with no lost updates.
type Store struct {
	mu       sync.RWMutex
	states   map[string]*State
	reserved map[string]struct{}

	bus    EventBus
	logger Logger
}

// New creates an empty state store publishing change events on b.
func New(b EventBus, logger Logger) *Store {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Store{
		states:   make(map[string]*State),
		reserved: make(map[string]struct{}),
		bus:      b,
		logger:   logger,
	}
}

// Get returns the current snapshot for an entity id, or nil if the entity
// has no state. Asking for an unknown entity is a normal, silent case.
func (s *Store) Get(id string) *State {
	id = NormalizeEntityID(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.states[id]
}

// All returns the current snapshots, optionally filtered by domain, sorted
// by entity id for deterministic output.
func (s *Store) All(domainFilter string) []*State {
	domainFilter = strings.ToLower(domainFilter)

	s.mu.RLock()
	states := make([]*State, 0, len(s.states))
	for _, st := range s.states {
		if domainFilter == "" || st.Domain() == domainFilter {
			states = append(states, st)
		}
	}
	s.mu.RUnlock()

	sort.Slice(states, func(i, j int) bool { return states[i].EntityID < states[j].EntityID })
	return states
}

// IDs returns the known entity ids, optionally filtered by domain, sorted.
func (s *Store) IDs(domainFilter string) []string {
	states := s.All(domainFilter)
	ids := make([]string, len(states))
	for i, st := range states {
		ids[i] = st.EntityID
	}
	return ids
}

// Count returns the number of entities with a current snapshot.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

// Reserve claims an entity id before its first snapshot exists.
// It fails with ErrAlreadyExists if the id is already present or reserved.
// Reservations are invisible to subscribers; no event is fired.
func (s *Store) Reserve(id string) error {
	id = NormalizeEntityID(id)
	if err := ValidateEntityID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.states[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, id)
	}
	if _, ok := s.reserved[id]; ok {
		return fmt.Errorf("%w: %s reserved", ErrAlreadyExists, id)
	}
	s.reserved[id] = struct{}{}
	return nil
}

// SetOption customises a Set call.
type SetOption func(*setParams)

type setParams struct {
	attributes map[string]any
	force      bool
	ctx        *event.Context
}

// WithAttributes supplies the attribute map for the new snapshot.
func WithAttributes(attrs map[string]any) SetOption {
	return func(p *setParams) { p.attributes = attrs }
}

// WithForce emits a change event even when status and attributes are
// unchanged. LastUpdated advances; LastChanged does not.
func WithForce() SetOption {
	return func(p *setParams) { p.force = true }
}

// WithContext attaches the causal context of the write.
func WithContext(ctx *event.Context) SetOption {
	return func(p *setParams) { p.ctx = ctx }
}

// Set installs a new snapshot for an entity and publishes a state_changed
// event carrying the old and new snapshots.
//
// Writing the same status and attributes again is a no-op: no snapshot is
// replaced and no event fires (use WithForce to override). The returned
// snapshot is the current one after the call, which on a no-op is the
// existing snapshot.
//
// The event is published after the store lock is released, so two direct
// concurrent writes to the same entity may emit their events out of
// install order. Snapshots stay consistent either way; callers that need
// strictly ordered change events route writes through the runtime loop,
// which serializes them.
func (s *Store) Set(id, status string, opts ...SetOption) (*State, error) {
	id = NormalizeEntityID(id)
	if err := ValidateEntityID(id); err != nil {
		return nil, err
	}
	if status == "" {
		return nil, ErrStatusEmpty
	}
	if len(status) > MaxStatusLength {
		return nil, fmt.Errorf("%w: %d > %d", ErrStatusTooLong, len(status), MaxStatusLength)
	}

	var p setParams
	for _, opt := range opts {
		opt(&p)
	}

	now := time.Now().UTC()

	s.mu.Lock()
	old := s.states[id]

	sameStatus := old != nil && old.Status == status && !p.force
	sameAttrs := old != nil && attrsEqual(old.Attributes, p.attributes)
	if sameStatus && sameAttrs {
		s.mu.Unlock()
		return old, nil
	}

	// LastChanged survives writes that only touch attributes.
	changed := now
	if old != nil && old.Status == status {
		changed = old.LastChanged
	}

	ctx := p.ctx
	if ctx == nil {
		ctx = event.NewContextAt(now)
	}

	next := newState(id, status, p.attributes, changed, now, ctx)
	if old != nil {
		old.expire()
	}
	s.states[id] = next
	delete(s.reserved, id)
	s.mu.Unlock()

	s.logger.Debug("state set", "entity_id", id, "status", status)

	s.publishChange(id, old, next, ctx, now)
	return next, nil
}

// Remove pops the snapshot (and any reservation) for an entity id.
// It returns false, with no event, when the entity had no state. Otherwise
// the old snapshot is expired and a state_changed event with a nil
// new_state is published: removal is observable, never silent.
func (s *Store) Remove(id string, ctx *event.Context) bool {
	id = NormalizeEntityID(id)

	s.mu.Lock()
	old, ok := s.states[id]
	delete(s.states, id)
	delete(s.reserved, id)
	s.mu.Unlock()

	if !ok {
		return false
	}

	old.expire()
	if ctx == nil {
		ctx = event.NewContext()
	}

	s.logger.Debug("state removed", "entity_id", id)

	s.publishChange(id, old, nil, ctx, time.Now().UTC())
	return true
}

// publishChange emits the state_changed event for a write or removal.
func (s *Store) publishChange(id string, old, next *State, ctx *event.Context, at time.Time) {
	if s.bus == nil {
		return
	}
	_, err := s.bus.Publish(event.TopicStateChanged,
		map[string]any{
			"entity_id": id,
			"old_state": old.Map(),
			"new_state": next.Map(),
		},
		bus.WithContext(ctx),
		bus.WithTimeFired(at),
	)
	if err != nil {
		s.logger.Error("failed to publish state change", "entity_id", id, "error", err)
	}
}
