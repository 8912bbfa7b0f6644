package state

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hearthline/hearth-core/internal/event"
)

// Validation constants.
const (
	// MaxStatusLength caps the status string of a snapshot.
	MaxStatusLength = 255

	// entityIDPattern is <domain>.<object_id>, both halves lowercase slugs
	// free of the separator.
	entityIDPattern = `^[a-z0-9_]+\.[a-z0-9_]+$`
)

var entityIDRegex = regexp.MustCompile(entityIDPattern)

// NormalizeEntityID lowercases an entity id. Entity ids are case-normalised
// keys: "Light.Kitchen" and "light.kitchen" address the same entity.
func NormalizeEntityID(id string) string {
	return strings.ToLower(id)
}

// ValidateEntityID checks the <domain>.<object_id> shape of an
// already-normalised entity id.
func ValidateEntityID(id string) error {
	if !entityIDRegex.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidEntityID, id)
	}
	return nil
}

// SplitEntityID splits an entity id into its domain and object-id halves.
// The id is assumed valid.
func SplitEntityID(id string) (domain, objectID string) {
	domain, objectID, _ = strings.Cut(id, ".")
	return domain, objectID
}

// State is an immutable snapshot of one entity's reported status.
//
// Snapshots are owned exclusively by the Store; everything except the
// causal context is fixed at construction. The context is replaced once,
// when the snapshot is expired by its successor, which is why it sits
// behind an atomic pointer.
type State struct {
	EntityID   string
	Status     string
	Attributes map[string]any

	// LastChanged updates only when the status string changes;
	// LastUpdated updates on every write.
	LastChanged time.Time
	LastUpdated time.Time

	context atomic.Pointer[event.Context]
}

// newState builds a snapshot, deep-copying the attribute map so later
// mutation by the caller cannot reach into the store.
func newState(id, status string, attrs map[string]any, changed, updated time.Time, ctx *event.Context) *State {
	s := &State{
		EntityID:    id,
		Status:      status,
		Attributes:  event.CopyMap(attrs),
		LastChanged: changed,
		LastUpdated: updated,
	}
	s.context.Store(ctx)
	return s
}

// Context returns the snapshot's causal context.
func (s *State) Context() *event.Context {
	return s.context.Load()
}

// Domain returns the domain half of the entity id.
func (s *State) Domain() string {
	domain, _ := SplitEntityID(s.EntityID)
	return domain
}

// expire replaces the snapshot's context with a fresh one carrying the
// same ids but no origin-event back-reference. Old and new snapshots stay
// comparable by context id without the old one pinning the event chain.
func (s *State) expire() {
	old := s.context.Load()
	if old == nil {
		return
	}
	s.context.Store(&event.Context{
		ID:       old.ID,
		ParentID: old.ParentID,
		UserID:   old.UserID,
	})
}

// Map renders the snapshot as a plain map for event payloads and the API.
// A nil receiver renders as nil, which is how removals appear in
// state_changed events.
func (s *State) Map() map[string]any {
	if s == nil {
		return nil
	}
	m := map[string]any{
		"entity_id":    s.EntityID,
		"status":       s.Status,
		"attributes":   event.CopyMap(s.Attributes),
		"last_changed": s.LastChanged,
		"last_updated": s.LastUpdated,
	}
	if ctx := s.Context(); ctx != nil {
		m["context_id"] = ctx.ID
	}
	return m
}

// attrsEqual compares attribute maps structurally. reflect.DeepEqual is
// fine here: attribute maps are small and this runs once per write.
func attrsEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
