package event

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Context identifies the causal chain of actions an event, state change or
// service call belongs to.
//
// The ID is a UUIDv7 built at a specific timestamp, so ids sort
// chronologically. ParentID links to the Context that triggered this one,
// enabling causal-chain reconstruction. UserID identifies the acting user,
// if any.
//
// The origin event back-reference is set once (by the bus, when the first
// event of a chain is published) and read-only afterwards. It is dropped
// when a state snapshot expires, so replaced snapshots do not retain the
// whole event history of their chain.
type Context struct {
	ID       string
	ParentID string
	UserID   string

	origin atomic.Pointer[Event]
}

// NewContext creates a Context with a fresh time-ordered id.
func NewContext() *Context {
	return NewContextAt(time.Now().UTC())
}

// NewContextAt creates a Context whose id is derived from the given
// timestamp, keeping ids sortable by the time of the action they identify.
func NewContextAt(t time.Time) *Context {
	return &Context{ID: idAt(t)}
}

// NewChildContext creates a Context caused by parent. The child carries a
// fresh id, the parent's id as ParentID, and the parent's acting user.
// A nil parent yields a fresh root context.
func NewChildContext(parent *Context) *Context {
	if parent == nil {
		return NewContext()
	}
	return &Context{
		ID:       idAt(time.Now().UTC()),
		ParentID: parent.ID,
		UserID:   parent.UserID,
	}
}

// Equal reports whether two contexts identify the same action.
// Contexts are equal iff their ids are equal.
func (c *Context) Equal(other *Context) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.ID == other.ID
}

// OriginEvent returns the event that originated this context's causal
// chain, or nil if none has been recorded.
func (c *Context) OriginEvent() *Event {
	return c.origin.Load()
}

// SetOriginEvent records the originating event for this context.
// The reference is set once: the first call wins and returns true,
// later calls are no-ops returning false.
func (c *Context) SetOriginEvent(ev *Event) bool {
	return c.origin.CompareAndSwap(nil, ev)
}

// idAt builds a UUIDv7-layout id whose leading 48 bits are the millisecond
// timestamp of t. Randomness comes from a v4 UUID; the version and variant
// bits are then patched to v7 so the result sorts by time.
func idAt(t time.Time) string {
	id := uuid.New()

	ms := uint64(t.UnixMilli()) //nolint:gosec // millisecond epoch fits 48 bits until the year 10889
	id[0] = byte(ms >> 40)
	id[1] = byte(ms >> 32)
	id[2] = byte(ms >> 24)
	id[3] = byte(ms >> 16)
	id[4] = byte(ms >> 8)
	id[5] = byte(ms)

	id[6] = (id[6] & 0x0F) | 0x70 // version 7
	id[8] = (id[8] & 0x3F) | 0x80 // RFC 4122 variant

	return id.String()
}
