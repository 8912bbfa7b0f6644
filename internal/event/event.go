package event

import "time"

// Origin tags where an event entered the system.
type Origin string

const (
	// OriginLocal marks events fired by this process.
	OriginLocal Origin = "local"

	// OriginRemote marks events replayed from another node (e.g. an MQTT
	// eventstream peer).
	OriginRemote Origin = "remote"
)

// Event is an immutable broadcast message.
//
// Events are created by New and never mutated afterwards; listeners all
// receive the same shared reference. Data is deep-copied at construction so
// the payload cannot be changed underneath subscribers by the publisher.
type Event struct {
	Topic     string
	Data      map[string]any
	Origin    Origin
	TimeFired time.Time
	Context   *Context
}

// New builds an Event.
//
// A zero fired time defaults to now. A nil context gets a fresh Context
// whose id is derived from the fire timestamp, keeping event ids
// chronologically sortable. The topic is assumed validated by the caller
// (the bus validates before building).
func New(topic string, data map[string]any, origin Origin, ctx *Context, fired time.Time) *Event {
	if fired.IsZero() {
		fired = time.Now().UTC()
	}
	if ctx == nil {
		ctx = NewContextAt(fired)
	}
	return &Event{
		Topic:     topic,
		Data:      deepCopyMap(data),
		Origin:    origin,
		TimeFired: fired,
		Context:   ctx,
	}
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		// Primitives (string, bool, int, float64, etc.) are safe to copy by value
		return v
	}
}

// CopyMap returns a deep copy of m. Exported for packages that hand maps
// across immutability boundaries (state attributes, service payloads).
func CopyMap(m map[string]any) map[string]any {
	return deepCopyMap(m)
}
