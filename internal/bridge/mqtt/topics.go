package mqtt

import "strings"

// Topics builds the broker topic tree under a configurable base.
//
// Layout:
//
//	<base>/status                broker-visible runtime status (retained)
//	<base>/state/<entity_id>     mirrored entity state (retained)
//	<base>/event/<topic>         remote event injection
type Topics struct {
	Base string
}

// NewTopics returns a topic builder, defaulting the base to "hearth".
func NewTopics(base string) Topics {
	if base == "" {
		base = "hearth"
	}
	return Topics{Base: strings.TrimSuffix(base, "/")}
}

// Status returns the runtime status topic.
func (t Topics) Status() string {
	return t.Base + "/status"
}

// State returns the mirrored state topic for an entity.
func (t Topics) State(entityID string) string {
	return t.Base + "/state/" + entityID
}

// EventWildcard returns the subscription pattern for remote events.
func (t Topics) EventWildcard() string {
	return t.Base + "/event/#"
}

// EventTopic extracts the bus topic from a remote event broker topic.
// It returns "" when the broker topic is not under the event prefix.
func (t Topics) EventTopic(brokerTopic string) string {
	prefix := t.Base + "/event/"
	if !strings.HasPrefix(brokerTopic, prefix) {
		return ""
	}
	return strings.TrimPrefix(brokerTopic, prefix)
}
