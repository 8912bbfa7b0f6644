package event

// Well-known topics published by the runtime core.
//
// Lifecycle topics fire in order during startup and staged shutdown.
// TopicClose is special: it is delivered only to subscribers of that exact
// topic, bypassing wildcard subscriptions, so last-gasp cleanup events are
// not re-broadcast to generic loggers.
const (
	// TopicAll is the wildcard subscription topic matching every event
	// except TopicClose.
	TopicAll = "*"

	TopicStart      = "hearth_start"
	TopicStarted    = "hearth_started"
	TopicStop       = "hearth_stop"
	TopicFinalWrite = "hearth_final_write"
	TopicClose      = "hearth_close"

	TopicStateChanged      = "state_changed"
	TopicServiceRegistered = "service_registered"
	TopicServiceRemoved    = "service_removed"
	TopicCallService       = "call_service"
	TopicCoreConfigUpdated = "core_config_updated"
)

// MaxTopicLength is the maximum length of an event topic string.
const MaxTopicLength = 64

// ValidateTopic checks that a topic is publishable: non-empty, within the
// length cap, and not the wildcard.
func ValidateTopic(topic string) error {
	switch {
	case topic == "":
		return ErrTopicEmpty
	case topic == TopicAll:
		return ErrTopicReserved
	case len(topic) > MaxTopicLength:
		return ErrTopicTooLong
	}
	return nil
}
