package event

import "errors"

// Domain errors for the event package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, event.ErrTopicTooLong) {
//	    // handle oversized topic
//	}
var (
	// ErrTopicEmpty is returned when a topic string is empty.
	ErrTopicEmpty = errors.New("event: topic cannot be empty")

	// ErrTopicTooLong is returned when a topic exceeds MaxTopicLength.
	ErrTopicTooLong = errors.New("event: topic exceeds maximum length")

	// ErrTopicReserved is returned when publishing to the wildcard topic.
	ErrTopicReserved = errors.New("event: cannot publish to the wildcard topic")
)
