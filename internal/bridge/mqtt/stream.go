package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hearthline/hearth-core/internal/bus"
	"github.com/hearthline/hearth-core/internal/event"
	"github.com/hearthline/hearth-core/internal/job"
)

// injectTimeout bounds how long a remote event waits for the runtime loop.
const injectTimeout = 5 * time.Second

// blockedTopics are bus topics a remote broker message may never inject.
// Lifecycle transitions belong to the runtime alone.
var blockedTopics = map[string]struct{}{
	event.TopicStart:             {},
	event.TopicStarted:           {},
	event.TopicStop:              {},
	event.TopicFinalWrite:        {},
	event.TopicClose:             {},
	event.TopicCoreConfigUpdated: {},
	event.TopicStateChanged:      {},
}

// Runner marshals work onto the runtime loop. Satisfied by core.Core.
type Runner interface {
	RunSync(ctx context.Context, name string, fn func() error) error
}

// StreamLogger is the logging interface used by the Stream.
type StreamLogger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Stream mirrors runtime state to the broker and injects remote events.
//
// Outbound: every state_changed event publishes the new state as a retained
// message on <base>/state/<entity_id>, so broker subscribers always see the
// current state. Inbound: JSON payloads on <base>/event/<topic> are
// published to the bus with remote origin; lifecycle topics are refused.
type Stream struct {
	client *Client
	bus    *bus.Bus
	runner Runner
	logger StreamLogger

	unsubscribe func()
}

// NewStream wires a stream over an already-connected client.
func NewStream(client *Client, b *bus.Bus, runner Runner, logger StreamLogger) *Stream {
	return &Stream{
		client: client,
		bus:    b,
		runner: runner,
		logger: logger,
	}
}

// Attach starts both directions: the bus subscription for outbound state
// and the broker subscription for inbound events.
func (s *Stream) Attach() error {
	j, err := job.NewDeferred("mqtt:statestream", func(ctx context.Context, ev *event.Event) error {
		return s.mirrorState(ev)
	})
	if err != nil {
		return err
	}

	unsubscribe, err := s.bus.Subscribe(event.TopicStateChanged, j)
	if err != nil {
		return fmt.Errorf("subscribing statestream: %w", err)
	}
	s.unsubscribe = unsubscribe

	wildcard := s.client.Topics().EventWildcard()
	if err := s.client.Subscribe(wildcard, byte(s.client.cfg.QoS), s.handleRemoteEvent); err != nil {
		unsubscribe()
		s.unsubscribe = nil
		return fmt.Errorf("subscribing eventstream: %w", err)
	}

	s.logger.Info("mqtt stream attached", "event_topic", wildcard)
	return nil
}

// Detach stops both directions. The client connection stays open.
func (s *Stream) Detach() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if err := s.client.Unsubscribe(s.client.Topics().EventWildcard()); err != nil {
		s.logger.Warn("failed to unsubscribe eventstream", "error", err)
	}
}

// mirrorState publishes the new state of a state_changed event. A removed
// entity clears the retained message with an empty payload.
func (s *Stream) mirrorState(ev *event.Event) error {
	entityID, _ := ev.Data["entity_id"].(string)
	if entityID == "" {
		return nil
	}

	topic := s.client.Topics().State(entityID)

	newState, ok := ev.Data["new_state"].(map[string]any)
	if !ok || newState == nil {
		return s.client.PublishRetained(topic, nil)
	}

	payload, err := json.Marshal(newState)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}
	return s.client.PublishRetained(topic, payload)
}

// handleRemoteEvent runs on a paho goroutine; the actual publish is
// marshalled onto the runtime loop.
func (s *Stream) handleRemoteEvent(brokerTopic string, payload []byte) error {
	topic := s.client.Topics().EventTopic(brokerTopic)
	if topic == "" {
		return nil
	}
	if _, blocked := blockedTopics[topic]; blocked {
		s.logger.Warn("refusing remote lifecycle event", "topic", topic)
		return nil
	}

	var data map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &data); err != nil {
			return fmt.Errorf("parsing remote event payload: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), injectTimeout)
	defer cancel()

	return s.runner.RunSync(ctx, "mqtt:event:"+topic, func() error {
		_, err := s.bus.Publish(topic, data, bus.WithOrigin(event.OriginRemote))
		return err
	})
}
