package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hearthline/hearth-core/internal/bus"
	"github.com/hearthline/hearth-core/internal/event"
	"github.com/hearthline/hearth-core/internal/job"
	"github.com/hearthline/hearth-core/internal/loop"
)

// recordingBus captures published events without a real loop behind it.
type recordingBus struct {
	events []*event.Event
}

func (r *recordingBus) Publish(topic string, data map[string]any, opts ...bus.PublishOption) (*event.Event, error) {
	ev := event.New(topic, data, event.OriginLocal, nil, time.Time{})
	r.events = append(r.events, ev)
	return ev, nil
}

func (r *recordingBus) topics() []string {
	topics := make([]string, len(r.events))
	for i, ev := range r.events {
		topics[i] = ev.Topic
	}
	return topics
}

// recordingLogger captures error messages so tests can assert on the
// supervision of detached handlers.
type recordingLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *recordingLogger) Debug(string, ...any) {}
func (l *recordingLogger) Info(string, ...any)  {}
func (l *recordingLogger) Warn(string, ...any)  {}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func (l *recordingLogger) lastError() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.msgs) == 0 {
		return ""
	}
	return l.msgs[len(l.msgs)-1]
}

func newTestRegistry(t *testing.T, defaultTimeout time.Duration) (*Registry, *recordingBus) {
	t.Helper()
	l := loop.New(loop.Options{})
	l.Start()
	t.Cleanup(l.Close)
	rb := &recordingBus{}
	return New(l, rb, nil, defaultTimeout), rb
}

func immediateHandler(t *testing.T, fn func(*Call) error) Handler {
	t.Helper()
	h, err := job.NewImmediate("handler", func(_ context.Context, call *Call) error {
		return fn(call)
	})
	if err != nil {
		t.Fatalf("NewImmediate() error = %v", err)
	}
	return h
}

func TestRegister(t *testing.T) {
	r, rb := newTestRegistry(t, 0)
	h := immediateHandler(t, func(*Call) error { return nil })

	t.Run("registers and announces", func(t *testing.T) {
		if err := r.Register("Light", "Turn_On", h, ""); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
		if !r.Has("light", "turn_on") {
			t.Error("Has() = false after Register")
		}
		// Registration keys are case-normalised.
		if !r.Has("LIGHT", "TURN_ON") {
			t.Error("Has() with mixed case = false")
		}
		if got := rb.topics(); len(got) != 1 || got[0] != event.TopicServiceRegistered {
			t.Errorf("published topics = %v, want [service_registered]", got)
		}
	})

	t.Run("rejects empty keys and zero handler", func(t *testing.T) {
		if err := r.Register("", "name", h, ""); !errors.Is(err, job.ErrInvalidJob) {
			t.Errorf("Register() error = %v, want ErrInvalidJob", err)
		}
		var zero Handler
		if err := r.Register("light", "toggle", zero, ""); !errors.Is(err, job.ErrInvalidJob) {
			t.Errorf("Register() error = %v, want ErrInvalidJob", err)
		}
	})

	t.Run("rejects malformed schema", func(t *testing.T) {
		err := r.Register("light", "dim", h, `{"type": `)
		if !errors.Is(err, ErrInvalidSchema) {
			t.Errorf("Register() error = %v, want ErrInvalidSchema", err)
		}
	})
}

func TestRemove(t *testing.T) {
	r, rb := newTestRegistry(t, 0)
	h := immediateHandler(t, func(*Call) error { return nil })

	if err := r.Register("light", "turn_on", h, ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	r.Remove("light", "turn_on")
	if r.Has("light", "turn_on") {
		t.Error("Has() = true after Remove")
	}
	topics := rb.topics()
	if topics[len(topics)-1] != event.TopicServiceRemoved {
		t.Errorf("last topic = %q, want %q", topics[len(topics)-1], event.TopicServiceRemoved)
	}

	// Removing again is a logged no-op, not an announcement.
	before := len(rb.events)
	r.Remove("light", "turn_on")
	if len(rb.events) != before {
		t.Error("removal of unknown service published an event")
	}

	// The whole domain entry is freed with its last service.
	if _, ok := r.Services()["light"]; ok {
		t.Error("empty domain survived in Services()")
	}
}

func TestServices(t *testing.T) {
	r, _ := newTestRegistry(t, 0)
	h := immediateHandler(t, func(*Call) error { return nil })

	for _, name := range []string{"turn_on", "toggle", "turn_off"} {
		if err := r.Register("light", name, h, ""); err != nil {
			t.Fatalf("Register(%q) error = %v", name, err)
		}
	}
	if err := r.Register("switch", "toggle", h, ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	services := r.Services()
	if len(services) != 2 {
		t.Fatalf("Services() has %d domains, want 2", len(services))
	}
	want := []string{"toggle", "turn_off", "turn_on"}
	got := services["light"]
	if len(got) != len(want) {
		t.Fatalf("light services = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("light services[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCallNotFound(t *testing.T) {
	r, _ := newTestRegistry(t, 0)

	_, err := r.Call(context.Background(), "light", "turn_on", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Call() error = %v, want ErrNotFound", err)
	}
}

func TestCallSchemaValidation(t *testing.T) {
	r, _ := newTestRegistry(t, 0)

	var ran bool
	h := immediateHandler(t, func(*Call) error { ran = true; return nil })
	schema := `{
		"type": "object",
		"properties": {
			"brightness": {"type": "integer", "minimum": 0, "maximum": 255}
		},
		"required": ["brightness"]
	}`
	if err := r.Register("light", "dim", h, schema); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	t.Run("invalid payload fails synchronously", func(t *testing.T) {
		_, err := r.Call(context.Background(), "light", "dim", map[string]any{"brightness": 999})
		if !errors.Is(err, ErrInvalidData) {
			t.Errorf("Call() error = %v, want ErrInvalidData", err)
		}
		if ran {
			t.Error("handler ran despite validation failure")
		}
	})

	t.Run("missing required field fails", func(t *testing.T) {
		_, err := r.Call(context.Background(), "light", "dim", nil)
		if !errors.Is(err, ErrInvalidData) {
			t.Errorf("Call() error = %v, want ErrInvalidData", err)
		}
	})

	t.Run("valid payload runs", func(t *testing.T) {
		completed, err := r.Call(context.Background(), "light", "dim", map[string]any{"brightness": 128})
		if err != nil {
			t.Fatalf("Call() error = %v", err)
		}
		if !completed {
			t.Error("Call() completed = false for immediate handler")
		}
		if !ran {
			t.Error("handler did not run")
		}
	})
}

func TestCallImmediateHandler(t *testing.T) {
	r, rb := newTestRegistry(t, 0)

	t.Run("error propagates synchronously", func(t *testing.T) {
		wantErr := errors.New("device offline")
		h := immediateHandler(t, func(*Call) error { return wantErr })
		if err := r.Register("light", "failing", h, ""); err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		completed, err := r.Call(context.Background(), "light", "failing", nil)
		if !errors.Is(err, wantErr) {
			t.Errorf("Call() error = %v, want %v", err, wantErr)
		}
		if completed {
			t.Error("Call() completed = true on failure")
		}
	})

	t.Run("panic becomes error", func(t *testing.T) {
		h := immediateHandler(t, func(*Call) error { panic("handler bug") })
		if err := r.Register("light", "panicky", h, ""); err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		if _, err := r.Call(context.Background(), "light", "panicky", nil); err == nil {
			t.Error("Call() error = nil, want panic error")
		}
	})

	t.Run("call_service fires before the handler", func(t *testing.T) {
		var announcedFirst bool
		h := immediateHandler(t, func(*Call) error {
			topics := rb.topics()
			announcedFirst = len(topics) > 0 && topics[len(topics)-1] == event.TopicCallService
			return nil
		})
		if err := r.Register("light", "observed", h, ""); err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		if _, err := r.Call(context.Background(), "light", "observed", nil); err != nil {
			t.Fatalf("Call() error = %v", err)
		}
		if !announcedFirst {
			t.Error("call_service event was not published before the handler ran")
		}
	})
}

func TestCallBlocking(t *testing.T) {
	r, _ := newTestRegistry(t, time.Second)

	t.Run("completes in time", func(t *testing.T) {
		h, err := job.NewBlocking("slowish", func(context.Context, *Call) error {
			time.Sleep(10 * time.Millisecond)
			return nil
		})
		if err != nil {
			t.Fatalf("NewBlocking() error = %v", err)
		}
		if err := r.Register("cover", "open", h, ""); err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		completed, err := r.Call(context.Background(), "cover", "open", nil, Blocking())
		if err != nil {
			t.Fatalf("Call() error = %v", err)
		}
		if !completed {
			t.Error("Call() completed = false, want true")
		}
	})

	t.Run("handler error propagates", func(t *testing.T) {
		wantErr := errors.New("motor stalled")
		h, err := job.NewBlocking("failing", func(context.Context, *Call) error {
			return wantErr
		})
		if err != nil {
			t.Fatalf("NewBlocking() error = %v", err)
		}
		if err := r.Register("cover", "close", h, ""); err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		completed, err := r.Call(context.Background(), "cover", "close", nil, Blocking())
		if !errors.Is(err, wantErr) {
			t.Errorf("Call() error = %v, want %v", err, wantErr)
		}
		if completed {
			t.Error("Call() completed = true on failure")
		}
	})

	t.Run("timeout detaches the handler", func(t *testing.T) {
		release := make(chan struct{})
		done := make(chan struct{})
		h, err := job.NewBlocking("stuck", func(context.Context, *Call) error {
			defer close(done)
			<-release
			return nil
		})
		if err != nil {
			t.Fatalf("NewBlocking() error = %v", err)
		}
		if err := r.Register("cover", "stuck", h, ""); err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		completed, err := r.Call(context.Background(), "cover", "stuck", nil,
			Blocking(), WithTimeout(20*time.Millisecond))
		if err != nil {
			t.Errorf("Call() error = %v, want nil on timeout", err)
		}
		if completed {
			t.Error("Call() completed = true, want false on timeout")
		}

		// The handler is detached, not killed.
		close(release)
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("detached handler never finished")
		}
	})

	t.Run("detached handler failure is logged, not raised", func(t *testing.T) {
		l := loop.New(loop.Options{})
		l.Start()
		t.Cleanup(l.Close)
		logger := &recordingLogger{}
		reg := New(l, &recordingBus{}, logger, time.Second)

		release := make(chan struct{})
		h, err := job.NewBlocking("jammed", func(context.Context, *Call) error {
			<-release
			return errors.New("actuator jammed")
		})
		if err != nil {
			t.Fatalf("NewBlocking() error = %v", err)
		}
		if err := reg.Register("cover", "jam", h, ""); err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		completed, err := reg.Call(context.Background(), "cover", "jam", nil,
			Blocking(), WithTimeout(20*time.Millisecond))
		if err != nil {
			t.Errorf("Call() error = %v, want nil on timeout", err)
		}
		if completed {
			t.Error("Call() completed = true, want false on timeout")
		}

		// The detached handler fails after the caller has moved on; the
		// failure reaches the supervision log and nothing else.
		close(release)
		deadline := time.After(time.Second)
		for logger.lastError() == "" {
			select {
			case <-deadline:
				t.Fatal("detached handler failure was never logged")
			case <-time.After(5 * time.Millisecond):
			}
		}
		if got := logger.lastError(); got != "background service call failed" {
			t.Errorf("logged error = %q, want %q", got, "background service call failed")
		}
	})

	t.Run("caller cancellation cancels the handler", func(t *testing.T) {
		h, err := job.NewBlocking("cancellable", func(ctx context.Context, _ *Call) error {
			<-ctx.Done()
			return ctx.Err()
		})
		if err != nil {
			t.Fatalf("NewBlocking() error = %v", err)
		}
		if err := r.Register("cover", "cancellable", h, ""); err != nil {
			t.Fatalf("Register() error = %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		completed, err := r.Call(ctx, "cover", "cancellable", nil, Blocking())
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Call() error = %v, want context.Canceled", err)
		}
		if completed {
			t.Error("Call() completed = true on cancellation")
		}
	})
}

func TestCallFireAndForget(t *testing.T) {
	r, _ := newTestRegistry(t, time.Second)

	ran := make(chan struct{})
	h, err := job.NewDeferred("async", func(context.Context, *Call) error {
		close(ran)
		return nil
	})
	if err != nil {
		t.Fatalf("NewDeferred() error = %v", err)
	}
	if err := r.Register("scene", "apply", h, ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	completed, err := r.Call(context.Background(), "scene", "apply", nil)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if completed {
		t.Error("Call() completed = true for fire-and-forget, want false")
	}

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("fire-and-forget handler never ran")
	}
}

func TestCallTargetAndContext(t *testing.T) {
	r, _ := newTestRegistry(t, 0)

	var got *Call
	h := immediateHandler(t, func(call *Call) error {
		got = call
		return nil
	})
	if err := r.Register("light", "turn_on", h, ""); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	ctx := event.NewContext()
	ctx.UserID = "user-9"
	data := map[string]any{"brightness": 200}

	if _, err := r.Call(context.Background(), "light", "turn_on", data,
		WithTarget(map[string]any{"entity_id": "light.kitchen"}),
		WithContext(ctx),
	); err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	if got.Data["entity_id"] != "light.kitchen" {
		t.Errorf(`Data["entity_id"] = %v, want "light.kitchen"`, got.Data["entity_id"])
	}
	if got.Data["brightness"] != 200 {
		t.Errorf(`Data["brightness"] = %v, want 200`, got.Data["brightness"])
	}
	if !got.Context.Equal(ctx) {
		t.Error("call does not carry the supplied context")
	}

	// The payload is a copy; caller mutation does not reach the call.
	data["brightness"] = 0
	if got.Data["brightness"] != 200 {
		t.Error("call payload shares memory with the caller's map")
	}
}
