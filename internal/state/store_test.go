package state

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hearthline/hearth-core/internal/bus"
	"github.com/hearthline/hearth-core/internal/event"
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

func (r *recordingBus) last(t *testing.T) *event.Event {
	t.Helper()
	if len(r.events) == 0 {
		t.Fatal("no event published")
	}
	return r.events[len(r.events)-1]
}

func newTestStore() (*Store, *recordingBus) {
	rb := &recordingBus{}
	return New(rb, nil), rb
}

func TestValidateEntityID(t *testing.T) {
	tests := []struct {
		id      string
		wantErr bool
	}{
		{"light.kitchen", false},
		{"sensor.outdoor_temp_2", false},
		{"light", true},
		{"light.", true},
		{".kitchen", true},
		{"light.kitchen.extra", true},
		{"Light.Kitchen", true},
		{"light.kit chen", true},
		{"", true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			err := ValidateEntityID(tt.id)
			if tt.wantErr && !errors.Is(err, ErrInvalidEntityID) {
				t.Errorf("ValidateEntityID(%q) = %v, want ErrInvalidEntityID", tt.id, err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ValidateEntityID(%q) = %v, want nil", tt.id, err)
			}
		})
	}
}

func TestSetAndGet(t *testing.T) {
	s, rb := newTestStore()

	st, err := s.Set("light.kitchen", "on", WithAttributes(map[string]any{"brightness": 200}))
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if st.Status != "on" {
		t.Errorf("Status = %q, want %q", st.Status, "on")
	}
	if st.Attributes["brightness"] != 200 {
		t.Errorf(`Attributes["brightness"] = %v, want 200`, st.Attributes["brightness"])
	}

	// Case-normalised lookup addresses the same entity.
	if got := s.Get("Light.Kitchen"); got != st {
		t.Error("Get() with mixed case did not return the stored snapshot")
	}

	ev := rb.last(t)
	if ev.Topic != event.TopicStateChanged {
		t.Errorf("published topic = %q, want %q", ev.Topic, event.TopicStateChanged)
	}
	if ev.Data["old_state"] != nil {
		t.Errorf("old_state = %v on first write, want nil", ev.Data["old_state"])
	}
	newState, ok := ev.Data["new_state"].(map[string]any)
	if !ok {
		t.Fatalf("new_state = %T, want map", ev.Data["new_state"])
	}
	if newState["status"] != "on" {
		t.Errorf(`new_state["status"] = %v, want "on"`, newState["status"])
	}
}

func TestSetValidation(t *testing.T) {
	s, _ := newTestStore()

	if _, err := s.Set("not-an-id", "on"); !errors.Is(err, ErrInvalidEntityID) {
		t.Errorf("Set() error = %v, want ErrInvalidEntityID", err)
	}
	if _, err := s.Set("light.kitchen", ""); !errors.Is(err, ErrStatusEmpty) {
		t.Errorf("Set() error = %v, want ErrStatusEmpty", err)
	}
	long := strings.Repeat("x", MaxStatusLength+1)
	if _, err := s.Set("light.kitchen", long); !errors.Is(err, ErrStatusTooLong) {
		t.Errorf("Set() error = %v, want ErrStatusTooLong", err)
	}
}

func TestSetIdempotence(t *testing.T) {
	s, rb := newTestStore()

	attrs := map[string]any{"brightness": 128}
	first, err := s.Set("light.kitchen", "on", WithAttributes(attrs))
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	published := len(rb.events)

	t.Run("same write is a no-op", func(t *testing.T) {
		again, err := s.Set("light.kitchen", "on", WithAttributes(map[string]any{"brightness": 128}))
		if err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if again != first {
			t.Error("no-op write replaced the snapshot")
		}
		if len(rb.events) != published {
			t.Errorf("no-op write published %d extra events", len(rb.events)-published)
		}
	})

	t.Run("force fires event without moving LastChanged", func(t *testing.T) {
		forced, err := s.Set("light.kitchen", "on",
			WithAttributes(map[string]any{"brightness": 128}),
			WithForce(),
		)
		if err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if forced == first {
			t.Error("forced write did not install a new snapshot")
		}
		if !forced.LastChanged.Equal(first.LastChanged) {
			t.Errorf("LastChanged = %v, want %v", forced.LastChanged, first.LastChanged)
		}
		if !forced.LastUpdated.After(first.LastUpdated) && !forced.LastUpdated.Equal(first.LastUpdated) {
			t.Errorf("LastUpdated = %v did not advance from %v", forced.LastUpdated, first.LastUpdated)
		}
		if len(rb.events) != published+1 {
			t.Errorf("forced write published %d events, want 1", len(rb.events)-published)
		}
	})

	t.Run("attribute-only change keeps LastChanged", func(t *testing.T) {
		next, err := s.Set("light.kitchen", "on", WithAttributes(map[string]any{"brightness": 64}))
		if err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if !next.LastChanged.Equal(first.LastChanged) {
			t.Errorf("LastChanged = %v, want %v", next.LastChanged, first.LastChanged)
		}
	})

	t.Run("status change moves LastChanged", func(t *testing.T) {
		next, err := s.Set("light.kitchen", "off")
		if err != nil {
			t.Fatalf("Set() error = %v", err)
		}
		if next.LastChanged.Equal(first.LastChanged) {
			t.Error("LastChanged did not move on a status change")
		}
		if !next.LastChanged.Equal(next.LastUpdated) {
			t.Errorf("LastChanged = %v, want equal to LastUpdated %v", next.LastChanged, next.LastUpdated)
		}
	})
}

func TestOldSnapshotContextExpires(t *testing.T) {
	s, _ := newTestStore()

	ctx := event.NewContext()
	ctx.UserID = "user-1"
	first, err := s.Set("light.kitchen", "on", WithContext(ctx))
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	firstEvent := event.New(event.TopicStateChanged, nil, event.OriginLocal, ctx, time.Time{})
	ctx.SetOriginEvent(firstEvent)

	if _, err := s.Set("light.kitchen", "off"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	expired := first.Context()
	if expired.ID != ctx.ID {
		t.Errorf("expired context ID = %q, want %q", expired.ID, ctx.ID)
	}
	if expired.UserID != "user-1" {
		t.Errorf("expired context UserID = %q, want %q", expired.UserID, "user-1")
	}
	if expired.OriginEvent() != nil {
		t.Error("expired context still pins its origin event")
	}
}

func TestRemove(t *testing.T) {
	s, rb := newTestStore()

	if s.Remove("light.kitchen", nil) {
		t.Error("Remove() = true for unknown entity, want false")
	}
	if len(rb.events) != 0 {
		t.Errorf("removal of unknown entity published %d events", len(rb.events))
	}

	if _, err := s.Set("light.kitchen", "on"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if !s.Remove("light.kitchen", nil) {
		t.Fatal("Remove() = false, want true")
	}
	if s.Get("light.kitchen") != nil {
		t.Error("Get() returned a snapshot after removal")
	}

	ev := rb.last(t)
	if ev.Data["new_state"] != nil {
		t.Errorf("removal new_state = %v, want nil", ev.Data["new_state"])
	}
	if ev.Data["old_state"] == nil {
		t.Error("removal old_state is nil, want the removed snapshot")
	}
}

func TestReserve(t *testing.T) {
	s, rb := newTestStore()

	if err := s.Reserve("light.hall"); err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	if len(rb.events) != 0 {
		t.Errorf("reservation published %d events, want 0", len(rb.events))
	}

	if err := s.Reserve("light.hall"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("second Reserve() error = %v, want ErrAlreadyExists", err)
	}
	// Reservation is case-normalised too.
	if err := s.Reserve("Light.Hall"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Reserve() with mixed case error = %v, want ErrAlreadyExists", err)
	}

	// The first write consumes the reservation.
	if _, err := s.Set("light.hall", "off"); err != nil {
		t.Fatalf("Set() on reserved id error = %v", err)
	}
	if err := s.Reserve("light.hall"); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Reserve() on existing entity error = %v, want ErrAlreadyExists", err)
	}

	// Removal clears both snapshot and reservation.
	s.Remove("light.hall", nil)
	if err := s.Reserve("light.hall"); err != nil {
		t.Errorf("Reserve() after removal error = %v, want nil", err)
	}
}

func TestAllFiltersAndSorts(t *testing.T) {
	s, _ := newTestStore()

	for _, id := range []string{"switch.garage", "light.kitchen", "light.hall"} {
		if _, err := s.Set(id, "on"); err != nil {
			t.Fatalf("Set(%q) error = %v", id, err)
		}
	}

	all := s.All("")
	if len(all) != 3 {
		t.Fatalf("All(\"\") returned %d states, want 3", len(all))
	}
	wantOrder := []string{"light.hall", "light.kitchen", "switch.garage"}
	for i, want := range wantOrder {
		if all[i].EntityID != want {
			t.Errorf("All()[%d] = %q, want %q", i, all[i].EntityID, want)
		}
	}

	lights := s.All("LIGHT")
	if len(lights) != 2 {
		t.Fatalf("All(\"LIGHT\") returned %d states, want 2", len(lights))
	}

	ids := s.IDs("light")
	if len(ids) != 2 || ids[0] != "light.hall" || ids[1] != "light.kitchen" {
		t.Errorf("IDs(\"light\") = %v, want [light.hall light.kitchen]", ids)
	}

	if got := s.Count(); got != 3 {
		t.Errorf("Count() = %d, want 3", got)
	}
}

func TestAttributesAreIsolated(t *testing.T) {
	s, _ := newTestStore()

	attrs := map[string]any{"brightness": 100}
	st, err := s.Set("light.kitchen", "on", WithAttributes(attrs))
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	attrs["brightness"] = 0
	if st.Attributes["brightness"] != 100 {
		t.Errorf(`Attributes["brightness"] = %v after caller mutation, want 100`, st.Attributes["brightness"])
	}
}

func TestStateMap(t *testing.T) {
	var nilState *State
	if nilState.Map() != nil {
		t.Error("nil state Map() != nil")
	}

	s, _ := newTestStore()
	st, err := s.Set("light.kitchen", "on")
	if err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	m := st.Map()
	if m["entity_id"] != "light.kitchen" || m["status"] != "on" {
		t.Errorf("Map() = %v, want entity_id/status set", m)
	}
	if m["context_id"] == "" {
		t.Error("Map() context_id is empty")
	}
}
