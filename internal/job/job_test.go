package job

import (
	"context"
	"errors"
	"testing"
)

func TestNewValidation(t *testing.T) {
	noop := func(context.Context, int) error { return nil }

	tests := []struct {
		name    string
		kind    Kind
		jobName string
		fn      func(context.Context, int) error
		wantErr bool
	}{
		{"valid immediate", Immediate, "test", noop, false},
		{"valid deferred", Deferred, "test", noop, false},
		{"valid blocking", Blocking, "test", noop, false},
		{"nil callable", Immediate, "test", nil, true},
		{"empty name", Immediate, "", noop, true},
		{"unknown kind", Kind(42), "test", noop, true},
		{"negative kind", Kind(-1), "test", noop, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, err := New(tt.kind, tt.jobName, tt.fn)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidJob) {
					t.Errorf("New() error = %v, want ErrInvalidJob", err)
				}
				if !j.IsZero() {
					t.Error("invalid registration returned non-zero job")
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v, want nil", err)
			}
			if j.Kind() != tt.kind {
				t.Errorf("Kind() = %v, want %v", j.Kind(), tt.kind)
			}
			if j.Name() != tt.jobName {
				t.Errorf("Name() = %q, want %q", j.Name(), tt.jobName)
			}
		})
	}
}

func TestKindIsFixedAtRegistration(t *testing.T) {
	j, err := NewBlocking("worker", func(context.Context, string) error { return nil })
	if err != nil {
		t.Fatalf("NewBlocking() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if j.Kind() != Blocking {
			t.Fatalf("Kind() = %v on call %d, want Blocking", j.Kind(), i)
		}
	}
}

func TestRun(t *testing.T) {
	t.Run("invokes callable with argument", func(t *testing.T) {
		var got string
		j, _ := NewImmediate("capture", func(_ context.Context, arg string) error {
			got = arg
			return nil
		})

		if err := j.Run(context.Background(), "hello"); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		if got != "hello" {
			t.Errorf("callable received %q, want %q", got, "hello")
		}
	})

	t.Run("propagates callable error", func(t *testing.T) {
		wantErr := errors.New("handler failed")
		j, _ := NewDeferred("failing", func(context.Context, string) error {
			return wantErr
		})

		if err := j.Run(context.Background(), "x"); !errors.Is(err, wantErr) {
			t.Errorf("Run() error = %v, want %v", err, wantErr)
		}
	})

	t.Run("zero job fails", func(t *testing.T) {
		var j Job[string]
		if err := j.Run(context.Background(), "x"); !errors.Is(err, ErrInvalidJob) {
			t.Errorf("Run() on zero job = %v, want ErrInvalidJob", err)
		}
	})
}

func TestKindString(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{Immediate, "immediate"},
		{Deferred, "deferred"},
		{Blocking, "blocking"},
		{Kind(9), "kind(9)"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("Kind(%d).String() = %q, want %q", int(tt.kind), got, tt.want)
		}
	}
}
