package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loomhq/loom/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  "error",
		Format: "json",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestMemoryEventBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	ctx := context.Background()
	received := make(chan *Event, 1)

	sub, err := b.Subscribe("run.created.thread-1", func(ctx context.Context, event *Event) error {
		received <- event
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	event := NewEvent("run.created", "scheduler", map[string]interface{}{"run_id": "r1"})
	if err := b.Publish(ctx, "run.created.thread-1", event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case e := <-received:
		if e.ID != event.ID {
			t.Errorf("event id = %s, want %s", e.ID, event.ID)
		}
		if e.Data["run_id"] != "r1" {
			t.Errorf("data = %v", e.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestMemoryEventBusWildcards(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		subject string
		match   bool
	}{
		{"exact", "run.created.t1", "run.created.t1", true},
		{"exact miss", "run.created.t1", "run.created.t2", false},
		{"star matches one token", "run.created.*", "run.created.t1", true},
		{"star needs the token", "run.created.*", "run.created", false},
		{"star mid-subject", "run.*.t1", "run.completed.t1", true},
		{"star mid-subject miss", "run.*.t1", "run.completed.t2", false},
		{"gt matches rest", "run.>", "run.completed.t1", true},
		{"gt matches deeper", "run.>", "run.completed.t1.extra", true},
		{"gt misses other roots", "run.>", "thread.status_changed.t1", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewMemoryEventBus(newTestLogger(t))
			defer b.Close()

			received := make(chan *Event, 1)
			sub, err := b.Subscribe(tt.pattern, func(ctx context.Context, event *Event) error {
				received <- event
				return nil
			})
			if err != nil {
				t.Fatalf("subscribe: %v", err)
			}
			defer func() { _ = sub.Unsubscribe() }()

			if err := b.Publish(context.Background(), tt.subject, NewEvent("run.test", "test", nil)); err != nil {
				t.Fatalf("publish: %v", err)
			}

			select {
			case <-received:
				if !tt.match {
					t.Errorf("pattern %q matched %q, should not", tt.pattern, tt.subject)
				}
			case <-time.After(200 * time.Millisecond):
				if tt.match {
					t.Errorf("pattern %q did not match %q", tt.pattern, tt.subject)
				}
			}
		})
	}
}

func TestMemoryEventBusFanOut(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count int32
	for i := 0; i < 3; i++ {
		sub, err := b.Subscribe("run.completed.t1", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	if err := b.Publish(context.Background(), "run.completed.t1", NewEvent("run.completed", "test", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&count); got != 3 {
		t.Errorf("handlers called = %d, want 3", got)
	}
}

func TestMemoryEventBusQueueGroupSingleDelivery(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count int32
	for i := 0; i < 3; i++ {
		sub, err := b.QueueSubscribe("run.completed.*", "webhooks", func(ctx context.Context, event *Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
		if err != nil {
			t.Fatalf("queue subscribe %d: %v", i, err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	for i := 0; i < 5; i++ {
		if err := b.Publish(context.Background(), "run.completed.t1", NewEvent("run.completed", "test", nil)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	time.Sleep(100 * time.Millisecond)
	if got := atomic.LoadInt32(&count); got != 5 {
		t.Errorf("queue deliveries = %d, want 5 (one per event)", got)
	}
}

func TestMemoryEventBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	defer b.Close()

	var count int32
	sub, err := b.Subscribe("run.created.t1", func(ctx context.Context, event *Event) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if !sub.IsValid() {
		t.Error("expected subscription to be valid")
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if sub.IsValid() {
		t.Error("expected subscription to be invalid after unsubscribe")
	}

	if err := b.Publish(context.Background(), "run.created.t1", NewEvent("run.created", "test", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if got := atomic.LoadInt32(&count); got != 0 {
		t.Errorf("handler called %d times after unsubscribe", got)
	}
}

func TestMemoryEventBusClose(t *testing.T) {
	b := NewMemoryEventBus(newTestLogger(t))
	if !b.IsConnected() {
		t.Error("expected open bus to report connected")
	}

	b.Close()
	if b.IsConnected() {
		t.Error("expected closed bus to report disconnected")
	}
	if err := b.Publish(context.Background(), "run.created.t1", NewEvent("run.created", "test", nil)); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
	if _, err := b.Subscribe("run.created.t1", func(ctx context.Context, event *Event) error { return nil }); err == nil {
		t.Error("expected subscribe on closed bus to fail")
	}
}
