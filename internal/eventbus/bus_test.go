package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBus_DeliversToSubscribers(t *testing.T) {
	b := NewWithConfig(2, 10)

	var wg sync.WaitGroup
	var got atomic.Int32
	wg.Add(2)
	for range 2 {
		b.Subscribe(EventCommandSent, func(e Event) {
			if e.Data["target"] == "device/1" {
				got.Add(1)
			}
			wg.Done()
		})
	}
	b.Subscribe(EventScanCompleted, func(Event) {
		t.Error("handler for another event type called")
	})

	b.Publish(Event{Type: EventCommandSent, Data: map[string]any{"target": "device/1"}})
	wg.Wait()
	if got.Load() != 2 {
		t.Errorf("delivered to %d handlers, want 2", got.Load())
	}

	b.Close(context.Background())
}

func TestBus_SurvivesPanicsAndClose(t *testing.T) {
	b := NewWithConfig(1, 10)

	done := make(chan struct{})
	b.Subscribe(EventSnapshotPublished, func(e Event) {
		if e.Data == nil {
			panic("no data")
		}
		close(done)
	})

	b.Publish(Event{Type: EventSnapshotPublished})
	b.Publish(Event{Type: EventSnapshotPublished, Data: map[string]any{}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not recover from a panicking handler")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	b.Close(ctx)
	b.Close(ctx)

	// Publishing after Close is dropped, not a panic.
	b.Publish(Event{Type: EventSnapshotPublished, Data: map[string]any{}})
}

func TestBus_Clear(t *testing.T) {
	b := New()
	defer b.Close(context.Background())

	b.Subscribe(EventMembershipChanged, func(Event) { t.Error("handler called after Clear") })
	b.Clear()
	b.Publish(Event{Type: EventMembershipChanged})
}
