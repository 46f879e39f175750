package event

import (
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testEvent(jobID string, epochMs int64) *JobEvent {
	return &JobEvent{
		ID:      jobID,
		Name:    "generate-stats",
		State:   StateCompleted,
		ScopeID: "srv-1",
		EpochMs: epochMs,
	}
}

func TestBusPublishDeliversInOrder(t *testing.T) {
	t.Parallel()

	b := NewBus(testLogger())

	var got []string
	b.Subscribe(func(evt *JobEvent) {
		got = append(got, evt.ID)
	})

	for i := 0; i < 5; i++ {
		b.Publish(testEvent(fmt.Sprintf("job-%d", i), int64(100+i)))
	}

	if len(got) != 5 {
		t.Fatalf("delivered %d events, want 5", len(got))
	}
	for i, jobID := range got {
		if want := fmt.Sprintf("job-%d", i); jobID != want {
			t.Errorf("got[%d] = %q, want %q", i, jobID, want)
		}
	}
}

func TestBusListenerOrderIsRegistrationOrder(t *testing.T) {
	t.Parallel()

	b := NewBus(testLogger())

	var order []int
	b.Subscribe(func(*JobEvent) { order = append(order, 1) })
	b.Subscribe(func(*JobEvent) { order = append(order, 2) })
	b.Subscribe(func(*JobEvent) { order = append(order, 3) })

	b.Publish(testEvent("job-1", 100))

	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("invoked %d listeners, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %d, want %d", i, order[i], want[i])
		}
	}
}

func TestBusListenerPanicIsolation(t *testing.T) {
	t.Parallel()

	b := NewBus(testLogger())

	var before, after int
	b.Subscribe(func(*JobEvent) { before++ })
	b.Subscribe(func(*JobEvent) { panic("listener exploded") })
	b.Subscribe(func(*JobEvent) { after++ })

	b.Publish(testEvent("job-1", 100))

	if before != 1 {
		t.Errorf("listener before the panicking one received %d events, want 1", before)
	}
	if after != 1 {
		t.Errorf("listener after the panicking one received %d events, want 1", after)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	t.Parallel()

	b := NewBus(testLogger())

	var n int
	token := b.Subscribe(func(*JobEvent) { n++ })

	b.Publish(testEvent("job-1", 100))
	b.Unsubscribe(token)
	b.Publish(testEvent("job-2", 200))

	if n != 1 {
		t.Errorf("received %d events after unsubscribe, want 1", n)
	}

	// Double-unsubscribe and unknown tokens are no-ops.
	b.Unsubscribe(token)
	b.Unsubscribe(Token(9999))
}

func TestBusEventsSince(t *testing.T) {
	t.Parallel()

	b := NewBus(testLogger())

	b.Publish(testEvent("job-1", 100))
	b.Publish(testEvent("job-2", 200))
	b.Publish(testEvent("job-3", 300))

	got := b.EventsSince(200)
	if len(got) != 2 {
		t.Fatalf("EventsSince(200) returned %d events, want 2", len(got))
	}
	if got[0].ID != "job-2" || got[1].ID != "job-3" {
		t.Errorf("EventsSince(200) = [%s %s], want [job-2 job-3]", got[0].ID, got[1].ID)
	}

	if all := b.EventsSince(0); len(all) != 3 {
		t.Errorf("EventsSince(0) returned %d events, want 3", len(all))
	}
}

func TestBusEpochMonotonic(t *testing.T) {
	t.Parallel()

	b := NewBus(testLogger())

	b.Publish(testEvent("job-1", 500))
	// A lagging producer clock must not move the watermark backwards.
	late := testEvent("job-2", 100)
	b.Publish(late)

	if late.EpochMs < 500 {
		t.Errorf("EpochMs = %d, want >= 500", late.EpochMs)
	}

	got := b.EventsSince(500)
	if len(got) != 2 {
		t.Errorf("EventsSince(500) returned %d events, want 2 (ties resume)", len(got))
	}
}

func TestBusAssignsEpochAndTimestamp(t *testing.T) {
	t.Parallel()

	b := NewBus(testLogger())

	evt := &JobEvent{ID: "job-1", Name: "sync-users", State: StateStarted, ScopeID: "srv-1"}
	before := time.Now().UnixMilli()
	b.Publish(evt)
	after := time.Now().UnixMilli()

	if evt.EpochMs < before || evt.EpochMs > after {
		t.Errorf("EpochMs = %d, want within [%d, %d]", evt.EpochMs, before, after)
	}
	if evt.Timestamp.IsZero() {
		t.Error("Timestamp not backfilled")
	}
}

func TestBusStats(t *testing.T) {
	t.Parallel()

	b := NewBus(testLogger(), WithBufferCapacity(2))
	b.Subscribe(func(*JobEvent) {})

	for i := 0; i < 3; i++ {
		b.Publish(testEvent(fmt.Sprintf("job-%d", i), int64(100+i)))
	}

	stats := b.Stats()
	if stats.Buffered != 2 {
		t.Errorf("Buffered = %d, want 2", stats.Buffered)
	}
	if stats.Capacity != 2 {
		t.Errorf("Capacity = %d, want 2", stats.Capacity)
	}
	if stats.Evicted != 1 {
		t.Errorf("Evicted = %d, want 1", stats.Evicted)
	}
	if stats.Listeners != 1 {
		t.Errorf("Listeners = %d, want 1", stats.Listeners)
	}
	if stats.Published != 3 {
		t.Errorf("Published = %d, want 3", stats.Published)
	}
}
