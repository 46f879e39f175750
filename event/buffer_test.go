package event

import (
	"fmt"
	"testing"
)

func TestRingAppendAndSince(t *testing.T) {
	t.Parallel()

	r := NewRing(4)
	for i := 1; i <= 3; i++ {
		r.Append(testEvent(fmt.Sprintf("job-%d", i), int64(i*100)))
	}

	got := r.Since(200)
	if len(got) != 2 {
		t.Fatalf("Since(200) returned %d events, want 2", len(got))
	}
	if got[0].ID != "job-2" || got[1].ID != "job-3" {
		t.Errorf("Since(200) = [%s %s], want [job-2 job-3]", got[0].ID, got[1].ID)
	}
}

func TestRingEviction(t *testing.T) {
	t.Parallel()

	const capacity = 8
	r := NewRing(capacity)

	// Publish capacity + M events; exactly the most recent capacity remain.
	const extra = 5
	for i := 0; i < capacity+extra; i++ {
		r.Append(testEvent(fmt.Sprintf("job-%d", i), int64(i)))
	}

	got := r.Since(0)
	if len(got) != capacity {
		t.Fatalf("Since(0) returned %d events, want %d", len(got), capacity)
	}
	for i, evt := range got {
		if want := fmt.Sprintf("job-%d", extra+i); evt.ID != want {
			t.Errorf("got[%d] = %q, want %q", i, evt.ID, want)
		}
	}
	if r.Evicted() != extra {
		t.Errorf("Evicted = %d, want %d", r.Evicted(), extra)
	}
}

func TestRingSinceBeyondBuffer(t *testing.T) {
	t.Parallel()

	r := NewRing(2)
	r.Append(testEvent("job-1", 100))
	r.Append(testEvent("job-2", 200))
	r.Append(testEvent("job-3", 300)) // evicts job-1

	// Requesting history older than the buffer returns only what is held,
	// with no gap markers.
	got := r.Since(50)
	if len(got) != 2 {
		t.Fatalf("Since(50) returned %d events, want 2", len(got))
	}
	if got[0].ID != "job-2" {
		t.Errorf("oldest surviving event = %q, want job-2", got[0].ID)
	}
}

func TestRingDefaultCapacity(t *testing.T) {
	t.Parallel()

	r := NewRing(0)
	if r.Cap() != DefaultBufferCapacity {
		t.Errorf("Cap = %d, want %d", r.Cap(), DefaultBufferCapacity)
	}
}
