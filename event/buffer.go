package event

// DefaultBufferCapacity is the ring buffer size used when none is configured.
const DefaultBufferCapacity = 256

// Ring is a bounded FIFO of the most recent events. At capacity, appending
// evicts the oldest entry. It exists only to serve "events since T" on
// reconnect; it is not a durable log.
//
// Ring is not safe for concurrent use; the Bus serializes access to it.
type Ring struct {
	buf     []*JobEvent
	head    int // index of the oldest entry
	size    int
	evicted int64
}

// NewRing creates a ring buffer with the given capacity.
// A non-positive capacity falls back to DefaultBufferCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &Ring{buf: make([]*JobEvent, capacity)}
}

// Append adds an event, evicting the oldest entry when full.
func (r *Ring) Append(evt *JobEvent) {
	if r.size < len(r.buf) {
		r.buf[(r.head+r.size)%len(r.buf)] = evt
		r.size++
		return
	}

	// Full: overwrite the oldest slot and advance the head.
	r.buf[r.head] = evt
	r.head = (r.head + 1) % len(r.buf)
	r.evicted++
}

// Since returns all buffered events with EpochMs >= epochMs, oldest first.
// Arrival order is the tiebreak for equal timestamps. If the buffer does
// not reach back far enough, only what is held is returned.
func (r *Ring) Since(epochMs int64) []*JobEvent {
	out := make([]*JobEvent, 0, r.size)
	for i := 0; i < r.size; i++ {
		evt := r.buf[(r.head+i)%len(r.buf)]
		if evt.EpochMs >= epochMs {
			out = append(out, evt)
		}
	}
	return out
}

// Len returns the number of buffered events.
func (r *Ring) Len() int { return r.size }

// Cap returns the fixed capacity.
func (r *Ring) Cap() int { return len(r.buf) }

// Evicted returns how many events have been dropped to make room.
func (r *Ring) Evicted() int64 { return r.evicted }
