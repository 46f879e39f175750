package event

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Listener receives every published event. Listeners run synchronously on the
// publishing goroutine, in registration order.
type Listener func(*JobEvent)

// Token identifies a bus subscription for later removal.
type Token uint64

// Bus is the process-local publish/subscribe primitive. Publish appends to
// the ring buffer first, then invokes listeners in registration order, so
// any event a listener delivers is already replayable.
//
// Listeners may call Subscribe and Unsubscribe from within a callback, but
// must not call Publish (publishes are serialized, a nested one deadlocks).
type Bus struct {
	logger *slog.Logger

	// pubMu serializes whole publishes so listener invocation order
	// matches buffer order even with concurrent publishers.
	pubMu sync.Mutex

	// mu guards the ring, listener list, and epoch watermark.
	mu        sync.Mutex
	ring      *Ring
	listeners []busListener
	nextToken Token
	lastEpoch int64

	published atomic.Int64
}

type busListener struct {
	token Token
	fn    Listener
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBufferCapacity sets the replay ring buffer capacity.
func WithBufferCapacity(n int) BusOption {
	return func(b *Bus) { b.ring = NewRing(n) }
}

// NewBus creates an event bus with the default buffer capacity.
func NewBus(logger *slog.Logger, opts ...BusOption) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger: logger,
		ring:   NewRing(DefaultBufferCapacity),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish stamps the event, appends it to the ring buffer (evicting the
// oldest entry at capacity), and invokes every listener with it. A
// panicking listener is recovered and logged; remaining listeners still
// receive the event. Publish never blocks on a listener's behalf beyond
// the listener's own synchronous work.
func (b *Bus) Publish(evt *JobEvent) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	b.mu.Lock()
	b.stampLocked(evt)
	b.ring.Append(evt)
	targets := make([]busListener, len(b.listeners))
	copy(targets, b.listeners)
	b.mu.Unlock()

	b.published.Add(1)

	for _, l := range targets {
		b.invoke(l, evt)
	}
}

// invoke runs one listener, isolating panics so a failing listener cannot
// prevent delivery to the rest.
func (b *Bus) invoke(l busListener, evt *JobEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				slog.Uint64("token", uint64(l.token)),
				slog.Any("panic", r))
		}
	}()
	l.fn(evt)
}

// stampLocked assigns EpochMs, clamped so the sequence never decreases,
// and backfills Timestamp from it when unset.
func (b *Bus) stampLocked(evt *JobEvent) {
	if evt.EpochMs == 0 {
		evt.EpochMs = time.Now().UnixMilli()
	}
	if evt.EpochMs < b.lastEpoch {
		evt.EpochMs = b.lastEpoch
	}
	b.lastEpoch = evt.EpochMs

	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.UnixMilli(evt.EpochMs).UTC()
	}
}

// Subscribe registers a listener and returns a token for Unsubscribe.
func (b *Bus) Subscribe(fn Listener) Token {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextToken++
	b.listeners = append(b.listeners, busListener{token: b.nextToken, fn: fn})
	return b.nextToken
}

// Unsubscribe removes a listener. Unknown or already-removed tokens are
// a no-op.
func (b *Bus) Unsubscribe(token Token) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, l := range b.listeners {
		if l.token == token {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			return
		}
	}
}

// EventsSince returns all buffered events with EpochMs >= epochMs, oldest
// first. A zero epochMs returns the whole buffer.
func (b *Bus) EventsSince(epochMs int64) []*JobEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.Since(epochMs)
}

// Stats returns bus counters.
func (b *Bus) Stats() BusStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BusStats{
		Buffered:  b.ring.Len(),
		Capacity:  b.ring.Cap(),
		Evicted:   b.ring.Evicted(),
		Listeners: len(b.listeners),
		Published: b.published.Load(),
	}
}

// BusStats contains bus metrics.
type BusStats struct {
	Buffered  int   `json:"buffered"`
	Capacity  int   `json:"capacity"`
	Evicted   int64 `json:"evicted"`
	Listeners int   `json:"listeners"`
	Published int64 `json:"published"`
}
