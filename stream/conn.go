package stream

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/jobstream/id"
)

// Sink is the exclusive write capability over one connection's underlying
// stream. No component other than the owning Conn may write to it.
type Sink interface {
	// Write appends raw frame bytes to the stream.
	Write(p []byte) (int, error)

	// Flush pushes buffered bytes to the client. SSE depends on frames
	// reaching the socket promptly, not sitting in a response buffer.
	Flush() error
}

// Conn is one open streaming session. It is created when the HTTP stream
// request is accepted and destroyed when the client disconnects; never
// reused across requests.
type Conn struct {
	id        id.ID
	scopeID   string
	sink      Sink
	createdAt time.Time

	// mu serializes frame writes: fanout and heartbeat must not
	// interleave bytes on the same socket.
	mu sync.Mutex

	// live gates job fanout. A connection replaying history is not live
	// yet; hello and ping frames are written regardless.
	live atomic.Bool

	sent atomic.Int64
}

// NewConn creates a connection bound to a scope. The scope is immutable
// for the connection's lifetime. The empty scope watches all servers.
func NewConn(scopeID string, sink Sink) *Conn {
	return &Conn{
		id:        id.NewConnID(),
		scopeID:   scopeID,
		sink:      sink,
		createdAt: time.Now().UTC(),
	}
}

// ID returns the connection identifier.
func (c *Conn) ID() id.ID { return c.id }

// ScopeID returns the server scope this connection is bound to.
func (c *Conn) ScopeID() string { return c.scopeID }

// CreatedAt returns when the connection was accepted. Diagnostics only;
// delivery never consults it.
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// Send marshals the payload and writes one SSE frame, flushing it to the
// client. An error means the sink is dead and the connection should be
// removed.
func (c *Conn) Send(eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("stream: marshal %s payload: %w", eventType, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := WriteFrame(c.sink, eventType, data); err != nil {
		return err
	}
	if err := c.sink.Flush(); err != nil {
		return err
	}
	c.sent.Add(1)
	return nil
}

// SetLive marks the connection ready for live fanout. The stream handler
// calls this after replay completes, so a live event can never overtake a
// still-in-flight replayed one.
func (c *Conn) SetLive() { c.live.Store(true) }

// IsLive reports whether the connection receives live job fanout.
func (c *Conn) IsLive() bool { return c.live.Load() }

// Sent returns how many frames were written to this connection.
func (c *Conn) Sent() int64 { return c.sent.Load() }
