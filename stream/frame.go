// Package stream owns the set of live Server-Sent-Events connections and
// routes job events to the subset scoped to each server.
package stream

import (
	"io"
	"time"
)

// SSE event types on the wire.
const (
	EventHello = "hello"
	EventJob   = "job"
	EventPing  = "ping"
)

// HelloPayload is the body of the synthetic hello event sent when a
// connection is registered, before any real event.
type HelloPayload struct {
	Timestamp time.Time `json:"timestamp"`
	EpochMs   int64     `json:"epochMs"`
}

// PingPayload is the body of the periodic heartbeat event.
type PingPayload struct {
	EpochMs int64 `json:"epochMs"`
}

// WriteFrame writes one SSE frame. The byte layout is fixed by the wire
// protocol and must not change:
//
//	event: <type>\n
//	data: <JSON-encoded payload>\n
//	\n
func WriteFrame(w io.Writer, eventType string, data []byte) error {
	buf := make([]byte, 0, len(eventType)+len(data)+16)
	buf = append(buf, "event: "...)
	buf = append(buf, eventType...)
	buf = append(buf, '\n')
	buf = append(buf, "data: "...)
	buf = append(buf, data...)
	buf = append(buf, '\n', '\n')

	_, err := w.Write(buf)
	return err
}
