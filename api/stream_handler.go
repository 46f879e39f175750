package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/xraph/jobstream/stream"
)

// ginSink adapts gin's ResponseWriter to the stream.Sink contract. It is
// handed to exactly one Conn, which owns all writes for the connection.
type ginSink struct {
	w gin.ResponseWriter
}

func (s ginSink) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s ginSink) Flush() error {
	s.w.Flush()
	return nil
}

// streamEvents upgrades a GET request into a long-lived SSE stream.
//
// Sequence: hello, then replay of buffered events since the client's
// watermark, then live fanout plus periodic pings, until the client goes
// away. The request context closing is the only teardown path.
func (a *API) streamEvents(c *gin.Context) {
	scope := c.Param("serverId")
	if scope == "" {
		scope = c.Query("serverId")
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	// Tells nginx and friends not to buffer the response.
	h.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	// No-op write so intermediaries flush the headers right away.
	if _, err := c.Writer.Write([]byte("\n")); err != nil {
		return
	}
	c.Writer.Flush()

	conn := stream.NewConn(scope, ginSink{w: c.Writer})
	registry := a.relay.Registry()
	if err := registry.Add(conn); err != nil {
		a.logger.Debug("stream rejected at hello",
			slog.String("error", err.Error()))
		return
	}
	defer registry.Remove(conn.ID().String())

	// Resume path: replay buffered history before going live, so a live
	// event can never overtake a replayed one on this connection.
	if since, ok := parseSince(c.Query("since")); ok {
		for _, evt := range a.relay.Bus().EventsSince(since) {
			if scope != "" && evt.ScopeID != scope {
				continue
			}
			if err := conn.Send(stream.EventJob, evt); err != nil {
				return
			}
		}
	}
	conn.SetLive()

	a.logger.Debug("stream attached",
		slog.String("conn", conn.ID().String()),
		slog.String("scope", scope))

	// Connections live as long as the client holds them open.
	<-c.Request.Context().Done()
}

// parseSince interprets the since query parameter as an epoch-millisecond
// watermark. Absent or non-numeric values mean "no replay requested",
// never an error.
func parseSince(raw string) (int64, bool) {
	if raw == "" {
		return 0, false
	}
	since, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || since < 0 {
		return 0, false
	}
	return since, true
}
