package client_test

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/jobstream/client"
	"github.com/xraph/jobstream/event"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeFrame(t *testing.T, w http.ResponseWriter, eventType, data string) {
	t.Helper()
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data); err != nil {
		t.Logf("write frame: %v", err)
	}
	w.(http.Flusher).Flush()
}

func TestClientReceivesEvents(t *testing.T) {
	t.Parallel()

	hold := make(chan struct{})
	defer close(hold)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		writeFrame(t, w, "hello", `{"epochMs":1}`)
		writeFrame(t, w, "job", `{"id":"job-1","name":"scan","state":"started","serverId":"srv-1","epochMs":100}`)
		writeFrame(t, w, "ping", `{"epochMs":150}`)
		writeFrame(t, w, "job", `{"id":"job-1","name":"scan","state":"completed","serverId":"srv-1","epochMs":200}`)
		select {
		case <-hold:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	events := make(chan *event.JobEvent, 8)
	c, err := client.Dial(srv.URL, func(evt *event.JobEvent) { events <- evt },
		client.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	for _, want := range []event.State{event.StateStarted, event.StateCompleted} {
		select {
		case evt := <-events:
			if evt.State != want || evt.ID != "job-1" {
				t.Fatalf("got %s/%s, want job-1/%s", evt.ID, evt.State, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
	if got := c.Watermark(); got != 200 {
		t.Fatalf("watermark = %d, want 200", got)
	}
}

func TestClientReconnectsWithWatermark(t *testing.T) {
	t.Parallel()

	sinces := make(chan string, 4)
	hold := make(chan struct{})
	defer close(hold)
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sinces <- r.URL.Query().Get("since")
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		if requests.Add(1) == 1 {
			writeFrame(t, w, "job", `{"id":"job-7","name":"scan","state":"completed","serverId":"srv-1","epochMs":500}`)
			return
		}
		select {
		case <-hold:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c, err := client.Dial(srv.URL, func(*event.JobEvent) {},
		client.WithLogger(testLogger()),
		client.WithReconnectDelay(20*time.Millisecond))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if got := <-sinces; got != "" {
		t.Fatalf("first connect since = %q, want empty", got)
	}
	select {
	case got := <-sinces:
		if got != "500" {
			t.Fatalf("reconnect since = %q, want 500", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reconnect")
	}
	if c.Stats().Reconnects == 0 {
		t.Fatal("reconnects counter not incremented")
	}
}

func TestClientSkipsMalformedFrames(t *testing.T) {
	t.Parallel()

	hold := make(chan struct{})
	defer close(hold)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		writeFrame(t, w, "job", `{not json`)
		writeFrame(t, w, "job", `{"id":"job-ok","name":"scan","state":"completed","serverId":"srv-1","epochMs":300}`)
		select {
		case <-hold:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	events := make(chan *event.JobEvent, 4)
	c, err := client.Dial(srv.URL, func(evt *event.JobEvent) { events <- evt },
		client.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	select {
	case evt := <-events:
		if evt.ID != "job-ok" {
			t.Fatalf("delivered %q, want job-ok", evt.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for valid event")
	}
	if got := c.Stats().Malformed; got != 1 {
		t.Fatalf("malformed = %d, want 1", got)
	}
}

func TestClientWatermarkFallsBackToLocalTime(t *testing.T) {
	t.Parallel()

	hold := make(chan struct{})
	defer close(hold)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		writeFrame(t, w, "job", `{"id":"job-1","name":"scan","state":"completed","serverId":"srv-1"}`)
		select {
		case <-hold:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	events := make(chan *event.JobEvent, 1)
	before := time.Now().UnixMilli()
	c, err := client.Dial(srv.URL, func(evt *event.JobEvent) { events <- evt },
		client.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	if got := c.Watermark(); got < before {
		t.Fatalf("watermark = %d, want >= %d", got, before)
	}
}

func TestClientCloseStopsReconnect(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := client.Dial(srv.URL, func(*event.JobEvent) {},
		client.WithLogger(testLogger()),
		client.WithReconnectDelay(20*time.Millisecond))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	// Let at least one reconnect cycle happen, then close.
	time.Sleep(60 * time.Millisecond)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	after := requests.Load()
	time.Sleep(80 * time.Millisecond)
	if got := requests.Load(); got != after {
		t.Fatalf("requests kept arriving after Close: %d -> %d", after, got)
	}
}

func TestClientInitialSince(t *testing.T) {
	t.Parallel()

	sinces := make(chan string, 1)
	hold := make(chan struct{})
	defer close(hold)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sinces <- r.URL.Query().Get("since"):
		default:
		}
		w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
		select {
		case <-hold:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c, err := client.Dial(srv.URL, func(*event.JobEvent) {},
		client.WithLogger(testLogger()),
		client.WithSince(12345))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	select {
	case got := <-sinces:
		if got != "12345" {
			t.Fatalf("since = %q, want 12345", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect")
	}
}
