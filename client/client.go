// Package client provides a Go consumer for a jobstream SSE endpoint. It
// maintains a best-effort continuous event stream across network
// interruptions: on any transport error it closes the failed connection,
// waits a short fixed delay, and reconnects with the last-seen epochMs
// watermark so buffered events are replayed without gaps.
//
// Usage:
//
//	c, err := client.Dial("http://relay.example.com/events",
//	    func(evt *event.JobEvent) {
//	        fmt.Printf("%s: %s\n", evt.Name, evt.State)
//	    },
//	)
//	defer c.Close()
package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/jobstream/event"
	"github.com/xraph/jobstream/stream"
)

// DefaultReconnectDelay is the fixed pause between a stream error and the
// next connection attempt.
const DefaultReconnectDelay = 1500 * time.Millisecond

// Handler receives every job event delivered on the stream.
type Handler func(*event.JobEvent)

// Client consumes a jobstream SSE endpoint.
type Client struct {
	url     string
	handler Handler
	logger  *slog.Logger
	http    *http.Client
	delay   time.Duration

	watermark atomic.Int64
	closed    atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}

	mu   sync.Mutex
	body io.ReadCloser

	events     atomic.Int64
	reconnects atomic.Int64
	malformed  atomic.Int64
}

// Dial starts consuming the stream at the given URL. The handler is
// invoked from the client's reader goroutine, one event at a time.
func Dial(rawURL string, handler Handler, opts ...Option) (*Client, error) {
	if handler == nil {
		return nil, fmt.Errorf("jobstream/client: nil handler")
	}
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("jobstream/client: parse url: %w", err)
	}

	c := &Client{
		url:     rawURL,
		handler: handler,
		logger:  slog.Default(),
		http:    http.DefaultClient,
		delay:   DefaultReconnectDelay,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)

	return c, nil
}

// Close tears the client down: the active connection is closed and any
// pending reconnect timer is cancelled. Safe to call more than once.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cancel()

	c.mu.Lock()
	if c.body != nil {
		_ = c.body.Close()
	}
	c.mu.Unlock()

	<-c.done
	return nil
}

// Watermark returns the epochMs of the last job event received, or the
// initial watermark if none has arrived yet.
func (c *Client) Watermark() int64 { return c.watermark.Load() }

// run is the single supervisor goroutine. Because reconnect waits happen
// inline here, a new error can never stack a second reconnect on top of a
// pending one.
func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		c.logger.Debug("stream interrupted, reconnecting",
			slog.String("url", c.url),
			slog.Duration("delay", c.delay),
			slog.String("error", err.Error()))
		c.reconnects.Add(1)

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.delay):
		}
	}
}

// consume opens one stream connection and reads frames until it fails.
// It always returns a non-nil error; a clean EOF is still a transport
// interruption from the consumer's point of view.
func (c *Client) consume(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.streamURL(), nil)
	if err != nil {
		return fmt.Errorf("jobstream/client: build request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("jobstream/client: connect: %w", err)
	}

	c.mu.Lock()
	c.body = resp.Body
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.body = nil
		c.mu.Unlock()
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jobstream/client: connect: status %d", resp.StatusCode)
	}

	var eventType, data string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventType = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if eventType != "" {
				c.dispatch(eventType, data)
			}
			eventType, data = "", ""
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("jobstream/client: read: %w", err)
	}
	return fmt.Errorf("jobstream/client: stream closed by server")
}

// dispatch handles one complete frame. Only job events reach the handler
// and advance the watermark; hello and ping frames are liveness signals.
func (c *Client) dispatch(eventType, data string) {
	if eventType != stream.EventJob {
		return
	}

	var evt event.JobEvent
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		c.malformed.Add(1)
		c.logger.Debug("dropping malformed job frame",
			slog.String("error", err.Error()))
		return
	}

	mark := evt.EpochMs
	if mark == 0 {
		mark = time.Now().UnixMilli()
	}
	c.watermark.Store(mark)
	c.events.Add(1)

	c.invoke(&evt)
}

func (c *Client) invoke(evt *event.JobEvent) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event handler panicked", slog.Any("panic", r))
		}
	}()
	c.handler(evt)
}

// streamURL appends the since watermark to the configured URL. A zero
// watermark means a fresh connection with no replay.
func (c *Client) streamURL() string {
	mark := c.watermark.Load()
	if mark <= 0 {
		return c.url
	}
	sep := "?"
	if strings.Contains(c.url, "?") {
		sep = "&"
	}
	return c.url + sep + "since=" + strconv.FormatInt(mark, 10)
}

// Stats contains client counters.
type Stats struct {
	Events     int64 `json:"events"`
	Reconnects int64 `json:"reconnects"`
	Malformed  int64 `json:"malformed"`
	Watermark  int64 `json:"watermark"`
}

// Stats returns client counters.
func (c *Client) Stats() Stats {
	return Stats{
		Events:     c.events.Load(),
		Reconnects: c.reconnects.Load(),
		Malformed:  c.malformed.Load(),
		Watermark:  c.watermark.Load(),
	}
}
