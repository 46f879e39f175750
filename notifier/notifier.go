// Package notifier bridges an external publish/subscribe channel into the
// process, turning raw job-change notifications produced by a separate
// worker tier into in-process events.
//
// A Notifier owns exactly one dedicated subscription connection (a Source).
// The subscription blocks waiting for notifications, so it must never be
// multiplexed with a pooled query path; each Source implementation dials
// its own connection.
package notifier

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/jobstream/backoff"
	"github.com/xraph/jobstream/event"
)

// Source is one dedicated subscription connection to an external channel.
type Source interface {
	// Connect establishes the subscription connection and issues the
	// channel subscription. It must not share a pooled connection.
	Connect(ctx context.Context) error

	// Receive blocks until the next raw notification payload arrives,
	// the connection fails, or ctx is done.
	Receive(ctx context.Context) ([]byte, error)

	// Close tears down the subscription connection. Safe to call when
	// not connected.
	Close() error
}

// Handler receives each parsed job event. Handlers run synchronously on
// the notifier's listen goroutine, in registration order.
type Handler func(*event.JobEvent)

// Token identifies a registered handler for later removal.
type Token uint64

// State is the notifier connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateListening    State = "listening"
)

// Notifier supervises a Source: it connects, receives notifications,
// parses them into events, and fans them out to handlers. On connection
// loss it schedules a single reconnect after a fixed backoff delay; a
// reconnect already scheduled or in flight suppresses another.
type Notifier struct {
	source  Source
	logger  *slog.Logger
	backoff backoff.Strategy

	mu        sync.Mutex
	handlers  []handlerReg
	nextToken Token
	state     State

	cancel context.CancelFunc
	done   chan struct{}

	received   atomic.Int64
	dropped    atomic.Int64
	reconnects atomic.Int64
}

type handlerReg struct {
	token Token
	fn    Handler
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) { n.logger = logger }
}

// WithBackoff sets the reconnect delay strategy. The default is a flat
// 5s delay; notification volume is low, so aggressive backoff only slows
// recovery.
func WithBackoff(s backoff.Strategy) Option {
	return func(n *Notifier) { n.backoff = s }
}

// New creates a notifier supervising the given source.
func New(source Source, opts ...Option) *Notifier {
	n := &Notifier{
		source:  source,
		logger:  slog.Default(),
		backoff: backoff.DefaultStrategy(),
		state:   StateDisconnected,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Subscribe registers a handler and returns a token for Unsubscribe.
func (n *Notifier) Subscribe(fn Handler) Token {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.nextToken++
	n.handlers = append(n.handlers, handlerReg{token: n.nextToken, fn: fn})
	return n.nextToken
}

// Unsubscribe removes a handler. Unknown or already-removed tokens are
// a no-op.
func (n *Notifier) Unsubscribe(token Token) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, h := range n.handlers {
		if h.token == token {
			n.handlers = append(n.handlers[:i], n.handlers[i+1:]...)
			return
		}
	}
}

// Start launches the listen loop. It returns immediately; connection
// establishment and all reconnects happen on the loop goroutine.
func (n *Notifier) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.done != nil {
		return errors.New("notifier: already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.done = make(chan struct{})
	go n.run(loopCtx, n.done)
	return nil
}

// Stop cancels the listen loop and waits for it to exit or ctx to expire.
// After Stop the notifier stays disconnected with no reconnect scheduled;
// a stopped notifier can be started again.
func (n *Notifier) Stop(ctx context.Context) error {
	n.mu.Lock()
	cancel, done := n.cancel, n.done
	n.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	n.mu.Lock()
	if n.done == done {
		n.cancel, n.done = nil, nil
	}
	n.mu.Unlock()
	return nil
}

// CurrentState returns the connection state.
func (n *Notifier) CurrentState() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Notifier) setState(s State) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// run is the supervisor loop. It is the only goroutine that touches the
// source, which is what keeps reconnects single-flight.
func (n *Notifier) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer n.setState(StateDisconnected)
	defer func() {
		if err := n.source.Close(); err != nil {
			n.logger.Warn("close notification source", slog.String("error", err.Error()))
		}
	}()

	attempt := 0
	for {
		n.setState(StateConnecting)
		if err := n.source.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			attempt++
			n.logger.Warn("notification channel connect failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			if !n.waitReconnect(ctx, attempt) {
				return
			}
			continue
		}

		attempt = 0
		n.setState(StateListening)
		n.logger.Info("listening for job notifications")

		if err := n.listen(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			n.setState(StateDisconnected)
			if closeErr := n.source.Close(); closeErr != nil {
				n.logger.Warn("close notification source", slog.String("error", closeErr.Error()))
			}
			attempt++
			n.logger.Warn("notification channel lost",
				slog.String("error", err.Error()))
			if !n.waitReconnect(ctx, attempt) {
				return
			}
		}
	}
}

// listen receives payloads until the connection fails or ctx is done.
func (n *Notifier) listen(ctx context.Context) error {
	for {
		payload, err := n.source.Receive(ctx)
		if err != nil {
			return err
		}
		n.dispatch(payload)
	}
}

// waitReconnect sleeps for the backoff delay. Returns false when ctx is
// done. Only run calls it, so at most one reconnect is ever scheduled or
// in flight.
func (n *Notifier) waitReconnect(ctx context.Context, attempt int) bool {
	n.reconnects.Add(1)

	delay := n.backoff.Delay(attempt)
	n.logger.Info("reconnect scheduled", slog.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// dispatch parses one payload and fans the event out. Malformed payloads
// are logged and dropped; they never reach a handler.
func (n *Notifier) dispatch(payload []byte) {
	evt, err := event.ParseNotification(payload)
	if err != nil {
		n.dropped.Add(1)
		n.logger.Warn("dropping malformed notification",
			slog.String("error", err.Error()))
		return
	}
	n.received.Add(1)

	n.mu.Lock()
	targets := make([]handlerReg, len(n.handlers))
	copy(targets, n.handlers)
	n.mu.Unlock()

	for _, h := range targets {
		n.invoke(h, evt)
	}
}

func (n *Notifier) invoke(h handlerReg, evt *event.JobEvent) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("notification handler panicked",
				slog.Uint64("token", uint64(h.token)),
				slog.Any("panic", r))
		}
	}()
	h.fn(evt)
}

// Stats returns notifier counters.
func (n *Notifier) Stats() Stats {
	return Stats{
		State:      n.CurrentState(),
		Received:   n.received.Load(),
		Dropped:    n.dropped.Load(),
		Reconnects: n.reconnects.Load(),
	}
}

// Stats contains notifier metrics.
type Stats struct {
	State      State `json:"state"`
	Received   int64 `json:"received"`
	Dropped    int64 `json:"dropped"`
	Reconnects int64 `json:"reconnects"`
}
