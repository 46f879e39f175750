package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/jobstream/event"
)

// DefaultPingInterval is how often idle connections receive a heartbeat.
// Intermediary proxies reap sockets that stay silent much longer.
const DefaultPingInterval = 30 * time.Second

// Registry owns the set of live connections and routes events to the
// subset matching each event's scope. Delivery is synchronous and
// best-effort: a dead sink costs that one connection its registration,
// never delivery to the others.
type Registry struct {
	logger       *slog.Logger
	pingInterval time.Duration

	mu    sync.RWMutex
	conns map[string]*Conn // conn ID → conn

	cancel context.CancelFunc
	done   chan struct{}

	delivered atomic.Int64
	reaped    atomic.Int64
	pings     atomic.Int64
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithPingInterval overrides the heartbeat interval.
func WithPingInterval(d time.Duration) Option {
	return func(r *Registry) { r.pingInterval = d }
}

// NewRegistry creates an empty connection registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		logger:       slog.Default(),
		pingInterval: DefaultPingInterval,
		conns:        make(map[string]*Conn),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers a connection and immediately sends the synthetic hello
// event so the client can confirm the stream is live before any real
// event arrives. A dead sink fails the registration.
func (r *Registry) Add(conn *Conn) error {
	now := time.Now().UTC()
	if err := conn.Send(EventHello, HelloPayload{Timestamp: now, EpochMs: now.UnixMilli()}); err != nil {
		return err
	}

	r.mu.Lock()
	r.conns[conn.ID().String()] = conn
	r.mu.Unlock()

	r.logger.Debug("connection registered",
		slog.String("conn", conn.ID().String()),
		slog.String("scope", conn.ScopeID()))
	return nil
}

// Remove deregisters a connection. Removing an unknown or already-removed
// id is a no-op.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	_, ok := r.conns[connID]
	delete(r.conns, connID)
	r.mu.Unlock()

	if ok {
		r.logger.Debug("connection removed", slog.String("conn", connID))
	}
}

// EmitEvent fans a job event out to every live connection on the event's
// scope. It is the bus listener the relay registers.
func (r *Registry) EmitEvent(evt *event.JobEvent) {
	r.EmitToScope(evt.ScopeID, EventJob, evt)
}

// EmitToScope delivers to every live connection bound to scopeID, in a
// single synchronous pass. Connections bound to the empty scope watch
// all servers and receive everything. Connections whose sink fails are
// removed; nothing is queued or retried.
func (r *Registry) EmitToScope(scopeID, eventType string, payload any) int {
	targets := r.snapshot(func(c *Conn) bool {
		return c.IsLive() && (c.ScopeID() == scopeID || c.ScopeID() == "")
	})
	return r.deliver(targets, eventType, payload)
}

// Broadcast delivers to every live connection regardless of scope.
func (r *Registry) Broadcast(eventType string, payload any) int {
	targets := r.snapshot((*Conn).IsLive)
	return r.deliver(targets, eventType, payload)
}

// PingAll writes a heartbeat to every connection, live or not. A failed
// write is how dead sinks are detected between events: the connection is
// removed on the spot.
func (r *Registry) PingAll() {
	r.pings.Add(1)
	payload := PingPayload{EpochMs: time.Now().UnixMilli()}
	targets := r.snapshot(nil)
	r.deliver(targets, EventPing, payload)
}

// snapshot copies matching connections out of the map so delivery never
// holds the registry lock across sink writes.
func (r *Registry) snapshot(match func(*Conn) bool) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		if match == nil || match(c) {
			out = append(out, c)
		}
	}
	return out
}

// deliver writes one frame to each target. Failures remove only the
// failed connection.
func (r *Registry) deliver(targets []*Conn, eventType string, payload any) int {
	delivered := 0
	for _, c := range targets {
		if err := c.Send(eventType, payload); err != nil {
			r.reaped.Add(1)
			r.logger.Debug("removing dead connection",
				slog.String("conn", c.ID().String()),
				slog.String("error", err.Error()))
			r.Remove(c.ID().String())
			continue
		}
		delivered++
	}
	if eventType == EventJob {
		r.delivered.Add(int64(delivered))
	}
	return delivered
}

// Start launches the heartbeat loop.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.done != nil {
		return errors.New("stream: registry already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.heartbeat(loopCtx, r.done)
	return nil
}

// Stop cancels the heartbeat loop and waits for it to exit. A stopped
// registry can be started again.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.mu.Lock()
	if r.done == done {
		r.cancel, r.done = nil, nil
	}
	r.mu.Unlock()
	return nil
}

func (r *Registry) heartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.PingAll()
		}
	}
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CountScope returns the number of registered connections on a scope.
func (r *Registry) CountScope(scopeID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, c := range r.conns {
		if c.ScopeID() == scopeID {
			n++
		}
	}
	return n
}

// RegistryStats contains registry metrics.
type RegistryStats struct {
	Connections int   `json:"connections"`
	Delivered   int64 `json:"delivered"`
	Reaped      int64 `json:"reaped"`
	Pings       int64 `json:"pings"`
}

// Stats returns registry counters.
func (r *Registry) Stats() RegistryStats {
	return RegistryStats{
		Connections: r.Count(),
		Delivered:   r.delivered.Load(),
		Reaped:      r.reaped.Load(),
		Pings:       r.pings.Load(),
	}
}
