package jobstream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/jobstream/backoff"
	"github.com/xraph/jobstream/event"
	"github.com/xraph/jobstream/notifier"
	"github.com/xraph/jobstream/stream"
)

// Relay is the central coordinator: it owns the event bus, the stream
// connection registry, and the notifier bridging the external channel
// into the bus. Create one with New and hand it to the HTTP layer.
type Relay struct {
	config   Config
	logger   *slog.Logger
	strategy backoff.Strategy

	bus      *event.Bus
	registry *stream.Registry
	notifier *notifier.Notifier

	mu       sync.Mutex
	started  bool
	busToken event.Token
	srcToken notifier.Token
}

// Option configures a Relay.
type Option func(*Relay) error

// WithLogger sets the logger shared by all relay components.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) error {
		r.logger = logger
		return nil
	}
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(r *Relay) error {
		r.config = cfg
		return nil
	}
}

// WithBufferCapacity sets the replay ring buffer capacity.
func WithBufferCapacity(n int) Option {
	return func(r *Relay) error {
		r.config.BufferCapacity = n
		return nil
	}
}

// WithPingInterval sets the stream heartbeat interval.
func WithPingInterval(d time.Duration) Option {
	return func(r *Relay) error {
		r.config.PingInterval = d
		return nil
	}
}

// WithReconnectBackoff overrides the notifier reconnect strategy. The
// default is a flat delay of Config.ReconnectDelay.
func WithReconnectBackoff(s backoff.Strategy) Option {
	return func(r *Relay) error {
		r.strategy = s
		return nil
	}
}

// New creates a Relay consuming the given notification source.
func New(source notifier.Source, opts ...Option) (*Relay, error) {
	if source == nil {
		return nil, ErrNoSource
	}

	r := &Relay{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}

	if r.strategy == nil {
		r.strategy = backoff.NewConstant(r.config.ReconnectDelay)
	}

	r.bus = event.NewBus(r.logger, event.WithBufferCapacity(r.config.BufferCapacity))
	r.registry = stream.NewRegistry(
		stream.WithLogger(r.logger),
		stream.WithPingInterval(r.config.PingInterval),
	)
	r.notifier = notifier.New(source,
		notifier.WithLogger(r.logger),
		notifier.WithBackoff(r.strategy),
	)

	return r, nil
}

// Bus returns the in-process event bus.
func (r *Relay) Bus() *event.Bus { return r.bus }

// Registry returns the stream connection registry.
func (r *Relay) Registry() *stream.Registry { return r.registry }

// Notifier returns the external channel notifier.
func (r *Relay) Notifier() *notifier.Notifier { return r.notifier }

// Logger returns the relay's logger.
func (r *Relay) Logger() *slog.Logger { return r.logger }

// Config returns a copy of the relay's configuration.
func (r *Relay) Config() Config { return r.config }

// Start wires notifier → bus → registry and launches the notifier listen
// loop and the stream heartbeat.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}

	r.srcToken = r.notifier.Subscribe(func(evt *event.JobEvent) {
		r.bus.Publish(evt)
	})
	r.busToken = r.bus.Subscribe(r.registry.EmitEvent)

	if err := r.registry.Start(ctx); err != nil {
		r.bus.Unsubscribe(r.busToken)
		r.notifier.Unsubscribe(r.srcToken)
		return err
	}
	if err := r.notifier.Start(ctx); err != nil {
		stopCtx := context.WithoutCancel(ctx)
		_ = r.registry.Stop(stopCtx)
		r.bus.Unsubscribe(r.busToken)
		r.notifier.Unsubscribe(r.srcToken)
		return err
	}

	r.started = true
	r.logger.Info("relay started",
		slog.Int("buffer_capacity", r.config.BufferCapacity),
		slog.Duration("ping_interval", r.config.PingInterval))
	return nil
}

// Stop shuts the relay down: the notifier stops reconnecting, the
// heartbeat loop exits, and the bus wiring is removed. A stopped relay
// can be started again.
func (r *Relay) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return ErrNotStarted
	}

	err := r.notifier.Stop(ctx)
	if stopErr := r.registry.Stop(ctx); stopErr != nil && err == nil {
		err = stopErr
	}

	r.bus.Unsubscribe(r.busToken)
	r.notifier.Unsubscribe(r.srcToken)
	r.started = false

	r.logger.Info("relay stopped")
	return err
}

// Stats aggregates counters from all relay components.
func (r *Relay) Stats() Stats {
	return Stats{
		Bus:      r.bus.Stats(),
		Registry: r.registry.Stats(),
		Notifier: r.notifier.Stats(),
	}
}

// Stats contains counters from all relay components.
type Stats struct {
	Bus      event.BusStats       `json:"bus"`
	Registry stream.RegistryStats `json:"stream"`
	Notifier notifier.Stats       `json:"notifier"`
}
