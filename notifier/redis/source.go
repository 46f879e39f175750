// Package redis implements the notifier Source over Redis Pub/Sub, for
// deployments that substitute a broker for the database notification
// channel. Semantics match the contract: broadcast delivery, best-effort,
// no durability while a subscriber is away.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/jobstream/notifier"
)

// DefaultChannel is the pub/sub channel written by the job tier.
const DefaultChannel = "job_events"

// Compile-time interface check.
var _ notifier.Source = (*Source)(nil)

// Source subscribes to a Redis pub/sub channel on a dedicated
// subscription, separate from any request/response command traffic.
type Source struct {
	client    *redis.Client
	ownClient bool
	channel   string
	logger    *slog.Logger

	pubsub *redis.PubSub
}

// Option configures a Source.
type Option func(*Source)

// WithChannel overrides the pub/sub channel name.
func WithChannel(channel string) Option {
	return func(s *Source) { s.channel = channel }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) { s.logger = logger }
}

// New creates a Redis source from an address, e.g. "localhost:6379".
// The client it creates is closed along with the source.
func New(addr string, opts ...Option) *Source {
	s := &Source{
		client:    redis.NewClient(&redis.Options{Addr: addr}),
		ownClient: true,
		channel:   DefaultChannel,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromClient creates a Redis source from an existing client. The
// caller keeps ownership of the client; only the subscription is closed
// with the source.
func NewFromClient(client *redis.Client, opts ...Option) *Source {
	s := &Source{
		client:  client,
		channel: DefaultChannel,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens the subscription and waits for the server to confirm it.
func (s *Source) Connect(ctx context.Context) error {
	pubsub := s.client.Subscribe(ctx, s.channel)

	// Receive the subscription confirmation so a broken connection is
	// surfaced here rather than on the first Receive.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("jobstream/redis: subscribe %s: %w", s.channel, err)
	}

	s.pubsub = pubsub
	s.logger.Debug("subscribed to redis channel", slog.String("channel", s.channel))
	return nil
}

// Receive blocks until the next published message.
func (s *Source) Receive(ctx context.Context) ([]byte, error) {
	if s.pubsub == nil {
		return nil, errors.New("jobstream/redis: not connected")
	}

	msg, err := s.pubsub.ReceiveMessage(ctx)
	if err != nil {
		return nil, fmt.Errorf("jobstream/redis: receive: %w", err)
	}
	return []byte(msg.Payload), nil
}

// Close tears down the subscription. The client stays open so a later
// Connect can re-subscribe.
func (s *Source) Close() error {
	if s.pubsub == nil {
		return nil
	}
	pubsub := s.pubsub
	s.pubsub = nil
	return pubsub.Close()
}

// Shutdown closes the subscription and, when this source created the
// client, the client as well. Call it once the notifier has stopped.
func (s *Source) Shutdown() error {
	err := s.Close()
	if s.ownClient {
		if clientErr := s.client.Close(); clientErr != nil && err == nil {
			err = clientErr
		}
		s.ownClient = false
	}
	return err
}
