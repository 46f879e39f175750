package jobstream

import "time"

// Config holds configuration for the Relay.
type Config struct {
	// BufferCapacity is the replay ring buffer size.
	BufferCapacity int

	// PingInterval is how often idle stream connections receive a
	// heartbeat.
	PingInterval time.Duration

	// ReconnectDelay is the flat delay before the notifier re-dials a
	// lost channel subscription.
	ReconnectDelay time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferCapacity: 256,
		PingInterval:   30 * time.Second,
		ReconnectDelay: 5 * time.Second,
	}
}
