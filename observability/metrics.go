// Package observability exports relay counters as OpenTelemetry metrics.
// Register hooks a Relay's stats into a Meter via asynchronous instruments,
// so any configured metrics exporter picks them up without the relay
// knowing about telemetry at all.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/jobstream"
)

// Register creates the relay instruments on the given meter and wires a
// callback that observes the relay's current stats on every collection.
// The returned registration unhooks the callback; the caller owns it.
func Register(meter metric.Meter, relay *jobstream.Relay) (metric.Registration, error) {
	published, err := meter.Int64ObservableCounter("jobstream.bus.published",
		metric.WithDescription("Events published on the in-process bus"))
	if err != nil {
		return nil, fmt.Errorf("jobstream/observability: %w", err)
	}
	buffered, err := meter.Int64ObservableGauge("jobstream.bus.buffered",
		metric.WithDescription("Events currently held in the replay ring buffer"))
	if err != nil {
		return nil, fmt.Errorf("jobstream/observability: %w", err)
	}
	evicted, err := meter.Int64ObservableCounter("jobstream.bus.evicted",
		metric.WithDescription("Events evicted from the replay ring buffer"))
	if err != nil {
		return nil, fmt.Errorf("jobstream/observability: %w", err)
	}
	connections, err := meter.Int64ObservableGauge("jobstream.stream.connections",
		metric.WithDescription("Open SSE connections"))
	if err != nil {
		return nil, fmt.Errorf("jobstream/observability: %w", err)
	}
	delivered, err := meter.Int64ObservableCounter("jobstream.stream.delivered",
		metric.WithDescription("Frames delivered to connections"))
	if err != nil {
		return nil, fmt.Errorf("jobstream/observability: %w", err)
	}
	reaped, err := meter.Int64ObservableCounter("jobstream.stream.reaped",
		metric.WithDescription("Connections removed after a failed write"))
	if err != nil {
		return nil, fmt.Errorf("jobstream/observability: %w", err)
	}
	received, err := meter.Int64ObservableCounter("jobstream.notifier.received",
		metric.WithDescription("Raw notifications received from the external channel"))
	if err != nil {
		return nil, fmt.Errorf("jobstream/observability: %w", err)
	}
	dropped, err := meter.Int64ObservableCounter("jobstream.notifier.dropped",
		metric.WithDescription("Malformed notifications dropped"))
	if err != nil {
		return nil, fmt.Errorf("jobstream/observability: %w", err)
	}
	reconnects, err := meter.Int64ObservableCounter("jobstream.notifier.reconnects",
		metric.WithDescription("Notifier reconnect attempts"))
	if err != nil {
		return nil, fmt.Errorf("jobstream/observability: %w", err)
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stats := relay.Stats()
		o.ObserveInt64(published, stats.Bus.Published)
		o.ObserveInt64(buffered, int64(stats.Bus.Buffered))
		o.ObserveInt64(evicted, stats.Bus.Evicted)
		o.ObserveInt64(connections, int64(stats.Registry.Connections))
		o.ObserveInt64(delivered, stats.Registry.Delivered)
		o.ObserveInt64(reaped, stats.Registry.Reaped)
		o.ObserveInt64(received, stats.Notifier.Received)
		o.ObserveInt64(dropped, stats.Notifier.Dropped)
		o.ObserveInt64(reconnects, stats.Notifier.Reconnects)
		return nil
	}, published, buffered, evicted, connections, delivered, reaped, received, dropped, reconnects)
	if err != nil {
		return nil, fmt.Errorf("jobstream/observability: register callback: %w", err)
	}
	return reg, nil
}
