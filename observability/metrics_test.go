package observability_test

import (
	"context"
	"log/slog"
	"os"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xraph/jobstream"
	"github.com/xraph/jobstream/event"
	"github.com/xraph/jobstream/observability"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type idleSource struct{}

func (idleSource) Connect(context.Context) error { return nil }

func (idleSource) Receive(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (idleSource) Close() error { return nil }

func TestRegisterObservesRelayStats(t *testing.T) {
	t.Parallel()

	relay, err := jobstream.New(idleSource{}, jobstream.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	reg, err := observability.Register(provider.Meter("test"), relay)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	defer reg.Unregister()

	relay.Bus().Publish(&event.JobEvent{
		ID: "job-1", Name: "scan", State: event.StateCompleted, ScopeID: "srv-1",
	})
	relay.Bus().Publish(&event.JobEvent{
		ID: "job-2", Name: "scan", State: event.StateFailed, ScopeID: "srv-1",
	})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if got := sumValue(t, &rm, "jobstream.bus.published"); got != 2 {
		t.Fatalf("bus.published = %d, want 2", got)
	}
	if got := gaugeValue(t, &rm, "jobstream.bus.buffered"); got != 2 {
		t.Fatalf("bus.buffered = %d, want 2", got)
	}
	if got := gaugeValue(t, &rm, "jobstream.stream.connections"); got != 0 {
		t.Fatalf("stream.connections = %d, want 0", got)
	}
}

func TestRegisterUnregisterStopsObserving(t *testing.T) {
	t.Parallel()

	relay, err := jobstream.New(idleSource{}, jobstream.WithLogger(testLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	reg, err := observability.Register(provider.Meter("test"), relay)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Unregister(); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	relay.Bus().Publish(&event.JobEvent{
		ID: "job-1", Name: "scan", State: event.StateCompleted, ScopeID: "srv-1",
	})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if m := findMetric(&rm, "jobstream.bus.published"); m != nil {
		if sum, ok := m.Data.(metricdata.Sum[int64]); ok && len(sum.DataPoints) > 0 {
			t.Fatalf("metric still observed after Unregister: %+v", sum.DataPoints)
		}
	}
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumValue(t *testing.T, rm *metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("metric %q not collected", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok || len(sum.DataPoints) == 0 {
		t.Fatalf("metric %q has no sum data points", name)
	}
	return sum.DataPoints[0].Value
}

func gaugeValue(t *testing.T, rm *metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("metric %q not collected", name)
	}
	g, ok := m.Data.(metricdata.Gauge[int64])
	if !ok || len(g.DataPoints) == 0 {
		t.Fatalf("metric %q has no gauge data points", name)
	}
	return g.DataPoints[0].Value
}
