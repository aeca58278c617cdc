package server

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

const meterName = "github.com/Tyrowin/chatrelay/internal/server"

// relayMetrics counts relay outcomes on the meter of the provider it was
// built from.
type relayMetrics struct {
	routed     metric.Int64Counter
	dropped    metric.Int64Counter
	broadcasts metric.Int64Counter
}

func newRelayMetrics(provider metric.MeterProvider) *relayMetrics {
	meter := provider.Meter(meterName)
	routed, _ := meter.Int64Counter("chatrelay.messages.routed",
		metric.WithDescription("Chat messages accepted by the router, by kind"))
	dropped, _ := meter.Int64Counter("chatrelay.signals.dropped",
		metric.WithDescription("Signals dropped because the recipient was not online"))
	broadcasts, _ := meter.Int64Counter("chatrelay.presence.broadcasts",
		metric.WithDescription("Presence snapshots published, by trigger"))
	return &relayMetrics{routed: routed, dropped: dropped, broadcasts: broadcasts}
}

func (m *relayMetrics) messageRouted(ctx context.Context, kind string) {
	m.routed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *relayMetrics) signalDropped(ctx context.Context, signal string) {
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("signal", signal)))
}

func (m *relayMetrics) presencePublished(ctx context.Context, trigger string) {
	m.broadcasts.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", trigger)))
}

// newMeterProvider returns an SDK provider whose counters can be read back
// on demand through the returned reader.
func newMeterProvider() (*sdkmetric.MeterProvider, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), reader
}

// collectCounters reads every int64 sum from reader, keyed as
// name{key=value,...}.
func collectCounters(ctx context.Context, reader sdkmetric.Reader) (map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return nil, fmt.Errorf("collect metrics: %w", err)
	}

	totals := make(map[string]int64)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[counterKey(m.Name, dp.Attributes)] += dp.Value
			}
		}
	}
	return totals, nil
}

func counterKey(name string, attrs attribute.Set) string {
	if attrs.Len() == 0 {
		return name
	}
	parts := make([]string, 0, attrs.Len())
	for _, kv := range attrs.ToSlice() {
		parts = append(parts, string(kv.Key)+"="+kv.Value.Emit())
	}
	return name + "{" + strings.Join(parts, ",") + "}"
}
