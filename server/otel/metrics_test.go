// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, agg metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := agg.(metricdata.Sum[int64])
	require.True(t, ok, "expected an int64 sum, got %T", agg)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	m, err := NewMetrics()
	require.NoError(t, err)
	sessions := 3
	require.NoError(t, m.ObserveSessions(func() int { return sessions }))

	ctx := context.Background()
	m.RecordConnection(ctx, "tcp")
	m.RecordConnection(ctx, "websocket")
	m.RecordDisconnection(ctx, "tcp")
	m.RecordEnvelope(ctx, "ping", 10)
	m.RecordEnvelope(ctx, "query", 90)
	m.RecordCommand(ctx, "query", 5*time.Millisecond, nil)
	m.RecordCommand(ctx, "signin", time.Millisecond, errors.New("denied"))
	m.RecordError(ctx, "rate_limited")

	data := collect(t, reader)
	assert.Equal(t, int64(2), sumOf(t, data["flowgate.connections.total"]))
	assert.Equal(t, int64(1), sumOf(t, data["flowgate.connections.current"]))
	assert.Equal(t, int64(1), sumOf(t, data["flowgate.disconnections.total"]))
	assert.Equal(t, int64(2), sumOf(t, data["flowgate.envelopes.received.total"]))
	assert.Equal(t, int64(100), sumOf(t, data["flowgate.bytes.received.total"]))
	assert.Equal(t, int64(2), sumOf(t, data["flowgate.commands.total"]))
	assert.Equal(t, int64(1), sumOf(t, data["flowgate.errors.total"]))

	gauge, ok := data["flowgate.sessions.registered"].(metricdata.Gauge[int64])
	require.True(t, ok)
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(3), gauge.DataPoints[0].Value)

	_, ok = data["flowgate.command.duration.ms"].(metricdata.Histogram[float64])
	assert.True(t, ok)
}
