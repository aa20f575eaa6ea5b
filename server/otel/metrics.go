// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/flowgate"

// Metrics holds OpenTelemetry metric instruments for the session broker.
type Metrics struct {
	meter metric.Meter

	// Counters
	connectionsTotal    metric.Int64Counter
	disconnectionsTotal metric.Int64Counter
	envelopesReceived   metric.Int64Counter
	bytesReceived       metric.Int64Counter
	commandsTotal       metric.Int64Counter
	errorsTotal         metric.Int64Counter

	// UpDownCounters (Gauges)
	connectionsCurrent metric.Int64UpDownCounter

	// Histograms
	envelopeSize    metric.Int64Histogram
	commandDuration metric.Float64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter(meterName),
	}

	var err error

	m.connectionsTotal, err = m.meter.Int64Counter(
		"flowgate.connections.total",
		metric.WithDescription("Total number of client connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsTotal counter: %w", err)
	}

	m.disconnectionsTotal, err = m.meter.Int64Counter(
		"flowgate.disconnections.total",
		metric.WithDescription("Total number of client disconnections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create disconnectionsTotal counter: %w", err)
	}

	m.envelopesReceived, err = m.meter.Int64Counter(
		"flowgate.envelopes.received.total",
		metric.WithDescription("Total envelopes received from clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create envelopesReceived counter: %w", err)
	}

	m.bytesReceived, err = m.meter.Int64Counter(
		"flowgate.bytes.received.total",
		metric.WithDescription("Total payload bytes received"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bytesReceived counter: %w", err)
	}

	m.commandsTotal, err = m.meter.Int64Counter(
		"flowgate.commands.total",
		metric.WithDescription("Total commands handled by command and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commandsTotal counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"flowgate.errors.total",
		metric.WithDescription("Total errors by type"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.connectionsCurrent, err = m.meter.Int64UpDownCounter(
		"flowgate.connections.current",
		metric.WithDescription("Current number of open client connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connectionsCurrent gauge: %w", err)
	}

	m.envelopeSize, err = m.meter.Int64Histogram(
		"flowgate.envelope.size.bytes",
		metric.WithDescription("Envelope payload size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create envelopeSize histogram: %w", err)
	}

	m.commandDuration, err = m.meter.Float64Histogram(
		"flowgate.command.duration.ms",
		metric.WithDescription("Command handling duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create commandDuration histogram: %w", err)
	}

	return m, nil
}

// ObserveSessions reports the registry size on every collection.
func (m *Metrics) ObserveSessions(count func() int) error {
	_, err := m.meter.Int64ObservableGauge(
		"flowgate.sessions.registered",
		metric.WithDescription("Sessions held by the registry, including closed sessions still draining"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(count()))
			return nil
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create sessions gauge: %w", err)
	}
	return nil
}

// RecordConnection records a new connection.
func (m *Metrics) RecordConnection(ctx context.Context, transport string) {
	attrs := metric.WithAttributes(attribute.String("transport", transport))
	m.connectionsTotal.Add(ctx, 1, attrs)
	m.connectionsCurrent.Add(ctx, 1, attrs)
}

// RecordDisconnection records a disconnection.
func (m *Metrics) RecordDisconnection(ctx context.Context, transport string) {
	attrs := metric.WithAttributes(attribute.String("transport", transport))
	m.disconnectionsTotal.Add(ctx, 1, attrs)
	m.connectionsCurrent.Add(ctx, -1, attrs)
}

// RecordEnvelope records an envelope received from a client.
func (m *Metrics) RecordEnvelope(ctx context.Context, command string, size int) {
	m.envelopesReceived.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", command),
	))
	m.bytesReceived.Add(ctx, int64(size))
	m.envelopeSize.Record(ctx, int64(size))
}

// RecordCommand records a handled command.
func (m *Metrics) RecordCommand(ctx context.Context, command string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.commandsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command", command),
		attribute.String("outcome", outcome),
	))
	m.commandDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("command", command),
	))
}

// RecordError records an error by type.
func (m *Metrics) RecordError(ctx context.Context, errorType string) {
	m.errorsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", errorType),
	))
}
