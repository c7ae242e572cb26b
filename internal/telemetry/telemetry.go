// Package telemetry wires OpenTelemetry metrics for the relay service.
// Metrics are exported through the stdout exporter so an OTEL collector
// or log shipper can pick them up without extra infrastructure.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Metrics holds the relay's instrument handles.
type Metrics struct {
	sessionsStarted metric.Int64Counter
	sessionsClosed  metric.Int64Counter
	messagesRelayed metric.Int64Counter
	tokensMetered   metric.Int64Counter
}

// Init sets up the meter provider and returns the relay metrics plus a
// shutdown function that flushes pending exports.
func Init(ctx context.Context) (*Metrics, func(), error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("voicebridge"),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("create resource: %w", err)
	}

	exporter, err := stdoutmetric.New()
	if err != nil {
		return nil, nil, fmt.Errorf("create metric exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(time.Minute))),
	)
	otel.SetMeterProvider(mp)

	meter := mp.Meter("voicebridge/relay")

	m := &Metrics{}
	if m.sessionsStarted, err = meter.Int64Counter("relay.sessions.started",
		metric.WithDescription("Sessions accepted by the gateway")); err != nil {
		return nil, nil, err
	}
	if m.sessionsClosed, err = meter.Int64Counter("relay.sessions.closed",
		metric.WithDescription("Sessions closed, by reason")); err != nil {
		return nil, nil, err
	}
	if m.messagesRelayed, err = meter.Int64Counter("relay.messages.relayed",
		metric.WithDescription("Messages forwarded, by direction")); err != nil {
		return nil, nil, err
	}
	if m.tokensMetered, err = meter.Int64Counter("relay.tokens.metered",
		metric.WithDescription("Tokens accumulated from upstream usage events")); err != nil {
		return nil, nil, err
	}

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mp.Shutdown(ctx)
	}
	return m, shutdown, nil
}

// SessionStarted records one accepted session.
func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.sessionsStarted.Add(ctx, 1)
}

// SessionClosed records one closed session with its close reason.
func (m *Metrics) SessionClosed(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.sessionsClosed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// MessageRelayed records one forwarded message in the given direction
// ("client_to_upstream" or "upstream_to_client").
func (m *Metrics) MessageRelayed(ctx context.Context, direction string) {
	if m == nil {
		return
	}
	m.messagesRelayed.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// TokensMetered records token counts extracted from upstream usage events.
func (m *Metrics) TokensMetered(ctx context.Context, input, output int64) {
	if m == nil {
		return
	}
	m.tokensMetered.Add(ctx, input, metric.WithAttributes(attribute.String("kind", "input")))
	m.tokensMetered.Add(ctx, output, metric.WithAttributes(attribute.String("kind", "output")))
}
