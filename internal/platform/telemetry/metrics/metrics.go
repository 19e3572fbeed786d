package metrics

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/louisbranch/satp-gateway/internal/platform/telemetry/metrics"

// Gateway holds the instruments of one gateway process. A nil *Gateway
// records nothing.
type Gateway struct {
	transitions      metric.Int64Counter
	aborts           metric.Int64Counter
	compensations    metric.Int64Counter
	resends          metric.Int64Counter
	persistRetries   metric.Int64Counter
	deliveryFailures metric.Int64Counter
	openSessions     metric.Int64UpDownCounter
}

// NewGateway creates the gateway instruments on provider, or on the global
// meter provider when provider is nil.
func NewGateway(provider metric.MeterProvider) (*Gateway, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(instrumentationName)

	var (
		g    Gateway
		errs []error
		err  error
	)
	counter := func(name, desc string) metric.Int64Counter {
		c, cerr := meter.Int64Counter(name, metric.WithDescription(desc))
		errs = append(errs, cerr)
		return c
	}
	g.transitions = counter("satp.transitions", "Protocol messages logged.")
	g.aborts = counter("satp.aborts", "Sessions aborted.")
	g.compensations = counter("satp.compensations", "Compensation calls issued.")
	g.resends = counter("satp.resends", "Outbound messages re-sent after a stage timeout.")
	g.persistRetries = counter("satp.persist.retries", "Audit log appends retried after a persistence failure.")
	g.deliveryFailures = counter("satp.delivery.failures", "Messages the transport failed to deliver.")
	g.openSessions, err = meter.Int64UpDownCounter("satp.sessions.open", metric.WithDescription("Open resident sessions."))
	errs = append(errs, err)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &g, nil
}

// Transition records a logged protocol message.
func (g *Gateway) Transition(ctx context.Context, messageType, direction string) {
	if g == nil {
		return
	}
	g.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("message_type", messageType),
		attribute.String("direction", direction),
	))
}

// Abort records an aborted session.
func (g *Gateway) Abort(ctx context.Context, code string) {
	if g == nil {
		return
	}
	g.aborts.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// Compensation records a compensation call and whether it succeeded.
func (g *Gateway) Compensation(ctx context.Context, effect string, ok bool) {
	if g == nil {
		return
	}
	g.compensations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("effect", effect),
		attribute.Bool("ok", ok),
	))
}

// Resend records an outbound message sent again after a timeout.
func (g *Gateway) Resend(ctx context.Context, stage string) {
	if g == nil {
		return
	}
	g.resends.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// PersistRetry records a retried audit log append.
func (g *Gateway) PersistRetry(ctx context.Context) {
	if g == nil {
		return
	}
	g.persistRetries.Add(ctx, 1)
}

// DeliveryFailure records a failed send to a counterparty.
func (g *Gateway) DeliveryFailure(ctx context.Context, gatewayID string) {
	if g == nil {
		return
	}
	g.deliveryFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("gateway_id", gatewayID)))
}

// SessionOpened and SessionClosed track open resident sessions.
func (g *Gateway) SessionOpened(ctx context.Context) {
	if g == nil {
		return
	}
	g.openSessions.Add(ctx, 1)
}

func (g *Gateway) SessionClosed(ctx context.Context) {
	if g == nil {
		return
	}
	g.openSessions.Add(ctx, -1)
}
