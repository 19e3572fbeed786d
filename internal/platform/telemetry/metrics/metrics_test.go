package metrics

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
)

func TestNewGatewayWithNoopProvider(t *testing.T) {
	g, err := NewGateway(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("new gateway metrics: %v", err)
	}
	ctx := context.Background()
	g.Transition(ctx, "LOCK_ASSERTION", "OUTBOUND")
	g.Abort(ctx, "TIMEOUT")
	g.Compensation(ctx, "UNLOCK", true)
	g.Resend(ctx, "LOCK_ASSERTION")
	g.PersistRetry(ctx)
	g.DeliveryFailure(ctx, "gw2")
	g.SessionOpened(ctx)
	g.SessionClosed(ctx)
}

func TestNilGatewayIsSafe(t *testing.T) {
	var g *Gateway
	ctx := context.Background()
	g.Transition(ctx, "x", "y")
	g.Abort(ctx, "x")
	g.Compensation(ctx, "x", false)
	g.Resend(ctx, "x")
	g.PersistRetry(ctx)
	g.DeliveryFailure(ctx, "x")
	g.SessionOpened(ctx)
	g.SessionClosed(ctx)
}

func TestNewGatewayDefaultsToGlobalProvider(t *testing.T) {
	if _, err := NewGateway(nil); err != nil {
		t.Fatalf("new gateway metrics: %v", err)
	}
}
