package grpc_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	gogrpc "google.golang.org/grpc"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	platformgrpc "github.com/louisbranch/satp-gateway/internal/platform/grpc"
)

func TestDialWithHealthReachesReadyGateway(t *testing.T) {
	gw := startGatewayServer(t)
	gw.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := platformgrpc.DialWithHealth(ctx, nil, bufTarget, time.Second, nil, gw.dialOptions()...)
	if err != nil {
		t.Fatalf("dial with health: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestDialWithHealthReportsHealthStage(t *testing.T) {
	gw := startGatewayServer(t)

	_, err := platformgrpc.DialWithHealth(context.Background(), nil, bufTarget, 250*time.Millisecond, nil, gw.dialOptions()...)
	var dialErr *platformgrpc.DialError
	if !errors.As(err, &dialErr) {
		t.Fatalf("err = %T %v, want DialError", err, err)
	}
	if dialErr.Stage != platformgrpc.DialStageHealth || dialErr.Addr != bufTarget {
		t.Fatalf("dial error = %+v", dialErr)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want the dial timeout to surface", err)
	}
}

func TestDialWithHealthUsesDefaultOptions(t *testing.T) {
	var got int
	dialer := platformgrpc.DialerFunc(func(addr string, opts ...gogrpc.DialOption) (*gogrpc.ClientConn, error) {
		got = len(opts)
		return nil, errors.New("peer unreachable")
	})

	_, err := platformgrpc.DialWithHealth(context.Background(), dialer, "gw2:9090", time.Second, nil)
	var dialErr *platformgrpc.DialError
	if !errors.As(err, &dialErr) || dialErr.Stage != platformgrpc.DialStageConnect {
		t.Fatalf("err = %v, want connect stage", err)
	}
	if want := len(platformgrpc.DefaultClientDialOptions()); got != want {
		t.Fatalf("dialer got %d options, want the %d defaults", got, want)
	}
	if !strings.Contains(err.Error(), "gRPC connect error for gw2:9090: peer unreachable") {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestDialErrorNilSafe(t *testing.T) {
	var nilErr *platformgrpc.DialError
	if nilErr.Error() == "" || nilErr.Unwrap() != nil {
		t.Fatal("nil DialError should format and unwrap to nil")
	}
}
