package grpc

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	gogrpc "google.golang.org/grpc"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// WaitForHealth blocks until the gRPC health check reports SERVING or the context ends.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logf func(string, ...any)) error {
	if conn == nil {
		return fmt.Errorf("gRPC connection is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	healthClient := grpc_health_v1.NewHealthClient(conn)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		response, err := healthClient.Check(callCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		if err != nil {
			if logf != nil {
				logf("waiting for gRPC health: %v", err)
			}
			return struct{}{}, err
		}
		if response.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
			if logf != nil {
				logf("waiting for gRPC health: status %s", response.GetStatus().String())
			}
			return struct{}{}, fmt.Errorf("health status %s", response.GetStatus().String())
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(policy), backoff.WithMaxElapsedTime(0))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("wait for gRPC health: %w", ctxErr)
		}
		return fmt.Errorf("wait for gRPC health: %w", err)
	}
	if logf != nil {
		logf("gRPC health check is SERVING")
	}
	return nil
}
