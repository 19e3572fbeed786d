package satp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/wrapperspb"

	apperrors "github.com/louisbranch/satp-gateway/internal/platform/errors"
	platformgrpc "github.com/louisbranch/satp-gateway/internal/platform/grpc"
	"github.com/louisbranch/satp-gateway/internal/platform/timeouts"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/identity"
)

// Transport sends protocol messages to counterparty gateways. Connections
// are dialed on first use and kept until Close.
type Transport struct {
	addrs          map[string]string
	dialer         platformgrpc.Dialer
	dialOpts       []gogrpc.DialOption
	dialTimeout    time.Duration
	requestTimeout time.Duration
	logf           func(string, ...any)

	mu    sync.Mutex
	conns map[string]*gogrpc.ClientConn
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithDialer replaces the function used to create client connections.
func WithDialer(dialer platformgrpc.Dialer, opts ...gogrpc.DialOption) TransportOption {
	return func(t *Transport) {
		t.dialer = dialer
		t.dialOpts = opts
	}
}

// WithRequestTimeout bounds one delivery including its reply.
func WithRequestTimeout(d time.Duration) TransportOption {
	return func(t *Transport) { t.requestTimeout = d }
}

// WithTransportLogf sets the logger used while waiting for peer health.
func WithTransportLogf(logf func(string, ...any)) TransportOption {
	return func(t *Transport) { t.logf = logf }
}

// NewTransport creates a transport for peers that have an address.
func NewTransport(peers []identity.Peer, opts ...TransportOption) *Transport {
	t := &Transport{
		addrs:          make(map[string]string, len(peers)),
		dialTimeout:    timeouts.GRPCDial,
		requestTimeout: timeouts.GRPCRequest,
		conns:          make(map[string]*gogrpc.ClientConn),
	}
	for _, p := range peers {
		if p.Addr != "" {
			t.addrs[p.GatewayID] = p.Addr
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Send implements the orchestrator transport.
func (t *Transport) Send(ctx context.Context, gatewayID string, m protocol.Message) (*protocol.Message, error) {
	conn, err := t.conn(ctx, gatewayID)
	if err != nil {
		return nil, err
	}
	data, err := protocol.EncodeMessage(m)
	if err != nil {
		return nil, err
	}
	callCtx, cancel := context.WithTimeout(ctx, t.requestTimeout)
	defer cancel()

	out := new(wrapperspb.BytesValue)
	if err := conn.Invoke(callCtx, DeliverMethod, &wrapperspb.BytesValue{Value: data}, out); err != nil {
		return nil, apperrors.FromGRPC(err)
	}
	if len(out.GetValue()) == 0 {
		return nil, nil
	}
	reply, err := protocol.DecodeMessage(out.GetValue())
	if err != nil {
		return nil, fmt.Errorf("decode reply from %s: %w", gatewayID, err)
	}
	return &reply, nil
}

// Close closes every open connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for id, conn := range t.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(t.conns, id)
	}
	return errors.Join(errs...)
}

func (t *Transport) conn(ctx context.Context, gatewayID string) (*gogrpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[gatewayID]; ok {
		return conn, nil
	}
	addr, ok := t.addrs[gatewayID]
	if !ok {
		return nil, fmt.Errorf("%w: no address for %s", identity.ErrUnknownGateway, gatewayID)
	}
	conn, err := platformgrpc.DialWithHealth(ctx, t.dialer, addr, t.dialTimeout, t.logf, t.dialOpts...)
	if err != nil {
		return nil, err
	}
	t.conns[gatewayID] = conn
	return conn, nil
}
