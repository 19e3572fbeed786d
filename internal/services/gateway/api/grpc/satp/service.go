package satp

import (
	"context"

	gogrpc "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	apperrors "github.com/louisbranch/satp-gateway/internal/platform/errors"
	"github.com/louisbranch/satp-gateway/internal/services/gateway/domain/protocol"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "satp.v1.Gateway"
	// DeliverMethod is the full method name of Deliver.
	DeliverMethod = "/" + ServiceName + "/Deliver"
)

// Handler applies inbound protocol messages.
type Handler interface {
	HandleInboundMessage(ctx context.Context, m protocol.Message) (*protocol.Message, error)
}

// Service serves Deliver on top of a Handler.
type Service struct {
	handler Handler
}

// NewService creates a gRPC service delegating to handler.
func NewService(handler Handler) *Service {
	return &Service{handler: handler}
}

// Deliver decodes the request, applies it and encodes the reply.
func (s *Service) Deliver(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	if s == nil || s.handler == nil {
		return nil, status.Error(codes.Unavailable, "gateway is not ready")
	}
	m, err := protocol.DecodeMessage(in.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode message: %v", err)
	}
	reply, err := s.handler.HandleInboundMessage(ctx, m)
	if err != nil {
		return nil, apperrors.ToGRPC(err)
	}
	if reply == nil {
		return &wrapperspb.BytesValue{}, nil
	}
	data, err := protocol.EncodeMessage(*reply)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return &wrapperspb.BytesValue{Value: data}, nil
}

// Register adds the service to server.
func Register(server gogrpc.ServiceRegistrar, svc *Service) {
	server.RegisterService(&serviceDesc, svc)
}

type deliverer interface {
	Deliver(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var serviceDesc = gogrpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*deliverer)(nil),
	Methods: []gogrpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []gogrpc.StreamDesc{},
	Metadata: "satp/v1/gateway.proto",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor gogrpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(deliverer).Deliver(ctx, in)
	}
	info := &gogrpc.UnaryServerInfo{Server: srv, FullMethod: DeliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(deliverer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}
