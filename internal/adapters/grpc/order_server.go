// Package grpc exposes the order saga engine over gRPC. Messages are
// google.protobuf.Struct values carrying the same JSON shapes as the HTTP API.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"orderflow/internal/orders"
	"orderflow/internal/orders/saga"
)

const (
	ServiceName       = "orderflow.v1.OrderService"
	StartOrderMethod  = "/" + ServiceName + "/StartOrder"
	GetInstanceMethod = "/" + ServiceName + "/GetInstance"
)

// Engine is the behavior the adapter needs from the saga engine.
type Engine interface {
	Start(ctx context.Context, input saga.OrderInput) (string, error)
	GetStatus(ctx context.Context, id string) (saga.Instance, error)
}

// OrderServiceServer is the server API for orderflow.v1.OrderService.
type OrderServiceServer interface {
	StartOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	GetInstance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// OrderServiceDesc describes orderflow.v1.OrderService for grpc.Server.RegisterService.
var OrderServiceDesc = grpclib.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpclib.MethodDesc{
		{MethodName: "StartOrder", Handler: unaryHandler(StartOrderMethod, OrderServiceServer.StartOrder)},
		{MethodName: "GetInstance", Handler: unaryHandler(GetInstanceMethod, OrderServiceServer.GetInstance)},
	},
	Streams:  []grpclib.StreamDesc{},
	Metadata: "orderflow/v1/order.proto",
}

// RegisterOrderServiceServer registers srv on s.
func RegisterOrderServiceServer(s grpclib.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&OrderServiceDesc, srv)
}

func unaryHandler(method string, call func(OrderServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpclib.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpclib.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(OrderServiceServer), ctx, in)
		}
		info := &grpclib.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(OrderServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// OrderServer adapts the engine to gRPC.
type OrderServer struct {
	engine Engine
}

// NewOrderServer constructs an OrderServer.
func NewOrderServer(engine Engine) *OrderServer {
	return &OrderServer{engine: engine}
}

// StartOrder accepts {orderId?, itemId, qty, amount} and answers {instanceId}.
func (s *OrderServer) StartOrder(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var input saga.OrderInput
	if err := decodeStruct(req, &input); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid order: %v", err)
	}
	id, err := s.engine.Start(ctx, input)
	if err != nil {
		return nil, mapOrderError(err)
	}
	return structpb.NewStruct(map[string]any{"instanceId": id})
}

// GetInstance accepts {instanceId} and answers the replayed instance.
func (s *OrderServer) GetInstance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id := strings.TrimSpace(req.GetFields()["instanceId"].GetStringValue())
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "instanceId is required")
	}
	inst, err := s.engine.GetStatus(ctx, id)
	if err != nil {
		return nil, mapOrderError(err)
	}
	out, err := encodeStruct(inst)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode instance: %v", err)
	}
	return out, nil
}

func decodeStruct(in *structpb.Struct, v any) error {
	raw, err := json.Marshal(in.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func encodeStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func mapOrderError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, saga.ErrInvalidInput):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, saga.ErrInstanceConflict):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, saga.ErrInstanceNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, orders.ErrEngineClosed):
		return status.Error(codes.Unavailable, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// OrderClient calls orderflow.v1.OrderService over an existing connection.
type OrderClient struct {
	cc grpclib.ClientConnInterface
}

func NewOrderClient(cc grpclib.ClientConnInterface) *OrderClient {
	return &OrderClient{cc: cc}
}

func (c *OrderClient) StartOrder(ctx context.Context, input saga.OrderInput, opts ...grpclib.CallOption) (string, error) {
	req, err := encodeStruct(input)
	if err != nil {
		return "", err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, StartOrderMethod, req, out, opts...); err != nil {
		return "", err
	}
	id := out.GetFields()["instanceId"].GetStringValue()
	if id == "" {
		return "", fmt.Errorf("start order: empty instance id")
	}
	return id, nil
}

func (c *OrderClient) GetInstance(ctx context.Context, id string, opts ...grpclib.CallOption) (saga.Instance, error) {
	req, err := structpb.NewStruct(map[string]any{"instanceId": id})
	if err != nil {
		return saga.Instance{}, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetInstanceMethod, req, out, opts...); err != nil {
		return saga.Instance{}, err
	}
	var inst saga.Instance
	if err := decodeStruct(out, &inst); err != nil {
		return saga.Instance{}, fmt.Errorf("decode instance: %w", err)
	}
	return inst, nil
}
