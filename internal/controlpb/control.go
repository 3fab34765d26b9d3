// Package controlpb declares the bibsync.v1.Control gRPC service. Messages are
// the well-known Struct and Empty types, so no generated code is needed.
package controlpb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "bibsync.v1.Control"

// Method names.
const (
	MethodSync                = "Sync"
	MethodStatus              = "Status"
	MethodListLibraries       = "ListLibraries"
	MethodListConflicts       = "ListConflicts"
	MethodResolveConflict     = "ResolveConflict"
	MethodResolveAllConflicts = "ResolveAllConflicts"
	MethodCreateRecord        = "CreateRecord"
	MethodEditRecord          = "EditRecord"
	MethodDeleteRecord        = "DeleteRecord"
)

// FullMethod returns "/bibsync.v1.Control/<method>".
func FullMethod(method string) string { return "/" + ServiceName + "/" + method }

// ControlServer is the server API for the Control service.
type ControlServer interface {
	Sync(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListLibraries(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	ListConflicts(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ResolveConflict(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ResolveAllConflicts(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateRecord(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EditRecord(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteRecord(context.Context, *structpb.Struct) (*emptypb.Empty, error)
}

// RegisterControlServer registers srv on s.
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&Control_ServiceDesc, srv)
}

func handler[Req any](method string, call func(ControlServer, context.Context, *Req) (any, error)) grpc.MethodHandler {
	full := FullMethod(method)
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlServer), ctx, req.(*Req))
		})
	}
}

// Control_ServiceDesc is the grpc.ServiceDesc for the Control service.
//
//nolint:revive,stylecheck // mirrors generated naming
var Control_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodSync, Handler: handler(MethodSync, func(s ControlServer, ctx context.Context, in *emptypb.Empty) (any, error) {
			return s.Sync(ctx, in)
		})},
		{MethodName: MethodStatus, Handler: handler(MethodStatus, func(s ControlServer, ctx context.Context, in *emptypb.Empty) (any, error) {
			return s.Status(ctx, in)
		})},
		{MethodName: MethodListLibraries, Handler: handler(MethodListLibraries, func(s ControlServer, ctx context.Context, in *emptypb.Empty) (any, error) {
			return s.ListLibraries(ctx, in)
		})},
		{MethodName: MethodListConflicts, Handler: handler(MethodListConflicts, func(s ControlServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.ListConflicts(ctx, in)
		})},
		{MethodName: MethodResolveConflict, Handler: handler(MethodResolveConflict, func(s ControlServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.ResolveConflict(ctx, in)
		})},
		{MethodName: MethodResolveAllConflicts, Handler: handler(MethodResolveAllConflicts, func(s ControlServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.ResolveAllConflicts(ctx, in)
		})},
		{MethodName: MethodCreateRecord, Handler: handler(MethodCreateRecord, func(s ControlServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.CreateRecord(ctx, in)
		})},
		{MethodName: MethodEditRecord, Handler: handler(MethodEditRecord, func(s ControlServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.EditRecord(ctx, in)
		})},
		{MethodName: MethodDeleteRecord, Handler: handler(MethodDeleteRecord, func(s ControlServer, ctx context.Context, in *structpb.Struct) (any, error) {
			return s.DeleteRecord(ctx, in)
		})},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bibsync/v1/control.proto",
}

// ControlClient is the client API for the Control service.
type ControlClient struct {
	cc grpc.ClientConnInterface
}

// NewControlClient wraps a connection.
func NewControlClient(cc grpc.ClientConnInterface) *ControlClient {
	return &ControlClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, FullMethod(method), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// Sync runs one cycle on the daemon and returns its result.
func (c *ControlClient) Sync(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, MethodSync, &emptypb.Empty{}, opts)
}

// Status reports whether a cycle is running.
func (c *ControlClient) Status(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, MethodStatus, &emptypb.Empty{}, opts)
}

// ListLibraries returns registered libraries with their watermarks.
func (c *ControlClient) ListLibraries(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, MethodListLibraries, &emptypb.Empty{}, opts)
}

// ListConflicts returns conflicts of the requested kind.
func (c *ControlClient) ListConflicts(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, MethodListConflicts, in, opts)
}

// ResolveConflict applies one resolution.
func (c *ControlClient) ResolveConflict(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke[emptypb.Empty](ctx, c.cc, MethodResolveConflict, in, opts)
}

// ResolveAllConflicts applies one resolution to every conflict.
func (c *ControlClient) ResolveAllConflicts(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, MethodResolveAllConflicts, in, opts)
}

// CreateRecord records a local creation.
func (c *ControlClient) CreateRecord(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, MethodCreateRecord, in, opts)
}

// EditRecord records a local modification.
func (c *ControlClient) EditRecord(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	return invoke[structpb.Struct](ctx, c.cc, MethodEditRecord, in, opts)
}

// DeleteRecord records a local deletion.
func (c *ControlClient) DeleteRecord(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke[emptypb.Empty](ctx, c.cc, MethodDeleteRecord, in, opts)
}
