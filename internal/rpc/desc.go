package rpc

import (
	"context"

	"google.golang.org/grpc"

	"github.com/user/converge/internal/types"
)

const (
	serviceName    = "converge.v1.ContextService"
	appendMethod   = "/" + serviceName + "/Append"
	getMethod      = "/" + serviceName + "/Get"
	snapshotMethod = "/" + serviceName + "/Snapshot"
	loadMethod     = "/" + serviceName + "/Load"
	watchMethod    = "/" + serviceName + "/Watch"
)

type AppendRequest struct {
	ContextID types.ContextID     `json:"context_id"`
	Entry     *types.ContextEntry `json:"entry"`
}

type AppendResponse struct {
	Entry *types.ContextEntry `json:"entry"`
}

type GetRequest struct {
	ContextID types.ContextID  `json:"context_id"`
	Options   types.GetOptions `json:"options"`
}

type GetResponse struct {
	Entries []*types.ContextEntry `json:"entries"`
}

type SnapshotRequest struct {
	ContextID types.ContextID `json:"context_id"`
}

type SnapshotResponse struct {
	Snapshot *types.ContextSnapshot `json:"snapshot"`
}

type LoadRequest struct {
	ContextID types.ContextID   `json:"context_id"`
	Load      types.LoadRequest `json:"load"`
}

type LoadResponse struct {
	Sequence int64 `json:"sequence"`
}

type WatchEvent struct {
	Entry *types.ContextEntry `json:"entry"`
}

// ContextServiceServer is implemented by the gRPC side of the service.
type ContextServiceServer interface {
	Append(context.Context, *AppendRequest) (*AppendResponse, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
	Snapshot(context.Context, *SnapshotRequest) (*SnapshotResponse, error)
	Load(context.Context, *LoadRequest) (*LoadResponse, error)
	Watch(*types.WatchRequest, grpc.ServerStream) error
}

// unaryHandler builds a grpc method handler that decodes a Req and calls fn.
func unaryHandler[Req any](method string, fn func(ContextServiceServer, context.Context, *Req) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(srv.(ContextServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(srv.(ContextServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(types.WatchRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ContextServiceServer).Watch(in, stream)
}

var ContextServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ContextServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Append",
			Handler: unaryHandler(appendMethod, func(s ContextServiceServer, ctx context.Context, in *AppendRequest) (any, error) {
				return s.Append(ctx, in)
			}),
		},
		{
			MethodName: "Get",
			Handler: unaryHandler(getMethod, func(s ContextServiceServer, ctx context.Context, in *GetRequest) (any, error) {
				return s.Get(ctx, in)
			}),
		},
		{
			MethodName: "Snapshot",
			Handler: unaryHandler(snapshotMethod, func(s ContextServiceServer, ctx context.Context, in *SnapshotRequest) (any, error) {
				return s.Snapshot(ctx, in)
			}),
		},
		{
			MethodName: "Load",
			Handler: unaryHandler(loadMethod, func(s ContextServiceServer, ctx context.Context, in *LoadRequest) (any, error) {
				return s.Load(ctx, in)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "converge/v1/context_service",
}
