package shardwire

import (
	"context"

	"google.golang.org/grpc"
)

// ShardService is the handler surface a shard process implements. The
// router core never implements it in production; it lives here so the
// service descriptor and the client agree on one contract, and so tests
// can stand up an in-process shard.
type ShardService interface {
	PrepareTransaction(ctx context.Context, req *PrepareRequest) (*PrepareResponse, error)
	CommitTransaction(ctx context.Context, req *CommitRequest) (*AckResponse, error)
	AbortTransaction(ctx context.Context, req *AbortRequest) (*AckResponse, error)
	Count(ctx context.Context, req *CountRequest) (*CountResponse, error)
	Find(ctx context.Context, req *FindRequest) (*FindResponse, error)
}

const serviceName = "shardwire.Shard"

// RegisterShardServer registers svc on s under the shard service
// descriptor.
func RegisterShardServer(s *grpc.Server, svc ShardService) {
	s.RegisterService(&shardServiceDesc, svc)
}

func unaryHandler[Req any, Resp any](
	method string,
	call func(svc ShardService, ctx context.Context, req *Req) (*Resp, error),
) func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ShardService), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ShardService), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var shardServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ShardService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "PrepareTransaction",
			Handler: unaryHandler("PrepareTransaction", func(svc ShardService, ctx context.Context, req *PrepareRequest) (*PrepareResponse, error) {
				return svc.PrepareTransaction(ctx, req)
			}),
		},
		{
			MethodName: "CommitTransaction",
			Handler: unaryHandler("CommitTransaction", func(svc ShardService, ctx context.Context, req *CommitRequest) (*AckResponse, error) {
				return svc.CommitTransaction(ctx, req)
			}),
		},
		{
			MethodName: "AbortTransaction",
			Handler: unaryHandler("AbortTransaction", func(svc ShardService, ctx context.Context, req *AbortRequest) (*AckResponse, error) {
				return svc.AbortTransaction(ctx, req)
			}),
		},
		{
			MethodName: "Count",
			Handler: unaryHandler("Count", func(svc ShardService, ctx context.Context, req *CountRequest) (*CountResponse, error) {
				return svc.Count(ctx, req)
			}),
		},
		{
			MethodName: "Find",
			Handler: unaryHandler("Find", func(svc ShardService, ctx context.Context, req *FindRequest) (*FindResponse, error) {
				return svc.Find(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "shardwire",
}
