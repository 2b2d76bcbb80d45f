package transport

import (
	"context"

	"google.golang.org/grpc"

	"replicatedlog/internal/replication"
)

const (
	serviceName         = "rlog.ReplicatedLogService"
	appendEntriesMethod = "/" + serviceName + "/AppendEntries"

	// logIDMetadataKey carries the target log of a request; one connection serves every log
	logIDMetadataKey = "x-rlog-log-id"
)

// ReplicatedLogServiceServer is the server side of the replication service.
type ReplicatedLogServiceServer interface {
	AppendEntries(ctx context.Context, req *replication.AppendEntriesRequest) (*replication.AppendEntriesResult, error)
}

// registerReplicatedLogServiceServer mirrors what protoc-gen-go-grpc generates for
//
//	service ReplicatedLogService {
//	  rpc AppendEntries(AppendEntriesRequest) returns (AppendEntriesResult);
//	}
func registerReplicatedLogServiceServer(s grpc.ServiceRegistrar, srv ReplicatedLogServiceServer) {
	s.RegisterService(&replicatedLogServiceDesc, srv)
}

var replicatedLogServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ReplicatedLogServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "AppendEntries",
			Handler:    appendEntriesHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rlog.proto",
}

func appendEntriesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(replication.AppendEntriesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicatedLogServiceServer).AppendEntries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: appendEntriesMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReplicatedLogServiceServer).AppendEntries(ctx, req.(*replication.AppendEntriesRequest))
	}
	return interceptor(ctx, in, info, handler)
}
