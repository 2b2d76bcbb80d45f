package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"replicatedlog/internal/replication"
)

// FollowerLookup finds the local participant that answers AppendEntries for a log.
// It returns replication.ErrLogNotFound for unknown logs and replication.ErrNotFollower
// when the local participant is not a follower.
type FollowerLookup interface {
	Follower(id replication.LogID) (replication.AbstractFollower, error)
}

// FollowerLookupFunc adapts a function to FollowerLookup.
type FollowerLookupFunc func(id replication.LogID) (replication.AbstractFollower, error)

func (f FollowerLookupFunc) Follower(id replication.LogID) (replication.AbstractFollower, error) {
	return f(id)
}

// Server receives AppendEntries for every log hosted by this process and routes them by
// the log id in the request metadata.
type Server struct {
	followers  FollowerLookup
	grpcServer *grpc.Server
	logger     replication.Logger
}

func NewServer(followers FollowerLookup, logger replication.Logger, opts ...grpc.ServerOption) *Server {
	s := &Server{
		followers:  followers,
		grpcServer: grpc.NewServer(append([]grpc.ServerOption{grpc.ConnectionTimeout(30 * time.Second)}, opts...)...),
		logger:     logger,
	}
	registerReplicatedLogServiceServer(s.grpcServer, s)
	return s
}

func (s *Server) AppendEntries(ctx context.Context, req *replication.AppendEntriesRequest) (*replication.AppendEntriesResult, error) {
	logID, err := logIDFromContext(ctx)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	follower, err := s.followers.Follower(logID)
	switch {
	case errors.Is(err, replication.ErrLogNotFound):
		return nil, status.Errorf(codes.NotFound, "log %d not found", logID)
	case errors.Is(err, replication.ErrNotFollower):
		return nil, status.Errorf(codes.FailedPrecondition, "log %d: %v", logID, err)
	case err != nil:
		return nil, status.Errorf(codes.Internal, "log %d: %v", logID, err)
	}
	res, err := follower.AppendEntries(ctx, req)
	if err != nil {
		s.logger.Errorf("[TRANSPORT] AppendEntries on log %d failed: %v", logID, err)
		return nil, status.Errorf(codes.Internal, "log %d: %v", logID, err)
	}
	return res, nil
}

// Serve accepts connections on lis until the server is stopped.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Infof("[TRANSPORT] Replication service listening on %s", lis.Addr())
	return s.grpcServer.Serve(lis)
}

func (s *Server) GracefulShutdown() {
	s.logger.Infof("[TRANSPORT] Shutting down replication service gracefully")
	s.grpcServer.GracefulStop()
}

func (s *Server) ForceShutdown() {
	s.logger.Infof("[TRANSPORT] Force shutting down replication service")
	s.grpcServer.Stop()
}

func withLogID(ctx context.Context, id replication.LogID) context.Context {
	return metadata.AppendToOutgoingContext(ctx, logIDMetadataKey, strconv.FormatUint(uint64(id), 10))
}

func logIDFromContext(ctx context.Context) (replication.LogID, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return 0, errors.New("missing request metadata")
	}
	values := md.Get(logIDMetadataKey)
	if len(values) != 1 {
		return 0, fmt.Errorf("expected exactly one %s, got %d", logIDMetadataKey, len(values))
	}
	id, err := strconv.ParseUint(values[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", logIDMetadataKey, values[0], err)
	}
	return replication.LogID(id), nil
}
