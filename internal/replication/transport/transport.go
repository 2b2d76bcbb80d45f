package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"replicatedlog/internal/replication"
)

// DefaultRPCTimeout bounds a single AppendEntries attempt. The leader owns retries, so
// the transport never retries on its own.
const DefaultRPCTimeout = 200 * time.Millisecond

// Transport keeps one gRPC channel per remote participant, shared by every log.
type Transport struct {
	// clientsConnPool is a map[replication.ParticipantID]*grpc.ClientConn
	clientsConnPool *sync.Map
	rpcTimeout      time.Duration
	dialOptions     []grpc.DialOption
	logger          replication.Logger
}

// NewTransport creates an empty pool. Extra dial options are appended to the defaults
// (insecure credentials and the rlog codec).
func NewTransport(rpcTimeout time.Duration, logger replication.Logger, opts ...grpc.DialOption) *Transport {
	if rpcTimeout <= 0 {
		rpcTimeout = DefaultRPCTimeout
	}
	dialOptions := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	return &Transport{
		clientsConnPool: &sync.Map{},
		rpcTimeout:      rpcTimeout,
		dialOptions:     append(dialOptions, opts...),
		logger:          logger,
	}
}

func (t *Transport) getClientConn(peerID replication.ParticipantID) (*grpc.ClientConn, error) {
	clientConn, ok := t.clientsConnPool.Load(peerID)
	if !ok {
		return nil, fmt.Errorf("gRPC client connection not found for participant %s", peerID)
	}
	conn, ok := clientConn.(*grpc.ClientConn)
	if !ok {
		return nil, fmt.Errorf("invalid clientConn type for participant %s. Type is %T", peerID, clientConn)
	}
	return conn, nil
}

// AddPeer registers the address of a participant and opens a channel to it. Adding a
// known participant only updates its address.
func (t *Transport) AddPeer(peerID replication.ParticipantID, addr string) error {
	RegisterResolverPeer(peerID, addr)
	if _, err := t.getClientConn(peerID); err == nil {
		return nil
	}

	conn, err := grpc.NewClient(targetFor(peerID), t.dialOptions...)
	if err != nil {
		return fmt.Errorf("failed to establish gRPC connection to participant %s: %w", peerID, err)
	}
	if _, loaded := t.clientsConnPool.LoadOrStore(peerID, conn); loaded {
		_ = conn.Close()
		return nil
	}
	t.logger.Infof("[TRANSPORT] Added gRPC connection for participant %s at %s", peerID, addr)
	return nil
}

// RemovePeer closes and forgets the channel to a participant.
func (t *Transport) RemovePeer(peerID replication.ParticipantID) {
	if value, ok := t.clientsConnPool.LoadAndDelete(peerID); ok {
		if conn, ok := value.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				t.logger.Warnf("[TRANSPORT] Failed to close connection to removed participant %s: %v", peerID, err)
			} else {
				t.logger.Infof("[TRANSPORT] Closed connection to removed participant %s", peerID)
			}
		}
	}
	UnregisterResolverPeer(peerID)
}

// CloseAllClients closes every channel in the pool.
func (t *Transport) CloseAllClients() {
	t.clientsConnPool.Range(func(key, value any) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			if err := conn.Close(); err != nil {
				t.logger.Warnf("[TRANSPORT] Failed to close connection to %v: %v", key, err)
			}
		}
		t.clientsConnPool.Delete(key)
		return true
	})
	t.logger.Infof("[TRANSPORT] All gRPC client connections closed")
}

// AppendEntries sends one request to peer for the given log. Any error is a transport
// failure; protocol rejections come back as results.
func (t *Transport) AppendEntries(ctx context.Context, peerID replication.ParticipantID, logID replication.LogID, req *replication.AppendEntriesRequest) (*replication.AppendEntriesResult, error) {
	conn, err := t.getClientConn(peerID)
	if err != nil {
		return nil, err
	}

	rpcCtx, cancel := context.WithTimeout(withLogID(ctx, logID), t.rpcTimeout)
	defer cancel()

	res := new(replication.AppendEntriesResult)
	if err := conn.Invoke(rpcCtx, appendEntriesMethod, req, res); err != nil {
		return nil, fmt.Errorf("AppendEntries to %s on log %d: %w", peerID, logID, err)
	}
	return res, nil
}

// Follower returns peer as the follower of one log.
func (t *Transport) Follower(peerID replication.ParticipantID, logID replication.LogID) *RemoteFollower {
	return &RemoteFollower{transport: t, id: peerID, logID: logID}
}

// RemoteFollower is a replication.AbstractFollower reached over gRPC.
type RemoteFollower struct {
	transport *Transport
	id        replication.ParticipantID
	logID     replication.LogID
}

func (r *RemoteFollower) ParticipantID() replication.ParticipantID { return r.id }

func (r *RemoteFollower) AppendEntries(ctx context.Context, req *replication.AppendEntriesRequest) (*replication.AppendEntriesResult, error) {
	return r.transport.AppendEntries(ctx, r.id, r.logID, req)
}
