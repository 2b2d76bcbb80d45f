// Package cluster boots several participants inside one process, replicating either
// through direct calls or through the gRPC transport on loopback.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"replicatedlog/internal/database"
	"replicatedlog/internal/replication"
	"replicatedlog/internal/replication/storage"
	"replicatedlog/internal/replication/transport"
)

// Options configures a local cluster.
type Options struct {
	Size int
	// GRPC replicates through transport.Server instances listening on 127.0.0.1
	GRPC bool
	// Storage returns the storage of one participant. Defaults to a MemoryStore.
	Storage func(id replication.ParticipantID) (database.StorageProvider, error)

	LeaderDefaults replication.LeaderConfig
	InsertTimeout  time.Duration
	RPCTimeout     time.Duration
	Metrics        replication.MetricsCollector
	Logger         *zap.SugaredLogger
}

// Node is one participant of a local cluster.
type Node struct {
	ID replication.ParticipantID
	DB *database.Database

	store  database.StorageProvider
	rpc    *transport.Transport
	server *transport.Server
	addr   string
}

// Addr is the replication address of the node, empty without gRPC.
func (n *Node) Addr() string { return n.addr }

// Local is a set of participants living in the current process.
type Local struct {
	Nodes  []*Node
	logger *zap.SugaredLogger
}

// Start creates opts.Size participants with random ids and connects them.
func Start(opts Options) (*Local, error) {
	if opts.Size < 1 {
		return nil, fmt.Errorf("%w: cluster size must be positive", replication.ErrInvalidConfig)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = transport.DefaultRPCTimeout
	}
	if opts.Storage == nil {
		opts.Storage = func(replication.ParticipantID) (database.StorageProvider, error) {
			return storage.NewMemoryStore(), nil
		}
	}

	c := &Local{logger: opts.Logger}
	network := database.NewInProcess()
	for i := 0; i < opts.Size; i++ {
		id := replication.ParticipantID(uuid.NewString()[:8])
		store, err := opts.Storage(id)
		if err != nil {
			c.Stop()
			return nil, fmt.Errorf("storage of %s: %w", id, err)
		}
		n := &Node{ID: id, store: store}
		dbOpts := database.Options{
			Participant:    id,
			Storage:        store,
			Followers:      network.Followers,
			LeaderDefaults: opts.LeaderDefaults,
			InsertTimeout:  opts.InsertTimeout,
			Logger:         opts.Logger.Named(string(id)),
			Metrics:        opts.Metrics,
		}
		if opts.GRPC {
			n.rpc = transport.NewTransport(opts.RPCTimeout, opts.Logger.Named(string(id)))
			rpc := n.rpc
			dbOpts.Followers = func(p replication.ParticipantID, logID replication.LogID) replication.AbstractFollower {
				return rpc.Follower(p, logID)
			}
		}
		n.DB = database.New(dbOpts)
		network.Add(n.DB)
		c.Nodes = append(c.Nodes, n)
	}

	if opts.GRPC {
		if err := c.listen(); err != nil {
			c.Stop()
			return nil, err
		}
	}
	return c, nil
}

func (c *Local) listen() error {
	for _, n := range c.Nodes {
		lis, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return fmt.Errorf("listen for %s: %w", n.ID, err)
		}
		n.addr = lis.Addr().String()
		n.server = transport.NewServer(n.DB, c.logger.Named(string(n.ID)))
		go func(n *Node) {
			if err := n.server.Serve(lis); err != nil {
				c.logger.Errorf("[CLUSTER] Replication server of %s stopped: %v", n.ID, err)
			}
		}(n)
	}
	for _, n := range c.Nodes {
		for _, peer := range c.Nodes {
			if peer == n {
				continue
			}
			if err := n.rpc.AddPeer(peer.ID, peer.addr); err != nil {
				return err
			}
		}
	}
	return nil
}

// Members returns the ids of every node in start order.
func (c *Local) Members() []replication.ParticipantID {
	ids := make([]replication.ParticipantID, len(c.Nodes))
	for i, n := range c.Nodes {
		ids[i] = n.ID
	}
	return ids
}

// CreateLog creates the log on every node.
func (c *Local) CreateLog(id replication.LogID) error {
	for _, n := range c.Nodes {
		if err := n.DB.CreateLog(id); err != nil {
			return fmt.Errorf("%s: %w", n.ID, err)
		}
	}
	return nil
}

// SetTerm configures term on every node with leader at its head. Followers are installed
// before the leader so its first requests find them.
func (c *Local) SetTerm(id replication.LogID, term replication.LogTerm, leader *Node, cfg *database.TermConfig) error {
	spec := database.TermSpec{Term: term, Leader: leader.ID, Participants: c.Members(), Config: cfg}
	for _, n := range c.Nodes {
		if n == leader {
			continue
		}
		if _, err := n.DB.SetTerm(id, spec); err != nil {
			return fmt.Errorf("%s: %w", n.ID, err)
		}
	}
	if _, err := leader.DB.SetTerm(id, spec); err != nil {
		return fmt.Errorf("%s: %w", leader.ID, err)
	}
	return nil
}

// WaitForApplied blocks until every node applied index to its state machine.
func (c *Local) WaitForApplied(ctx context.Context, id replication.LogID, index replication.LogIndex) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.applied(id, index) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for index %d to be applied: %w", index, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Local) applied(id replication.LogID, index replication.LogIndex) bool {
	for _, n := range c.Nodes {
		applied, err := n.DB.AppliedIndex(id)
		if err != nil || applied < index {
			return false
		}
	}
	return true
}

// Stop closes every database and then the transports.
func (c *Local) Stop() {
	var errs []error
	for _, n := range c.Nodes {
		n.DB.Close()
	}
	for _, n := range c.Nodes {
		if n.server != nil {
			n.server.GracefulShutdown()
		}
		if n.rpc != nil {
			n.rpc.CloseAllClients()
			transport.UnregisterResolverPeer(n.ID)
		}
		if closer, ok := n.store.(io.Closer); ok {
			errs = append(errs, closer.Close())
		}
	}
	if err := errors.Join(errs...); err != nil {
		c.logger.Warnf("[CLUSTER] Closing storage: %v", err)
	}
}
