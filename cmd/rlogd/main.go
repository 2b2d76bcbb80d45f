package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"replicatedlog/internal/api"
	"replicatedlog/internal/config"
	"replicatedlog/internal/database"
	"replicatedlog/internal/events"
	"replicatedlog/internal/logging"
	"replicatedlog/internal/replication"
	"replicatedlog/internal/replication/metrics"
	"replicatedlog/internal/replication/storage"
	"replicatedlog/internal/replication/transport"
)

const eventQueueSize = 1024

func main() {
	configPath := flag.String("config", "rlog.yaml", "Path to the YAML config file")
	participant := flag.String("id", "", "Participant ID (overrides node.id, generated when both are empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *participant != "" {
		cfg.Node.ID = *participant
	}
	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.NewString()
	}

	logger, err := logging.New(cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatalf("rlogd stopped: %v", err)
	}
}

func run(cfg config.Config, logger *zap.SugaredLogger) error {
	self := replication.ParticipantID(cfg.Node.ID)
	logger = logger.With("participant", self)

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	store, err := storage.NewBboltStore(cfg.Storage.Path, storage.BboltOptions{NoSync: cfg.Storage.NoSync})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Errorf("Failed to close storage: %v", err)
		}
	}()

	rpc := transport.NewTransport(cfg.RPCTimeout(), logger.Named("transport"))
	defer rpc.CloseAllClients()
	for _, peer := range cfg.Peers {
		if err := rpc.AddPeer(replication.ParticipantID(peer.ID), peer.Addr); err != nil {
			return fmt.Errorf("add peer %s: %w", peer.ID, err)
		}
	}

	bus := events.NewBus(eventQueueSize, logger.Named("events"))
	defer bus.GracefulShutdown()
	logEvents(bus, logger.Named("events"))

	m := metrics.NewMetrics()
	db := database.New(database.Options{
		Participant: self,
		Storage:     store,
		Followers: func(p replication.ParticipantID, id replication.LogID) replication.AbstractFollower {
			return rpc.Follower(p, id)
		},
		LeaderDefaults: cfg.LeaderConfig(),
		InsertTimeout:  cfg.InsertTimeout(),
		Logger:         logger.Named("replication"),
		Metrics:        m,
		Events:         bus,
	})
	defer db.Close()
	if err := db.Recover(); err != nil {
		return fmt.Errorf("recover logs: %w", err)
	}

	grpcLis, err := net.Listen("tcp", cfg.Node.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Node.GRPCAddr, err)
	}
	replicationServer := transport.NewServer(db, logger.Named("transport"))

	httpLis, err := net.Listen("tcp", cfg.API.Addr)
	if err != nil {
		_ = grpcLis.Close()
		return fmt.Errorf("listen on %s: %w", cfg.API.Addr, err)
	}
	apiServer := api.NewServer(db, m, logger.Named("api"))

	errCh := make(chan error, 2)
	go func() { errCh <- replicationServer.Serve(grpcLis) }()
	go func() { errCh <- apiServer.Serve(httpLis, cfg.ReadHeaderTimeout()) }()

	logger.Infof("rlogd started (replication on %s, management API on %s, %d peers)",
		cfg.Node.GRPCAddr, cfg.API.Addr, len(cfg.Peers))

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case <-signalCtx.Done():
		logger.Infof("Shutting down...")
	case serveErr = <-errCh:
		logger.Errorf("Server failed: %v", serveErr)
	}

	if err := apiServer.Shutdown(); err != nil {
		logger.Warnf("%v", err)
	}
	replicationServer.GracefulShutdown()
	logger.Infof("rlogd stopped")
	return serveErr
}

// logEvents writes every replication event to the log until the bus shuts down
func logEvents(bus *events.Bus, logger *zap.SugaredLogger) {
	ch := make(chan replication.Event, eventQueueSize)
	bus.Subscribe(ch, events.SubscriptionOptions{})
	go func() {
		for ev := range ch {
			logger.Infow(ev.Kind.String(),
				"log", ev.LogID,
				"role", ev.Role,
				"term", ev.Term,
				"index", ev.Index,
			)
		}
	}()
}
