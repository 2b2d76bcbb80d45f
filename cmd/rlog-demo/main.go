package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"replicatedlog/internal/cluster"
	"replicatedlog/internal/config"
	"replicatedlog/internal/database"
	"replicatedlog/internal/logging"
	"replicatedlog/internal/replication"
	"replicatedlog/internal/replication/metrics"
)

const demoLog replication.LogID = 1

func main() {
	useGRPC := flag.Bool("grpc", true, "Replicate over loopback gRPC instead of in-process calls")
	level := flag.String("log-level", "warn", "Log level")
	flag.Parse()

	logger, err := logging.New(config.LoggerConfig{Level: *level})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	fmt.Println("========================================")
	fmt.Println("Replicated Log Demo")
	fmt.Println("========================================")
	fmt.Println()

	leaderCfg := replication.DefaultLeaderConfig()
	leaderCfg.HeartbeatInterval = 50 * time.Millisecond
	m := metrics.NewMetrics()
	c, err := cluster.Start(cluster.Options{
		Size:           3,
		GRPC:           *useGRPC,
		LeaderDefaults: leaderCfg,
		Metrics:        m,
		Logger:         logger,
	})
	if err != nil {
		log.Fatalf("Failed to start participants: %v", err)
	}
	defer c.Stop()
	if err := c.CreateLog(demoLog); err != nil {
		log.Fatalf("Failed to create log: %v", err)
	}

	for i, n := range c.Nodes {
		if n.Addr() != "" {
			fmt.Printf("Participant %d: %s (%s)\n", i+1, n.ID, n.Addr())
		} else {
			fmt.Printf("Participant %d: %s\n", i+1, n.ID)
		}
	}
	fmt.Println()

	first, second := c.Nodes[0], c.Nodes[1]

	fmt.Printf("Phase 1: term 1, leader %s with write concern 2\n", first.ID)
	if err := c.SetTerm(demoLog, 1, first, &database.TermConfig{WriteConcern: 2}); err != nil {
		log.Fatalf("Failed to configure term 1: %v", err)
	}
	last := insertAll(first, []string{"SET name=Alice", "SET city=Sofia", "SET language=Go"})
	waitForApplied(c, last)
	printState(c)

	fmt.Printf("Phase 2: term 2, leadership moves to %s\n", second.ID)
	if err := c.SetTerm(demoLog, 2, second, nil); err != nil {
		log.Fatalf("Failed to configure term 2: %v", err)
	}
	last = insertAll(second, []string{"SET city=Plovdiv", "DEL language"})
	waitForApplied(c, last)
	printState(c)

	status, err := second.DB.Status(demoLog)
	if err == nil && status.Leader != nil {
		fmt.Printf("Leader %s: commitIndex=%d\n", status.Leader.Participant, status.Leader.CommitIndex)
		if q := status.Leader.LastQuorum; q != nil {
			fmt.Printf("  last quorum at index %d: %v\n", q.Index, q.Quorum)
		}
		for id, f := range status.Leader.Followers {
			fmt.Printf("  follower %s: acked=%d next=%d errorsInRow=%d\n", id, f.LastAckedIndex, f.NextIndex, f.NumErrorsInRow)
		}
		fmt.Println()
	}

	report := m.GetReport()
	report.PrintReport(os.Stdout)
}

func insertAll(leader *cluster.Node, commands []string) replication.LogIndex {
	var last replication.LogIndex
	for i, cmd := range commands {
		fmt.Printf("[%d] Inserting: %s\n", i+1, cmd)
		res, err := leader.DB.Insert(context.Background(), demoLog, replication.LogPayload(cmd))
		if err != nil {
			fmt.Printf("  ❌ Failed: %v\n", err)
			continue
		}
		last = res.Index
		fmt.Printf("  ✓ Committed at index %d in term %d by %v\n", res.Index, res.Term, res.Quorum.Quorum)
	}
	fmt.Println()
	return last
}

func waitForApplied(c *cluster.Local, index replication.LogIndex) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.WaitForApplied(ctx, demoLog, index); err != nil {
		fmt.Printf("⚠️  Warning: %v\n", err)
	}
}

func printState(c *cluster.Local) {
	for _, n := range c.Nodes {
		applied, _ := n.DB.AppliedIndex(demoLog)
		fmt.Printf("%s (applied=%d):", n.ID, applied)
		for _, key := range []string{"name", "city", "language"} {
			if v, ok, _ := n.DB.KV(demoLog, key); ok {
				fmt.Printf(" %s=%s", key, v)
			}
		}
		fmt.Println()
	}
	fmt.Println()
}
