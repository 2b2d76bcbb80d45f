package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"replicatedlog/internal/cluster"
	"replicatedlog/internal/config"
	"replicatedlog/internal/database"
	"replicatedlog/internal/logging"
	"replicatedlog/internal/replication"
	"replicatedlog/internal/replication/metrics"
	"replicatedlog/internal/replication/storage"
)

const benchLog replication.LogID = 1

func main() {
	clusterSize := flag.Int("cluster-size", 3, "Number of participants")
	numInserts := flag.Int("inserts", 1000, "Number of entries to insert")
	concurrency := flag.Int("concurrency", 8, "Number of concurrent inserters")
	writeConcern := flag.Int("write-concern", 0, "Write concern (0 selects a majority)")
	waitForSync := flag.Bool("wait-for-sync", false, "Sync every append to stable storage")
	useBbolt := flag.Bool("bbolt", false, "Persist to bbolt files instead of memory")
	useGRPC := flag.Bool("grpc", true, "Replicate over loopback gRPC")
	outputFile := flag.String("output", "", "Output JSON file for metrics (optional)")
	flag.Parse()

	logger, err := logging.New(config.LoggerConfig{Level: "error"})
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}

	fmt.Println()
	fmt.Println("========================================")
	fmt.Println("REPLICATED LOG BENCHMARK")
	fmt.Println("========================================")
	fmt.Printf("Participants: %d\n", *clusterSize)
	fmt.Printf("Inserts: %d (concurrency %d)\n", *numInserts, *concurrency)
	fmt.Printf("Write concern: %d, waitForSync: %t\n", *writeConcern, *waitForSync)
	fmt.Printf("Storage: %s, transport: %s\n", pick(*useBbolt, "bbolt", "memory"), pick(*useGRPC, "grpc", "in-process"))
	fmt.Println("========================================")
	fmt.Println()

	opts := cluster.Options{
		Size:           *clusterSize,
		GRPC:           *useGRPC,
		LeaderDefaults: replication.DefaultLeaderConfig(),
		InsertTimeout:  10 * time.Second,
		Logger:         logger,
	}
	if *useBbolt {
		dir, err := os.MkdirTemp("", "rlog-bench-")
		if err != nil {
			log.Fatalf("Failed to create data directory: %v", err)
		}
		defer os.RemoveAll(dir)
		opts.Storage = func(id replication.ParticipantID) (database.StorageProvider, error) {
			return storage.NewBboltStore(filepath.Join(dir, string(id)+".db"), storage.BboltOptions{NoSync: !*waitForSync})
		}
	}
	m := metrics.NewMetrics()
	opts.Metrics = m

	c, err := cluster.Start(opts)
	if err != nil {
		log.Fatalf("Failed to start cluster: %v", err)
	}
	defer c.Stop()

	if err := c.CreateLog(benchLog); err != nil {
		log.Fatalf("Failed to create log: %v", err)
	}
	leader := c.Nodes[0]
	termCfg := &database.TermConfig{WriteConcern: *writeConcern, WaitForSync: *waitForSync}
	if err := c.SetTerm(benchLog, 1, leader, termCfg); err != nil {
		log.Fatalf("Failed to configure term: %v", err)
	}
	fmt.Printf("✓ Leader %s configured\n\n", leader.ID)

	// only the insert phase is measured
	m.Reset()
	failed := runInserts(leader, *numInserts, *concurrency)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	status, err := leader.DB.Status(benchLog)
	if err == nil && status.Leader != nil {
		if err := c.WaitForApplied(ctx, benchLog, status.Leader.CommitIndex); err != nil {
			fmt.Printf("⚠️  %v\n", err)
		}
	}

	fmt.Println()
	fmt.Println("========================================")
	fmt.Println("BENCHMARK COMPLETE")
	fmt.Println("========================================")
	fmt.Printf("Failed inserts: %d\n", failed)

	report := m.GetReport()
	report.PrintReport(os.Stdout)

	if *outputFile != "" {
		saveReportJSON(&report, *outputFile)
	}
}

// runInserts spreads n inserts over workers and returns how many failed
func runInserts(leader *cluster.Node, n, workers int) uint64 {
	var (
		next   atomic.Int64
		failed atomic.Uint64
		wg     sync.WaitGroup
	)
	for w := 0; w < max(workers, 1); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				i := next.Add(1) - 1
				if i >= int64(n) {
					return
				}
				payload := replication.LogPayload(fmt.Sprintf("SET key%d=value%d", i, i))
				_, err := leader.DB.Insert(context.Background(), benchLog, payload)
				for errors.Is(err, replication.ErrBackpressure) {
					time.Sleep(time.Millisecond)
					_, err = leader.DB.Insert(context.Background(), benchLog, payload)
				}
				if err != nil {
					failed.Add(1)
					fmt.Printf("  ⚠️  Insert %d failed: %v\n", i, err)
				}
				if done := i + 1; done%100 == 0 {
					fmt.Printf("Progress: %d/%d inserts\n", done, n)
				}
			}
		}()
	}
	wg.Wait()
	return failed.Load()
}

func pick(cond bool, yes, no string) string {
	if cond {
		return yes
	}
	return no
}

func saveReportJSON(report *metrics.Report, filename string) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Printf("Failed to marshal report: %v", err)
		return
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		log.Printf("Failed to write report: %v", err)
		return
	}
	fmt.Printf("\n✓ Metrics saved to %s\n", filename)
}
