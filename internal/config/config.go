package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"replicatedlog/internal/replication"
)

// Config is the root configuration of rlogd.
type Config struct {
	Logger      LoggerConfig      `yaml:"logger"`
	Node        NodeConfig        `yaml:"node"`
	API         APIConfig         `yaml:"http-server"`
	Storage     StorageConfig     `yaml:"storage"`
	Replication ReplicationConfig `yaml:"replication"`
	// Peers are the other participants this node may replicate to
	Peers []PeerConfig `yaml:"peers"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type NodeConfig struct {
	// ID is the participant id of this node; a random one is generated when empty
	ID       string `yaml:"id"`
	GRPCAddr string `yaml:"grpc_addr"`
}

type APIConfig struct {
	Addr                string `yaml:"addr"`
	ReadHeaderTimeoutMs int    `yaml:"read_header_timeout_ms"`
}

type StorageConfig struct {
	Path   string `yaml:"path"`
	NoSync bool   `yaml:"no_sync"`
}

// ReplicationConfig holds the leader defaults of every log. Durations are milliseconds.
type ReplicationConfig struct {
	WriteConcern        int  `yaml:"write_concern"`
	WaitForSync         bool `yaml:"wait_for_sync"`
	MaxBatchEntries     int  `yaml:"max_batch_entries"`
	MaxUnackedEntries   int  `yaml:"max_unacked_entries"`
	HeartbeatIntervalMs int  `yaml:"heartbeat_interval_ms"`
	RetryBaseDelayMs    int  `yaml:"retry_base_delay_ms"`
	MaxRetryDelayMs     int  `yaml:"max_retry_delay_ms"`
	RPCTimeoutMs        int  `yaml:"rpc_timeout_ms"`
	InsertTimeoutMs     int  `yaml:"insert_timeout_ms"`
}

type PeerConfig struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// Default returns a baseline single-node development config.
func Default() Config {
	leader := replication.DefaultLeaderConfig()
	return Config{
		Logger: LoggerConfig{
			Level: "info",
			JSON:  false,
		},
		Node: NodeConfig{
			GRPCAddr: "localhost:7000",
		},
		API: APIConfig{
			Addr:                "localhost:8080",
			ReadHeaderTimeoutMs: 5000,
		},
		Storage: StorageConfig{
			Path: "./data/rlog.db",
		},
		Replication: ReplicationConfig{
			WriteConcern:        leader.WriteConcern,
			WaitForSync:         leader.WaitForSync,
			MaxBatchEntries:     leader.MaxBatchEntries,
			MaxUnackedEntries:   leader.MaxUnackedEntries,
			HeartbeatIntervalMs: int(leader.HeartbeatInterval / time.Millisecond),
			RetryBaseDelayMs:    int(leader.RetryBaseDelay / time.Millisecond),
			MaxRetryDelayMs:     int(leader.MaxRetryDelay / time.Millisecond),
			RPCTimeoutMs:        200,
			InsertTimeoutMs:     5000,
		},
	}
}

// Load reads a YAML config on top of Default. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch strings.ToLower(c.Logger.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logger.level: unknown level %q", c.Logger.Level)
	}
	if c.Node.GRPCAddr == "" {
		return errors.New("node.grpc_addr is required")
	}
	if c.API.Addr == "" {
		return errors.New("http-server.addr is required")
	}
	if c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	seen := make(map[string]bool, len(c.Peers))
	for i, p := range c.Peers {
		if p.ID == "" || p.Addr == "" {
			return fmt.Errorf("peers[%d]: id and addr are required", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("peers[%d]: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
	}
	if c.Replication.RPCTimeoutMs <= 0 || c.Replication.InsertTimeoutMs <= 0 {
		return errors.New("replication: rpc_timeout_ms and insert_timeout_ms must be positive")
	}
	// the write concern is checked per term, against the actual participant count
	if err := c.LeaderConfig().Validate(max(c.Replication.WriteConcern, 1)); err != nil {
		return fmt.Errorf("replication: %w", err)
	}
	return nil
}

// LeaderConfig converts the replication section into leader defaults.
func (c Config) LeaderConfig() replication.LeaderConfig {
	r := c.Replication
	return replication.LeaderConfig{
		WriteConcern:      r.WriteConcern,
		WaitForSync:       r.WaitForSync,
		MaxBatchEntries:   r.MaxBatchEntries,
		MaxUnackedEntries: r.MaxUnackedEntries,
		HeartbeatInterval: ms(r.HeartbeatIntervalMs),
		RetryBaseDelay:    ms(r.RetryBaseDelayMs),
		MaxRetryDelay:     ms(r.MaxRetryDelayMs),
	}
}

func (c Config) RPCTimeout() time.Duration { return ms(c.Replication.RPCTimeoutMs) }

func (c Config) InsertTimeout() time.Duration { return ms(c.Replication.InsertTimeoutMs) }

func (c Config) ReadHeaderTimeout() time.Duration { return ms(c.API.ReadHeaderTimeoutMs) }

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }
