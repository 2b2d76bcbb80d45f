package cluster

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"replicatedlog/internal/database"
	"replicatedlog/internal/replication"
	"replicatedlog/internal/replication/metrics"
	"replicatedlog/internal/replication/storage"
)

func startCluster(t *testing.T, opts Options) *Local {
	t.Helper()
	cfg := replication.DefaultLeaderConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	opts.LeaderDefaults = cfg
	opts.InsertTimeout = 2 * time.Second
	opts.RPCTimeout = time.Second
	opts.Logger = zaptest.NewLogger(t).Sugar()

	c, err := Start(opts)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	require.NoError(t, c.CreateLog(1))
	return c
}

func insert(t *testing.T, n *Node, payloads ...string) database.InsertResult {
	t.Helper()
	var res database.InsertResult
	for _, p := range payloads {
		var err error
		res, err = n.DB.Insert(context.Background(), 1, replication.LogPayload(p))
		require.NoError(t, err)
	}
	return res
}

func waitApplied(t *testing.T, c *Local, index replication.LogIndex) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitForApplied(ctx, 1, index))
}

func TestLocal(t *testing.T) {
	for _, mode := range []struct {
		name string
		grpc bool
	}{{"in process", false}, {"grpc", true}} {
		t.Run(mode.name, func(t *testing.T) {
			m := metrics.NewMetrics()
			c := startCluster(t, Options{Size: 3, GRPC: mode.grpc, Metrics: m})
			require.Len(t, c.Members(), 3)
			for _, n := range c.Nodes {
				assert.Equal(t, mode.grpc, n.Addr() != "")
			}

			require.NoError(t, c.SetTerm(1, 1, c.Nodes[0], &database.TermConfig{WriteConcern: 3}))
			res := insert(t, c.Nodes[0], "SET a=1", "SET b=2")
			assert.Equal(t, replication.LogIndex(2), res.Index)
			assert.ElementsMatch(t, c.Members(), res.Quorum.Quorum)
			waitApplied(t, c, 2)

			// leadership moves, the new leader keeps the log and the state machines continue
			require.NoError(t, c.SetTerm(1, 2, c.Nodes[2], nil))
			res = insert(t, c.Nodes[2], "DEL a")
			assert.Equal(t, replication.LogTerm(2), res.Term)
			waitApplied(t, c, res.Index)

			for _, n := range c.Nodes {
				_, ok, err := n.DB.KV(1, "a")
				require.NoError(t, err)
				assert.False(t, ok, "%s still has a", n.ID)
				v, ok, err := n.DB.KV(1, "b")
				require.NoError(t, err)
				assert.True(t, ok)
				assert.Equal(t, "2", v)
			}
			assert.Positive(t, m.GetReport().AppendEntriesCount)
		})
	}
}

func TestLocal_BboltStorage(t *testing.T) {
	dir := t.TempDir()
	c := startCluster(t, Options{
		Size: 2,
		Storage: func(id replication.ParticipantID) (database.StorageProvider, error) {
			return storage.NewBboltStore(filepath.Join(dir, string(id)+".db"), storage.BboltOptions{NoSync: true})
		},
	})

	require.NoError(t, c.SetTerm(1, 1, c.Nodes[1], nil))
	insert(t, c.Nodes[1], "SET k=v")
	waitApplied(t, c, 1)

	entries, err := c.Nodes[0].DB.Tail(1, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "SET k=v", string(entries[0].Payload))
}

func TestStart_InvalidSize(t *testing.T) {
	_, err := Start(Options{})
	assert.ErrorIs(t, err, replication.ErrInvalidConfig)
}

func TestWaitForApplied_Timeout(t *testing.T) {
	c := startCluster(t, Options{Size: 1})
	require.NoError(t, c.SetTerm(1, 1, c.Nodes[0], nil))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitForApplied(ctx, 1, 5), context.DeadlineExceeded)
}
