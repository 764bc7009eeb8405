// Package integration provides end-to-end tests across the durable
// log, causal engine, schema registry and peer transport.
package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/causalite/causalite/internal/checkpoint"
	"github.com/causalite/causalite/internal/replica"
	"github.com/causalite/causalite/internal/schema"
	"github.com/causalite/causalite/internal/storage"
	"github.com/causalite/causalite/pkg/types"
)

func startReplica(t *testing.T, id string, hub *replica.Memnet, clock replica.Clock, extra func(*replica.Params)) *replica.Replica {
	t.Helper()
	params := replica.Params{
		ReplicaID: id,
		LogPath:   filepath.Join(t.TempDir(), id+".ndjson"),
		Clock:     clock,
		Logger:    zerolog.Nop(),
	}
	if hub != nil {
		params.Transport = hub.Join(id)
	}
	if extra != nil {
		extra(&params)
	}
	r, err := replica.New(params)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func op(t *testing.T, typ types.OpType, payload interface{}) types.Operation {
	t.Helper()
	o, err := types.Operation{Type: typ}.WithPayload(payload)
	require.NoError(t, err)
	return o
}

// TestFullSyncLifecycle drives the whole flow on a three node cluster:
// DDL propagation, causally dependent writes, partition divergence,
// heal convergence and post-restart recovery.
func TestFullSyncLifecycle(t *testing.T) {
	hub := replica.NewMemnet()
	clock := replica.NewManualClock(1000)
	r1 := startReplica(t, "r1", hub, clock, nil)
	r2 := startReplica(t, "r2", hub, clock, nil)
	r3 := startReplica(t, "r3", hub, clock, nil)
	cluster := []*replica.Replica{r1, r2, r3}

	// Schema converges through the DDL operation itself.
	ddl, err := r1.ExecuteOperation(op(t, types.OpDDL, types.DDLPayload{
		DDLType: "CREATE_TABLE",
		Query:   "CREATE TABLE accounts (id STRING, balance DOUBLE)",
	}))
	require.NoError(t, err)
	for _, r := range cluster {
		require.True(t, r.Applied(ddl.ID), r.ID())
		assert.Equal(t, 1, r.SchemaVersion().Version, r.ID())
	}

	// A dependent write lands everywhere with its dependency honored.
	create, err := r2.ExecuteOperation(op(t, types.OpCreate, types.MutationPayload{
		Table: "accounts", NodeID: "a1",
		Properties: map[string]interface{}{"balance": 100.0},
	}))
	require.NoError(t, err)

	clock.Advance(time.Second)
	update := op(t, types.OpUpdate, types.MutationPayload{
		Table: "accounts", NodeID: "a1", Property: "balance", Value: 80.0,
	})
	update.DependsOn = []string{create.ID}
	updated, err := r3.ExecuteOperation(update)
	require.NoError(t, err)

	for _, r := range cluster {
		v, err := r.Query(replica.Query{Table: "accounts", NodeID: "a1", Property: "balance"})
		require.NoError(t, err)
		assert.Equal(t, 80.0, v, r.ID())
		assert.True(t, r.Applied(updated.ID), r.ID())
	}

	// Partition r3 away; the sides diverge.
	r3.SimulatePartition([]string{})
	clock.Set(5000)
	_, err = r1.ExecuteOperation(op(t, types.OpUpdate, types.MutationPayload{
		Table: "accounts", NodeID: "a1", Property: "balance", Value: 70.0,
	}))
	require.NoError(t, err)

	clock.Set(6000)
	_, err = r3.ExecuteOperation(op(t, types.OpUpdate, types.MutationPayload{
		Table: "accounts", NodeID: "a1", Property: "balance", Value: 60.0,
	}))
	require.NoError(t, err)

	v, err := r2.Query(replica.Query{Table: "accounts", NodeID: "a1", Property: "balance"})
	require.NoError(t, err)
	assert.Equal(t, 70.0, v)

	// Heal: history exchange converges everyone on the latest write.
	r3.HealPartition()
	for _, r := range cluster {
		v, err := r.Query(replica.Query{Table: "accounts", NodeID: "a1", Property: "balance"})
		require.NoError(t, err)
		assert.Equal(t, 60.0, v, r.ID())
	}

	// A restarted replica recovers everything from its durable log.
	logPath := r1.Log().Path()
	require.NoError(t, r1.Close())
	restarted, err := replica.New(replica.Params{
		ReplicaID: "r1",
		LogPath:   logPath,
		Clock:     clock,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	defer restarted.Close()

	v, err = restarted.Query(replica.Query{Table: "accounts", NodeID: "a1", Property: "balance"})
	require.NoError(t, err)
	assert.Equal(t, 60.0, v)
	assert.Equal(t, 1, restarted.SchemaVersion().Version)
}

// TestSchemaHistoryAndCheckpointFlow runs a replica with persistent
// schema history and checkpoint archival attached.
func TestSchemaHistoryAndCheckpointFlow(t *testing.T) {
	dir := t.TempDir()
	history, err := schema.OpenHistory(filepath.Join(dir, "schema_history.db"))
	require.NoError(t, err)
	defer history.Close()

	objects, err := storage.NewLocal(filepath.Join(dir, "archive"))
	require.NoError(t, err)
	ckpts := checkpoint.NewStore(objects, 2, zerolog.Nop())

	clock := replica.NewManualClock(1000)
	r := startReplica(t, "r1", nil, clock, func(p *replica.Params) {
		p.SchemaHistory = history
		p.Checkpoints = ckpts
	})

	_, err = r.ExecuteOperation(op(t, types.OpDDL, types.DDLPayload{
		DDLType: "CREATE_TABLE",
		Query:   "CREATE TABLE users (id STRING)",
	}))
	require.NoError(t, err)
	_, err = r.ExecuteOperation(op(t, types.OpDDL, types.DDLPayload{
		DDLType: "ADD_COLUMN",
		Query:   "ALTER TABLE users ADD COLUMN email STRING DEFAULT 'none'",
	}))
	require.NoError(t, err)

	current, err := history.Current()
	require.NoError(t, err)
	assert.Equal(t, 2, current)

	_, err = r.ExecuteOperation(op(t, types.OpCreate, types.MutationPayload{
		Table: "users", NodeID: "u1",
		Properties: map[string]interface{}{"email": "ada@example.com"},
	}))
	require.NoError(t, err)

	_, err = r.Checkpoint(context.Background())
	require.NoError(t, err)

	snap, err := ckpts.Latest(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, 2, snap.Schema.Version)
	require.Len(t, snap.Nodes, 1)
	assert.Equal(t, "ada@example.com", snap.Nodes[0].Properties["email"])

	// A replica with a fresh, empty log restores from the snapshot.
	restored, err := replica.New(replica.Params{
		ReplicaID:   "r1",
		LogPath:     filepath.Join(dir, "fresh.ndjson"),
		Clock:       clock,
		Checkpoints: ckpts,
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)
	defer restored.Close()

	assert.Equal(t, 2, restored.SchemaVersion().Version)
	v, err := restored.Query(replica.Query{Table: "users", NodeID: "u1", Property: "email"})
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", v)
}
