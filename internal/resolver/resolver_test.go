package resolver

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/causalite/causalite/internal/schema"
	"github.com/causalite/causalite/pkg/types"
)

func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	return NewEngine(NewStore(), schema.NewRegistry(), nil, opts, zerolog.Nop())
}

func mutationOp(t *testing.T, id string, typ types.OpType, deps []string, ts int64, p types.MutationPayload) types.Operation {
	t.Helper()
	op, err := types.Operation{
		ID:        id,
		DependsOn: deps,
		Type:      typ,
		ClientID:  "client-a",
		Timestamp: ts,
	}.WithPayload(p)
	require.NoError(t, err)
	return op
}

func createOp(t *testing.T, id string, deps []string, ts int64, table, nodeID string, props map[string]interface{}) types.Operation {
	return mutationOp(t, id, types.OpCreate, deps, ts, types.MutationPayload{
		Table: table, NodeID: nodeID, Properties: props,
	})
}

func updateOp(t *testing.T, id string, deps []string, ts int64, table, nodeID, prop string, value interface{}) types.Operation {
	return mutationOp(t, id, types.OpUpdate, deps, ts, types.MutationPayload{
		Table: table, NodeID: nodeID, Property: prop, Value: value,
	})
}

func incrementOp(t *testing.T, id string, deps []string, ts int64, table, nodeID, prop string, delta float64) types.Operation {
	return mutationOp(t, id, types.OpIncrement, deps, ts, types.MutationPayload{
		Table: table, NodeID: nodeID, Property: prop, Delta: delta,
	})
}

func ddlOp(t *testing.T, id string, deps []string, query string) types.Operation {
	t.Helper()
	op, err := types.Operation{
		ID:        id,
		DependsOn: deps,
		Type:      types.OpDDL,
		ClientID:  "client-a",
		Timestamp: time.Now().UnixMilli(),
	}.WithPayload(types.DDLPayload{DDLType: "CREATE_TABLE", Query: query})
	require.NoError(t, err)
	return op
}

func TestTryApply_InOrder(t *testing.T) {
	e := newTestEngine(t, Options{})

	require.True(t, e.TryApply(createOp(t, "op-1", nil, 10, "accounts", "a1", map[string]interface{}{"balance": 100.0})))
	require.True(t, e.TryApply(updateOp(t, "op-2", []string{"op-1"}, 20, "accounts", "a1", "balance", 150.0)))

	assert.True(t, e.Applied("op-1"))
	assert.True(t, e.Applied("op-2"))
	assert.Equal(t, 0, e.PendingCount())

	v, ok := e.PropertyValue("accounts", "a1", "balance")
	require.True(t, ok)
	assert.Equal(t, 150.0, v)
}

func TestTryApply_OutOfOrderDeferThenCascade(t *testing.T) {
	e := newTestEngine(t, Options{})

	// Dependent arrives first and must wait.
	update := updateOp(t, "op-2", []string{"op-1"}, 20, "accounts", "a1", "balance", 150.0)
	require.False(t, e.TryApply(update))
	assert.False(t, e.Applied("op-2"))
	assert.Equal(t, 1, e.PendingCount())
	assert.Equal(t, []string{"op-2"}, e.PendingIDs())

	// Dependency arrives and the deferred update cascades.
	create := createOp(t, "op-1", nil, 10, "accounts", "a1", map[string]interface{}{"balance": 100.0})
	require.True(t, e.TryApply(create))

	assert.True(t, e.Applied("op-2"))
	assert.Equal(t, 0, e.PendingCount())

	v, ok := e.PropertyValue("accounts", "a1", "balance")
	require.True(t, ok)
	assert.Equal(t, 150.0, v)
}

func TestTryApply_DeepCascadeChain(t *testing.T) {
	e := newTestEngine(t, Options{})

	// Feed a 500-deep chain in reverse. Nothing applies until the root
	// arrives, then the whole chain drains through the work queue.
	const depth = 500
	ids := make([]string, depth)
	for i := range ids {
		ids[i] = types.NewOperationID()
	}
	for i := depth - 1; i >= 1; i-- {
		op := incrementOp(t, ids[i], []string{ids[i-1]}, int64(i), "counters", "c", "n", 1)
		require.False(t, e.TryApply(op))
	}
	assert.Equal(t, depth-1, e.PendingCount())

	root := createOp(t, ids[0], nil, 0, "counters", "c", map[string]interface{}{"n": 0.0})
	require.True(t, e.TryApply(root))

	assert.Equal(t, 0, e.PendingCount())
	assert.Equal(t, depth, e.AppliedCount())
	v, ok := e.PropertyValue("counters", "c", "n")
	require.True(t, ok)
	assert.Equal(t, float64(depth-1), v)
}

func TestTryApply_Idempotent(t *testing.T) {
	e := newTestEngine(t, Options{})

	op := incrementOp(t, "op-1", nil, 10, "counters", "c", "n", 5)
	require.True(t, e.TryApply(op))
	require.False(t, e.TryApply(op))
	require.False(t, e.TryApply(op))

	v, ok := e.PropertyValue("counters", "c", "n")
	require.True(t, ok)
	assert.Equal(t, 5.0, v)
	assert.Equal(t, 1, e.history.Len())
}

func TestTryApply_MultipleDependencies(t *testing.T) {
	e := newTestEngine(t, Options{})

	join := updateOp(t, "op-3", []string{"op-1", "op-2"}, 30, "t", "n1", "p", "v")
	require.False(t, e.TryApply(join))

	require.True(t, e.TryApply(createOp(t, "op-1", nil, 10, "t", "n1", nil)))
	assert.False(t, e.Applied("op-3"))

	require.True(t, e.TryApply(createOp(t, "op-2", nil, 20, "t", "n2", nil)))
	assert.True(t, e.Applied("op-3"))
}

func TestTryApply_UnknownTypeDropped(t *testing.T) {
	e := newTestEngine(t, Options{})

	op := types.Operation{ID: "op-bad", Type: types.OpType("EXPLODE"), Timestamp: 1}
	require.False(t, e.TryApply(op))
	assert.False(t, e.Applied("op-bad"))

	// Dependents of a dropped operation stay pending forever.
	dep := updateOp(t, "op-2", []string{"op-bad"}, 2, "t", "n", "p", 1.0)
	require.False(t, e.TryApply(dep))
	assert.Equal(t, 1, e.PendingCount())
}

func TestTryApply_MalformedDDLDropped(t *testing.T) {
	e := newTestEngine(t, Options{})

	op, err := types.Operation{ID: "op-ddl", Type: types.OpDDL, Timestamp: 1}.
		WithPayload(types.DDLPayload{DDLType: "CREATE_TABLE", Query: "CREATE ELEPHANT"})
	require.NoError(t, err)

	require.False(t, e.TryApply(op))
	assert.False(t, e.Applied("op-ddl"))
	assert.Equal(t, 0, e.Registry().Version().Version)
}

func TestTryApply_DDLUpdatesSchema(t *testing.T) {
	e := newTestEngine(t, Options{})

	require.True(t, e.TryApply(ddlOp(t, "op-1", nil, "CREATE TABLE users (id STRING, name STRING)")))
	assert.Equal(t, 1, e.Registry().Version().Version)

	// Idempotent DDL applies as an operation without a version bump.
	op, err := types.Operation{ID: "op-2", DependsOn: []string{"op-1"}, Type: types.OpDDL, Timestamp: 2}.
		WithPayload(types.DDLPayload{DDLType: "CREATE_TABLE", Query: "CREATE TABLE IF NOT EXISTS users (id STRING)"})
	require.NoError(t, err)
	require.True(t, e.TryApply(op))
	assert.True(t, e.Applied("op-2"))
	assert.Equal(t, 1, e.Registry().Version().Version)
}

func TestUpdate_LastWriteWins(t *testing.T) {
	e := newTestEngine(t, Options{})

	require.True(t, e.TryApply(updateOp(t, "op-1", nil, 100, "t", "n", "p", "newer")))

	// Older concurrent write applies as an operation but loses the value.
	require.True(t, e.TryApply(updateOp(t, "op-2", nil, 50, "t", "n", "p", "older")))
	assert.True(t, e.Applied("op-2"))

	v, ok := e.PropertyValue("t", "n", "p")
	require.True(t, ok)
	assert.Equal(t, "newer", v)

	// Equal timestamps keep the existing value.
	require.True(t, e.TryApply(updateOp(t, "op-3", nil, 100, "t", "n", "p", "tied")))
	v, _ = e.PropertyValue("t", "n", "p")
	assert.Equal(t, "newer", v)
}

func TestDelete_AbsentNodeIsNoop(t *testing.T) {
	e := newTestEngine(t, Options{})

	op := mutationOp(t, "op-1", types.OpDelete, nil, 10, types.MutationPayload{Table: "t", NodeID: "ghost"})
	require.True(t, e.TryApply(op))
	assert.True(t, e.Applied("op-1"))
	assert.Equal(t, 0, e.Store().Len())
}

func TestPendingEviction_DropOldest(t *testing.T) {
	e := newTestEngine(t, Options{PendingMax: 2})

	require.False(t, e.TryApply(updateOp(t, "op-a", []string{"missing-1"}, 1, "t", "n", "p", 1.0)))
	require.False(t, e.TryApply(updateOp(t, "op-b", []string{"missing-2"}, 2, "t", "n", "p", 2.0)))
	require.False(t, e.TryApply(updateOp(t, "op-c", []string{"missing-3"}, 3, "t", "n", "p", 3.0)))

	assert.Equal(t, 2, e.PendingCount())
	assert.Equal(t, []string{"op-b", "op-c"}, e.PendingIDs())
}

func TestSweep_EvictsExpired(t *testing.T) {
	e := newTestEngine(t, Options{PendingRetention: time.Minute})

	now := time.Unix(1000, 0)
	e.now = func() time.Time { return now }

	require.False(t, e.TryApply(updateOp(t, "op-old", []string{"missing"}, 1, "t", "n", "p", 1.0)))

	now = now.Add(30 * time.Second)
	require.False(t, e.TryApply(updateOp(t, "op-young", []string{"missing"}, 2, "t", "n", "p", 2.0)))

	now = now.Add(45 * time.Second)
	evicted := e.Sweep()
	assert.Equal(t, []string{"op-old"}, evicted)
	assert.Equal(t, 1, e.PendingCount())
	// Sweeping also drops the evicted id from the arrival-order slice.
	assert.Len(t, e.pendingOrder, 1)
}

func TestReleasePending_CompactsArrivalOrder(t *testing.T) {
	e := newTestEngine(t, Options{})

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("op-wait-%d", i)
		require.False(t, e.TryApply(updateOp(t, id, []string{"op-root"}, int64(10+i), "accounts", "a1", "balance", float64(i))))
	}
	require.Equal(t, 200, e.PendingCount())
	require.Len(t, e.pendingOrder, 200)

	require.True(t, e.TryApply(createOp(t, "op-root", nil, 5, "accounts", "a1", map[string]interface{}{"balance": 0.0})))

	// Every release leaves the arrival-order slice in step with the
	// pending map instead of accumulating dead ids.
	assert.Zero(t, e.PendingCount())
	assert.Empty(t, e.pendingOrder)
}

func TestAppliedIDs_CoversMoreThanHistoryRing(t *testing.T) {
	e := newTestEngine(t, Options{HistorySize: 2})

	require.True(t, e.TryApply(createOp(t, "op-1", nil, 10, "accounts", "a1", map[string]interface{}{"balance": 100.0})))
	require.True(t, e.TryApply(incrementOp(t, "op-2", []string{"op-1"}, 20, "accounts", "a1", "balance", 10)))
	require.True(t, e.TryApply(incrementOp(t, "op-3", []string{"op-2"}, 30, "accounts", "a1", "balance", 10)))

	assert.Len(t, e.History(), 2)
	assert.Equal(t, []string{"op-1", "op-2", "op-3"}, e.AppliedIDs())
}

func TestHistory_RingBuffer(t *testing.T) {
	h := NewHistory(3)
	for i := 1; i <= 5; i++ {
		h.Record(types.Operation{ID: types.NewOperationID(), Timestamp: int64(i)})
	}
	list := h.List()
	require.Len(t, list, 3)
	assert.Equal(t, int64(3), list[0].Timestamp)
	assert.Equal(t, int64(5), list[2].Timestamp)

	h.TrimNewest(2)
	list = h.List()
	require.Len(t, list, 1)
	assert.Equal(t, int64(3), list[0].Timestamp)
}

func TestStore_SnapshotIsolation(t *testing.T) {
	s := NewStore()
	s.Put(&Node{Table: "t", ID: "n", Properties: map[string]interface{}{"p": 1.0}, Timestamps: map[string]int64{"p": 1}})

	snap := s.Snapshot()
	s.Get("t", "n").Properties["p"] = 2.0
	s.Put(&Node{Table: "t", ID: "m", Properties: map[string]interface{}{}, Timestamps: map[string]int64{}})

	s.Restore(snap)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1.0, s.Get("t", "n").Properties["p"])
}

func TestStore_ScanTable(t *testing.T) {
	s := NewStore()
	for _, k := range []struct{ table, id string }{
		{"a", "2"}, {"a", "1"}, {"b", "1"},
	} {
		s.Put(&Node{Table: k.table, ID: k.id})
	}

	var ids []string
	s.ScanTable("a", func(n *Node) bool {
		ids = append(ids, n.ID)
		return true
	})
	assert.Equal(t, []string{"1", "2"}, ids)
}
