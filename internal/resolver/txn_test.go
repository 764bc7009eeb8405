package resolver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/causalite/causalite/internal/errors"
	"github.com/causalite/causalite/pkg/types"
)

func TestExecuteTransaction_ChainsAndApplies(t *testing.T) {
	e := newTestEngine(t, Options{})
	require.True(t, e.TryApply(createOp(t, "op-acct", nil, 1, "accounts", "a1", map[string]interface{}{"balance": 100.0})))

	var logged []string
	chained, err := e.ExecuteTransaction([]types.Operation{
		incrementOp(t, "", nil, 10, "accounts", "a1", "balance", -30),
		incrementOp(t, "", nil, 11, "accounts", "a1", "balance", -20),
	}, func(op types.Operation) error {
		logged = append(logged, op.ID)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, chained, 2)

	assert.NotEmpty(t, chained[0].TransactionID)
	assert.Equal(t, chained[0].TransactionID, chained[1].TransactionID)
	assert.Contains(t, chained[1].DependsOn, chained[0].ID)
	assert.Equal(t, []string{chained[0].ID, chained[1].ID}, logged)

	v, ok := e.PropertyValue("accounts", "a1", "balance")
	require.True(t, ok)
	assert.Equal(t, 50.0, v)
}

func TestExecuteTransaction_Empty(t *testing.T) {
	e := newTestEngine(t, Options{})
	_, err := e.ExecuteTransaction(nil, nil)
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeEmptyTransaction, cerrors.GetCode(err))
}

func TestExecuteTransaction_ConstraintViolationRollsBack(t *testing.T) {
	e := newTestEngine(t, Options{})
	require.True(t, e.TryApply(createOp(t, "op-acct", nil, 1, "accounts", "a1", map[string]interface{}{"balance": 100.0})))
	historyBefore := e.history.Len()

	withdraw := func(id string, amount float64) types.Operation {
		op := incrementOp(t, id, nil, 10, "accounts", "a1", "balance", -amount)
		op.Constraint = &types.Constraint{
			Kind:     types.ConstraintMinimumBalance,
			Property: "balance",
			Limit:    0,
		}
		return op
	}

	var broadcast []string
	_, err := e.ExecuteTransaction([]types.Operation{
		withdraw("op-w1", 40),
		withdraw("op-w2", 40),
		withdraw("op-w3", 40), // projects -20, violates the floor
	}, func(op types.Operation) error {
		broadcast = append(broadcast, op.ID)
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeConstraintViolated, cerrors.GetCode(err))

	// Local state fully restored, including the already-applied steps.
	v, ok := e.PropertyValue("accounts", "a1", "balance")
	require.True(t, ok)
	assert.Equal(t, 100.0, v)
	assert.False(t, e.Applied("op-w1"))
	assert.False(t, e.Applied("op-w2"))
	assert.Equal(t, historyBefore, e.history.Len())

	// Rollback is local only: the first two steps were already handed
	// to the broadcast hook before the violation surfaced.
	assert.Equal(t, []string{"op-w1", "op-w2"}, broadcast)
}

func TestExecuteTransaction_SchemaRollback(t *testing.T) {
	e := newTestEngine(t, Options{})

	bad := incrementOp(t, "op-bad", nil, 5, "accounts", "a1", "balance", -10)
	bad.Constraint = &types.Constraint{Kind: types.ConstraintMinimumBalance, Property: "balance", Limit: 0}

	_, err := e.ExecuteTransaction([]types.Operation{
		ddlOp(t, "op-ddl", nil, "CREATE TABLE accounts (id STRING, balance DOUBLE)"),
		bad,
	}, nil)
	require.Error(t, err)

	assert.Equal(t, 0, e.Registry().Version().Version)
	_, exists := e.Registry().Table("accounts")
	assert.False(t, exists)
	assert.False(t, e.Applied("op-ddl"))
}

func TestExecuteTransaction_RollbackLeavesWaitingOperationPending(t *testing.T) {
	e := newTestEngine(t, Options{})
	require.True(t, e.TryApply(createOp(t, "op-acct", nil, 1, "accounts", "a1", map[string]interface{}{"balance": 100.0})))

	// An independent operation arrives early, waiting on an id a later
	// transaction will use. It must not apply mid-transaction: rollback
	// restores the pre-transaction store wholesale and would erase its
	// effect while leaving its id in the applied set.
	outsider := updateOp(t, "op-outsider", []string{"op-w1"}, 50, "accounts", "a1", "balance", 999.0)
	require.False(t, e.TryApply(outsider))
	require.Equal(t, 1, e.PendingCount())

	withdraw := func(id string, amount float64) types.Operation {
		op := incrementOp(t, id, nil, 10, "accounts", "a1", "balance", -amount)
		op.Constraint = &types.Constraint{Kind: types.ConstraintMinimumBalance, Property: "balance", Limit: 0}
		return op
	}

	_, err := e.ExecuteTransaction([]types.Operation{
		withdraw("op-w1", 60),
		withdraw("op-w2", 60), // projects -20, aborts the batch
	}, nil)
	require.Error(t, err)

	assert.False(t, e.Applied("op-outsider"))
	assert.Equal(t, 1, e.PendingCount())
	v, _ := e.PropertyValue("accounts", "a1", "balance")
	assert.Equal(t, 100.0, v)
}

func TestExecuteTransaction_CommitReleasesWaitingOperation(t *testing.T) {
	e := newTestEngine(t, Options{})
	require.True(t, e.TryApply(createOp(t, "op-acct", nil, 1, "accounts", "a1", map[string]interface{}{"balance": 100.0})))

	outsider := updateOp(t, "op-outsider", []string{"op-w2"}, 50, "accounts", "a1", "balance", 77.0)
	require.False(t, e.TryApply(outsider))

	_, err := e.ExecuteTransaction([]types.Operation{
		incrementOp(t, "op-w1", nil, 10, "accounts", "a1", "balance", -30),
		incrementOp(t, "op-w2", nil, 11, "accounts", "a1", "balance", -20),
	}, nil)
	require.NoError(t, err)

	// The cascade runs once the batch commits.
	assert.True(t, e.Applied("op-outsider"))
	assert.Zero(t, e.PendingCount())
	v, _ := e.PropertyValue("accounts", "a1", "balance")
	assert.Equal(t, 77.0, v)
}

func TestExecuteTransaction_ConstraintReadsCurrentState(t *testing.T) {
	e := newTestEngine(t, Options{})
	require.True(t, e.TryApply(createOp(t, "op-acct", nil, 1, "accounts", "a1", map[string]interface{}{"balance": 25.0})))

	set := updateOp(t, "op-set", nil, 10, "accounts", "a1", "balance", 10.0)
	set.Constraint = &types.Constraint{Kind: types.ConstraintMinimumBalance, Property: "balance", Limit: 20}

	_, err := e.ExecuteTransaction([]types.Operation{set}, nil)
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeConstraintViolated, cerrors.GetCode(err))

	v, _ := e.PropertyValue("accounts", "a1", "balance")
	assert.Equal(t, 25.0, v)
}
