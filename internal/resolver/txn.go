package resolver

import (
	"fmt"

	cerrors "github.com/causalite/causalite/internal/errors"
	"github.com/causalite/causalite/pkg/types"
)

// txnSnapshot captures everything a transaction can touch so a failed
// step restores the replica to its pre-transaction state.
type txnSnapshot struct {
	store        *Store
	schema       types.SchemaVersion
	historyLen   int
	appliedAdded []string
}

// ExecuteTransaction applies a batch of operations atomically on the
// local replica. The operations are chained: each one gains a
// dependency on its predecessor, so peers receiving them out of order
// still apply them sequentially.
//
// Constraints are validated against local state before the owning
// operation executes. On the first violation every operation already
// applied by this transaction is rolled back locally and a
// TRANSACTION error is returned. Previously deferred operations that
// wait on a transaction id are released only after the batch commits;
// when it rolls back they stay pending. Rollback does not reach peers:
// onApplied has already run for the earlier operations, so anything
// broadcast stays broadcast.
//
// onApplied, when non-nil, runs after each operation applies. The
// replica layer uses it to append to the durable log and broadcast.
func (e *Engine) ExecuteTransaction(ops []types.Operation, onApplied func(types.Operation) error) ([]types.Operation, error) {
	if len(ops) == 0 {
		return nil, cerrors.New(cerrors.ErrCategoryTransaction, cerrors.CodeEmptyTransaction,
			"transaction has no operations")
	}

	txnID := ops[0].TransactionID
	if txnID == "" {
		txnID = types.NewTransactionID()
	}

	chained := make([]types.Operation, len(ops))
	for i, op := range ops {
		if op.ID == "" {
			op.ID = types.NewOperationID()
		}
		op.TransactionID = txnID
		if i > 0 {
			op.DependsOn = append(append([]string(nil), op.DependsOn...), chained[i-1].ID)
		}
		chained[i] = op
	}

	snap := txnSnapshot{
		store:      e.store.Snapshot(),
		schema:     e.registry.Snapshot(),
		historyLen: e.history.Len(),
	}

	// Cascade releases are held back until the transaction settles.
	// A deferred operation waiting on one of the transaction's ids must
	// not apply mid-transaction: rollback restores the pre-transaction
	// store wholesale and would silently erase its effects.
	e.inTxn = true

	for i := range chained {
		op := chained[i]
		if err := e.checkConstraint(op); err != nil {
			e.rollback(snap)
			return nil, err
		}
		if !e.TryApply(op) {
			e.rollback(snap)
			return nil, cerrors.New(cerrors.ErrCategoryTransaction, cerrors.CodeInvalidOperation,
				fmt.Sprintf("transaction %s: operation %s did not apply", txnID, op.ID)).
				WithDetails(map[string]interface{}{"transaction_id": txnID, "op_id": op.ID})
		}
		snap.appliedAdded = append(snap.appliedAdded, op.ID)
		if onApplied != nil {
			if err := onApplied(chained[i]); err != nil {
				e.rollback(snap)
				return nil, cerrors.Wrap(cerrors.ErrCategoryTransaction, cerrors.CodeInvalidOperation,
					fmt.Sprintf("transaction %s: post-apply hook failed for %s", txnID, op.ID), err)
			}
		}
	}

	e.inTxn = false
	// Now that the transaction is committed, run any cascades its
	// operations unlocked.
	for _, released := range e.releasePending() {
		e.TryApply(released)
	}

	e.log.Debug().
		Str("transaction_id", txnID).
		Int("operations", len(chained)).
		Msg("transaction applied")
	return chained, nil
}

// checkConstraint validates op's constraint against current local
// state, projecting the value the operation would leave behind.
func (e *Engine) checkConstraint(op types.Operation) error {
	if op.Constraint == nil {
		return nil
	}
	if op.Constraint.Kind != types.ConstraintMinimumBalance {
		return cerrors.New(cerrors.ErrCategoryTransaction, cerrors.CodeConstraintViolated,
			fmt.Sprintf("unknown constraint kind %q", op.Constraint.Kind))
	}

	m, err := op.Mutation()
	if err != nil {
		return cerrors.Wrap(cerrors.ErrCategoryTransaction, cerrors.CodeInvalidPayload,
			"constraint check needs a mutation payload", err)
	}
	property := op.Constraint.Property
	if property == "" {
		property = m.Property
	}

	var current float64
	if v, ok := e.PropertyValue(m.Table, m.NodeID, property); ok {
		current, _ = numeric(v)
	}

	projected := current
	switch op.Type {
	case types.OpIncrement:
		projected = current + m.Delta
	case types.OpUpdate, types.OpDML, types.OpCreate:
		if m.Property == property {
			projected, _ = numeric(m.Value)
		} else if v, ok := m.Properties[property]; ok {
			projected, _ = numeric(v)
		}
	}

	if projected < op.Constraint.Limit {
		return cerrors.New(cerrors.ErrCategoryTransaction, cerrors.CodeConstraintViolated,
			fmt.Sprintf("minimum_balance violated on %s/%s.%s: %v < %v",
				m.Table, m.NodeID, property, projected, op.Constraint.Limit)).
			WithDetails(map[string]interface{}{
				"table":     m.Table,
				"node_id":   m.NodeID,
				"property":  property,
				"projected": projected,
				"limit":     op.Constraint.Limit,
			})
	}
	return nil
}

// rollback restores node store, schema, applied set and history to the
// snapshot taken before the transaction started.
func (e *Engine) rollback(snap txnSnapshot) {
	e.inTxn = false
	e.store.Restore(snap.store)
	e.registry.Restore(snap.schema)
	e.history.TrimNewest(e.history.Len() - snap.historyLen)
	for _, id := range snap.appliedAdded {
		delete(e.applied, id)
		delete(e.ops, id)
	}
	e.log.Warn().
		Int("rolled_back", len(snap.appliedAdded)).
		Msg("transaction rolled back")
}
