// Package types provides core data types for Causalite replicas.
package types

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// OpType classifies an operation on the wire.
type OpType string

const (
	OpCreate    OpType = "CREATE"
	OpUpdate    OpType = "UPDATE"
	OpDelete    OpType = "DELETE"
	OpIncrement OpType = "INCREMENT"
	OpDDL       OpType = "DDL"
	OpDML       OpType = "DML"
)

// Valid reports whether t is one of the known operation types.
func (t OpType) Valid() bool {
	switch t {
	case OpCreate, OpUpdate, OpDelete, OpIncrement, OpDDL, OpDML:
		return true
	}
	return false
}

// Operation is the unit of replication. It is immutable once constructed;
// ids are never reused.
type Operation struct {
	// ID is the globally unique identifier assigned by the originating client.
	ID string `json:"id"`

	// DependsOn lists operation ids that must be applied before this one.
	// Empty means no causal predecessor.
	DependsOn []string `json:"dependsOn"`

	// Type is the operation variant.
	Type OpType `json:"type"`

	// Payload is the variant-specific data, decoded lazily by type.
	Payload json.RawMessage `json:"payload"`

	// ClientID identifies the originating replica.
	ClientID string `json:"clientId"`

	// Timestamp is the time used for conflict tie-breaking (unix millis).
	Timestamp int64 `json:"timestamp"`

	// TransactionID groups operations submitted as one transaction.
	TransactionID string `json:"transactionId,omitempty"`

	// Constraint, when present, is validated before the operation executes.
	Constraint *Constraint `json:"constraint,omitempty"`
}

// DDLPayload is the payload of a DDL operation.
type DDLPayload struct {
	// DDLType names the schema change kind, e.g. CREATE_TABLE, ADD_COLUMN.
	DDLType string `json:"ddlType"`

	// Query is the DDL statement text.
	Query string `json:"query"`
}

// MutationPayload is the payload of CREATE/UPDATE/DELETE/INCREMENT/DML
// operations: a query-like descriptor of a single node mutation.
type MutationPayload struct {
	Table    string      `json:"table"`
	NodeID   string      `json:"nodeId"`
	Property string      `json:"property,omitempty"`
	Value    interface{} `json:"value,omitempty"`

	// Delta is the amount added by INCREMENT operations.
	Delta float64 `json:"delta,omitempty"`

	// Properties holds the initial property set for CREATE operations.
	Properties map[string]interface{} `json:"properties,omitempty"`
}

// ConstraintKind names a transaction constraint.
type ConstraintKind string

const (
	// ConstraintMinimumBalance requires that applying the operation leaves
	// the target property at or above Limit.
	ConstraintMinimumBalance ConstraintKind = "minimum_balance"
)

// Constraint is an invariant checked against local state before an
// operation inside a transaction executes.
type Constraint struct {
	Kind     ConstraintKind `json:"kind"`
	Property string         `json:"property"`
	Limit    float64        `json:"limit"`
}

// DDL decodes the payload as a DDLPayload.
func (o *Operation) DDL() (DDLPayload, error) {
	var p DDLPayload
	if err := json.Unmarshal(o.Payload, &p); err != nil {
		return DDLPayload{}, fmt.Errorf("operation %s: malformed DDL payload: %w", o.ID, err)
	}
	return p, nil
}

// Mutation decodes the payload as a MutationPayload.
func (o *Operation) Mutation() (MutationPayload, error) {
	var p MutationPayload
	if err := json.Unmarshal(o.Payload, &p); err != nil {
		return MutationPayload{}, fmt.Errorf("operation %s: malformed mutation payload: %w", o.ID, err)
	}
	return p, nil
}

// WithPayload marshals v into a copy of o and returns it. Construction
// helper for clients; the stored operation is never modified.
func (o Operation) WithPayload(v interface{}) (Operation, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Operation{}, fmt.Errorf("operation %s: encode payload: %w", o.ID, err)
	}
	o.Payload = raw
	return o, nil
}

// NewOperationID returns a fresh globally unique operation id.
func NewOperationID() string {
	return "op-" + uuid.NewString()
}

// NewTransactionID returns a fresh transaction id.
func NewTransactionID() string {
	return "txn-" + uuid.NewString()
}

// EncodeOperation marshals an operation to its single-line wire form.
func EncodeOperation(op Operation) ([]byte, error) {
	data, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("encode operation %s: %w", op.ID, err)
	}
	return data, nil
}

// DecodeOperation unmarshals a single wire-form operation.
func DecodeOperation(data []byte) (Operation, error) {
	var op Operation
	if err := json.Unmarshal(data, &op); err != nil {
		return Operation{}, fmt.Errorf("decode operation: %w", err)
	}
	return op, nil
}
