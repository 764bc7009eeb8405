package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpType_Valid(t *testing.T) {
	for _, typ := range []OpType{OpCreate, OpUpdate, OpDelete, OpIncrement, OpDDL, OpDML} {
		assert.True(t, typ.Valid(), string(typ))
	}
	assert.False(t, OpType("EXPLODE").Valid())
	assert.False(t, OpType("").Valid())
}

func TestEncodeDecodeOperation(t *testing.T) {
	op, err := Operation{
		ID:        "op-1",
		DependsOn: []string{"op-0"},
		Type:      OpUpdate,
		ClientID:  "client-a",
		Timestamp: 1234,
	}.WithPayload(MutationPayload{
		Table: "users", NodeID: "u1", Property: "name", Value: "ada",
	})
	require.NoError(t, err)

	data, err := EncodeOperation(op)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "\n"), "encoded form must be single-line for the log")

	got, err := DecodeOperation(data)
	require.NoError(t, err)
	assert.Equal(t, op.ID, got.ID)
	assert.Equal(t, op.DependsOn, got.DependsOn)
	assert.Equal(t, op.Timestamp, got.Timestamp)

	m, err := got.Mutation()
	require.NoError(t, err)
	assert.Equal(t, "users", m.Table)
	assert.Equal(t, "ada", m.Value)
}

func TestDecodeOperation_Garbage(t *testing.T) {
	_, err := DecodeOperation([]byte("{not json"))
	assert.Error(t, err)
}

func TestMutation_MalformedPayload(t *testing.T) {
	op := Operation{ID: "op-1", Type: OpUpdate, Payload: []byte(`"just a string"`)}
	_, err := op.Mutation()
	assert.Error(t, err)
}

func TestNewOperationID_Unique(t *testing.T) {
	a, b := NewOperationID(), NewOperationID()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(a, "op-"))
	assert.True(t, strings.HasPrefix(NewTransactionID(), "txn-"))
}

func TestSchemaVersion_CloneIsDeep(t *testing.T) {
	v := SchemaVersion{
		Version:    1,
		Operations: []string{"op-1"},
		Tables: map[string]TableSchema{
			"users": {Columns: map[string]ColumnDef{"id": {Type: "STRING"}}},
		},
	}
	c := v.Clone()
	c.Tables["users"].Columns["email"] = ColumnDef{Type: "STRING"}
	c.Operations = append(c.Operations, "op-2")

	assert.Len(t, v.Tables["users"].Columns, 1)
	assert.Len(t, v.Operations, 1)
}
