// Package replica wires the durable log, causal engine, schema
// registry and partition filter into one synchronized node and speaks
// the peer message protocol.
package replica

import (
	"github.com/causalite/causalite/pkg/types"
)

// MessageKind discriminates peer protocol messages.
type MessageKind string

const (
	// KindIdentify announces a client id after connecting.
	KindIdentify MessageKind = "identify"
	// KindOperation carries one operation to apply.
	KindOperation MessageKind = "operation"
	// KindPartition tells a peer to drop traffic outside AllowedClients.
	KindPartition MessageKind = "partition"
	// KindHealPartition clears a simulated partition.
	KindHealPartition MessageKind = "heal_partition"
	// KindSchemaUpdate announces a new schema version.
	KindSchemaUpdate MessageKind = "schema_update"
	// KindQuery asks a peer to resolve a query descriptor.
	KindQuery MessageKind = "query"
	// KindQueryResponse answers a KindQuery.
	KindQueryResponse MessageKind = "query_response"
	// KindReplay carries applied history after a partition heals.
	KindReplay MessageKind = "replay"
)

// Message is the peer protocol envelope. Fields are populated
// according to Kind; unused fields stay zero.
type Message struct {
	Kind     MessageKind `json:"kind"`
	ClientID string      `json:"clientId,omitempty"`

	// KindOperation
	Operation *types.Operation `json:"operation,omitempty"`

	// KindPartition
	AllowedClients []string `json:"allowedClients,omitempty"`

	// KindSchemaUpdate
	Schema *types.SchemaVersion `json:"schema,omitempty"`

	// KindQuery / KindQueryResponse
	QueryID string      `json:"queryId,omitempty"`
	Query   *Query      `json:"query,omitempty"`
	Result  interface{} `json:"result,omitempty"`

	// KindReplay
	Operations []types.Operation `json:"operations,omitempty"`
}

// Query is a descriptor resolved against the node store: a whole node
// when Property is empty, a single property otherwise, or all nodes of
// a table when NodeID is empty.
type Query struct {
	Table    string `json:"table"`
	NodeID   string `json:"nodeId,omitempty"`
	Property string `json:"property,omitempty"`
}

// Transport moves messages between replicas. Implementations deliver
// at-least-once and may reorder; the causal engine absorbs both.
type Transport interface {
	// Send delivers msg to one peer.
	Send(to string, msg Message) error
	// Broadcast delivers msg to every connected peer.
	Broadcast(msg Message) error
	// OnMessage registers the inbound handler. Must be called before
	// any delivery; one handler per transport.
	OnMessage(handler func(from string, msg Message))
}
