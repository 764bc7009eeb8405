// Package resolver implements causal dependency resolution: operations
// apply only once every operation they depend on has applied, regardless
// of arrival order.
package resolver

import (
	"github.com/tidwall/btree"
)

// Node is a single stored record, addressed by table and id. Each
// property carries the timestamp of the write that last set it so
// conflict resolution can compare per property rather than per node.
type Node struct {
	Table      string
	ID         string
	Properties map[string]interface{}
	Timestamps map[string]int64
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	c := &Node{
		Table:      n.Table,
		ID:         n.ID,
		Properties: make(map[string]interface{}, len(n.Properties)),
		Timestamps: make(map[string]int64, len(n.Timestamps)),
	}
	for k, v := range n.Properties {
		c.Properties[k] = v
	}
	for k, v := range n.Timestamps {
		c.Timestamps[k] = v
	}
	return c
}

type nodeKey struct {
	table string
	id    string
}

type nodeEntry struct {
	key  nodeKey
	node *Node
}

func nodeLess(a, b nodeEntry) bool {
	if a.key.table != b.key.table {
		return a.key.table < b.key.table
	}
	return a.key.id < b.key.id
}

// Store holds replica-local node state ordered by (table, id).
type Store struct {
	tree *btree.BTreeG[nodeEntry]
}

// NewStore returns an empty node store.
func NewStore() *Store {
	return &Store{tree: btree.NewBTreeG(nodeLess)}
}

// Get returns the node for table/id, or nil if absent. The returned
// node is live store state; callers must not mutate it outside the
// resolver.
func (s *Store) Get(table, id string) *Node {
	e, ok := s.tree.Get(nodeEntry{key: nodeKey{table: table, id: id}})
	if !ok {
		return nil
	}
	return e.node
}

// Put inserts or replaces the node at node.Table/node.ID.
func (s *Store) Put(node *Node) {
	s.tree.Set(nodeEntry{key: nodeKey{table: node.Table, id: node.ID}, node: node})
}

// Delete removes the node at table/id. Deleting an absent node is a
// no-op and reports false.
func (s *Store) Delete(table, id string) bool {
	_, ok := s.tree.Delete(nodeEntry{key: nodeKey{table: table, id: id}})
	return ok
}

// Len reports the number of stored nodes.
func (s *Store) Len() int {
	return s.tree.Len()
}

// Scan visits every node in (table, id) order. Returning false from fn
// stops the scan.
func (s *Store) Scan(fn func(*Node) bool) {
	s.tree.Scan(func(e nodeEntry) bool {
		return fn(e.node)
	})
}

// ScanTable visits every node of one table in id order.
func (s *Store) ScanTable(table string, fn func(*Node) bool) {
	pivot := nodeEntry{key: nodeKey{table: table}}
	s.tree.Ascend(pivot, func(e nodeEntry) bool {
		if e.key.table != table {
			return false
		}
		return fn(e.node)
	})
}

// Snapshot captures the current store contents. Nodes are deep-copied
// so later mutations do not leak into the snapshot.
func (s *Store) Snapshot() *Store {
	snap := &Store{tree: btree.NewBTreeG(nodeLess)}
	s.tree.Scan(func(e nodeEntry) bool {
		snap.tree.Set(nodeEntry{key: e.key, node: e.node.Clone()})
		return true
	})
	return snap
}

// Restore replaces the store contents with a snapshot taken earlier.
func (s *Store) Restore(snap *Store) {
	s.tree = btree.NewBTreeG(nodeLess)
	snap.tree.Scan(func(e nodeEntry) bool {
		s.tree.Set(nodeEntry{key: e.key, node: e.node.Clone()})
		return true
	})
}

// upsert returns the node at table/id, creating it when absent.
func (s *Store) upsert(table, id string) *Node {
	if n := s.Get(table, id); n != nil {
		return n
	}
	n := &Node{
		Table:      table,
		ID:         id,
		Properties: make(map[string]interface{}),
		Timestamps: make(map[string]int64),
	}
	s.Put(n)
	return n
}
