package resolver

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/causalite/causalite/internal/conflict"
	"github.com/causalite/causalite/internal/ddl"
	"github.com/causalite/causalite/internal/schema"
	"github.com/causalite/causalite/pkg/types"
)

// Options tunes the engine's pending buffer and applied history.
type Options struct {
	// PendingMax bounds the number of deferred operations. When a new
	// operation would exceed it, the oldest pending entry is dropped.
	PendingMax int
	// PendingRetention is how long a deferred operation may wait for
	// its dependencies before Sweep evicts it.
	PendingRetention time.Duration
	// HistorySize bounds the applied-operation ring used for replay.
	HistorySize int
}

// DefaultOptions returns the engine defaults.
func DefaultOptions() Options {
	return Options{
		PendingMax:       10000,
		PendingRetention: 10 * time.Minute,
		HistorySize:      1024,
	}
}

type pendingOp struct {
	op       types.Operation
	received time.Time
}

// Engine applies operations in causal order. An operation applies only
// after every id in its dependsOn list has applied; otherwise it parks
// in the pending buffer until the missing dependency arrives.
//
// The engine is not safe for concurrent use. Callers serialize access;
// the replica layer holds a single mutex across every entry point.
type Engine struct {
	applied      map[string]struct{}
	pending      map[string]pendingOp
	pendingOrder []string
	ops          map[string]types.Operation
	unresolvable map[string]struct{}

	store    *Store
	registry *schema.Registry
	resolver conflict.Resolver
	history  *History

	opts Options
	now  func() time.Time
	log  zerolog.Logger

	// inTxn defers pending-cascade releases while a transaction is in
	// flight, so a rollback never has to undo operations that are not
	// part of the transaction.
	inTxn bool
}

// NewEngine returns an engine over the given node store and schema
// registry. A nil resolver falls back to last-write-wins.
func NewEngine(store *Store, registry *schema.Registry, resolver conflict.Resolver, opts Options, log zerolog.Logger) *Engine {
	if resolver == nil {
		resolver = conflict.LastWriteWins{}
	}
	if opts.PendingMax <= 0 {
		opts.PendingMax = DefaultOptions().PendingMax
	}
	if opts.PendingRetention <= 0 {
		opts.PendingRetention = DefaultOptions().PendingRetention
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultOptions().HistorySize
	}
	return &Engine{
		applied:      make(map[string]struct{}),
		pending:      make(map[string]pendingOp),
		ops:          make(map[string]types.Operation),
		unresolvable: make(map[string]struct{}),
		store:        store,
		registry:     registry,
		resolver:     resolver,
		history:      NewHistory(opts.HistorySize),
		opts:         opts,
		now:          time.Now,
		log:          log,
	}
}

// Store returns the engine's node store.
func (e *Engine) Store() *Store { return e.store }

// Registry returns the engine's schema registry.
func (e *Engine) Registry() *schema.Registry { return e.registry }

// Applied reports whether the operation with the given id has applied.
func (e *Engine) Applied(id string) bool {
	_, ok := e.applied[id]
	return ok
}

// AppliedCount reports the size of the applied set.
func (e *Engine) AppliedCount() int { return len(e.applied) }

// AppliedIDs returns every applied operation id, sorted. Unlike
// History, which is a bounded ring, this covers the engine's whole
// lifetime and is what snapshots must capture for replay to stay
// idempotent.
func (e *Engine) AppliedIDs() []string {
	out := make([]string, 0, len(e.applied))
	for id := range e.applied {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// PendingCount reports how many operations are deferred on unmet
// dependencies.
func (e *Engine) PendingCount() int { return len(e.pending) }

// PendingIDs returns the ids of deferred operations in arrival order.
func (e *Engine) PendingIDs() []string {
	out := make([]string, 0, len(e.pending))
	for _, id := range e.pendingOrder {
		if _, ok := e.pending[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// History returns the recently applied operations, oldest first.
func (e *Engine) History() []types.Operation {
	return e.history.List()
}

// Seed loads previously captured state: applied operation ids, node
// contents and the schema projection. Used to restore from a snapshot
// before replaying the log tail; seeding twice overwrites.
func (e *Engine) Seed(applied []string, nodes []*Node, schemaSnap types.SchemaVersion) {
	for _, id := range applied {
		e.applied[id] = struct{}{}
	}
	for _, n := range nodes {
		e.store.Put(n.Clone())
	}
	e.registry.Restore(schemaSnap)
	e.log.Info().
		Int("applied", len(applied)).
		Int("nodes", len(nodes)).
		Int("schema_version", schemaSnap.Version).
		Msg("seeded state from snapshot")
}

// TryApply feeds one operation into the engine. Already-applied ids
// are ignored. Operations with unmet dependencies are deferred and
// retried automatically when a later arrival satisfies them; the
// cascade runs through an explicit work queue so arbitrarily deep
// dependency chains cannot overflow the stack.
//
// TryApply reports whether this call caused op itself to apply.
// Malformed operations are logged and dropped without error so one bad
// peer cannot wedge the stream.
func (e *Engine) TryApply(op types.Operation) bool {
	if e.Applied(op.ID) {
		return false
	}

	queue := []types.Operation{op}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		if e.Applied(next.ID) {
			continue
		}
		e.ops[next.ID] = next

		if dep, ok := e.unmetDependency(next); ok {
			e.park(next, dep)
			continue
		}

		if !e.apply(next) {
			continue
		}
		if !e.inTxn {
			queue = append(queue, e.releasePending()...)
		}
	}
	return e.Applied(op.ID)
}

// unmetDependency returns the first dependency of op that has not
// applied yet.
func (e *Engine) unmetDependency(op types.Operation) (string, bool) {
	for _, dep := range op.DependsOn {
		if !e.Applied(dep) {
			return dep, true
		}
	}
	return "", false
}

// park defers op in the pending buffer, evicting the oldest entry
// when the buffer is full.
func (e *Engine) park(op types.Operation, waitingOn string) {
	if _, ok := e.pending[op.ID]; ok {
		return
	}
	if len(e.pending) >= e.opts.PendingMax {
		e.evictOldest()
	}
	e.pending[op.ID] = pendingOp{op: op, received: e.now()}
	e.pendingOrder = append(e.pendingOrder, op.ID)
	e.log.Debug().
		Str("op_id", op.ID).
		Str("waiting_on", waitingOn).
		Msg("operation deferred on unmet dependency")
}

func (e *Engine) evictOldest() {
	for len(e.pendingOrder) > 0 {
		id := e.pendingOrder[0]
		e.pendingOrder = e.pendingOrder[1:]
		if _, ok := e.pending[id]; !ok {
			continue
		}
		delete(e.pending, id)
		e.log.Warn().
			Str("op_id", id).
			Int("pending_max", e.opts.PendingMax).
			Msg("pending buffer full, dropped oldest deferred operation")
		return
	}
}

// releasePending removes every pending operation whose dependencies
// are now all applied and returns them for the caller to enqueue.
func (e *Engine) releasePending() []types.Operation {
	var ready []types.Operation
	for id, p := range e.pending {
		if _, ok := e.unmetDependency(p.op); ok {
			continue
		}
		delete(e.pending, id)
		ready = append(ready, p.op)
	}
	if len(ready) > 0 {
		e.compactOrder()
	}
	return ready
}

// compactOrder drops ids no longer pending from the arrival-order
// slice so releases and sweeps do not leave it growing forever.
func (e *Engine) compactOrder() {
	live := e.pendingOrder[:0]
	for _, id := range e.pendingOrder {
		if _, ok := e.pending[id]; ok {
			live = append(live, id)
		}
	}
	e.pendingOrder = live
}

// Sweep evicts pending operations that have waited longer than the
// retention window. It returns the ids evicted.
func (e *Engine) Sweep() []string {
	cutoff := e.now().Add(-e.opts.PendingRetention)
	var evicted []string
	for id, p := range e.pending {
		if p.received.After(cutoff) {
			continue
		}
		delete(e.pending, id)
		evicted = append(evicted, id)
		e.log.Warn().
			Str("op_id", id).
			Dur("retention", e.opts.PendingRetention).
			Msg("evicted deferred operation past retention window")
	}
	if len(evicted) > 0 {
		e.compactOrder()
	}
	return evicted
}

// apply executes op's side effect. It reports false when the operation
// is malformed; such operations are marked unresolvable and never join
// the applied set, so anything depending on them stays pending.
func (e *Engine) apply(op types.Operation) bool {
	var ok bool
	switch op.Type {
	case types.OpDDL:
		ok = e.applyDDL(op)
	case types.OpCreate:
		ok = e.applyCreate(op)
	case types.OpUpdate:
		ok = e.applyUpdate(op)
	case types.OpDelete:
		ok = e.applyDelete(op)
	case types.OpIncrement:
		ok = e.applyIncrement(op)
	case types.OpDML:
		ok = e.applyDML(op)
	default:
		e.markUnresolvable(op, "unknown operation type "+string(op.Type))
		return false
	}
	if !ok {
		return false
	}

	e.applied[op.ID] = struct{}{}
	e.history.Record(op)
	e.log.Debug().
		Str("op_id", op.ID).
		Str("type", string(op.Type)).
		Msg("operation applied")
	return true
}

func (e *Engine) markUnresolvable(op types.Operation, reason string) {
	e.unresolvable[op.ID] = struct{}{}
	e.log.Warn().
		Str("op_id", op.ID).
		Str("type", string(op.Type)).
		Str("reason", reason).
		Msg("dropped unresolvable operation")
}

func (e *Engine) applyDDL(op types.Operation) bool {
	payload, err := op.DDL()
	if err != nil {
		e.markUnresolvable(op, "bad ddl payload: "+err.Error())
		return false
	}
	stmt, err := ddl.Parse(payload.Query)
	if err != nil {
		e.markUnresolvable(op, "ddl parse: "+err.Error())
		return false
	}
	changed := e.registry.Apply(op.ID, stmt)
	if !changed {
		e.log.Debug().
			Str("op_id", op.ID).
			Str("ddl_type", stmt.DDLType()).
			Msg("ddl had no schema effect")
	}
	return true
}

func (e *Engine) applyCreate(op types.Operation) bool {
	m, err := op.Mutation()
	if err != nil || m.Table == "" || m.NodeID == "" {
		e.markUnresolvable(op, "bad create payload")
		return false
	}
	node := &Node{
		Table:      m.Table,
		ID:         m.NodeID,
		Properties: make(map[string]interface{}, len(m.Properties)),
		Timestamps: make(map[string]int64, len(m.Properties)),
	}
	for k, v := range m.Properties {
		node.Properties[k] = v
		node.Timestamps[k] = op.Timestamp
	}
	e.store.Put(node)
	return true
}

func (e *Engine) applyUpdate(op types.Operation) bool {
	m, err := op.Mutation()
	if err != nil || m.Table == "" || m.NodeID == "" || m.Property == "" {
		e.markUnresolvable(op, "bad update payload")
		return false
	}
	node := e.store.upsert(m.Table, m.NodeID)
	existing := conflict.Existing{}
	if ts, ok := node.Timestamps[m.Property]; ok {
		existing = conflict.Existing{
			Value:        node.Properties[m.Property],
			Timestamp:    ts,
			HasTimestamp: true,
		}
	}
	update := conflict.Update{
		Timestamp: op.Timestamp,
		Value:     m.Value,
		DependsOn: op.DependsOn,
	}
	if !e.resolver.ShouldApply(update, existing) {
		e.log.Debug().
			Str("op_id", op.ID).
			Str("table", m.Table).
			Str("node_id", m.NodeID).
			Str("property", m.Property).
			Msg("update lost conflict resolution, keeping existing value")
		return true
	}
	node.Properties[m.Property] = m.Value
	node.Timestamps[m.Property] = op.Timestamp
	return true
}

func (e *Engine) applyDelete(op types.Operation) bool {
	m, err := op.Mutation()
	if err != nil || m.Table == "" || m.NodeID == "" {
		e.markUnresolvable(op, "bad delete payload")
		return false
	}
	e.store.Delete(m.Table, m.NodeID)
	return true
}

func (e *Engine) applyIncrement(op types.Operation) bool {
	m, err := op.Mutation()
	if err != nil || m.Table == "" || m.NodeID == "" || m.Property == "" {
		e.markUnresolvable(op, "bad increment payload")
		return false
	}
	node := e.store.upsert(m.Table, m.NodeID)
	current, _ := numeric(node.Properties[m.Property])
	node.Properties[m.Property] = current + m.Delta
	node.Timestamps[m.Property] = op.Timestamp
	return true
}

// applyDML handles the generic mutation descriptor: a multi-property
// merge when Properties is set, a single-property write otherwise.
func (e *Engine) applyDML(op types.Operation) bool {
	m, err := op.Mutation()
	if err != nil || m.Table == "" || m.NodeID == "" {
		e.markUnresolvable(op, "bad dml payload")
		return false
	}
	node := e.store.upsert(m.Table, m.NodeID)
	if len(m.Properties) > 0 {
		for k, v := range m.Properties {
			node.Properties[k] = v
			node.Timestamps[k] = op.Timestamp
		}
		return true
	}
	if m.Property == "" {
		e.markUnresolvable(op, "dml payload has no properties")
		return false
	}
	node.Properties[m.Property] = m.Value
	node.Timestamps[m.Property] = op.Timestamp
	return true
}

// PropertyValue reads one property, returning false when the node or
// property is absent.
func (e *Engine) PropertyValue(table, nodeID, property string) (interface{}, bool) {
	node := e.store.Get(table, nodeID)
	if node == nil {
		return nil, false
	}
	v, ok := node.Properties[property]
	return v, ok
}

// numeric coerces JSON-decoded values to float64. Non-numeric values
// read as zero so an increment on a string property resets it rather
// than crashing the stream.
func numeric(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
