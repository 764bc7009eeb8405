package replica

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/causalite/causalite/internal/checkpoint"
	"github.com/causalite/causalite/internal/conflict"
	cerrors "github.com/causalite/causalite/internal/errors"
	"github.com/causalite/causalite/internal/oplog"
	"github.com/causalite/causalite/internal/partition"
	"github.com/causalite/causalite/internal/resolver"
	"github.com/causalite/causalite/internal/schema"
	"github.com/causalite/causalite/pkg/types"
)

// Params configures a replica.
type Params struct {
	ReplicaID    string
	LogPath      string
	StreamBuffer int

	// Resolver selects the conflict policy; nil means last-write-wins.
	Resolver conflict.Resolver
	// Engine tunes pending eviction and history size.
	Engine resolver.Options

	Transport Transport
	Clock     Clock

	// SchemaHistory, when set, persists every schema version.
	SchemaHistory *schema.History
	// Checkpoints, when set, enables snapshot archival.
	Checkpoints        *checkpoint.Store
	CheckpointInterval time.Duration

	Logger zerolog.Logger
}

// Replica is one synchronized node: durable log, causal engine, schema
// registry and partition filter behind a single mutex so transport
// goroutines never race the engine.
type Replica struct {
	id        string
	log       *oplog.Log
	engine    *resolver.Engine
	registry  *schema.Registry
	filter    *partition.Filter
	transport Transport
	clock     Clock
	logger    zerolog.Logger

	schemaHistory *schema.History
	checkpoints   *checkpoint.Store
	ckptInterval  time.Duration

	mu         sync.Mutex
	recovering bool

	queryMu      sync.Mutex
	queryWaiters map[string]chan interface{}

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a replica, replays the durable log to restore applied
// state, and attaches to the transport.
func New(p Params) (*Replica, error) {
	if p.ReplicaID == "" {
		return nil, fmt.Errorf("replica id is required")
	}
	if p.Clock == nil {
		p.Clock = WallClock{}
	}

	log, err := oplog.OpenBuffered(p.LogPath, p.StreamBuffer)
	if err != nil {
		return nil, fmt.Errorf("failed to open operation log: %w", err)
	}

	registry := schema.NewRegistry()
	r := &Replica{
		id:            p.ReplicaID,
		log:           log,
		registry:      registry,
		filter:        partition.NewFilter(),
		transport:     p.Transport,
		clock:         p.Clock,
		logger:        p.Logger.With().Str("replica_id", p.ReplicaID).Logger(),
		schemaHistory: p.SchemaHistory,
		checkpoints:   p.Checkpoints,
		ckptInterval:  p.CheckpointInterval,
		queryWaiters:  make(map[string]chan interface{}),
		stop:          make(chan struct{}),
	}
	r.engine = resolver.NewEngine(resolver.NewStore(), registry, p.Resolver, p.Engine, r.logger)

	registry.OnChange(r.onSchemaChange)

	if err := r.restoreFromCheckpoint(); err != nil {
		log.Close()
		return nil, err
	}
	if err := r.recoverFromLog(); err != nil {
		log.Close()
		return nil, err
	}

	if r.transport != nil {
		r.transport.OnMessage(r.handleMessage)
	}

	if r.checkpoints != nil && r.ckptInterval > 0 {
		r.wg.Add(1)
		go r.checkpointLoop()
	}
	return r, nil
}

// restoreFromCheckpoint seeds the engine from the newest archived
// snapshot, if any. The log replay that follows is idempotent, so a
// snapshot older than the log tail only saves work, never corrupts.
func (r *Replica) restoreFromCheckpoint() error {
	if r.checkpoints == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	snap, err := r.checkpoints.Latest(ctx, r.id)
	if err != nil {
		return fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	if snap == nil {
		return nil
	}

	nodes := make([]*resolver.Node, 0, len(snap.Nodes))
	for _, s := range snap.Nodes {
		nodes = append(nodes, &resolver.Node{
			Table:      s.Table,
			ID:         s.ID,
			Properties: s.Properties,
			Timestamps: s.Timestamps,
		})
	}

	r.mu.Lock()
	r.recovering = true
	r.engine.Seed(snap.Applied, nodes, snap.Schema)
	r.recovering = false
	r.mu.Unlock()

	r.logger.Info().
		Time("taken_at", snap.TakenAt).
		Int("applied", len(snap.Applied)).
		Msg("restored state from checkpoint")
	return nil
}

// recoverFromLog replays every durable operation through the engine.
// Replay is idempotent, so a partial previous recovery is harmless.
func (r *Replica) recoverFromLog() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recovering = true
	defer func() { r.recovering = false }()

	ops, err := r.log.ReadOperations(0)
	if err != nil {
		return fmt.Errorf("failed to replay operation log: %w", err)
	}
	for _, op := range ops {
		r.engine.TryApply(op)
	}
	if len(ops) > 0 {
		r.logger.Info().
			Int("replayed", len(ops)).
			Int("applied", r.engine.AppliedCount()).
			Int("pending", r.engine.PendingCount()).
			Msg("recovered state from operation log")
	}
	return nil
}

// onSchemaChange persists and announces new schema versions. Called by
// the registry while the replica mutex is held.
func (r *Replica) onSchemaChange(v types.SchemaVersion) {
	if r.schemaHistory != nil {
		current, err := r.schemaHistory.Current()
		if err == nil && v.Version > current {
			if err := r.schemaHistory.Record(v, lastOperation(v)); err != nil {
				r.logger.Error().Err(err).Int("version", v.Version).Msg("failed to persist schema version")
			}
		}
	}
	if r.recovering || r.transport == nil {
		return
	}
	schemaCopy := v
	if err := r.transport.Broadcast(Message{
		Kind:     KindSchemaUpdate,
		ClientID: r.id,
		Schema:   &schemaCopy,
	}); err != nil {
		r.logger.Warn().Err(err).Msg("schema update broadcast failed")
	}
}

func lastOperation(v types.SchemaVersion) string {
	if len(v.Operations) == 0 {
		return ""
	}
	return v.Operations[len(v.Operations)-1]
}

// ExecuteOperation stamps, persists, applies and broadcasts one
// locally submitted operation. A log append failure is fatal for the
// operation: nothing unlogged is ever applied or broadcast.
func (r *Replica) ExecuteOperation(op types.Operation) (types.Operation, error) {
	r.mu.Lock()
	r.stamp(&op)
	if !op.Type.Valid() {
		r.mu.Unlock()
		return types.Operation{}, cerrors.New(cerrors.ErrCategoryValidation, cerrors.CodeUnknownType,
			fmt.Sprintf("unknown operation type %q", op.Type))
	}

	if _, err := r.log.Append(op); err != nil {
		r.mu.Unlock()
		return types.Operation{}, err
	}
	r.engine.TryApply(op)
	r.mu.Unlock()

	// Broadcast after releasing the mutex: transport delivery is
	// synchronous and the receiving replica takes its own mutex, so
	// sending under ours would deadlock two concurrent writers.
	r.broadcastOperation(op)
	return op, nil
}

// ExecuteTransaction atomically applies a batch of operations. Each
// operation is logged as it applies and broadcast once the batch
// settles; on constraint violation the local state rolls back but
// peers keep the steps that already applied.
func (r *Replica) ExecuteTransaction(ops []types.Operation) ([]types.Operation, error) {
	r.mu.Lock()
	for i := range ops {
		r.stamp(&ops[i])
	}
	var applied []types.Operation
	chained, err := r.engine.ExecuteTransaction(ops, func(op types.Operation) error {
		if _, appendErr := r.log.Append(op); appendErr != nil {
			return appendErr
		}
		applied = append(applied, op)
		return nil
	})
	r.mu.Unlock()

	// Steps that were logged stay logged even when a later step aborts
	// the transaction, so they go out to peers either way.
	for _, op := range applied {
		r.broadcastOperation(op)
	}
	return chained, err
}

// stamp fills in id, client id and timestamp when the caller left them
// unset.
func (r *Replica) stamp(op *types.Operation) {
	if op.ID == "" {
		op.ID = types.NewOperationID()
	}
	if op.ClientID == "" {
		op.ClientID = r.id
	}
	if op.Timestamp == 0 {
		op.Timestamp = r.clock.NowMillis()
	}
}

func (r *Replica) broadcastOperation(op types.Operation) {
	if r.transport == nil {
		return
	}
	opCopy := op
	msg := Message{
		Kind:      KindOperation,
		ClientID:  r.id,
		Operation: &opCopy,
	}
	if r.filter.Partitioned() {
		// Partitioned replicas keep talking to the members of their
		// group: direct sends to the allow-list replace the broadcast.
		for _, peer := range r.filter.AllowedClients() {
			if peer == r.id {
				continue
			}
			if err := r.transport.Send(peer, msg); err != nil {
				r.logger.Warn().Err(err).Str("op_id", op.ID).Str("peer", peer).Msg("partition-group send failed")
			}
		}
		return
	}
	if err := r.transport.Broadcast(msg); err != nil {
		r.logger.Warn().Err(err).Str("op_id", op.ID).Msg("operation broadcast failed")
	}
}

// handleMessage is the transport inbound path.
func (r *Replica) handleMessage(from string, msg Message) {
	switch msg.Kind {
	case KindOperation:
		r.receiveOperation(from, msg)
	case KindReplay:
		r.receiveReplay(from, msg)
	case KindPartition:
		r.SimulatePartition(msg.AllowedClients)
	case KindHealPartition:
		r.receiveHeal(from, msg)
	case KindQuery:
		r.answerQuery(from, msg)
	case KindQueryResponse:
		r.resolveQueryWaiter(msg)
	case KindIdentify, KindSchemaUpdate:
		// Informational; schema converges through the DDL operations
		// themselves.
	default:
		r.logger.Warn().Str("kind", string(msg.Kind)).Str("from", from).Msg("unknown message kind")
	}
}

func (r *Replica) receiveOperation(from string, msg Message) {
	if msg.Operation == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	sender := msg.ClientID
	if sender == "" {
		sender = from
	}
	if !r.filter.Allows(sender) {
		r.logger.Debug().Str("op_id", msg.Operation.ID).Str("from", sender).Msg("dropped operation from partitioned peer")
		return
	}
	r.ingest(*msg.Operation)
}

// ingest logs and applies a remote operation. Duplicates are detected
// via the applied set before touching the log so redelivery does not
// bloat it.
func (r *Replica) ingest(op types.Operation) {
	if r.engine.Applied(op.ID) {
		return
	}
	if _, err := r.log.Append(op); err != nil {
		r.logger.Error().Err(err).Str("op_id", op.ID).Msg("failed to log remote operation")
		return
	}
	r.engine.TryApply(op)
}

func (r *Replica) receiveReplay(from string, msg Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sender := msg.ClientID
	if sender == "" {
		sender = from
	}
	if !r.filter.Allows(sender) {
		return
	}
	for _, op := range msg.Operations {
		r.ingest(op)
	}
	r.logger.Info().Str("from", sender).Int("operations", len(msg.Operations)).Msg("replayed peer history")
}

// Query resolves a descriptor against local state.
func (r *Replica) Query(q Query) (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if q.Table == "" {
		return nil, cerrors.New(cerrors.ErrCategoryValidation, cerrors.CodeInvalidPayload,
			"query needs a table")
	}
	store := r.engine.Store()

	if q.NodeID == "" {
		var nodes []map[string]interface{}
		store.ScanTable(q.Table, func(n *resolver.Node) bool {
			nodes = append(nodes, nodeView(n))
			return true
		})
		return nodes, nil
	}

	node := store.Get(q.Table, q.NodeID)
	if node == nil {
		return nil, nil
	}
	if q.Property == "" {
		return nodeView(node), nil
	}
	return node.Properties[q.Property], nil
}

func nodeView(n *resolver.Node) map[string]interface{} {
	view := make(map[string]interface{}, len(n.Properties)+1)
	for k, v := range n.Properties {
		view[k] = v
	}
	view["id"] = n.ID
	return view
}

// QueryPeer sends a query to a named peer and waits for its response.
func (r *Replica) QueryPeer(ctx context.Context, peer string, q Query) (interface{}, error) {
	if r.transport == nil {
		return nil, fmt.Errorf("no transport configured")
	}
	queryID := types.NewOperationID()
	ch := make(chan interface{}, 1)

	r.queryMu.Lock()
	r.queryWaiters[queryID] = ch
	r.queryMu.Unlock()
	defer func() {
		r.queryMu.Lock()
		delete(r.queryWaiters, queryID)
		r.queryMu.Unlock()
	}()

	if err := r.transport.Send(peer, Message{
		Kind:     KindQuery,
		ClientID: r.id,
		QueryID:  queryID,
		Query:    &q,
	}); err != nil {
		return nil, err
	}

	select {
	case result := <-ch:
		return result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Replica) answerQuery(from string, msg Message) {
	if msg.Query == nil {
		return
	}
	result, err := r.Query(*msg.Query)
	if err != nil {
		r.logger.Warn().Err(err).Str("from", from).Msg("peer query failed")
		result = nil
	}
	if err := r.transport.Send(from, Message{
		Kind:     KindQueryResponse,
		ClientID: r.id,
		QueryID:  msg.QueryID,
		Result:   result,
	}); err != nil {
		r.logger.Warn().Err(err).Str("to", from).Msg("query response send failed")
	}
}

func (r *Replica) resolveQueryWaiter(msg Message) {
	r.queryMu.Lock()
	ch, ok := r.queryWaiters[msg.QueryID]
	r.queryMu.Unlock()
	if ok {
		select {
		case ch <- msg.Result:
		default:
		}
	}
}

// SimulatePartition drops traffic to and from every client outside
// allowed until HealPartition is called.
func (r *Replica) SimulatePartition(allowed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filter.Partition(allowed)
	r.logger.Info().Strs("allowed", allowed).Msg("partition simulated")
}

// HealPartition clears the partition and announces the heal with the
// full applied history attached. Reachable peers ingest it and reply
// with their own history, so both sides converge even when the other
// side healed first; idempotent apply absorbs the redundancy.
func (r *Replica) HealPartition() {
	r.mu.Lock()
	if !r.filter.Partitioned() {
		r.mu.Unlock()
		return
	}
	r.filter.Heal()
	history := r.engine.History()
	r.mu.Unlock()

	r.logger.Info().Int("operations", len(history)).Msg("partition healed, exchanging history")
	if r.transport == nil {
		return
	}
	if err := r.transport.Broadcast(Message{
		Kind:       KindHealPartition,
		ClientID:   r.id,
		Operations: history,
	}); err != nil {
		r.logger.Warn().Err(err).Msg("heal broadcast failed")
	}
}

// receiveHeal ingests a healed peer's history and sends ours back so
// the exchange is bidirectional.
func (r *Replica) receiveHeal(from string, msg Message) {
	r.mu.Lock()
	sender := msg.ClientID
	if sender == "" {
		sender = from
	}
	if !r.filter.Allows(sender) {
		r.mu.Unlock()
		return
	}
	for _, op := range msg.Operations {
		r.ingest(op)
	}
	history := r.engine.History()
	r.mu.Unlock()

	if r.transport == nil || len(history) == 0 {
		return
	}
	if err := r.transport.Send(sender, Message{
		Kind:       KindReplay,
		ClientID:   r.id,
		Operations: history,
	}); err != nil {
		r.logger.Warn().Err(err).Str("to", sender).Msg("heal history reply failed")
	}
}

// SchemaVersion returns the current schema.
func (r *Replica) SchemaVersion() types.SchemaVersion {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.registry.Version()
}

// OnSchemaChange registers a handler fired after each observable
// schema change.
func (r *Replica) OnSchemaChange(h schema.ChangeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registry.OnChange(h)
}

// OperationHistory returns recently applied operations, oldest first.
func (r *Replica) OperationHistory() []types.Operation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.History()
}

// CircularDependencies reports dependency cycles among known
// operations.
func (r *Replica) CircularDependencies() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.CircularDependencies()
}

// Applied reports whether an operation has applied locally.
func (r *Replica) Applied(opID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.Applied(opID)
}

// PendingCount reports locally deferred operations.
func (r *Replica) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engine.PendingCount()
}

// Log exposes the durable operation log for offset reads and streaming.
func (r *Replica) Log() *oplog.Log {
	return r.log
}

// ID returns the replica id.
func (r *Replica) ID() string { return r.id }

// Checkpoint archives a snapshot of current state.
func (r *Replica) Checkpoint(ctx context.Context) (string, error) {
	if r.checkpoints == nil {
		return "", fmt.Errorf("checkpointing not configured")
	}
	snap := r.snapshot()
	return r.checkpoints.Save(ctx, snap)
}

func (r *Replica) snapshot() *checkpoint.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := &checkpoint.Snapshot{
		ReplicaID: r.id,
		TakenAt:   time.Now().UTC(),
		Schema:    r.registry.Snapshot(),
	}
	snap.Applied = r.engine.AppliedIDs()
	r.engine.Store().Scan(func(n *resolver.Node) bool {
		state := checkpoint.NodeState{
			Table:      n.Table,
			ID:         n.ID,
			Properties: make(map[string]interface{}, len(n.Properties)),
			Timestamps: make(map[string]int64, len(n.Timestamps)),
		}
		for k, v := range n.Properties {
			state.Properties[k] = v
		}
		for k, v := range n.Timestamps {
			state.Timestamps[k] = v
		}
		snap.Nodes = append(snap.Nodes, state)
		return true
	})
	return snap
}

func (r *Replica) checkpointLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.ckptInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if _, err := r.Checkpoint(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("periodic checkpoint failed")
			}
			cancel()
		case <-r.stop:
			return
		}
	}
}

// Close stops background work and closes the durable log.
func (r *Replica) Close() error {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
	return r.log.Close()
}
