package checkpoint

import (
	"context"
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/causalite/causalite/internal/storage"
)

// Store archives snapshots in an object store under
// checkpoints/<replica>/<timestamp>.ckpt.
type Store struct {
	objects storage.ObjectStore
	keep    int
	log     zerolog.Logger
}

// NewStore returns a checkpoint store over objects. keep bounds how
// many snapshots are retained per replica; older ones are pruned after
// each save. keep <= 0 retains everything.
func NewStore(objects storage.ObjectStore, keep int, log zerolog.Logger) *Store {
	return &Store{objects: objects, keep: keep, log: log}
}

func replicaPrefix(replicaID string) string {
	return path.Join("checkpoints", replicaID) + "/"
}

func snapshotKey(replicaID string, takenAt time.Time) string {
	return replicaPrefix(replicaID) + fmt.Sprintf("%020d.ckpt", takenAt.UnixNano())
}

// Save archives a snapshot and prunes old ones past the retention
// count.
func (s *Store) Save(ctx context.Context, snap *Snapshot) (string, error) {
	data, err := Encode(snap)
	if err != nil {
		return "", err
	}
	key := snapshotKey(snap.ReplicaID, snap.TakenAt)
	if err := s.objects.Put(ctx, key, data); err != nil {
		return "", fmt.Errorf("failed to archive checkpoint: %w", err)
	}
	s.log.Info().
		Str("replica_id", snap.ReplicaID).
		Str("key", key).
		Int("applied", len(snap.Applied)).
		Int("nodes", len(snap.Nodes)).
		Msg("checkpoint archived")

	if err := s.prune(ctx, snap.ReplicaID); err != nil {
		s.log.Warn().Err(err).Msg("checkpoint prune failed")
	}
	return key, nil
}

// Latest loads the newest snapshot for replicaID, or nil when none
// exists.
func (s *Store) Latest(ctx context.Context, replicaID string) (*Snapshot, error) {
	keys, err := s.objects.List(ctx, replicaPrefix(replicaID))
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	sort.Strings(keys)
	newest := keys[len(keys)-1]

	data, err := s.objects.Get(ctx, newest)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch checkpoint %s: %w", newest, err)
	}
	snap, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// prune deletes all but the newest keep snapshots.
func (s *Store) prune(ctx context.Context, replicaID string) error {
	if s.keep <= 0 {
		return nil
	}
	keys, err := s.objects.List(ctx, replicaPrefix(replicaID))
	if err != nil {
		return err
	}
	if len(keys) <= s.keep {
		return nil
	}
	sort.Strings(keys)
	for _, key := range keys[:len(keys)-s.keep] {
		if err := s.objects.Delete(ctx, key); err != nil {
			return err
		}
		s.log.Debug().Str("key", key).Msg("pruned old checkpoint")
	}
	return nil
}
