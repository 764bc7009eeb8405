// Package checkpoint serializes replica state snapshots for archival
// so a restarted replica can restore without replaying the full log.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/golang/snappy"
	"github.com/spaolacci/murmur3"

	cerrors "github.com/causalite/causalite/internal/errors"
	"github.com/causalite/causalite/pkg/types"
)

// NodeState is one stored node inside a snapshot.
type NodeState struct {
	Table      string                 `json:"table"`
	ID         string                 `json:"id"`
	Properties map[string]interface{} `json:"properties"`
	Timestamps map[string]int64       `json:"timestamps"`
}

// Snapshot captures everything needed to restore a replica: the
// applied operation ids, node contents and the schema version.
type Snapshot struct {
	ReplicaID string              `json:"replicaId"`
	TakenAt   time.Time           `json:"takenAt"`
	Applied   []string            `json:"applied"`
	Nodes     []NodeState         `json:"nodes"`
	Schema    types.SchemaVersion `json:"schema"`
}

// Wire format: 16-byte header (magic, format version, murmur3-64 of
// the compressed body) followed by a snappy block of the snapshot JSON.
const (
	magic         = uint32(0x434b5054) // "CKPT"
	formatVersion = uint32(1)
	headerSize    = 16
)

// Write serializes snap to w.
func Write(w io.Writer, snap *Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	body := snappy.Encode(nil, raw)

	var header [headerSize]byte
	binary.BigEndian.PutUint32(header[0:4], magic)
	binary.BigEndian.PutUint32(header[4:8], formatVersion)
	binary.BigEndian.PutUint64(header[8:16], murmur3.Sum64(body))

	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("failed to write snapshot header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("failed to write snapshot body: %w", err)
	}
	return nil
}

// Read deserializes a snapshot from r, verifying the checksum.
func Read(r io.Reader) (*Snapshot, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCategoryStorage, cerrors.CodeChecksumFailed,
			"snapshot header truncated", err)
	}
	if binary.BigEndian.Uint32(header[0:4]) != magic {
		return nil, cerrors.New(cerrors.ErrCategoryStorage, cerrors.CodeChecksumFailed,
			"not a checkpoint file")
	}
	if v := binary.BigEndian.Uint32(header[4:8]); v != formatVersion {
		return nil, cerrors.New(cerrors.ErrCategoryStorage, cerrors.CodeChecksumFailed,
			fmt.Sprintf("unsupported checkpoint format version %d", v))
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCategoryStorage, cerrors.CodeChecksumFailed,
			"snapshot body truncated", err)
	}
	if sum := murmur3.Sum64(body); sum != binary.BigEndian.Uint64(header[8:16]) {
		return nil, cerrors.New(cerrors.ErrCategoryStorage, cerrors.CodeChecksumFailed,
			"snapshot checksum mismatch")
	}

	raw, err := snappy.Decode(nil, body)
	if err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCategoryStorage, cerrors.CodeChecksumFailed,
			"snapshot decompression failed", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, cerrors.Wrap(cerrors.ErrCategoryStorage, cerrors.CodeChecksumFailed,
			"snapshot decode failed", err)
	}
	return &snap, nil
}

// Encode serializes snap to a byte slice.
func Encode(snap *Snapshot) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode deserializes a snapshot from a byte slice.
func Decode(data []byte) (*Snapshot, error) {
	return Read(bytes.NewReader(data))
}
