// Package oplog provides the durable append-only operation log. Every
// successfully constructed operation is recorded in arrival order, one
// JSON object per line; offsets are dense, zero-based line indexes and are
// independent of causal-apply order.
package oplog

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/causalite/causalite/internal/errors"
	"github.com/causalite/causalite/pkg/types"
)

// Entry pairs an operation with its assigned log offset.
type Entry struct {
	Offset    int64           `json:"offset"`
	Operation types.Operation `json:"operation"`
}

// Log is a single-writer append-only operation log backed by a
// newline-delimited JSON file. Appends are serialized under a mutex so
// offsets are assigned without gaps or collisions; each append is fsynced
// before the offset is returned.
type Log struct {
	path     string
	file     *os.File
	next     int64
	closed   bool
	mu       sync.Mutex
	notifier *notifier
}

// Open opens or creates the log at path and positions the next offset
// after the last complete entry. A trailing partial line from an
// interrupted write is truncated away with a warning.
func Open(path string) (*Log, error) {
	return OpenBuffered(path, defaultStreamBuffer)
}

// OpenBuffered is Open with an explicit live-stream subscriber buffer size.
func OpenBuffered(path string, streamBuffer int) (*Log, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.NewLogError(errors.CodeReadFailed, "failed to open log file", err)
	}

	l := &Log{
		path:     path,
		file:     file,
		notifier: newNotifier(streamBuffer),
	}

	if err := l.recover(); err != nil {
		file.Close()
		return nil, err
	}

	return l, nil
}

// recover counts complete entries to determine the next offset and drops
// an incomplete trailing line left by a crashed writer.
func (l *Log) recover() error {
	stat, err := l.file.Stat()
	if err != nil {
		return errors.NewLogError(errors.CodeReadFailed, "failed to stat log file", err)
	}
	if stat.Size() == 0 {
		return nil
	}

	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return errors.NewLogError(errors.CodeReadFailed, "failed to seek log file", err)
	}

	var (
		count    int64
		complete int64 // byte length of all complete lines
	)
	reader := bufio.NewReader(l.file)
	for {
		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			if len(line) > 0 {
				// Partial trailing line from an interrupted append.
				log.Warn().
					Str("path", l.path).
					Int("bytes", len(line)).
					Msg("oplog: truncating incomplete trailing entry")
				if err := l.file.Truncate(complete); err != nil {
					return errors.NewLogError(errors.CodeReadFailed, "failed to truncate partial entry", err)
				}
			}
			break
		}
		if err != nil {
			return errors.NewLogError(errors.CodeReadFailed, "failed to scan log file", err)
		}
		complete += int64(len(line))
		if len(bytes.TrimSpace(line)) > 0 {
			count++
		}
	}

	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return errors.NewLogError(errors.CodeReadFailed, "failed to seek log end", err)
	}

	l.next = count
	return nil
}

// Append durably records op and returns its assigned offset. Offsets
// reflect arrival order exactly. I/O failures are fatal for the log: they
// propagate to the caller and the log accepts no further appends.
func (l *Log) Append(op types.Operation) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return -1, errors.New(errors.ErrCategoryLog, errors.CodeLogClosed, "log is closed")
	}

	line, err := types.EncodeOperation(op)
	if err != nil {
		return -1, errors.NewValidationError(errors.CodeInvalidOperation, err.Error())
	}

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		l.closed = true
		return -1, errors.NewLogError(errors.CodeAppendFailed, "failed to write entry", err)
	}
	if err := l.file.Sync(); err != nil {
		l.closed = true
		return -1, errors.NewLogError(errors.CodeAppendFailed, "failed to fsync entry", err)
	}

	offset := l.next
	l.next++

	l.notifier.publish(Entry{Offset: offset, Operation: op})
	return offset, nil
}

// Path returns the log file path.
func (l *Log) Path() string {
	return l.path
}

// LatestOffset returns the offset of the last appended entry, -1 if the
// log is empty.
func (l *Log) LatestOffset() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next - 1
}

// ReadEvents returns all entries with offset >= fromOffset in append
// order. Undecodable non-empty lines still consume their offset; they are
// skipped with a warning so replay can proceed past isolated corruption.
func (l *Log) ReadEvents(fromOffset int64) ([]Entry, error) {
	file, err := os.Open(l.path)
	if err != nil {
		return nil, errors.NewLogError(errors.CodeReadFailed, "failed to open log for reading", err)
	}
	defer file.Close()

	var entries []Entry
	var offset int64
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEntryBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if offset >= fromOffset {
			op, err := types.DecodeOperation(line)
			if err != nil {
				log.Warn().
					Str("path", l.path).
					Int64("offset", offset).
					Err(err).
					Msg("oplog: skipping undecodable entry")
			} else {
				entries = append(entries, Entry{Offset: offset, Operation: op})
			}
		}
		offset++
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.NewLogError(errors.CodeReadFailed, "failed to scan log entries", err)
	}

	return entries, nil
}

// ReadOperations is ReadEvents without offsets.
func (l *Log) ReadOperations(fromOffset int64) ([]types.Operation, error) {
	entries, err := l.ReadEvents(fromOffset)
	if err != nil {
		return nil, err
	}
	ops := make([]types.Operation, len(entries))
	for i, e := range entries {
		ops[i] = e.Operation
	}
	return ops, nil
}

// Stream subscribes to future appends. The subscription only observes
// entries appended after the call; replay of existing entries must use
// ReadEvents first.
func (l *Log) Stream() *Subscription {
	return l.notifier.subscribe()
}

// Close fsyncs and closes the log file and closes all stream
// subscriptions. A closed log rejects further appends.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return errors.NewLogError(errors.CodeAppendFailed, "failed to fsync on close", err)
		}
		if err := l.file.Close(); err != nil {
			return errors.NewLogError(errors.CodeAppendFailed, "failed to close log file", err)
		}
		l.file = nil
	}
	l.closed = true
	l.notifier.closeAll()

	return nil
}

// maxEntryBytes bounds a single log line during replay scans.
const maxEntryBytes = 16 * 1024 * 1024

const defaultStreamBuffer = 256
