// Package engine implements the append-only, event-sourced commit store
// layered on top of a page-blob object store (package objstore). Each
// aggregate stream is backed by one page blob that concatenates every
// commit ever written to it, followed by a serialized header describing
// the blob's contents; the header is located through a primary/fallback/
// tertiary descriptor chain that survives torn writes.
package engine

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Error kinds surfaced to callers. Every error returned by this package
// wraps exactly one of these via fmt.Errorf("...: %w", ...), checkable
// with errors.Is.
var (
	// ErrDuplicateCommit is returned when a commit_id already appears in
	// the stream's header.
	ErrDuplicateCommit = errors.New("engine: duplicate commit")

	// ErrConcurrency is returned on an etag mismatch during metadata or
	// data write, or when commit_sequence <= last_commit_sequence.
	ErrConcurrency = errors.New("engine: concurrency conflict")

	// ErrInvalidHeaderData is returned when a header descriptor is
	// malformed or every slot fails to parse while the stream is not in
	// its reserved-first-write state. Fatal for the stream.
	ErrInvalidHeaderData = errors.New("engine: invalid header data")

	// ErrCorrupt is returned when a commit payload fails to deserialize.
	// Fatal for the commit.
	ErrCorrupt = errors.New("engine: corrupt commit payload")

	// ErrNotFound is returned when a stream blob is absent where
	// existence was asserted.
	ErrNotFound = errors.New("engine: not found")

	// ErrTransport is returned for underlying object-store errors that
	// don't fit the other kinds.
	ErrTransport = errors.New("engine: transport error")
)

// Metadata keys stored on each stream blob.
const (
	metaIsEventStreamAggregate = "isEventStreamAggregate"
	metaHasUndispatchedCommits = "hasUndispatchedCommits"
	metaFirstWriteCompleted    = "firstWriteCompleted"
	metaPrimaryHeaderDef       = "primaryHeaderDefinition"
	metaFallbackHeaderDef      = "fallbackHeaderDefinition"
	// metaTertiaryHeaderDef preserves the source's misspelling verbatim
	// for wire compatibility with existing stores (see DESIGN.md).
	metaTertiaryHeaderDef = "tertiaryHeaderDefintionKey"

	metaSnapshotDataSize      = "ss_data_size_bytes"
	metaSnapshotStreamRevisio = "ss_stream_revision"
)

// Commit is an immutable record appended to a stream.
type Commit struct {
	BucketID        string
	StreamID        string
	CommitID        uuid.UUID
	CommitSequence  uint32
	StreamRevision  uint32
	CommitStampUTC  time.Time
	Checkpoint      uint64
	Headers         map[string]string
	Events          [][]byte
}

// CommitAttempt is the caller-supplied request to append a commit.
type CommitAttempt struct {
	BucketID       string
	StreamID       string
	CommitID       uuid.UUID
	CommitSequence uint32
	StreamRevision uint32
	CommitStampUTC time.Time
	Headers        map[string]string
	Events         [][]byte
}

// CommitDefinition is the header's per-commit entry.
type CommitDefinition struct {
	DataSizeBytes  uint32
	CommitID       uuid.UUID
	StreamRevision uint32
	CommitStampUTC time.Time
	Ordinal        uint32
	StartPage      uint32
	Checkpoint     uint64
	IsDispatched   bool
}

// TotalPagesUsed is derived: ceil(DataSizeBytes / 512).
func (d CommitDefinition) TotalPagesUsed() uint32 {
	const pageSize = 512
	if d.DataSizeBytes == 0 {
		return 0
	}
	return (d.DataSizeBytes + pageSize - 1) / pageSize
}

// StreamBlobHeader is appended to the stream blob after all commit
// payloads, and rewritten on every commit and every dispatch flip.
type StreamBlobHeader struct {
	CommitDefinitions       []CommitDefinition
	UndispatchedCommitCount uint32
	LastCommitSequence      uint32
}

// HeaderDefinition is the tiny descriptor persisted in blob metadata,
// naming where the current header lives in the blob.
type HeaderDefinition struct {
	HeaderStartOffsetBytes uint64
	HeaderSizeBytes        uint32
}

// IsZero reports whether d names no header at all (size 0).
func (d HeaderDefinition) IsZero() bool {
	return d.HeaderSizeBytes == 0
}

// Snapshot is a point-in-time serialized projection of a stream.
type Snapshot struct {
	BucketID       string
	StreamID       string
	StreamRevision uint32
	Payload        []byte
}

// Serializer converts domain values to and from opaque bytes. The engine
// never prescribes a wire format; callers supply one implementation for
// the whole engine instance (JSON by default, see NewJSONSerializer).
type Serializer interface {
	SerializeCommit(Commit) ([]byte, error)
	DeserializeCommit([]byte) (Commit, error)
	SerializeHeader(StreamBlobHeader) ([]byte, error)
	DeserializeHeader([]byte) (StreamBlobHeader, error)
	SerializeSnapshot(Snapshot) ([]byte, error)
	DeserializeSnapshot([]byte) (Snapshot, error)
}

// Clock supplies the current time. The Engine keeps the Clock it is
// constructed with, but none of its operations read it: commit stamps
// come from CommitAttempt.CommitStampUTC, which the caller sets.
type Clock interface {
	Now() time.Time
}

// SystemClock is the default Clock, wrapping time.Now.
type SystemClock struct{}

// Now returns time.Now().UTC().
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
