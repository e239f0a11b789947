package engine

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// headerDefinitionWireSize is the fixed packed size of a HeaderDefinition:
// little-endian uint64 offset followed by little-endian uint32 size.
const headerDefinitionWireSize = 8 + 4

// encodeHeaderDefinition packs d into its fixed binary form and returns
// the base64 (standard alphabet) string stored in blob metadata.
func encodeHeaderDefinition(d HeaderDefinition) string {
	buf := make([]byte, headerDefinitionWireSize)
	binary.LittleEndian.PutUint64(buf[0:8], d.HeaderStartOffsetBytes)
	binary.LittleEndian.PutUint32(buf[8:12], d.HeaderSizeBytes)
	return base64.StdEncoding.EncodeToString(buf)
}

// decodeHeaderDefinition is the inverse of encodeHeaderDefinition. An
// empty input string decodes to the zero HeaderDefinition (size 0),
// which the resolver treats as "slot absent".
func decodeHeaderDefinition(s string) (HeaderDefinition, error) {
	if s == "" {
		return HeaderDefinition{}, nil
	}
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return HeaderDefinition{}, fmt.Errorf("engine: %w: decode header definition: %v", ErrInvalidHeaderData, err)
	}
	if len(buf) != headerDefinitionWireSize {
		return HeaderDefinition{}, fmt.Errorf("engine: %w: header definition wrong size %d", ErrInvalidHeaderData, len(buf))
	}
	return HeaderDefinition{
		HeaderStartOffsetBytes: binary.LittleEndian.Uint64(buf[0:8]),
		HeaderSizeBytes:        binary.LittleEndian.Uint32(buf[8:12]),
	}, nil
}

// jsonCommit and jsonCommitDefinition mirror Commit/CommitDefinition with
// tags chosen for stable, human-legible JSON - this is the module's
// default Serializer, intended for local development; production
// deployments may supply a denser binary Serializer without changing any
// engine code.
type jsonCommit struct {
	BucketID       string            `json:"bucket_id"`
	StreamID       string            `json:"stream_id"`
	CommitID       string            `json:"commit_id"`
	CommitSequence uint32            `json:"commit_sequence"`
	StreamRevision uint32            `json:"stream_revision"`
	CommitStampUTC string            `json:"commit_stamp_utc"`
	Checkpoint     uint64            `json:"checkpoint"`
	Headers        map[string]string `json:"headers"`
	Events         [][]byte          `json:"events"`
}

type jsonCommitDefinition struct {
	DataSizeBytes  uint32 `json:"data_size_bytes"`
	CommitID       string `json:"commit_id"`
	StreamRevision uint32 `json:"stream_revision"`
	CommitStampUTC string `json:"commit_stamp_utc"`
	Ordinal        uint32 `json:"ordinal"`
	StartPage      uint32 `json:"start_page"`
	Checkpoint     uint64 `json:"checkpoint"`
	IsDispatched   bool   `json:"is_dispatched"`
}

type jsonStreamBlobHeader struct {
	CommitDefinitions       []jsonCommitDefinition `json:"commit_definitions"`
	UndispatchedCommitCount uint32                 `json:"undispatched_commit_count"`
	LastCommitSequence      uint32                 `json:"last_commit_sequence"`
}

type jsonSnapshot struct {
	BucketID       string `json:"bucket_id"`
	StreamID       string `json:"stream_id"`
	StreamRevision uint32 `json:"stream_revision"`
	Payload        []byte `json:"payload"`
}

// JSONSerializer is the module's default Serializer implementation.
type JSONSerializer struct{}

// NewJSONSerializer returns the default JSON Serializer.
func NewJSONSerializer() JSONSerializer {
	return JSONSerializer{}
}

func (JSONSerializer) SerializeCommit(c Commit) ([]byte, error) {
	return json.Marshal(jsonCommit{
		BucketID:       c.BucketID,
		StreamID:       c.StreamID,
		CommitID:       c.CommitID.String(),
		CommitSequence: c.CommitSequence,
		StreamRevision: c.StreamRevision,
		CommitStampUTC: c.CommitStampUTC.Format(timeLayout),
		Checkpoint:     c.Checkpoint,
		Headers:        c.Headers,
		Events:         c.Events,
	})
}

func (JSONSerializer) DeserializeCommit(b []byte) (Commit, error) {
	var jc jsonCommit
	if err := json.Unmarshal(b, &jc); err != nil {
		return Commit{}, fmt.Errorf("engine: %w: %v", ErrCorrupt, err)
	}
	id, err := parseUUID(jc.CommitID)
	if err != nil {
		return Commit{}, fmt.Errorf("engine: %w: %v", ErrCorrupt, err)
	}
	stamp, err := parseTime(jc.CommitStampUTC)
	if err != nil {
		return Commit{}, fmt.Errorf("engine: %w: %v", ErrCorrupt, err)
	}
	return Commit{
		BucketID:       jc.BucketID,
		StreamID:       jc.StreamID,
		CommitID:       id,
		CommitSequence: jc.CommitSequence,
		StreamRevision: jc.StreamRevision,
		CommitStampUTC: stamp,
		Checkpoint:     jc.Checkpoint,
		Headers:        jc.Headers,
		Events:         jc.Events,
	}, nil
}

func (JSONSerializer) SerializeHeader(h StreamBlobHeader) ([]byte, error) {
	defs := make([]jsonCommitDefinition, len(h.CommitDefinitions))
	for i, d := range h.CommitDefinitions {
		defs[i] = jsonCommitDefinition{
			DataSizeBytes:  d.DataSizeBytes,
			CommitID:       d.CommitID.String(),
			StreamRevision: d.StreamRevision,
			CommitStampUTC: d.CommitStampUTC.Format(timeLayout),
			Ordinal:        d.Ordinal,
			StartPage:      d.StartPage,
			Checkpoint:     d.Checkpoint,
			IsDispatched:   d.IsDispatched,
		}
	}
	return json.Marshal(jsonStreamBlobHeader{
		CommitDefinitions:       defs,
		UndispatchedCommitCount: h.UndispatchedCommitCount,
		LastCommitSequence:      h.LastCommitSequence,
	})
}

func (JSONSerializer) DeserializeHeader(b []byte) (StreamBlobHeader, error) {
	var jh jsonStreamBlobHeader
	if err := json.Unmarshal(b, &jh); err != nil {
		return StreamBlobHeader{}, fmt.Errorf("engine: %w: %v", ErrInvalidHeaderData, err)
	}
	defs := make([]CommitDefinition, len(jh.CommitDefinitions))
	for i, jd := range jh.CommitDefinitions {
		id, err := parseUUID(jd.CommitID)
		if err != nil {
			return StreamBlobHeader{}, fmt.Errorf("engine: %w: %v", ErrInvalidHeaderData, err)
		}
		stamp, err := parseTime(jd.CommitStampUTC)
		if err != nil {
			return StreamBlobHeader{}, fmt.Errorf("engine: %w: %v", ErrInvalidHeaderData, err)
		}
		defs[i] = CommitDefinition{
			DataSizeBytes:  jd.DataSizeBytes,
			CommitID:       id,
			StreamRevision: jd.StreamRevision,
			CommitStampUTC: stamp,
			Ordinal:        jd.Ordinal,
			StartPage:      jd.StartPage,
			Checkpoint:     jd.Checkpoint,
			IsDispatched:   jd.IsDispatched,
		}
	}
	return StreamBlobHeader{
		CommitDefinitions:       defs,
		UndispatchedCommitCount: jh.UndispatchedCommitCount,
		LastCommitSequence:      jh.LastCommitSequence,
	}, nil
}

func (JSONSerializer) SerializeSnapshot(s Snapshot) ([]byte, error) {
	return json.Marshal(jsonSnapshot{
		BucketID:       s.BucketID,
		StreamID:       s.StreamID,
		StreamRevision: s.StreamRevision,
		Payload:        s.Payload,
	})
}

func (JSONSerializer) DeserializeSnapshot(b []byte) (Snapshot, error) {
	var js jsonSnapshot
	if err := json.Unmarshal(b, &js); err != nil {
		return Snapshot{}, fmt.Errorf("engine: %w: %v", ErrCorrupt, err)
	}
	return Snapshot{
		BucketID:       js.BucketID,
		StreamID:       js.StreamID,
		StreamRevision: js.StreamRevision,
		Payload:        js.Payload,
	}, nil
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseUUID(s string) (uuid.UUID, error) {
	return uuid.Parse(s)
}
