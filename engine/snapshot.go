package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/evsrc/evsrc/objstore"
)

// AddSnapshot stores s as the sole retained snapshot for its stream,
// replacing whatever was there before.
func (e *Engine) AddSnapshot(ctx context.Context, s Snapshot) error {
	if err := ensureBucketAndStream(s.BucketID, s.StreamID); err != nil {
		return err
	}

	blob := e.snapshotBlob(s.BucketID, s.StreamID)
	if _, err := e.backend.CreateIfNotExists(ctx, blob, e.blobNumPages); err != nil {
		return e.wrapBackendErr(err)
	}

	_, etag, err := e.backend.GetMetadata(ctx, blob)
	if err != nil {
		return e.wrapBackendErr(err)
	}
	zeroed := map[string]string{
		metaSnapshotDataSize:      "0",
		metaSnapshotStreamRevisio: "0",
	}
	etag, err = e.backend.SetMetadata(ctx, blob, zeroed, etag)
	if err != nil {
		return e.wrapBackendErr(err)
	}

	payload, err := e.serializer.SerializeSnapshot(s)
	if err != nil {
		return fmt.Errorf("engine: %w: %v", ErrCorrupt, err)
	}

	aligned := objstore.PageAlign(int64(len(payload)))
	props, err := e.backend.GetAssumingExists(ctx, blob)
	if err != nil {
		return e.wrapBackendErr(err)
	}
	if props.SizeBytes < aligned {
		if err := e.backend.Resize(ctx, blob, aligned); err != nil {
			return e.wrapBackendErr(err)
		}
		// Resizing changes the blob's etag.
		if _, etag, err = e.backend.GetMetadata(ctx, blob); err != nil {
			return e.wrapBackendErr(err)
		}
	}

	buf := make([]byte, aligned)
	copy(buf, payload)
	if err := e.backend.WriteAt(ctx, blob, 0, buf, etag); err != nil {
		return e.wrapBackendErr(err)
	}

	// The data write changed the blob's etag as well.
	if _, etag, err = e.backend.GetMetadata(ctx, blob); err != nil {
		return e.wrapBackendErr(err)
	}
	final := map[string]string{
		metaSnapshotDataSize:      strconv.Itoa(len(payload)),
		metaSnapshotStreamRevisio: strconv.FormatUint(uint64(s.StreamRevision), 10),
	}
	if _, err := e.backend.SetMetadata(ctx, blob, final, etag); err != nil {
		return e.wrapBackendErr(err)
	}
	return nil
}

// GetSnapshot returns the stored snapshot for (bucketID, streamID) iff it
// exists and its stream_revision is <= maxRevision. ok is false if no
// qualifying snapshot exists.
func (e *Engine) GetSnapshot(ctx context.Context, bucketID, streamID string, maxRevision uint32) (snapshot Snapshot, ok bool, err error) {
	blob := e.snapshotBlob(bucketID, streamID)

	meta, _, err := e.backend.GetMetadata(ctx, blob)
	if err != nil {
		if errors.Is(err, objstore.ErrNotFound) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, e.wrapBackendErr(err)
	}

	sizeStr := meta[metaSnapshotDataSize]
	size, _ := strconv.Atoi(sizeStr)
	if size <= 0 {
		return Snapshot{}, false, nil
	}

	revision, _ := strconv.ParseUint(meta[metaSnapshotStreamRevisio], 10, 32)
	if uint32(revision) > maxRevision {
		return Snapshot{}, false, nil
	}

	raw, err := e.backend.DownloadRange(ctx, blob, 0, int64(size))
	if err != nil {
		return Snapshot{}, false, e.wrapBackendErr(err)
	}
	snap, err := e.serializer.DeserializeSnapshot(raw)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("engine: %w: %v", ErrCorrupt, err)
	}
	return snap, true, nil
}
