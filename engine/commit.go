package engine

import (
	"context"
	"fmt"
	"maps"

	"github.com/evsrc/evsrc/objstore"
	"go.uber.org/zap"
)

// Commit appends attempt to its stream, returning the fully materialized
// Commit (with its allocated checkpoint) on success.
func (e *Engine) Commit(ctx context.Context, attempt CommitAttempt) (Commit, error) {
	if err := ensureBucketAndStream(attempt.BucketID, attempt.StreamID); err != nil {
		return Commit{}, err
	}

	blob := e.streamBlob(attempt.BucketID, attempt.StreamID)
	if _, err := e.backend.CreateIfNotExists(ctx, blob, e.blobNumPages); err != nil {
		return Commit{}, e.wrapBackendErr(err)
	}

	// Step 1: resolve current header H and its good descriptor D0.
	res, err := e.resolveHeader(ctx, blob)
	if err != nil {
		return Commit{}, err
	}
	header := res.header

	// Step 2: start_page = sum of total_pages_used over H's definitions.
	var startPage uint32
	for _, d := range header.CommitDefinitions {
		startPage += d.TotalPagesUsed()
	}

	// Step 3: duplicate check.
	for _, d := range header.CommitDefinitions {
		if d.CommitID == attempt.CommitID {
			return Commit{}, fmt.Errorf("engine: %w", ErrDuplicateCommit)
		}
	}

	// Step 4: sequence check.
	if attempt.CommitSequence <= header.LastCommitSequence {
		return Commit{}, fmt.Errorf("engine: %w: commit_sequence %d <= last %d", ErrConcurrency, attempt.CommitSequence, header.LastCommitSequence)
	}

	// Step 5: allocate checkpoint.
	checkpoint, err := e.checkpoints.Next(ctx)
	if err != nil {
		return Commit{}, e.wrapBackendErr(err)
	}

	commit := Commit{
		BucketID:       attempt.BucketID,
		StreamID:       attempt.StreamID,
		CommitID:       attempt.CommitID,
		CommitSequence: attempt.CommitSequence,
		StreamRevision: attempt.StreamRevision,
		CommitStampUTC: attempt.CommitStampUTC,
		Checkpoint:     checkpoint,
		Headers:        attempt.Headers,
		Events:         attempt.Events,
	}

	// Step 6: serialize commit and the updated header.
	payload, err := e.serializer.SerializeCommit(commit)
	if err != nil {
		return Commit{}, fmt.Errorf("engine: %w: %v", ErrCorrupt, err)
	}

	newDef := CommitDefinition{
		DataSizeBytes:  uint32(len(payload)),
		CommitID:       attempt.CommitID,
		StreamRevision: attempt.StreamRevision,
		CommitStampUTC: attempt.CommitStampUTC,
		Ordinal:        uint32(len(header.CommitDefinitions)),
		StartPage:      startPage,
		Checkpoint:     checkpoint,
		IsDispatched:   false,
	}

	newHeader := StreamBlobHeader{
		CommitDefinitions:       append(append([]CommitDefinition{}, header.CommitDefinitions...), newDef),
		UndispatchedCommitCount: header.UndispatchedCommitCount + 1,
		LastCommitSequence:      attempt.CommitSequence,
	}
	headerBytes, err := e.serializer.SerializeHeader(newHeader)
	if err != nil {
		return Commit{}, fmt.Errorf("engine: %w: %v", ErrInvalidHeaderData, err)
	}

	// Step 7: layout.
	writeStartAligned := int64(startPage) * objstore.PageSize
	newHeaderOffsetNonaligned := writeStartAligned + int64(len(payload))
	amountAligned := objstore.PageAlign(int64(len(payload)) + int64(len(headerBytes)))
	totalNeeded := writeStartAligned + amountAligned

	props, err := e.backend.GetAssumingExists(ctx, blob)
	if err != nil {
		return Commit{}, e.wrapBackendErr(err)
	}
	if props.SizeBytes < totalNeeded {
		if err := e.backend.Resize(ctx, blob, totalNeeded); err != nil {
			return Commit{}, e.wrapBackendErr(err)
		}
		// Resizing changes the blob's etag; take the new one, provided the
		// metadata is still the one the header was resolved from.
		meta, etag, err := e.backend.GetMetadata(ctx, blob)
		if err != nil {
			return Commit{}, e.wrapBackendErr(err)
		}
		if !maps.Equal(meta, res.metadata) {
			return Commit{}, fmt.Errorf("engine: %w: metadata changed during resize", ErrConcurrency)
		}
		res.etag = etag
	}

	isFirstWrite := len(header.CommitDefinitions) == 0 && !res.everHadPrimary

	// Step 8: metadata update before data write.
	newMetadata := cloneStringMap(res.metadata)
	newMetadata[metaPrimaryHeaderDef] = encodeHeaderDefinition(HeaderDefinition{
		HeaderStartOffsetBytes: uint64(newHeaderOffsetNonaligned),
		HeaderSizeBytes:        uint32(len(headerBytes)),
	})
	if !isFirstWrite {
		newMetadata[metaFallbackHeaderDef] = encodeHeaderDefinition(res.goodDescriptor)
		newMetadata[metaTertiaryHeaderDef] = encodeHeaderDefinition(HeaderDefinition{
			HeaderStartOffsetBytes: uint64(newHeaderOffsetNonaligned),
			HeaderSizeBytes:        res.goodDescriptor.HeaderSizeBytes,
		})
		newMetadata[metaFirstWriteCompleted] = "t"
	} else {
		newMetadata[metaFirstWriteCompleted] = "f"
	}
	newMetadata[metaIsEventStreamAggregate] = "yes"
	newMetadata[metaHasUndispatchedCommits] = "True"

	newEtag, err := e.backend.SetMetadata(ctx, blob, newMetadata, res.etag)
	if err != nil {
		return Commit{}, e.wrapBackendErr(err)
	}

	// Step 9: single page-aligned data write, conditioned on the etag the
	// metadata update just returned, so two concurrent committers on the
	// same stream can't both succeed.
	writeBuf := make([]byte, amountAligned)
	copy(writeBuf, payload)
	copy(writeBuf[len(payload):], headerBytes)

	if err := e.backend.WriteAt(ctx, blob, writeStartAligned, writeBuf, newEtag); err != nil {
		return Commit{}, e.wrapBackendErr(err)
	}

	// On a first write, a second metadata round-trip converts a
	// possibly-ambiguous write into a recoverable one. A crash before this
	// point leaves firstWriteCompleted == "f", and the resolver treats the
	// stream as still empty.
	// The data write changed the blob's etag, so this update is conditioned
	// on the etag read back after it; if another committer has already
	// replaced the metadata, it has also set firstWriteCompleted.
	if isFirstWrite {
		meta, afterWriteEtag, err := e.backend.GetMetadata(ctx, blob)
		if err != nil {
			return Commit{}, e.wrapBackendErr(err)
		}
		if maps.Equal(meta, newMetadata) {
			finalMetadata := cloneStringMap(newMetadata)
			finalMetadata[metaFirstWriteCompleted] = "t"
			if _, err := e.backend.SetMetadata(ctx, blob, finalMetadata, afterWriteEtag); err != nil {
				return Commit{}, e.wrapBackendErr(err)
			}
		}
	}

	e.logger.Info("commit appended",
		zap.String("bucket", attempt.BucketID),
		zap.String("stream", attempt.StreamID),
		zap.Uint32("commit_sequence", attempt.CommitSequence),
		zap.Uint64("checkpoint", checkpoint),
	)

	return commit, nil
}

func cloneStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
