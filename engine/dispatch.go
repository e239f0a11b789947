package engine

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"time"

	"github.com/evsrc/evsrc/objstore"
	"go.uber.org/zap"
)

// maxUndispatchedRetries bounds the retry loop in GetUndispatched on
// persistent concurrency errors during the scan.
const maxUndispatchedRetries = 20

// undispatchedCandidate pairs a blob with one of its not-yet-dispatched
// commit definitions, prior to materialization and checkpoint sort.
type undispatchedCandidate struct {
	blob objstore.Blob
	def  CommitDefinition
}

// GetUndispatched enumerates every undispatched commit across the
// primary container, ordered ascending by checkpoint.
func (e *Engine) GetUndispatched(ctx context.Context) ([]Commit, error) {
	var candidates []undispatchedCandidate

	blobs, props, err := e.backend.ListByPrefix(ctx, e.containerName, "")
	if err != nil {
		return nil, e.wrapBackendErr(err)
	}

	for i, b := range blobs {
		meta := props[i].Metadata
		if meta[metaIsEventStreamAggregate] != "yes" {
			continue
		}
		if meta[metaHasUndispatchedCommits] == "False" || meta[metaHasUndispatchedCommits] == "" {
			continue
		}

		res, err := e.retryResolve(ctx, b)
		if err != nil {
			e.logger.Error("skipping blob during undispatched scan", zap.String("blob", b.Name), zap.Error(err))
			continue
		}

		if res.header.UndispatchedCommitCount == 0 {
			e.repairDispatchHint(ctx, b, res)
			continue
		}

		for _, def := range res.header.CommitDefinitions {
			if !def.IsDispatched {
				candidates = append(candidates, undispatchedCandidate{blob: b, def: def})
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].def.Checkpoint < candidates[j].def.Checkpoint
	})

	commits := make([]Commit, 0, len(candidates))
	for _, c := range candidates {
		start := int64(c.def.StartPage) * objstore.PageSize
		end := start + int64(c.def.DataSizeBytes)
		raw, err := e.backend.DownloadRange(ctx, c.blob, start, end)
		if err != nil {
			return nil, e.wrapBackendErr(err)
		}
		commit, err := e.serializer.DeserializeCommit(raw)
		if err != nil {
			return nil, fmt.Errorf("engine: %w: %v", ErrCorrupt, err)
		}
		commits = append(commits, commit)
	}
	return commits, nil
}

// retryResolve resolves a blob's header, retrying on concurrency errors
// up to maxUndispatchedRetries with capped, jittered backoff - the shape
// (initial delay, multiplier, max delay) mirrors the donor's HTTP retry
// client even though this loop guards a metadata read, not a request.
func (e *Engine) retryResolve(ctx context.Context, b objstore.Blob) (resolved, error) {
	const (
		initialDelay = 10 * time.Millisecond
		maxDelay     = 500 * time.Millisecond
		multiplier   = 2
	)
	delay := initialDelay
	var lastErr error
	for attempt := 0; attempt < maxUndispatchedRetries; attempt++ {
		res, err := e.resolveHeader(ctx, b)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !errors.Is(err, ErrConcurrency) {
			return resolved{}, err
		}
		select {
		case <-ctx.Done():
			return resolved{}, ctx.Err()
		case <-time.After(jitter(delay)):
		}
		delay *= multiplier
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return resolved{}, fmt.Errorf("engine: %w: exceeded %d retries: %v", ErrConcurrency, maxUndispatchedRetries, lastErr)
}

// jitter returns d perturbed by up to +/-25%, using the low bits of a
// monotonic counter rather than math/rand so this stays usable in
// contexts without a seeded source.
var jitterCounter uint64

func jitter(d time.Duration) time.Duration {
	jitterCounter++
	spread := bits.RotateLeft64(jitterCounter, 7) % 100
	factor := 0.75 + float64(spread)/200.0 // in [0.75, 1.245]
	return time.Duration(float64(d) * factor)
}

// repairDispatchHint writes hasUndispatchedCommits := "False" once a
// blob's header reports zero undispatched commits, so future scans can
// skip it without a header fetch.
func (e *Engine) repairDispatchHint(ctx context.Context, b objstore.Blob, res resolved) {
	meta := cloneStringMap(res.metadata)
	meta[metaHasUndispatchedCommits] = "False"
	if _, err := e.backend.SetMetadata(ctx, b, meta, res.etag); err != nil {
		e.logger.Debug("dispatch hint repair lost race, ignoring", zap.String("blob", b.Name), zap.Error(err))
	}
}

// MarkCommitDispatched flips is_dispatched for a single commit and
// rewrites the header in place, at the same offset, using the same write
// protocol as Commit steps 8-9. No commit content changes, but the last
// commit's payload is written again, unchanged, as part of the same
// page-aligned write (see rewriteHeaderInPlace).
func (e *Engine) MarkCommitDispatched(ctx context.Context, commit Commit) error {
	blob := e.streamBlob(commit.BucketID, commit.StreamID)

	res, err := e.resolveHeader(ctx, blob)
	if err != nil {
		return err
	}

	idx := -1
	for i, d := range res.header.CommitDefinitions {
		if d.CommitID == commit.CommitID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("engine: %w: commit %s not present in header", ErrNotFound, commit.CommitID)
	}
	if res.header.CommitDefinitions[idx].IsDispatched {
		return nil
	}

	if e.dispatch != nil {
		if err := e.dispatch.RecordDispatch(ctx, e.containerName, commit.BucketID, commit.Checkpoint, commit.CommitID.String()); err != nil {
			return fmt.Errorf("engine: %w: checkpoint log append: %v", ErrTransport, err)
		}
	}

	newDefs := append([]CommitDefinition{}, res.header.CommitDefinitions...)
	newDefs[idx].IsDispatched = true

	newHeader := StreamBlobHeader{
		CommitDefinitions:       newDefs,
		UndispatchedCommitCount: res.header.UndispatchedCommitCount - 1,
		LastCommitSequence:      res.header.LastCommitSequence,
	}

	return e.rewriteHeaderInPlace(ctx, blob, res, newHeader)
}

// rewriteHeaderInPlace re-serializes newHeader and writes it back at the
// same page-aligned start used by the last commit's data write, so the
// write remains a single page-aligned operation even though only the
// header portion of it changes content.
func (e *Engine) rewriteHeaderInPlace(ctx context.Context, blob objstore.Blob, res resolved, newHeader StreamBlobHeader) error {
	if len(res.header.CommitDefinitions) == 0 {
		return fmt.Errorf("engine: %w: cannot rewrite header of an empty stream", ErrInvalidHeaderData)
	}
	last := res.header.CommitDefinitions[len(res.header.CommitDefinitions)-1]

	writeStartAligned := int64(last.StartPage) * objstore.PageSize
	payload, err := e.backend.DownloadRange(ctx, blob, writeStartAligned, writeStartAligned+int64(last.DataSizeBytes))
	if err != nil {
		return e.wrapBackendErr(err)
	}

	headerBytes, err := e.serializer.SerializeHeader(newHeader)
	if err != nil {
		return fmt.Errorf("engine: %w: %v", ErrInvalidHeaderData, err)
	}

	newHeaderOffsetNonaligned := writeStartAligned + int64(len(payload))
	amountAligned := objstore.PageAlign(int64(len(payload)) + int64(len(headerBytes)))
	totalNeeded := writeStartAligned + amountAligned

	props, err := e.backend.GetAssumingExists(ctx, blob)
	if err != nil {
		return e.wrapBackendErr(err)
	}
	if props.SizeBytes < totalNeeded {
		if err := e.backend.Resize(ctx, blob, totalNeeded); err != nil {
			return e.wrapBackendErr(err)
		}
	}

	newMetadata := cloneStringMap(res.metadata)
	newMetadata[metaFallbackHeaderDef] = encodeHeaderDefinition(res.goodDescriptor)
	newMetadata[metaPrimaryHeaderDef] = encodeHeaderDefinition(HeaderDefinition{
		HeaderStartOffsetBytes: uint64(newHeaderOffsetNonaligned),
		HeaderSizeBytes:        uint32(len(headerBytes)),
	})
	newMetadata[metaTertiaryHeaderDef] = encodeHeaderDefinition(HeaderDefinition{
		HeaderStartOffsetBytes: uint64(newHeaderOffsetNonaligned),
		HeaderSizeBytes:        res.goodDescriptor.HeaderSizeBytes,
	})
	if newHeader.UndispatchedCommitCount == 0 {
		newMetadata[metaHasUndispatchedCommits] = "False"
	} else {
		newMetadata[metaHasUndispatchedCommits] = "True"
	}

	newEtag, err := e.backend.SetMetadata(ctx, blob, newMetadata, res.etag)
	if err != nil {
		return e.wrapBackendErr(err)
	}

	writeBuf := make([]byte, amountAligned)
	copy(writeBuf, payload)
	copy(writeBuf[len(payload):], headerBytes)

	if err := e.backend.WriteAt(ctx, blob, writeStartAligned, writeBuf, newEtag); err != nil {
		return e.wrapBackendErr(err)
	}
	return nil
}
