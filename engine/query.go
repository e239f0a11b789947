package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/evsrc/evsrc/objstore"
	"go.uber.org/zap"
)

// GetFrom returns every commit in [minRevision, maxRevision] for one
// stream, as a single contiguous ranged read followed by in-memory
// slicing - one network round-trip regardless of how many commits the
// range spans.
func (e *Engine) GetFrom(ctx context.Context, bucketID, streamID string, minRevision, maxRevision uint32) ([]Commit, error) {
	blob := e.streamBlob(bucketID, streamID)
	res, err := e.resolveHeader(ctx, blob)
	if err != nil {
		return nil, err
	}

	startIdx, endIdx := -1, -1
	for i, d := range res.header.CommitDefinitions {
		if d.StreamRevision >= minRevision && d.StreamRevision <= maxRevision {
			if startIdx < 0 {
				startIdx = i
			}
			endIdx = i
		}
	}
	if startIdx < 0 {
		return nil, nil
	}

	defs := res.header.CommitDefinitions[startIdx : endIdx+1]
	rangeStart := int64(defs[0].StartPage) * objstore.PageSize
	last := defs[len(defs)-1]
	rangeEnd := int64(last.StartPage)*objstore.PageSize + int64(last.DataSizeBytes)

	raw, err := e.backend.DownloadRange(ctx, blob, rangeStart, rangeEnd)
	if err != nil {
		return nil, e.wrapBackendErr(err)
	}

	commits := make([]Commit, 0, len(defs))
	for _, d := range defs {
		if d.StreamRevision < minRevision || d.StreamRevision > maxRevision {
			continue
		}
		localStart := int64(d.StartPage)*objstore.PageSize - rangeStart
		localEnd := localStart + int64(d.DataSizeBytes)
		commit, err := e.serializer.DeserializeCommit(raw[localStart:localEnd])
		if err != nil {
			return nil, err
		}
		commits = append(commits, commit)
	}
	return commits, nil
}

// GetFromTo enumerates every stream blob in bucketID, resolves each
// header, and returns every commit whose commit_stamp_utc falls in
// [fromTS, toTS], sorted by commit_stamp_utc.
func (e *Engine) GetFromTo(ctx context.Context, bucketID string, fromTS, toTS time.Time) ([]Commit, error) {
	blobs, _, err := e.backend.ListByPrefix(ctx, e.containerName, bucketID+"/")
	if err != nil {
		return nil, e.wrapBackendErr(err)
	}

	var commits []Commit
	for _, b := range blobs {
		if strings.Contains(b.Name, "/ss/") {
			continue // snapshot sibling blob, not a stream
		}
		res, err := e.resolveHeader(ctx, b)
		if err != nil {
			e.logger.Error("skipping blob during date-range scan", zap.Error(err))
			continue
		}
		for _, d := range res.header.CommitDefinitions {
			if d.CommitStampUTC.Before(fromTS) || d.CommitStampUTC.After(toTS) {
				continue
			}
			start := int64(d.StartPage) * objstore.PageSize
			end := start + int64(d.DataSizeBytes)
			raw, err := e.backend.DownloadRange(ctx, b, start, end)
			if err != nil {
				return nil, e.wrapBackendErr(err)
			}
			commit, err := e.serializer.DeserializeCommit(raw)
			if err != nil {
				return nil, err
			}
			commits = append(commits, commit)
		}
	}

	sort.Slice(commits, func(i, j int) bool {
		return commits[i].CommitStampUTC.Before(commits[j].CommitStampUTC)
	})
	return commits, nil
}

// GetFromCheckpoint enumerates every stream blob across the entire
// container, resolves every header, flattens all definitions, and
// returns commits with checkpoint > token sorted by checkpoint. This is
// O(aggregates) and explicitly slow; no secondary index is maintained.
func (e *Engine) GetFromCheckpoint(ctx context.Context, token uint64) ([]Commit, error) {
	blobs, _, err := e.backend.ListByPrefix(ctx, e.containerName, "")
	if err != nil {
		return nil, e.wrapBackendErr(err)
	}

	type pair struct {
		blob objstore.Blob
		def  CommitDefinition
	}
	var pairs []pair
	for _, b := range blobs {
		if strings.Contains(b.Name, "/ss/") {
			continue
		}
		res, err := e.resolveHeader(ctx, b)
		if err != nil {
			e.logger.Error("skipping blob during checkpoint scan", zap.Error(err))
			continue
		}
		for _, d := range res.header.CommitDefinitions {
			if d.Checkpoint > token {
				pairs = append(pairs, pair{blob: b, def: d})
			}
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].def.Checkpoint < pairs[j].def.Checkpoint
	})

	commits := make([]Commit, 0, len(pairs))
	for _, p := range pairs {
		start := int64(p.def.StartPage) * objstore.PageSize
		end := start + int64(p.def.DataSizeBytes)
		raw, err := e.backend.DownloadRange(ctx, p.blob, start, end)
		if err != nil {
			return nil, e.wrapBackendErr(err)
		}
		commit, err := e.serializer.DeserializeCommit(raw)
		if err != nil {
			return nil, err
		}
		commits = append(commits, commit)
	}
	return commits, nil
}
