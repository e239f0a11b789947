package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/evsrc/evsrc/objstore"
	"go.uber.org/zap"
)

// resolved bundles the outcome of resolving a stream blob's header: the
// header itself, the descriptor slot that produced it (becomes the "last
// good descriptor" D0 for the next write), the blob's current metadata
// map and etag, and whether the stream has ever completed a first write.
type resolved struct {
	header           StreamBlobHeader
	goodDescriptor   HeaderDefinition
	metadata         map[string]string
	etag             string
	firstWriteDone   bool
	everHadPrimary   bool
}

// resolveHeader implements the primary/fallback/tertiary descriptor
// chain: it always finds the newest fully-written header, tolerating a
// torn write at any of the last commit's two phases (metadata, data).
func (e *Engine) resolveHeader(ctx context.Context, b objstore.Blob) (resolved, error) {
	metadata, etag, err := e.backend.GetMetadata(ctx, b)
	if err != nil {
		return resolved{}, e.wrapBackendErr(err)
	}

	primaryRaw := metadata[metaPrimaryHeaderDef]
	if primaryRaw == "" {
		// Fresh stream: nothing has ever been written.
		return resolved{metadata: metadata, etag: etag}, nil
	}

	firstWriteDone := metadata[metaFirstWriteCompleted] == "t"

	slots := []struct {
		name string
		raw  string
	}{
		{"primary", primaryRaw},
		{"fallback", metadata[metaFallbackHeaderDef]},
		{"tertiary", metadata[metaTertiaryHeaderDef]},
	}

	var lastErr error
	for _, slot := range slots {
		def, err := decodeHeaderDefinition(slot.raw)
		if err != nil {
			lastErr = err
			continue
		}
		if def.IsZero() {
			continue
		}

		raw, err := e.backend.DownloadRange(ctx, b, int64(def.HeaderStartOffsetBytes), int64(def.HeaderStartOffsetBytes)+int64(def.HeaderSizeBytes))
		if err != nil {
			lastErr = err
			continue
		}
		header, err := e.serializer.DeserializeHeader(raw)
		if err != nil {
			e.logger.Debug("header slot failed to parse, falling back",
				zap.String("slot", slot.name), zap.Error(err))
			lastErr = err
			continue
		}

		if slot.name != "primary" {
			e.logger.Debug("resolved header from fallback slot", zap.String("slot", slot.name))
		}
		return resolved{
			header:         header,
			goodDescriptor: def,
			metadata:       metadata,
			etag:           etag,
			firstWriteDone: firstWriteDone,
			everHadPrimary: true,
		}, nil
	}

	if !firstWriteDone {
		// Reserved-but-never-completed first write: treat as empty.
		return resolved{metadata: metadata, etag: etag}, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no header slot present")
	}
	return resolved{}, fmt.Errorf("engine: %w: all header slots failed: %v", ErrInvalidHeaderData, lastErr)
}

func (e *Engine) wrapBackendErr(err error) error {
	switch {
	case errors.Is(err, objstore.ErrNotFound):
		return fmt.Errorf("engine: %w", ErrNotFound)
	case errors.Is(err, objstore.ErrConcurrency):
		return fmt.Errorf("engine: %w", ErrConcurrency)
	default:
		return fmt.Errorf("engine: %w: %v", ErrTransport, err)
	}
}
