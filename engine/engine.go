package engine

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/evsrc/evsrc/objstore"
	"go.uber.org/zap"
)

// rootContainer is the reserved container holding the checkpoint blob.
const rootContainer = "$root"

// checkpointBlobName is the single page blob whose sequence-number
// primitive backs the checkpoint allocator (C7).
const checkpointBlobName = "checkpoint"

// connectionLimitOnce gates the connection-pool raise below to once per
// process, independent of how many Engine instances get constructed: the
// object-store host's connection limit is a process-wide HTTP transport
// setting, not a per-Engine one.
var connectionLimitOnce sync.Once

// raiseConnectionPoolLimit raises http.DefaultTransport's per-host
// connection cap once per process. The Azure backend's azcore pipeline
// uses http.DefaultTransport unless a custom Transport is supplied in
// ClientOptions (NewAzureBackend supplies none), so bumping it here covers
// the object-store host. The local and in-memory backends do no HTTP and
// are unaffected.
func raiseConnectionPoolLimit(limit int) {
	if limit <= 0 {
		return
	}
	connectionLimitOnce.Do(func() {
		t, ok := http.DefaultTransport.(*http.Transport)
		if !ok {
			return
		}
		t.MaxConnsPerHost = limit
		t.MaxIdleConnsPerHost = limit
	})
}

// DispatchRecorder is the narrow interface the dispatch tracker uses to
// append a row to the per-bucket checkpoint log table (package chptlog)
// every time a commit is marked dispatched. It is optional: a nil
// recorder simply skips that bookkeeping step.
type DispatchRecorder interface {
	RecordDispatch(ctx context.Context, containerName, bucketID string, checkpoint uint64, commitID string) error
}

// Engine is the commit store: the PersistEngine operation surface
// described by this module, backed by an objstore.Backend.
type Engine struct {
	backend    objstore.Backend
	serializer Serializer
	clock      Clock
	logger     *zap.Logger
	dispatch   DispatchRecorder

	containerName           string // already lowercased, "evsrc" prefix applied
	blobNumPages            int
	parallelConnectionLimit int

	checkpoints *objstore.CheckpointAllocator

	initOnce sync.Once
	initErr  error
}

// Config is the subset of evsrcconfig.Config the engine itself needs;
// kept decoupled so engine has no import-time dependency on the config
// package's validation concerns.
type Config struct {
	ContainerName           string
	BlobNumPages            int
	ParallelConnectionLimit int
}

// NewEngine constructs an Engine. The returned value's Initialize method
// must be called once (idempotently; safe from multiple goroutines)
// before any other operation.
func NewEngine(cfg Config, backend objstore.Backend, serializer Serializer, clock Clock, logger *zap.Logger, dispatch DispatchRecorder) *Engine {
	if serializer == nil {
		serializer = NewJSONSerializer()
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	numPages := cfg.BlobNumPages
	if numPages <= 0 {
		numPages = 8
	}
	return &Engine{
		backend:                 backend,
		serializer:              serializer,
		clock:                   clock,
		logger:                  logger,
		dispatch:                dispatch,
		containerName:           "evsrc" + strings.ToLower(cfg.ContainerName),
		blobNumPages:            numPages,
		parallelConnectionLimit: cfg.ParallelConnectionLimit,
	}
}

// Initialize raises the object-store host's connection-pool limit
// (process-wide, first call across any Engine only) and ensures the
// primary and $root containers exist (instance-scoped). Idempotent and
// safe for concurrent callers.
func (e *Engine) Initialize(ctx context.Context) error {
	e.initOnce.Do(func() {
		raiseConnectionPoolLimit(e.parallelConnectionLimit)
		if err := e.backend.EnsureContainer(ctx, e.containerName); err != nil {
			e.initErr = e.wrapBackendErr(err)
			return
		}
		if err := e.backend.EnsureContainer(ctx, rootContainer); err != nil {
			e.initErr = e.wrapBackendErr(err)
			return
		}
		cpBlob := objstore.Blob{Container: rootContainer, Name: checkpointBlobName}
		if _, err := e.backend.CreateIfNotExists(ctx, cpBlob, 1); err != nil {
			e.initErr = e.wrapBackendErr(err)
			return
		}
		e.checkpoints = objstore.NewCheckpointAllocator(e.backend, cpBlob)
		e.logger.Info("engine initialized", zap.String("container", e.containerName))
	})
	return e.initErr
}

func (e *Engine) streamBlob(bucketID, streamID string) objstore.Blob {
	return objstore.Blob{Container: e.containerName, Name: bucketID + "/" + streamID}
}

func (e *Engine) snapshotBlob(bucketID, streamID string) objstore.Blob {
	return objstore.Blob{Container: e.containerName, Name: bucketID + "/ss/" + streamID}
}

// Purge deletes every blob in the primary container. No tombstones.
func (e *Engine) Purge(ctx context.Context) error {
	blobs, _, err := e.backend.ListByPrefix(ctx, e.containerName, "")
	if err != nil {
		return e.wrapBackendErr(err)
	}
	for _, b := range blobs {
		if err := e.backend.Delete(ctx, b); err != nil {
			return e.wrapBackendErr(err)
		}
	}
	return nil
}

// PurgeBucket deletes every blob belonging to bucketID.
func (e *Engine) PurgeBucket(ctx context.Context, bucketID string) error {
	blobs, _, err := e.backend.ListByPrefix(ctx, e.containerName, bucketID+"/")
	if err != nil {
		return e.wrapBackendErr(err)
	}
	for _, b := range blobs {
		if err := e.backend.Delete(ctx, b); err != nil {
			return e.wrapBackendErr(err)
		}
	}
	return nil
}

// DeleteStream deletes a single stream's blob (and its snapshot sibling,
// if present). The source acquires a 60-second lease before deleting;
// this implementation omits it per the design notes, since the local and
// Azure backends here don't require a lease to guard a single-blob
// delete against concurrent readers.
func (e *Engine) DeleteStream(ctx context.Context, bucketID, streamID string) error {
	if err := e.backend.Delete(ctx, e.streamBlob(bucketID, streamID)); err != nil {
		return e.wrapBackendErr(err)
	}
	_ = e.backend.Delete(ctx, e.snapshotBlob(bucketID, streamID))
	return nil
}

// Drop deletes every blob in the primary container, exactly as Purge
// does. The container itself is not deleted.
func (e *Engine) Drop(ctx context.Context) error {
	return e.Purge(ctx)
}

// Dispose releases resources held by the underlying backend. The Engine
// must not be used after Dispose returns.
func (e *Engine) Dispose() error {
	return e.backend.Close()
}

func ensureBucketAndStream(bucketID, streamID string) error {
	if bucketID == "" || streamID == "" {
		return fmt.Errorf("engine: %w: bucket and stream ids are required", ErrInvalidHeaderData)
	}
	return nil
}
