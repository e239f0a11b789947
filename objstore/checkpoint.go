package objstore

import "context"

// CheckpointAllocator hands out monotonically increasing 64-bit
// checkpoint numbers backed by a single reserved page blob's
// sequence-number primitive. Uniqueness is guaranteed by the backend;
// monotonicity is global across every stream in every bucket but not
// dense - holes appear whenever a commit allocates a checkpoint and then
// fails before completing.
type CheckpointAllocator struct {
	backend Backend
	blob    Blob
}

// NewCheckpointAllocator returns an allocator backed by the given blob,
// which must already exist (the caller provisions it once, typically
// during Engine.Initialize).
func NewCheckpointAllocator(backend Backend, checkpointBlob Blob) *CheckpointAllocator {
	return &CheckpointAllocator{backend: backend, blob: checkpointBlob}
}

// Next issues an atomic-increment request against the reserved blob and
// returns the resulting checkpoint number.
func (c *CheckpointAllocator) Next(ctx context.Context) (uint64, error) {
	return c.backend.IncrementSequence(ctx, c.blob)
}
