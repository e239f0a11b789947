package objstore

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// memRecord is one blob's complete in-process state.
type memRecord struct {
	data       []byte
	etag       string
	metadata   map[string]string
	sequenceNo uint64
}

// memoryBackend is a map-guarded-by-mutex Backend, grounded on the donor's
// in-process store: fast, single-process, and bounded by available memory.
// It exists purely for unit tests that want to exercise the engine without
// touching a filesystem or a storage account.
type memoryBackend struct {
	mu         sync.Mutex
	containers map[string]bool
	blobs      map[string]*memRecord // "container/name" -> record
}

// NewMemoryBackend returns a Backend that never leaves process memory.
func NewMemoryBackend() Backend {
	return &memoryBackend{
		containers: make(map[string]bool),
		blobs:      make(map[string]*memRecord),
	}
}

func (m *memoryBackend) key(b Blob) string {
	return b.Container + "/" + b.Name
}

func (m *memoryBackend) EnsureContainer(_ context.Context, container string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.containers[container] = true
	return nil
}

func (m *memoryBackend) CreateIfNotExists(_ context.Context, b Blob, numPages int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := m.key(b)
	if _, exists := m.blobs[key]; exists {
		return false, nil
	}
	m.blobs[key] = &memRecord{
		data: make([]byte, int64(numPages)*PageSize),
		etag: uuid.NewString(),
	}
	return true, nil
}

func (m *memoryBackend) GetAssumingExists(_ context.Context, b Blob) (Properties, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.blobs[m.key(b)]
	if !ok {
		return Properties{}, ErrNotFound
	}
	return Properties{
		ETag:       rec.etag,
		Metadata:   cloneMeta(rec.metadata),
		SizeBytes:  int64(len(rec.data)),
		SequenceNo: rec.sequenceNo,
	}, nil
}

func (m *memoryBackend) ListByPrefix(_ context.Context, container, prefix string) ([]Blob, []Properties, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	full := container + "/" + prefix
	var names []string
	for key := range m.blobs {
		if strings.HasPrefix(key, full) {
			names = append(names, key)
		}
	}
	sort.Strings(names)

	var blobs []Blob
	var props []Properties
	for _, key := range names {
		rec := m.blobs[key]
		name := key[len(container)+1:]
		blobs = append(blobs, Blob{Container: container, Name: name})
		props = append(props, Properties{
			ETag:       rec.etag,
			Metadata:   cloneMeta(rec.metadata),
			SizeBytes:  int64(len(rec.data)),
			SequenceNo: rec.sequenceNo,
		})
	}
	return blobs, props, nil
}

func (m *memoryBackend) DownloadRange(_ context.Context, b Blob, start, end int64) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.blobs[m.key(b)]
	if !ok {
		return nil, ErrNotFound
	}
	if start > int64(len(rec.data)) {
		start = int64(len(rec.data))
	}
	if end > int64(len(rec.data)) {
		end = int64(len(rec.data))
	}
	if end < start {
		end = start
	}
	out := make([]byte, end-start)
	copy(out, rec.data[start:end])
	return out, nil
}

func (m *memoryBackend) WriteAt(_ context.Context, b Blob, offset int64, data []byte, ifMatchETag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.blobs[m.key(b)]
	if !ok {
		return ErrNotFound
	}
	if ifMatchETag != "" && rec.etag != ifMatchETag {
		return ErrConcurrency
	}
	if need := offset + int64(len(data)); need > int64(len(rec.data)) {
		grown := make([]byte, need)
		copy(grown, rec.data)
		rec.data = grown
	}
	copy(rec.data[offset:], data)
	rec.etag = uuid.NewString()
	return nil
}

func (m *memoryBackend) Resize(_ context.Context, b Blob, newTotalBytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.blobs[m.key(b)]
	if !ok {
		return ErrNotFound
	}
	if newTotalBytes <= int64(len(rec.data)) {
		return nil
	}
	grown := make([]byte, newTotalBytes)
	copy(grown, rec.data)
	rec.data = grown
	rec.etag = uuid.NewString()
	return nil
}

func (m *memoryBackend) GetMetadata(_ context.Context, b Blob) (map[string]string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.blobs[m.key(b)]
	if !ok {
		return nil, "", ErrNotFound
	}
	return cloneMeta(rec.metadata), rec.etag, nil
}

func (m *memoryBackend) SetMetadata(_ context.Context, b Blob, metadata map[string]string, ifMatchETag string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.blobs[m.key(b)]
	if !ok {
		return "", ErrNotFound
	}
	if ifMatchETag != "" && rec.etag != ifMatchETag {
		return "", ErrConcurrency
	}
	rec.metadata = cloneMeta(metadata)
	rec.etag = uuid.NewString()
	return rec.etag, nil
}

func (m *memoryBackend) IncrementSequence(_ context.Context, b Blob) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.blobs[m.key(b)]
	if !ok {
		return 0, ErrNotFound
	}
	rec.sequenceNo++
	return rec.sequenceNo, nil
}

func (m *memoryBackend) Delete(_ context.Context, b Blob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, m.key(b))
	return nil
}

func (m *memoryBackend) Close() error {
	return nil
}
