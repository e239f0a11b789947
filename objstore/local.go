package objstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"context"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var blobRecordsBucket = []byte("blob_records")

// localBackend emulates the Azure page-blob contract on the local
// filesystem, with per-blob ETag, metadata, and sequence-number state held
// in a bbolt side-database. It exists so the engine and its tests can run
// against a real (if local) backend without a live storage account.
type localBackend struct {
	dataDir string
	db      *bbolt.DB
	pool    *filePool

	recordMu sync.Mutex // serializes record read-modify-write + the file I/O it guards
}

// localRecord is the bbolt-persisted side-state for one blob.
type localRecord struct {
	SizeBytes  int64             `json:"size_bytes"`
	ETag       string            `json:"etag"`
	SequenceNo uint64            `json:"sequence_no"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// NewLocalBackend opens (creating if necessary) a local page-blob backend
// rooted at dataDir.
func NewLocalBackend(dataDir string) (Backend, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("objstore: create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "blobmeta.db")
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("objstore: open blob metadata db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(blobRecordsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("objstore: create blob record bucket: %w", err)
	}

	return &localBackend{
		dataDir: dataDir,
		db:      db,
		pool:    newFilePool(256),
	}, nil
}

func (l *localBackend) key(b Blob) []byte {
	return []byte(b.Container + "/" + b.Name)
}

func (l *localBackend) path(b Blob) string {
	return filepath.Join(l.dataDir, b.Container, b.Name)
}

func (l *localBackend) EnsureContainer(_ context.Context, container string) error {
	return os.MkdirAll(filepath.Join(l.dataDir, container), 0755)
}

func (l *localBackend) getRecord(key []byte) (localRecord, bool, error) {
	var rec localRecord
	var found bool
	err := l.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(blobRecordsBucket).Get(key)
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	return rec, found, err
}

func (l *localBackend) putRecord(key []byte, rec localRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(blobRecordsBucket).Put(key, data)
	})
}

func (l *localBackend) CreateIfNotExists(_ context.Context, b Blob, numPages int) (bool, error) {
	l.recordMu.Lock()
	defer l.recordMu.Unlock()

	key := l.key(b)
	_, found, err := l.getRecord(key)
	if err != nil {
		return false, err
	}
	if found {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(l.path(b)), 0755); err != nil {
		return false, err
	}

	size := int64(numPages) * PageSize
	file, err := os.Create(l.path(b))
	if err != nil {
		return false, err
	}
	if err := file.Truncate(size); err != nil {
		file.Close()
		return false, err
	}
	file.Close()

	rec := localRecord{SizeBytes: size, ETag: uuid.NewString()}
	if err := l.putRecord(key, rec); err != nil {
		return false, err
	}
	return true, nil
}

func (l *localBackend) GetAssumingExists(_ context.Context, b Blob) (Properties, error) {
	rec, found, err := l.getRecord(l.key(b))
	if err != nil {
		return Properties{}, err
	}
	if !found {
		return Properties{}, ErrNotFound
	}
	return Properties{ETag: rec.ETag, Metadata: rec.Metadata, SizeBytes: rec.SizeBytes, SequenceNo: rec.SequenceNo}, nil
}

func (l *localBackend) ListByPrefix(_ context.Context, container, prefix string) ([]Blob, []Properties, error) {
	full := container + "/" + prefix
	var blobs []Blob
	var props []Properties

	err := l.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(blobRecordsBucket).Cursor()
		for k, v := c.Seek([]byte(full)); k != nil && hasPrefix(string(k), full); k, v = c.Next() {
			name := string(k)[len(container)+1:]
			var rec localRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			blobs = append(blobs, Blob{Container: container, Name: name})
			props = append(props, Properties{ETag: rec.ETag, Metadata: rec.Metadata, SizeBytes: rec.SizeBytes, SequenceNo: rec.SequenceNo})
		}
		return nil
	})
	return blobs, props, err
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (l *localBackend) DownloadRange(_ context.Context, b Blob, start, end int64) ([]byte, error) {
	l.recordMu.Lock()
	file, err := l.pool.Get(l.path(b))
	l.recordMu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	buf := make([]byte, end-start)
	n, err := file.ReadAt(buf, start)
	if err != nil && n < len(buf) {
		return nil, fmt.Errorf("objstore: ranged read: %w", err)
	}
	return buf, nil
}

func (l *localBackend) WriteAt(_ context.Context, b Blob, offset int64, data []byte, ifMatchETag string) error {
	l.recordMu.Lock()
	defer l.recordMu.Unlock()

	key := l.key(b)
	rec, found, err := l.getRecord(key)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if ifMatchETag != "" && rec.ETag != ifMatchETag {
		return ErrConcurrency
	}

	file, err := l.pool.Get(l.path(b))
	if err != nil {
		return err
	}
	if _, err := file.WriteAt(data, offset); err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		return err
	}

	rec.ETag = uuid.NewString()
	return l.putRecord(key, rec)
}

func (l *localBackend) Resize(_ context.Context, b Blob, newTotalBytes int64) error {
	l.recordMu.Lock()
	defer l.recordMu.Unlock()

	key := l.key(b)
	rec, found, err := l.getRecord(key)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFound
	}
	if newTotalBytes <= rec.SizeBytes {
		return nil
	}

	file, err := l.pool.Get(l.path(b))
	if err != nil {
		return err
	}
	if err := file.Truncate(newTotalBytes); err != nil {
		return err
	}

	rec.SizeBytes = newTotalBytes
	rec.ETag = uuid.NewString()
	return l.putRecord(key, rec)
}

func (l *localBackend) GetMetadata(_ context.Context, b Blob) (map[string]string, string, error) {
	rec, found, err := l.getRecord(l.key(b))
	if err != nil {
		return nil, "", err
	}
	if !found {
		return nil, "", ErrNotFound
	}
	return cloneMeta(rec.Metadata), rec.ETag, nil
}

func (l *localBackend) SetMetadata(_ context.Context, b Blob, metadata map[string]string, ifMatchETag string) (string, error) {
	l.recordMu.Lock()
	defer l.recordMu.Unlock()

	key := l.key(b)
	rec, found, err := l.getRecord(key)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrNotFound
	}
	if ifMatchETag != "" && rec.ETag != ifMatchETag {
		return "", ErrConcurrency
	}

	rec.Metadata = cloneMeta(metadata)
	rec.ETag = uuid.NewString()
	if err := l.putRecord(key, rec); err != nil {
		return "", err
	}
	return rec.ETag, nil
}

func (l *localBackend) IncrementSequence(_ context.Context, b Blob) (uint64, error) {
	l.recordMu.Lock()
	defer l.recordMu.Unlock()

	key := l.key(b)
	rec, found, err := l.getRecord(key)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, ErrNotFound
	}
	rec.SequenceNo++
	if err := l.putRecord(key, rec); err != nil {
		return 0, err
	}
	return rec.SequenceNo, nil
}

func (l *localBackend) Delete(_ context.Context, b Blob) error {
	l.recordMu.Lock()
	defer l.recordMu.Unlock()

	key := l.key(b)
	l.pool.Remove(l.path(b))

	if err := l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(blobRecordsBucket).Delete(key)
	}); err != nil {
		return err
	}

	// Rename-then-async-remove: avoids blocking the caller on a
	// blob file that may still have readers with open handles.
	target := l.path(b)
	trashed := target + fmt.Sprintf(".deleted~%d", time.Now().UnixNano())
	if err := os.Rename(target, trashed); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	go os.Remove(trashed)
	return nil
}

func (l *localBackend) Close() error {
	var lastErr error
	if err := l.pool.Close(); err != nil {
		lastErr = err
	}
	if err := l.db.Close(); err != nil {
		lastErr = err
	}
	return lastErr
}

func cloneMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
