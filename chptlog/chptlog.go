// Package chptlog implements the per-bucket checkpoint log table: one
// row is appended every time the commit engine marks a commit as
// dispatched (spec "Append a row to the per-bucket checkpoint table").
// It is backed by LMDB rather than bbolt - the object-store local
// backend already uses bbolt for blob metadata, so the dispatch log
// gives this module's second shipped KV engine a real job insert-or-
// replacing CheckpointTableEntity rows.
package chptlog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/PowerDNS/lmdb-go/lmdb"
)

// CheckpointTableEntity is one row of the per-bucket checkpoint log: a
// record of a single dispatched commit, keyed by commit id.
type CheckpointTableEntity struct {
	ContainerName string `json:"container_name"`
	BucketID      string `json:"bucket_id"`
	Checkpoint    uint64 `json:"checkpoint"`
	CommitID      string `json:"commit_id"`
}

// Store owns one LMDB environment per bucket, each holding that bucket's
// checkpoint table. Tables are created lazily, the first time a bucket's
// table is written or read (Put and Get both open it).
type Store struct {
	dataDir string

	mu     sync.Mutex
	tables map[string]*table
}

type table struct {
	env *lmdb.Env
	dbi lmdb.DBI
}

// NewStore opens (creating the directory if necessary) a checkpoint log
// store rooted at dataDir. Individual per-bucket LMDB environments are
// opened lazily as buckets are first written to.
func NewStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("chptlog: create data dir: %w", err)
	}
	return &Store{
		dataDir: dataDir,
		tables:  make(map[string]*table),
	}, nil
}

// tableName derives the per-bucket table name: "chpt" + container_name + bucket_id.
func tableName(containerName, bucketID string) string {
	return "chpt" + containerName + bucketID
}

func (s *Store) openTable(containerName, bucketID string) (*table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := tableName(containerName, bucketID)
	if t, ok := s.tables[name]; ok {
		return t, nil
	}

	dir := filepath.Join(s.dataDir, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("chptlog: create table dir: %w", err)
	}

	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("chptlog: new env: %w", err)
	}
	if err := env.SetMapSize(1 << 28); err != nil {
		env.Close()
		return nil, fmt.Errorf("chptlog: set map size: %w", err)
	}
	if err := env.SetMaxDBs(1); err != nil {
		env.Close()
		return nil, fmt.Errorf("chptlog: set max dbs: %w", err)
	}
	if err := env.Open(dir, 0, 0755); err != nil {
		env.Close()
		return nil, fmt.Errorf("chptlog: open env: %w", err)
	}

	var dbi lmdb.DBI
	err = env.Update(func(txn *lmdb.Txn) error {
		var err error
		dbi, err = txn.OpenDBI("checkpoints", lmdb.Create)
		return err
	})
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("chptlog: open checkpoints dbi: %w", err)
	}

	t := &table{env: env, dbi: dbi}
	s.tables[name] = t
	return t, nil
}

// Put inserts or replaces the row for entity.CommitID - LMDB's Put
// without lmdb.NoOverwrite is naturally insert-or-replace, matching the
// "table insert-or-replace" semantics the checkpoint log needs.
func (s *Store) Put(entity CheckpointTableEntity) error {
	t, err := s.openTable(entity.ContainerName, entity.BucketID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("chptlog: marshal entity: %w", err)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return t.env.Update(func(txn *lmdb.Txn) error {
		return txn.Put(t.dbi, []byte(entity.CommitID), data, 0)
	})
}

// Get returns the row for commitID within (containerName, bucketID)'s
// table, or ok=false if no such row (or table) exists.
func (s *Store) Get(containerName, bucketID, commitID string) (entity CheckpointTableEntity, ok bool, err error) {
	t, err := s.openTable(containerName, bucketID)
	if err != nil {
		return CheckpointTableEntity{}, false, err
	}

	err = t.env.View(func(txn *lmdb.Txn) error {
		data, err := txn.Get(t.dbi, []byte(commitID))
		if lmdb.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		ok = true
		return json.Unmarshal(cp, &entity)
	})
	return entity, ok, err
}

// RecordDispatch implements engine.DispatchRecorder.
func (s *Store) RecordDispatch(_ context.Context, containerName, bucketID string, checkpoint uint64, commitID string) error {
	return s.Put(CheckpointTableEntity{
		ContainerName: containerName,
		BucketID:      bucketID,
		Checkpoint:    checkpoint,
		CommitID:      commitID,
	})
}

// Close closes every open per-bucket LMDB environment.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for _, t := range s.tables {
		if err := t.env.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
