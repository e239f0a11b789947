package objstore

import (
	"container/list"
	"os"
	"sync"
)

// filePool manages a bounded pool of open file handles with LRU eviction,
// so the local backend doesn't exhaust file descriptors when many stream
// blobs are hot at once. Adapted from the donor's writer-handle pool; here
// a single pool serves both read and write since page blobs are opened
// O_RDWR for in-place ranged writes.
type filePool struct {
	mu      sync.Mutex
	maxSize int
	files   map[string]*poolEntry
	lru     *list.List
}

type poolEntry struct {
	path    string
	file    *os.File
	element *list.Element
}

func newFilePool(maxSize int) *filePool {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &filePool{
		maxSize: maxSize,
		files:   make(map[string]*poolEntry),
		lru:     list.New(),
	}
}

// Get returns an O_RDWR file handle for path, opening and caching it if
// necessary. The returned file must not be closed by the caller.
func (p *filePool) Get(path string) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.files[path]; ok {
		p.lru.MoveToFront(entry.element)
		return entry.file, nil
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	p.evictIfNeeded()

	entry := &poolEntry{path: path, file: file}
	entry.element = p.lru.PushFront(entry)
	p.files[path] = entry

	return file, nil
}

// Remove closes and evicts path from the pool, if open.
func (p *filePool) Remove(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.files[path]
	if !ok {
		return nil
	}
	p.lru.Remove(entry.element)
	delete(p.files, path)
	return entry.file.Close()
}

// Close closes every open handle in the pool.
func (p *filePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for path, entry := range p.files {
		if err := entry.file.Close(); err != nil {
			lastErr = err
		}
		delete(p.files, path)
	}
	p.lru.Init()
	return lastErr
}

// evictIfNeeded evicts the least recently used handle. Must be called
// with the lock held.
func (p *filePool) evictIfNeeded() {
	if len(p.files) < p.maxSize {
		return
	}
	elem := p.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*poolEntry)
	p.lru.Remove(elem)
	delete(p.files, entry.path)
	entry.file.Close()
}
