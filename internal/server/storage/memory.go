package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

type memObject struct {
	data    []byte
	modTime time.Time
	pending bool
}

// MemoryStore keeps objects in process memory. Nothing survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*memObject
}

// NewMemoryStore returns an empty in-memory backend.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*memObject)}
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	return ok && !obj.pending, nil
}

// CreateExclusive reserves key under the lock before reading data, so a
// concurrent writer for the same key fails with ErrExists without consuming
// its reader.
func (m *MemoryStore) CreateExclusive(ctx context.Context, key string, data io.Reader) (int64, error) {
	m.mu.Lock()
	if _, ok := m.objects[key]; ok {
		m.mu.Unlock()
		return 0, ErrExists
	}
	obj := &memObject{pending: true}
	m.objects[key] = obj
	m.mu.Unlock()

	buf, err := io.ReadAll(ctxReader{ctx: ctx, r: data})

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		delete(m.objects, key)
		return int64(len(buf)), fmt.Errorf("failed to write object %s: %w", key, err)
	}
	obj.data = buf
	obj.modTime = time.Now().UTC()
	obj.pending = false
	return int64(len(buf)), nil
}

func (m *MemoryStore) Open(ctx context.Context, key string) (*Object, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok || obj.pending {
		return nil, ErrNotExist
	}
	return &Object{
		ReadSeekCloser: nopCloser{bytes.NewReader(obj.data)},
		Size:           int64(len(obj.data)),
		ModTime:        obj.modTime,
	}, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Len returns the number of committed objects.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int
	for _, obj := range m.objects {
		if !obj.pending {
			n++
		}
	}
	return n
}

type nopCloser struct {
	io.ReadSeeker
}

func (nopCloser) Close() error { return nil }
