package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// stagePrefix marks in-progress writes. A staging file is created with
// O_EXCL and therefore also acts as the per-key write claim.
const stagePrefix = ".tmp-"

// FileSystemStore stores uploaded objects as flat files in one directory.
type FileSystemStore struct {
	basePath string

	mu sync.Mutex
	// staging files with a writer in this process
	inflight map[string]struct{}
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{
		basePath: basePath,
		inflight: make(map[string]struct{}),
	}
}

// EnsureDir creates the storage directory if it doesn't exist.
func (fs *FileSystemStore) EnsureDir() error {
	if err := os.MkdirAll(fs.basePath, 0755); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", fs.basePath, err)
	}
	return nil
}

// Exists reports whether a committed object is stored under key.
func (fs *FileSystemStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := os.Lstat(fs.filePath(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

// CreateExclusive writes data to a staging file and hard-links it to the
// final name. os.Link refuses to replace an existing file, so two writers can
// never overwrite each other, and readers never see a partial file.
func (fs *FileSystemStore) CreateExclusive(ctx context.Context, key string, data io.Reader) (int64, error) {
	stageName := stagePrefix + key
	stagePath := filepath.Join(fs.basePath, stageName)
	finalPath := fs.filePath(key)

	file, err := os.OpenFile(stagePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			// another writer holds the claim on this key
			return 0, ErrExists
		}
		return 0, fmt.Errorf("failed to create staging file for %s: %w", key, err)
	}
	fs.hold(stageName)
	defer func() {
		file.Close()
		os.Remove(stagePath)
		fs.release(stageName)
	}()

	if _, err := os.Lstat(finalPath); err == nil {
		return 0, ErrExists
	} else if !os.IsNotExist(err) {
		return 0, fmt.Errorf("failed to stat object %s: %w", key, err)
	}

	n, err := io.Copy(file, ctxReader{ctx: ctx, r: data})
	if err != nil {
		return n, fmt.Errorf("failed to write object %s: %w", key, err)
	}
	if err := file.Sync(); err != nil {
		return n, fmt.Errorf("failed to sync object %s: %w", key, err)
	}
	if err := file.Close(); err != nil {
		return n, fmt.Errorf("failed to close object %s: %w", key, err)
	}

	if err := os.Link(stagePath, finalPath); err != nil {
		if os.IsExist(err) {
			return n, ErrExists
		}
		return n, fmt.Errorf("failed to commit object %s: %w", key, err)
	}

	return n, nil
}

// Open opens the stored object for reading.
func (fs *FileSystemStore) Open(ctx context.Context, key string) (*Object, error) {
	file, err := os.Open(fs.filePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotExist
		}
		return nil, fmt.Errorf("failed to open object %s: %w", key, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat object %s: %w", key, err)
	}

	return &Object{ReadSeekCloser: file, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// Ping verifies the storage directory is present and is a directory.
func (fs *FileSystemStore) Ping(ctx context.Context) error {
	info, err := os.Stat(fs.basePath)
	if err != nil {
		return fmt.Errorf("storage directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return errors.New("storage path is not a directory")
	}
	return nil
}

// SweepStaging removes staging files older than maxAge. These are left behind
// only when the process dies mid-upload; until removed they block their key.
// Files still being written by this store are skipped however old they are,
// so a stalled upload is never cut off. The directory must not be shared with
// another process writing to it.
func (fs *FileSystemStore) SweepStaging(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(fs.basePath)
	if err != nil {
		return 0, fmt.Errorf("failed to list storage directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	var removed int
	for _, entry := range entries {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), stagePrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		ok, err := fs.removeAbandoned(entry.Name())
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// removeAbandoned deletes a staging file unless a writer holds it.
func (fs *FileSystemStore) removeAbandoned(name string) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.inflight[name]; ok {
		return false, nil
	}
	if err := os.Remove(filepath.Join(fs.basePath, name)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to remove staging file %s: %w", name, err)
	}
	return true, nil
}

func (fs *FileSystemStore) hold(name string) {
	fs.mu.Lock()
	fs.inflight[name] = struct{}{}
	fs.mu.Unlock()
}

func (fs *FileSystemStore) release(name string) {
	fs.mu.Lock()
	delete(fs.inflight, name)
	fs.mu.Unlock()
}

func (fs *FileSystemStore) filePath(key string) string {
	return filepath.Join(fs.basePath, key)
}
