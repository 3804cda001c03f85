// Package storage defines the blob store that holds uploaded objects.
//
// Objects are addressed by a single key of the form {identifier}{extension}.
// They are written once with CreateExclusive and never modified. Swap
// backends by changing the concrete type injected at startup.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrExists is returned by CreateExclusive when the key is already taken.
	ErrExists = errors.New("object already exists")
	// ErrNotExist is returned by Open when no object is stored under the key.
	ErrNotExist = errors.New("object does not exist")
)

// Backend is the interface for blob storage backends.
type Backend interface {
	// Exists reports whether a complete object is stored under key.
	Exists(ctx context.Context, key string) (bool, error)

	// CreateExclusive stores data under key only if the key is free. It is
	// atomic from a reader's perspective: either the whole object becomes
	// visible or nothing does. When the key is known to be taken before any
	// data is consumed, ErrExists is returned and data is left unread.
	CreateExclusive(ctx context.Context, key string, data io.Reader) (int64, error)

	// Open returns a seekable stream over the object stored under key.
	Open(ctx context.Context, key string) (*Object, error)

	// Ping checks that the backend is reachable and writable.
	Ping(ctx context.Context) error
}

// Object is an open, seekable stored object. Callers must Close it.
type Object struct {
	io.ReadSeekCloser
	Size    int64
	ModTime time.Time
}

// ctxReader stops a copy once its context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr ctxReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
