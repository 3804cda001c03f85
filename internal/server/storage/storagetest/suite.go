// Package storagetest is a conformance suite shared by every storage.Backend.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drop/internal/server/storage"
)

// RunSuite runs the backend contract tests against fresh backends produced
// by newBackend.
func RunSuite(t *testing.T, newBackend func(t *testing.T) storage.Backend) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		b := newBackend(t)
		payload := bytes.Repeat([]byte{0x00, 0xff, 'a', '\n'}, 4096)

		n, err := b.CreateExclusive(ctx, "abc123.png", bytes.NewReader(payload))
		require.NoError(t, err)
		assert.Equal(t, int64(len(payload)), n)

		assert.Equal(t, payload, readAll(t, b, "abc123.png"))
	})

	t.Run("empty object", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.CreateExclusive(ctx, "empty1", bytes.NewReader(nil))
		require.NoError(t, err)
		assert.Empty(t, readAll(t, b, "empty1"))
	})

	t.Run("exists", func(t *testing.T) {
		b := newBackend(t)

		ok, err := b.Exists(ctx, "abc123.txt")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = b.CreateExclusive(ctx, "abc123.txt", strings.NewReader("x"))
		require.NoError(t, err)

		ok, err = b.Exists(ctx, "abc123.txt")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("existing key is not overwritten", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.CreateExclusive(ctx, "dup123.gif", strings.NewReader("first"))
		require.NoError(t, err)

		second := strings.NewReader("second")
		_, err = b.CreateExclusive(ctx, "dup123.gif", second)
		require.ErrorIs(t, err, storage.ErrExists)
		assert.Equal(t, int64(len("second")), int64(second.Len()), "reader must be left unread")

		assert.Equal(t, []byte("first"), readAll(t, b, "dup123.gif"))
	})

	t.Run("failed write leaves nothing behind", func(t *testing.T) {
		b := newBackend(t)
		boom := errors.New("boom")
		r := io.MultiReader(strings.NewReader("partial"), errReader{boom})

		_, err := b.CreateExclusive(ctx, "fail12.mp4", r)
		require.ErrorIs(t, err, boom)

		ok, err := b.Exists(ctx, "fail12.mp4")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = b.Open(ctx, "fail12.mp4")
		assert.ErrorIs(t, err, storage.ErrNotExist)

		// the key is free again
		_, err = b.CreateExclusive(ctx, "fail12.mp4", strings.NewReader("ok"))
		assert.NoError(t, err)
	})

	t.Run("open missing", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Open(ctx, "nothere.jpg")
		assert.ErrorIs(t, err, storage.ErrNotExist)
	})

	t.Run("repeated reads are identical", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.CreateExclusive(ctx, "rep123.webm", strings.NewReader("stable bytes"))
		require.NoError(t, err)

		for i := 0; i < 5; i++ {
			assert.Equal(t, []byte("stable bytes"), readAll(t, b, "rep123.webm"))
		}
	})

	t.Run("open reports size and seeks", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.CreateExclusive(ctx, "seek12.txt", strings.NewReader("0123456789"))
		require.NoError(t, err)

		obj, err := b.Open(ctx, "seek12.txt")
		require.NoError(t, err)
		defer obj.Close()

		assert.Equal(t, int64(10), obj.Size)
		_, err = obj.Seek(5, io.SeekStart)
		require.NoError(t, err)
		rest, err := io.ReadAll(obj)
		require.NoError(t, err)
		assert.Equal(t, "56789", string(rest))
	})

	t.Run("concurrent writers to one key", func(t *testing.T) {
		b := newBackend(t)

		const writers = 16
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			succeeded []string
		)
		for i := 0; i < writers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				body := strings.Repeat(string(rune('a'+i)), 1024)
				_, err := b.CreateExclusive(ctx, "race12.bin", strings.NewReader(body))
				if err == nil {
					mu.Lock()
					succeeded = append(succeeded, body)
					mu.Unlock()
					return
				}
				if !errors.Is(err, storage.ErrExists) {
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		require.Len(t, succeeded, 1)
		assert.Equal(t, []byte(succeeded[0]), readAll(t, b, "race12.bin"))
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, newBackend(t).Ping(ctx))
	})
}

func readAll(t *testing.T, b storage.Backend, key string) []byte {
	t.Helper()
	obj, err := b.Open(context.Background(), key)
	require.NoError(t, err)
	defer obj.Close()

	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	return data
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }
