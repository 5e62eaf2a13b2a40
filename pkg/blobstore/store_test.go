package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReader struct {
	data []byte
	err  error
}

func (f *failingReader) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T, chunkSize int) Store) {
	ctx := context.Background()

	t.Run("multi chunk round trip", func(t *testing.T) {
		store := newStore(t, 4)
		payload := []byte("0123456789abcdefghij-")

		info, err := store.Put(ctx, bytes.NewReader(payload), PutOptions{Filename: "notes.txt", ContentType: "text/plain"})
		require.NoError(t, err)
		assert.Equal(t, int64(len(payload)), info.Size)
		assert.Equal(t, 6, info.ChunkCount)
		assert.Equal(t, 4, info.ChunkSize)

		rc, err := store.Open(ctx, info.ID)
		require.NoError(t, err)
		defer rc.Close()
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, payload, got)

		stat, err := store.Stat(ctx, info.ID)
		require.NoError(t, err)
		assert.Equal(t, "notes.txt", stat.Filename)
		assert.Equal(t, "text/plain", stat.ContentType)
		assert.Equal(t, info.Size, stat.Size)
	})

	t.Run("empty content", func(t *testing.T) {
		store := newStore(t, 8)
		info, err := store.Put(ctx, bytes.NewReader(nil), PutOptions{Filename: "empty.bin"})
		require.NoError(t, err)
		assert.Zero(t, info.Size)
		assert.Zero(t, info.ChunkCount)

		rc, err := store.Open(ctx, info.ID)
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Empty(t, got)
		require.NoError(t, rc.Close())
	})

	t.Run("identical content gets distinct ids", func(t *testing.T) {
		store := newStore(t, 8)
		a, err := store.Put(ctx, bytes.NewReader([]byte("same")), PutOptions{})
		require.NoError(t, err)
		b, err := store.Put(ctx, bytes.NewReader([]byte("same")), PutOptions{})
		require.NoError(t, err)
		assert.NotEqual(t, a.ID, b.ID)

		require.NoError(t, store.Delete(ctx, a.ID))
		_, err = store.Stat(ctx, b.ID)
		assert.NoError(t, err)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		store := newStore(t, 8)
		info, err := store.Put(ctx, bytes.NewReader([]byte("bye")), PutOptions{})
		require.NoError(t, err)

		require.NoError(t, store.Delete(ctx, info.ID))
		require.NoError(t, store.Delete(ctx, info.ID))

		_, err = store.Open(ctx, info.ID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = store.Stat(ctx, info.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("unknown and invalid ids", func(t *testing.T) {
		store := newStore(t, 8)
		_, err := store.Stat(ctx, "00000000-0000-4000-8000-000000000000")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = store.Open(ctx, "../../etc/passwd")
		assert.ErrorIs(t, err, ErrInvalidID)
		assert.ErrorIs(t, store.Delete(ctx, "../x"), ErrInvalidID)
	})

	t.Run("failed put leaves nothing behind", func(t *testing.T) {
		store := newStore(t, 4)
		boom := errors.New("client went away")
		info, err := store.Put(ctx, &failingReader{data: []byte("partial-content"), err: boom}, PutOptions{})
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Empty(t, info.ID)
		assertEmpty(t, store)
	})

	t.Run("cancelled context aborts put", func(t *testing.T) {
		store := newStore(t, 4)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := store.Put(cctx, bytes.NewReader([]byte("never stored")), PutOptions{})
		assert.ErrorIs(t, err, context.Canceled)
		assertEmpty(t, store)
	})
}

func assertEmpty(t *testing.T, store Store) {
	t.Helper()
	switch s := store.(type) {
	case *FSStore:
		entries, err := filepath.Glob(filepath.Join(s.root, "*", "*"))
		require.NoError(t, err)
		for _, entry := range entries {
			assert.Equal(t, tmpDirName, filepath.Base(filepath.Dir(entry)), "unexpected blob %s", entry)
		}
		staged, err := filepath.Glob(filepath.Join(s.root, tmpDirName, "*"))
		require.NoError(t, err)
		assert.Empty(t, staged)
	case *SQLStore:
		var blobs, chunks int
		require.NoError(t, s.db.Get(&blobs, `SELECT COUNT(*) FROM blobs`))
		require.NoError(t, s.db.Get(&chunks, `SELECT COUNT(*) FROM blob_chunks`))
		assert.Zero(t, blobs)
		assert.Zero(t, chunks)
	}
}

func TestFSStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T, chunkSize int) Store {
		store, err := NewFSStore(t.TempDir(), chunkSize)
		require.NoError(t, err)
		return store
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T, chunkSize int) Store {
		store, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "blobs.db"), chunkSize)
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

func TestFSStoreDetectsMissingChunk(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), 2)
	require.NoError(t, err)
	info, err := store.Put(context.Background(), bytes.NewReader([]byte("abcdef")), PutOptions{})
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(store.blobDir(info.ID), chunkName(1))))

	rc, err := store.Open(context.Background(), info.ID)
	require.NoError(t, err)
	defer rc.Close()
	_, err = io.ReadAll(rc)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestNewFSStoreRequiresRoot(t *testing.T) {
	_, err := NewFSStore("  ", 0)
	assert.Error(t, err)
}

func TestNormalizeChunkSize(t *testing.T) {
	assert.Equal(t, DefaultChunkSize, normalizeChunkSize(0))
	assert.Equal(t, 10, normalizeChunkSize(10))
}

func TestPartCount(t *testing.T) {
	assert.Equal(t, 0, partCount(0, minPartSize))
	assert.Equal(t, 1, partCount(1, minPartSize))
	assert.Equal(t, 2, partCount(minPartSize+1, minPartSize))
}
