package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/binstore/blobstore"
)

// StoreFactory returns a fresh, empty store. Stores handed to the GC tests
// must not apply a GC grace period.
type StoreFactory func(t *testing.T) blobstore.BlobStore

// WriteBytes writes data to s under id and returns the key.
func WriteBytes(t testing.TB, s blobstore.BlobStore, id string, data []byte) string {
	t.Helper()
	key, err := s.WriteBlob(context.Background(), blobstore.BlobContext{
		Reader: bytes.NewReader(data),
		ID:     id,
		XPath:  "file:content",
	})
	require.NoError(t, err)
	require.NotEmpty(t, key)
	return key
}

// ReadBytes reads key from s via ReadBlob. It fails the test if key is
// absent.
func ReadBytes(t testing.TB, s blobstore.BlobStore, key string) []byte {
	t.Helper()
	data, ok := TryReadBytes(t, s, key)
	require.True(t, ok, "blob %q not found", key)
	return data
}

// TryReadBytes reads key from s via ReadBlob and reports whether it exists.
func TryReadBytes(t testing.TB, s blobstore.BlobStore, key string) ([]byte, bool) {
	t.Helper()
	dest := filepath.Join(t.TempDir(), "blob")
	ok, err := s.ReadBlob(context.Background(), key, dest)
	require.NoError(t, err)
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	return data, true
}

// AbsentKey returns a key valid for the strategy of s that no test writes.
func AbsentKey(s blobstore.BlobStore) string {
	if d, ok := s.KeyStrategy().(blobstore.DigestKeyStrategy); ok {
		return d.Algorithm.SumBytes([]byte("no blob was ever written with this content"))
	}
	return "absent-doc"
}

// RunBlobStoreSuite runs the BlobStore conformance tests against stores
// built by newStore.
func RunBlobStoreSuite(t *testing.T, newStore StoreFactory) {
	t.Helper()
	rng := NewRNG(4711)
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		s := newStore(t)
		for i, data := range rng.Blobs(5, 1, 64<<10) {
			key := WriteBytes(t, s, fmt.Sprintf("doc-%d", i), data)
			assert.Equal(t, data, ReadBytes(t, s, key))

			ok, err := s.Exists(ctx, key)
			require.NoError(t, err)
			assert.True(t, ok)

			stream, err := s.GetStream(ctx, key)
			require.NoError(t, err)
			assert.False(t, stream.IsAbsent())
			if rc, ok := stream.Value(); ok {
				got, err := io.ReadAll(rc)
				require.NoError(t, err)
				require.NoError(t, rc.Close())
				assert.Equal(t, data, got)
			}

			file, err := s.GetFile(ctx, key)
			require.NoError(t, err)
			assert.False(t, file.IsAbsent())
			if path, ok := file.Value(); ok {
				got, err := os.ReadFile(path)
				require.NoError(t, err)
				assert.Equal(t, data, got)
			}
		}
	})

	t.Run("EmptyBlob", func(t *testing.T) {
		s := newStore(t)
		key := WriteBytes(t, s, "empty", nil)
		assert.Empty(t, ReadBytes(t, s, key))
	})

	t.Run("Absent", func(t *testing.T) {
		s := newStore(t)
		key := AbsentKey(s)

		_, ok := TryReadBytes(t, s, key)
		assert.False(t, ok)

		exists, err := s.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, exists)

		stream, err := s.GetStream(ctx, key)
		require.NoError(t, err)
		assert.False(t, stream.IsPresent())

		file, err := s.GetFile(ctx, key)
		require.NoError(t, err)
		assert.False(t, file.IsPresent())
	})

	t.Run("Delete", func(t *testing.T) {
		s := newStore(t)
		key := WriteBytes(t, s, "doc-del", []byte("delete me"))

		require.NoError(t, s.DeleteBlob(ctx, key))
		exists, err := s.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, exists)
		_, ok := TryReadBytes(t, s, key)
		assert.False(t, ok)

		require.NoError(t, s.DeleteBlob(ctx, key))
	})

	t.Run("DeDuplication", func(t *testing.T) {
		s := newStore(t)
		if !s.KeyStrategy().UseDeDuplication() {
			t.Skip("store does not deduplicate")
		}
		data := rng.Bytes(4096)
		k1 := WriteBytes(t, s, "doc-1", data)
		k2 := WriteBytes(t, s, "doc-2", data)
		assert.Equal(t, k1, k2)
		assert.Equal(t, data, ReadBytes(t, s, k1))
	})

	t.Run("ConcurrentWrites", func(t *testing.T) {
		s := newStore(t)
		data := rng.Bytes(32 << 10)

		var wg sync.WaitGroup
		keys := make([]string, 8)
		errs := make([]error, 8)
		for i := range keys {
			wg.Add(1)
			go func() {
				defer wg.Done()
				keys[i], errs[i] = s.WriteBlob(ctx, blobstore.BlobContext{
					Reader: bytes.NewReader(data),
					ID:     fmt.Sprintf("doc-%d", i),
				})
			}()
		}
		wg.Wait()

		for i, key := range keys {
			require.NoError(t, errs[i])
			assert.Equal(t, data, ReadBytes(t, s, key))
		}
	})

	t.Run("Copy", func(t *testing.T) {
		s := newStore(t)
		src := blobstore.NewMemoryStore(blobstore.MemoryConfig{KeyStrategy: s.KeyStrategy()})
		data := rng.Bytes(1024)
		key := WriteBytes(t, src, "doc-copy", data)

		ok, err := s.CopyBlob(ctx, key, src, key, false)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, data, ReadBytes(t, s, key))

		exists, err := src.Exists(ctx, key)
		require.NoError(t, err)
		assert.True(t, exists)

		ok, err = s.CopyBlob(ctx, AbsentKey(s), src, AbsentKey(s), false)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("Move", func(t *testing.T) {
		s := newStore(t)
		src := blobstore.NewMemoryStore(blobstore.MemoryConfig{KeyStrategy: s.KeyStrategy()})
		data := rng.Bytes(1024)
		key := WriteBytes(t, src, "doc-move", data)

		ok, err := s.CopyBlob(ctx, key, src, key, true)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, data, ReadBytes(t, s, key))

		exists, err := src.Exists(ctx, key)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("GarbageCollect", func(t *testing.T) {
		s := newStore(t)
		a := WriteBytes(t, s, "doc-a", []byte("live blob"))
		b := WriteBytes(t, s, "doc-b", []byte("garbage blob!"))

		gc := s.GarbageCollector()
		require.NoError(t, gc.Start(ctx))
		assert.True(t, gc.IsInProgress())
		require.NoError(t, gc.Mark(a))

		status, err := gc.Stop(ctx, true)
		require.NoError(t, err)
		assert.False(t, gc.IsInProgress())
		assert.Equal(t, int64(2), status.NumBinaries)
		assert.Equal(t, int64(1), status.NumBinariesGC)
		assert.Equal(t, int64(len("garbage blob!")), status.SizeBinariesGC)
		assert.Equal(t, status, gc.Status())

		assert.Equal(t, []byte("live blob"), ReadBytes(t, s, a))
		_, ok := TryReadBytes(t, s, b)
		assert.False(t, ok)
	})

	t.Run("GarbageCollectDryRun", func(t *testing.T) {
		s := newStore(t)
		a := WriteBytes(t, s, "doc-a", []byte("one"))
		b := WriteBytes(t, s, "doc-b", []byte("two!"))

		gc := s.GarbageCollector()
		require.NoError(t, gc.Start(ctx))
		status, err := gc.Stop(ctx, false)
		require.NoError(t, err)
		assert.Equal(t, int64(2), status.NumBinariesGC)
		assert.Equal(t, int64(7), status.SizeBinariesGC)

		for _, key := range []string{a, b} {
			exists, err := s.Exists(ctx, key)
			require.NoError(t, err)
			assert.True(t, exists)
		}
	})

	t.Run("GarbageCollectState", func(t *testing.T) {
		s := newStore(t)
		gc := s.GarbageCollector()

		require.ErrorIs(t, gc.Mark("x"), blobstore.ErrGCState)
		_, err := gc.Stop(ctx, true)
		require.ErrorIs(t, err, blobstore.ErrGCState)

		require.NoError(t, gc.Start(ctx))
		require.ErrorIs(t, gc.Start(ctx), blobstore.ErrGCState)
		_, err = gc.Stop(ctx, false)
		require.NoError(t, err)
	})
}
