package blobstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/binstore/internal/clock"
)

func newTestCache(t *testing.T, target BlobStore, cfg CachingConfig) *CachingStore {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	if cfg.Invalidation == nil {
		cfg.Invalidation = NewMemoryInvalidationRegistry()
	}
	s, err := NewCachingStore(target, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func cachedFiles(t *testing.T, s *CachingStore) (count int, size int64) {
	t.Helper()
	require.NoError(t, filepath.WalkDir(filepath.Join(s.Dir(), "data"), func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		count++
		size += info.Size()
		return nil
	}))
	return count, size
}

func TestCachingStore_EvictionScenario(t *testing.T) {
	clk := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	target := NewMemoryStore(MemoryConfig{})
	s := newTestCache(t, target, CachingConfig{
		MaxSizeBytes: 100,
		MaxCount:     9999,
		MinAge:       time.Second,
		Clock:        clk,
	})

	blob := func(b byte, n int) string {
		return string(bytes.Repeat([]byte{b}, n))
	}

	first := writeString(t, s, "", blob('a', 30))
	clk.Advance(2 * time.Second)
	writeString(t, s, "", blob('b', 30))
	clk.Advance(2 * time.Second)
	writeString(t, s, "", blob('c', 30))

	n, size := cachedFiles(t, s)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(90), size)

	clk.Advance(2 * time.Second)
	writeString(t, s, "", blob('d', 30))
	n, size = cachedFiles(t, s)
	assert.Equal(t, 3, n)
	assert.Equal(t, int64(90), size)
	assert.Equal(t, int64(1), s.Stats().Evictions)

	s.mu.Lock()
	_, cached := s.items[first]
	s.mu.Unlock()
	assert.False(t, cached, "oldest entry is evicted first")

	clk.Advance(2 * time.Second)
	big := writeString(t, s, "", blob('e', 150))
	n, size = cachedFiles(t, s)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(150), size)

	stats := s.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(150), stats.SizeBytes)
	assert.Equal(t, int64(4), stats.Evictions)

	// Evicted blobs are still served by the target.
	got, ok := readString(t, s, first)
	require.True(t, ok)
	assert.Equal(t, blob('a', 30), got)
	got, ok = readString(t, s, big)
	require.True(t, ok)
	assert.Len(t, got, 150)
}

func TestCachingStore_MinAgeProtects(t *testing.T) {
	clk := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := newTestCache(t, NewMemoryStore(MemoryConfig{}), CachingConfig{
		MaxCount: 1,
		MinAge:   time.Minute,
		Clock:    clk,
	})

	for i := range 5 {
		writeString(t, s, "", string(rune('a'+i)))
		clk.Advance(time.Second)
	}
	assert.Equal(t, 5, s.Stats().Entries, "young entries are never evicted")

	clk.Advance(time.Hour)
	s.Evict()
	assert.Equal(t, 1, s.Stats().Entries)
}

func TestCachingStore_PeriodicEviction(t *testing.T) {
	clk := clock.Fake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s := newTestCache(t, NewMemoryStore(MemoryConfig{}), CachingConfig{
		MaxCount:         1,
		EvictionInterval: time.Minute,
		Clock:            clk,
	})

	writeString(t, s, "", "one")
	writeString(t, s, "", "two")
	writeString(t, s, "", "three")
	assert.Equal(t, 3, s.Stats().Entries, "writes do not evict")

	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return s.Stats().Entries == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestCachingStore_ReadPopulates(t *testing.T) {
	ctx := context.Background()
	target := NewMemoryStore(MemoryConfig{})
	key := writeString(t, target, "", "foo")
	s := newTestCache(t, target, CachingConfig{})

	stream, err := s.GetStream(ctx, key)
	require.NoError(t, err)
	rc, ok := stream.Value()
	require.True(t, ok)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "foo", string(data))

	stats := s.Stats()
	assert.Equal(t, int64(0), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)

	file, err := s.GetFile(ctx, key)
	require.NoError(t, err)
	path, ok := file.Value()
	require.True(t, ok)
	assert.Equal(t, s.Dir(), path[:len(s.Dir())])
	assert.Equal(t, int64(1), s.Stats().Hits)
}

func TestCachingStore_SuppliedDigestVerified(t *testing.T) {
	ctx := context.Background()
	target := NewMemoryStore(MemoryConfig{})
	key := writeString(t, target, "", "foo")
	s := newTestCache(t, target, CachingConfig{})

	_, err := s.WriteBlob(ctx, BlobContext{Reader: strings.NewReader("bar"), Digest: key})
	require.ErrorIs(t, err, ErrDigestMismatch)
	assert.Equal(t, 0, s.Stats().Entries)

	got, ok := readString(t, s, key)
	require.True(t, ok)
	assert.Equal(t, "foo", got)

	// A matching digest takes the dedup path and caches the content.
	again, err := s.WriteBlob(ctx, BlobContext{Reader: strings.NewReader("foo"), Digest: key})
	require.NoError(t, err)
	assert.Equal(t, key, again)
	got, ok = readString(t, s, key)
	require.True(t, ok)
	assert.Equal(t, "foo", got)
}

func TestCachingStore_UnknownPropagates(t *testing.T) {
	ctx := context.Background()
	target := NewMemoryStore(MemoryConfig{StreamMode: LookupModeUnknown, FileMode: LookupModeUnknown})
	key := writeString(t, target, "", "foo")
	s := newTestCache(t, target, CachingConfig{})

	stream, err := s.GetStream(ctx, key)
	require.NoError(t, err)
	assert.True(t, stream.IsUnknown())
	file, err := s.GetFile(ctx, key)
	require.NoError(t, err)
	assert.True(t, file.IsUnknown())

	// ReadBlob is definitive and fills the cache.
	got, ok := readString(t, s, key)
	require.True(t, ok)
	assert.Equal(t, "foo", got)

	stream, err = s.GetStream(ctx, key)
	require.NoError(t, err)
	require.True(t, stream.IsPresent())
	rc, _ := stream.Value()
	require.NoError(t, rc.Close())

	absentTarget := NewMemoryStore(MemoryConfig{StreamMode: LookupModeAbsent})
	s = newTestCache(t, absentTarget, CachingConfig{})
	stream, err = s.GetStream(ctx, key)
	require.NoError(t, err)
	assert.True(t, stream.IsAbsent())
}

func TestCachingStore_CrossCacheInvalidation(t *testing.T) {
	ctx := context.Background()
	target, err := NewLocalStore(LocalConfig{Dir: t.TempDir()})
	require.NoError(t, err)
	registry := NewMemoryInvalidationRegistry()

	a := newTestCache(t, target, CachingConfig{Invalidation: registry})
	b := newTestCache(t, target, CachingConfig{Invalidation: registry})

	key := writeString(t, a, "", "foo")
	got, ok := readString(t, b, key)
	require.True(t, ok)
	assert.Equal(t, "foo", got)

	require.NoError(t, a.DeleteBlob(ctx, key))

	n, _ := cachedFiles(t, b)
	assert.Equal(t, 1, n, "b still holds the file on disk")

	exists, err := b.Exists(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)
	_, ok = readString(t, b, key)
	assert.False(t, ok)
	assert.Equal(t, int64(1), b.Stats().Invalidations)
}

func TestCachingStore_RewriteInvalidatesOtherCaches(t *testing.T) {
	target := NewMemoryStore(MemoryConfig{KeyStrategy: DocIDKeyStrategy{}})
	registry := NewMemoryInvalidationRegistry()
	a := newTestCache(t, target, CachingConfig{Invalidation: registry})
	b := newTestCache(t, target, CachingConfig{Invalidation: registry})

	writeString(t, a, "doc", "v1")
	got, _ := readString(t, b, "doc")
	assert.Equal(t, "v1", got)

	writeString(t, a, "doc", "v2")
	got, _ = readString(t, b, "doc")
	assert.Equal(t, "v2", got)
}

func TestCachingStore_RebuildsIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	target := NewMemoryStore(MemoryConfig{})
	registry := NewMemoryInvalidationRegistry()

	s := newTestCache(t, target, CachingConfig{Dir: dir, Invalidation: registry})
	k1 := writeString(t, s, "", "foo")
	k2 := writeString(t, s, "", "bar")
	require.NoError(t, s.Close())

	// k2 disappears from the target while no cache is running.
	require.NoError(t, target.DeleteBlob(ctx, k2))

	s = newTestCache(t, target, CachingConfig{Dir: dir, Invalidation: registry})
	assert.Equal(t, 2, s.Stats().Entries)

	ok, err := s.Exists(ctx, k1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Exists(ctx, k2)
	require.NoError(t, err)
	assert.False(t, ok, "unverified entries are checked against the target")
	assert.Equal(t, 1, s.Stats().Entries)
}

func TestCachingStore_Clear(t *testing.T) {
	s := newTestCache(t, NewMemoryStore(MemoryConfig{}), CachingConfig{})
	key := writeString(t, s, "", "foo")

	require.NoError(t, s.Clear(context.Background()))
	n, _ := cachedFiles(t, s)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, s.Stats().Entries)

	got, ok := readString(t, s, key)
	require.True(t, ok)
	assert.Equal(t, "foo", got)
}

func TestCachingStore_Closed(t *testing.T) {
	s := newTestCache(t, NewMemoryStore(MemoryConfig{}), CachingConfig{})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.WriteBlob(context.Background(), BlobContext{Reader: bytes.NewReader(nil)})
	require.ErrorIs(t, err, ErrClosed)
}

type countingStore struct {
	BlobStore
	streams atomic.Int64
}

func (c *countingStore) GetStream(ctx context.Context, key string) (Lookup[io.ReadCloser], error) {
	c.streams.Add(1)
	return c.BlobStore.GetStream(ctx, key)
}

func TestCachingStore_ConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore(MemoryConfig{})
	key := writeString(t, mem, "", "shared content")
	target := &countingStore{BlobStore: mem}
	s := newTestCache(t, target, CachingConfig{})

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dest := filepath.Join(t.TempDir(), "out")
			ok, err := s.ReadBlob(ctx, key, dest)
			assert.NoError(t, err)
			assert.True(t, ok)
			data, err := os.ReadFile(dest)
			assert.NoError(t, err)
			assert.Equal(t, "shared content", string(data))
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, target.streams.Load(), int64(16))
	assert.Equal(t, 1, s.Stats().Entries)
}

func TestCachingStore_GarbageCollectorDropsSwept(t *testing.T) {
	ctx := context.Background()
	target := NewMemoryStore(MemoryConfig{})
	s := newTestCache(t, target, CachingConfig{})
	live := writeString(t, s, "", "live")
	dead := writeString(t, s, "", "dead")

	gc := s.GarbageCollector()
	require.NoError(t, gc.Start(ctx))
	require.NoError(t, gc.Mark(live))
	status, err := gc.Stop(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.NumBinariesGC)

	assert.Equal(t, 1, s.Stats().Entries)
	_, ok := readString(t, s, dead)
	assert.False(t, ok)
}

func TestNewCachingStore_InvalidConfig(t *testing.T) {
	target := NewMemoryStore(MemoryConfig{})
	_, err := NewCachingStore(target, CachingConfig{})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewCachingStore(nil, CachingConfig{Dir: t.TempDir()})
	require.ErrorIs(t, err, ErrInvalidConfig)
	_, err = NewCachingStore(target, CachingConfig{Dir: t.TempDir(), MaxSizeBytes: -1})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCachingStore_ConcurrentReadsOfRebuiltEntries(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	target := NewMemoryStore(MemoryConfig{})
	registry := NewMemoryInvalidationRegistry()

	s := newTestCache(t, target, CachingConfig{Dir: dir, Invalidation: registry})
	key := writeString(t, s, "", "foo")
	require.NoError(t, s.Close())

	s = newTestCache(t, target, CachingConfig{Dir: dir, Invalidation: registry})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Exists(ctx, key)
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	got, ok := readString(t, s, key)
	require.True(t, ok)
	assert.Equal(t, "foo", got)
}

// gatedStore blocks GetStream until gate is closed.
type gatedStore struct {
	BlobStore
	entered chan struct{}
	once    sync.Once
	gate    chan struct{}
}

func (g *gatedStore) GetStream(ctx context.Context, key string) (Lookup[io.ReadCloser], error) {
	g.once.Do(func() { close(g.entered) })
	<-g.gate
	return g.BlobStore.GetStream(ctx, key)
}

func TestCachingStore_CancelledFillerDoesNotFailWaiters(t *testing.T) {
	mem := NewMemoryStore(MemoryConfig{})
	key := writeString(t, mem, "", "foo")
	target := &gatedStore{BlobStore: mem, entered: make(chan struct{}), gate: make(chan struct{})}
	s := newTestCache(t, target, CachingConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := s.GetStream(ctx, key)
		first <- err
	}()
	<-target.entered

	type result struct {
		data string
		err  error
	}
	second := make(chan result, 1)
	go func() {
		stream, err := s.GetStream(context.Background(), key)
		if err != nil {
			second <- result{err: err}
			return
		}
		rc, ok := stream.Value()
		if !ok {
			second <- result{}
			return
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		second <- result{data: string(data), err: err}
	}()

	cancel()
	require.ErrorIs(t, <-first, context.Canceled)

	close(target.gate)
	res := <-second
	require.NoError(t, res.err)
	assert.Equal(t, "foo", res.data)
}
