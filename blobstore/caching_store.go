package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/binstore/internal/clock"
	"github.com/hupe1980/binstore/internal/fs"
	"github.com/hupe1980/binstore/resource"
)

// CachingConfig configures a CachingStore.
type CachingConfig struct {
	// Name identifies the store. Defaults to "cache(<target name>)".
	Name string
	// Dir is the cache directory.
	Dir string
	// MaxSizeBytes bounds the total size of cached blobs. Zero is unbounded.
	MaxSizeBytes int64
	// MaxCount bounds the number of cached blobs. Zero is unbounded.
	MaxCount int
	// MinAge protects recently used entries from eviction.
	MinAge time.Duration
	// EvictionInterval runs eviction periodically instead of after every
	// write when positive.
	EvictionInterval time.Duration
	// Invalidation is shared by caches over the same target. Defaults to
	// DefaultInvalidationRegistry().
	Invalidation InvalidationRegistry
	// FileSystem defaults to the local file system.
	FileSystem fs.FileSystem
	// Clock defaults to the real clock.
	Clock clock.Clock
	// Logger defaults to a discard logger.
	Logger *slog.Logger
	// Metrics defaults to NoopMetricsObserver.
	Metrics MetricsObserver
	// Resource throttles fills from the target. Optional.
	Resource *resource.Controller
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Hits          int64
	Misses        int64
	Evictions     int64
	Invalidations int64
	Entries       int
	SizeBytes     int64
}

type cacheEntry struct {
	key        string
	path       string
	size       int64
	lastAccess time.Time
	gen        uint64
	// verified is false for entries found on disk at startup; their
	// generation is unknown until the target confirms the key.
	verified bool

	next, prev *cacheEntry
}

// CachingStore wraps a target BlobStore with a bounded local disk cache.
//
// Writes go through to the target before they are cached. Reads are served
// from the cache when a valid entry exists, otherwise fetched from the
// target and cached. An Unknown answer of the target is passed on.
type CachingStore struct {
	target BlobStore
	cfg    CachingConfig
	scope  string
	paths  PathStrategy
	tmpDir string
	fsys   fs.FileSystem
	logger *slog.Logger

	fills singleflight.Group

	// mu guards the index and serializes eviction.
	mu      sync.Mutex
	items   map[string]*cacheEntry
	head    *cacheEntry // most recently used
	tail    *cacheEntry // least recently used
	size    int64
	closed  bool
	stopped chan struct{}
	wg      sync.WaitGroup

	hits          atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	invalidations atomic.Int64
}

// NewCachingStore creates a cache over target and indexes the blobs already
// present in cfg.Dir.
func NewCachingStore(target BlobStore, cfg CachingConfig) (*CachingStore, error) {
	if target == nil {
		return nil, fmt.Errorf("%w: caching store needs a target", ErrInvalidConfig)
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: caching store needs a directory", ErrInvalidConfig)
	}
	if cfg.MaxSizeBytes < 0 || cfg.MaxCount < 0 || cfg.MinAge < 0 {
		return nil, fmt.Errorf("%w: negative cache limit", ErrInvalidConfig)
	}
	if cfg.Name == "" {
		cfg.Name = "cache(" + target.Name() + ")"
	}
	if cfg.Invalidation == nil {
		cfg.Invalidation = DefaultInvalidationRegistry()
	}
	if cfg.FileSystem == nil {
		cfg.FileSystem = fs.Default
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoopMetricsObserver{}
	}

	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.Dir = dir

	paths, err := NewSubDirsPathStrategy(filepath.Join(dir, localDataDir), DefaultSubDirsDepth)
	if err != nil {
		return nil, err
	}

	s := &CachingStore{
		target:  target,
		cfg:     cfg,
		scope:   IdentityOf(target),
		paths:   paths,
		tmpDir:  filepath.Join(dir, localTmpDir),
		fsys:    cfg.FileSystem,
		logger:  cfg.Logger.With("store", cfg.Name),
		items:   make(map[string]*cacheEntry),
		stopped: make(chan struct{}),
	}

	for _, d := range []string{paths.Root(), s.tmpDir} {
		if err := s.fsys.MkdirAll(d, 0o755); err != nil {
			return nil, storageErr("init cache", "", err)
		}
	}
	if err := s.scanExistingFiles(); err != nil {
		return nil, storageErr("init cache", "", err)
	}

	if cfg.EvictionInterval > 0 {
		ticker := cfg.Clock.NewTicker(cfg.EvictionInterval)
		s.wg.Add(1)
		go s.evictLoop(ticker)
	}
	return s, nil
}

// scanExistingFiles rebuilds the index from the cache directory, oldest
// modification time at the LRU tail. Spool leftovers are removed.
func (s *CachingStore) scanExistingFiles() error {
	if entries, err := s.fsys.ReadDir(s.tmpDir); err == nil {
		for _, e := range entries {
			_ = s.fsys.Remove(filepath.Join(s.tmpDir, e.Name()))
		}
	}

	var found []*cacheEntry
	err := s.fsys.WalkDir(s.paths.Root(), func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return nil //nolint:nilerr // unreadable entries are not cached
		}
		if d.IsDir() {
			return nil
		}
		key, ok := s.paths.KeyForPath(path)
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr
		}
		found = append(found, &cacheEntry{key: key, path: path, size: info.Size(), lastAccess: info.ModTime()})
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(found, func(i, j int) bool { return found[i].lastAccess.Before(found[j].lastAccess) })
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range found {
		s.pushFront(e)
	}
	if len(found) > 0 {
		s.logger.Debug("cache index rebuilt", "entries", len(found), "bytes", s.size)
	}
	return nil
}

func (s *CachingStore) Name() string             { return s.cfg.Name }
func (s *CachingStore) KeyStrategy() KeyStrategy { return s.target.KeyStrategy() }
func (s *CachingStore) HasVersioning() bool      { return s.target.HasVersioning() }

// Unwrap returns the target store.
func (s *CachingStore) Unwrap() BlobStore { return s.target }

// Dir returns the cache directory.
func (s *CachingStore) Dir() string { return s.cfg.Dir }

func (s *CachingStore) WriteBlob(ctx context.Context, bc BlobContext) (string, error) {
	if err := s.checkOpen(); err != nil {
		return "", err
	}

	ks := s.target.KeyStrategy()
	alg := DigestAlgorithmOf(ks)
	sp, err := spoolFS(ctx, s.fsys, s.tmpDir, bc.Reader, alg)
	if err != nil {
		return "", storageErr("cache write", bc.ID, err)
	}
	defer func() { _ = sp.Remove() }()

	// The target may trust a supplied digest without reading; the cache
	// has read the content and must not install it under a foreign key.
	if alg != nil {
		if _, err := ResolveKey(ks, bc, sp.Digest); err != nil {
			return "", err
		}
	}

	f, err := sp.Open()
	if err != nil {
		return "", storageErr("cache write", bc.ID, err)
	}
	wbc := bc
	wbc.Reader = f
	key, err := s.target.WriteBlob(ctx, wbc)
	_ = f.Close()
	if err != nil {
		return "", err
	}
	if alg != nil && key != sp.Digest {
		s.logger.Warn("target key differs from content digest", "key", key, "digest", sp.Digest)
		s.drop(key)
		return key, nil
	}

	// Rewrites of non-digest keys replace content, so other caches must
	// drop what they hold.
	var gen uint64
	if ks.UseDeDuplication() {
		gen, err = s.cfg.Invalidation.Generation(ctx, s.scope, key)
	} else {
		gen, err = s.cfg.Invalidation.Invalidate(ctx, s.scope, key)
	}
	if err != nil {
		s.drop(key)
		return key, nil
	}

	if err := s.install(key, sp.Path, sp.Size, gen); err != nil {
		// The blob is persisted in the target; failing to cache it only
		// costs a later fill.
		s.logger.Warn("cache populate failed", "key", key, "error", err)
		return key, nil
	}

	if s.cfg.EvictionInterval <= 0 {
		s.Evict()
	}
	return key, nil
}

// install renames a spooled file into the cache under key.
func (s *CachingStore) install(key, spoolPath string, size int64, gen uint64) error {
	path, err := s.paths.PathForKey(key)
	if err != nil {
		return err
	}
	if err := s.fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fsys.Rename(spoolPath, path); err != nil {
		return err
	}
	if old, ok := s.items[key]; ok {
		s.unlink(old)
	}
	now := s.cfg.Clock.Now()
	_ = s.fsys.Chtimes(path, now, now)
	s.pushFront(&cacheEntry{key: key, path: path, size: size, lastAccess: now, gen: gen, verified: true})
	return nil
}

// cached returns the path of a valid cache entry for key.
func (s *CachingStore) cached(ctx context.Context, key string) (string, bool) {
	s.mu.Lock()
	e, ok := s.items[key]
	var verified bool
	var entryGen uint64
	if ok {
		verified, entryGen = e.verified, e.gen
	}
	s.mu.Unlock()
	if !ok {
		return "", false
	}

	gen, err := s.cfg.Invalidation.Generation(ctx, s.scope, key)
	if err != nil {
		return "", false
	}
	if !verified {
		exists, err := s.target.Exists(ctx, key)
		if err != nil {
			return "", false
		}
		if !exists {
			s.invalidations.Add(1)
			s.cfg.Metrics.OnCacheInvalidation(s.cfg.Name)
			s.drop(key)
			return "", false
		}
	} else if gen != entryGen {
		s.invalidations.Add(1)
		s.cfg.Metrics.OnCacheInvalidation(s.cfg.Name)
		s.drop(key)
		return "", false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.items[key]; !ok || cur != e {
		return "", false
	}
	if _, err := s.fsys.Stat(e.path); err != nil {
		s.unlink(e)
		return "", false
	}
	if !e.verified {
		e.gen, e.verified = gen, true
	}
	now := s.cfg.Clock.Now()
	e.lastAccess = now
	_ = s.fsys.Chtimes(e.path, now, now)
	s.moveToFront(e)
	return e.path, true
}

func (s *CachingStore) hit(ctx context.Context, key string) (string, bool) {
	path, ok := s.cached(ctx, key)
	if ok {
		s.hits.Add(1)
		s.cfg.Metrics.OnCacheHit(s.cfg.Name)
		return path, true
	}
	s.misses.Add(1)
	s.cfg.Metrics.OnCacheMiss(s.cfg.Name)
	return "", false
}

// fill fetches key from the target into the cache. Concurrent fills of the
// same key share one fetch. With definitive set the target is asked with
// ReadBlob when its lookups cannot answer.
func (s *CachingStore) fill(ctx context.Context, key string, definitive bool) (string, LookupState, error) {
	flight := "l:" + key
	if definitive {
		flight = "d:" + key
	}
	type result struct {
		path  string
		state LookupState
	}
	ch := s.fills.DoChan(flight, func() (any, error) {
		path, state, err := s.fetch(context.WithoutCancel(ctx), key, definitive)
		return result{path, state}, err
	})
	select {
	case <-ctx.Done():
		return "", Absent, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", Absent, res.Err
		}
		r := res.Val.(result)
		return r.path, r.state, nil
	}
}

func (s *CachingStore) fetch(ctx context.Context, key string, definitive bool) (string, LookupState, error) {
	// Taken before the fetch: an invalidation racing the fill leaves the
	// entry stale instead of resurrecting deleted content.
	gen, err := s.cfg.Invalidation.Generation(ctx, s.scope, key)
	if err != nil {
		return "", Absent, err
	}

	if err := s.cfg.Resource.AcquireTransfer(ctx); err != nil {
		return "", Absent, err
	}
	defer s.cfg.Resource.ReleaseTransfer()

	src, state, err := s.openTarget(ctx, key, definitive)
	if err != nil || state != Present {
		return "", state, err
	}
	sp, err := spoolFS(ctx, s.fsys, s.tmpDir, resource.NewRateLimitedReader(ctx, src, s.cfg.Resource), nil)
	_ = src.Close()
	if err != nil {
		return "", Absent, storageErr("cache fill", key, err)
	}
	defer func() { _ = sp.Remove() }()

	if err := s.install(key, sp.Path, sp.Size, gen); err != nil {
		return "", Absent, storageErr("cache fill", key, err)
	}
	if s.cfg.EvictionInterval <= 0 {
		s.Evict()
	}

	path, err := s.paths.PathForKey(key)
	if err != nil {
		return "", Absent, err
	}
	return path, Present, nil
}

func (s *CachingStore) openTarget(ctx context.Context, key string, definitive bool) (io.ReadCloser, LookupState, error) {
	stream, err := s.target.GetStream(ctx, key)
	if err != nil {
		return nil, Absent, err
	}
	switch stream.State() {
	case Present:
		rc, _ := stream.Value()
		return rc, Present, nil
	case Absent:
		return nil, Absent, nil
	}

	file, err := s.target.GetFile(ctx, key)
	if err != nil {
		return nil, Absent, err
	}
	switch file.State() {
	case Present:
		path, _ := file.Value()
		f, err := os.Open(path)
		if errors.Is(err, iofs.ErrNotExist) {
			return nil, Absent, nil
		}
		if err != nil {
			return nil, Absent, storageErr("cache fill", key, err)
		}
		return f, Present, nil
	case Absent:
		return nil, Absent, nil
	}

	if !definitive {
		return nil, Unknown, nil
	}
	rc, ok, err := OpenBlob(ctx, s.target, key)
	if err != nil || !ok {
		return nil, Absent, err
	}
	return rc, Present, nil
}

func (s *CachingStore) ReadBlob(ctx context.Context, key, dest string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	path, ok := s.hit(ctx, key)
	if !ok {
		var state LookupState
		var err error
		path, state, err = s.fill(ctx, key, true)
		if err != nil || state != Present {
			return false, err
		}
	}
	f, err := s.fsys.Open(path)
	if err != nil {
		// Evicted between lookup and open.
		return s.target.ReadBlob(ctx, key, dest)
	}
	defer f.Close()
	if err := copyToPath(ctx, fs.Default, f, dest); err != nil {
		return false, storageErr("read", key, err)
	}
	return true, nil
}

func (s *CachingStore) GetStream(ctx context.Context, key string) (Lookup[io.ReadCloser], error) {
	if err := s.checkOpen(); err != nil {
		return Lookup[io.ReadCloser]{}, err
	}
	path, ok := s.hit(ctx, key)
	if !ok {
		var state LookupState
		var err error
		path, state, err = s.fill(ctx, key, false)
		if err != nil {
			return Lookup[io.ReadCloser]{}, err
		}
		switch state {
		case Absent:
			return NotFound[io.ReadCloser](), nil
		case Unknown:
			return Unanswered[io.ReadCloser](), nil
		}
	}
	f, err := s.fsys.Open(path)
	if err != nil {
		return s.target.GetStream(ctx, key)
	}
	return Found[io.ReadCloser](f), nil
}

func (s *CachingStore) GetFile(ctx context.Context, key string) (Lookup[string], error) {
	if err := s.checkOpen(); err != nil {
		return Lookup[string]{}, err
	}
	if path, ok := s.hit(ctx, key); ok {
		return Found(path), nil
	}
	path, state, err := s.fill(ctx, key, false)
	if err != nil {
		return Lookup[string]{}, err
	}
	switch state {
	case Present:
		return Found(path), nil
	case Unknown:
		return Unanswered[string](), nil
	default:
		return NotFound[string](), nil
	}
}

func (s *CachingStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if _, ok := s.cached(ctx, key); ok {
		return true, nil
	}
	return s.target.Exists(ctx, key)
}

func (s *CachingStore) DeleteBlob(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if err := s.target.DeleteBlob(ctx, key); err != nil {
		return err
	}
	s.drop(key)
	if _, err := s.cfg.Invalidation.Invalidate(ctx, s.scope, key); err != nil {
		return storageErr("invalidate", key, err)
	}
	return nil
}

func (s *CachingStore) CopyBlob(ctx context.Context, key string, source BlobStore, sourceKey string, atomicMove bool) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	src := source
	if source == BlobStore(s) {
		src = s.target
	}
	ok, err := s.target.CopyBlob(ctx, key, src, sourceKey, atomicMove)
	if err != nil || !ok {
		return ok, err
	}

	s.drop(key)
	if _, err := s.cfg.Invalidation.Invalidate(ctx, s.scope, key); err != nil {
		return true, storageErr("invalidate", key, err)
	}
	if atomicMove && src == s.target {
		s.drop(sourceKey)
		if _, err := s.cfg.Invalidation.Invalidate(ctx, s.scope, sourceKey); err != nil {
			return true, storageErr("invalidate", sourceKey, err)
		}
	}
	return true, nil
}

// Evict removes least recently used entries until both limits hold or
// only entries younger than MinAge remain. The most recently used entry is
// kept even when it alone exceeds MaxSizeBytes.
func (s *CachingStore) Evict() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.cfg.Clock.Now()
	for s.overBudget() && s.tail != nil && s.tail != s.head {
		e := s.tail
		if now.Sub(e.lastAccess) < s.cfg.MinAge {
			break
		}
		if err := s.fsys.Remove(e.path); err != nil && !errors.Is(err, iofs.ErrNotExist) {
			s.logger.Warn("cache evict failed", "key", e.key, "error", err)
			break
		}
		s.unlink(e)
		s.evictions.Add(1)
		s.cfg.Metrics.OnCacheEviction(s.cfg.Name, e.size)
	}
}

func (s *CachingStore) overBudget() bool {
	return (s.cfg.MaxSizeBytes > 0 && s.size > s.cfg.MaxSizeBytes) ||
		(s.cfg.MaxCount > 0 && len(s.items) > s.cfg.MaxCount)
}

func (s *CachingStore) evictLoop(t *clock.Ticker) {
	defer s.wg.Done()
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Evict()
		case <-s.stopped:
			return
		}
	}
}

// Clear empties the cache directory.
func (s *CachingStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.items {
		if err := s.fsys.Remove(e.path); err != nil && !errors.Is(err, iofs.ErrNotExist) {
			return storageErr("cache clear", e.key, err)
		}
	}
	s.items = make(map[string]*cacheEntry)
	s.head, s.tail, s.size = nil, nil, 0

	root := s.paths.Root()
	if err := s.fsys.RemoveAll(root); err != nil {
		return storageErr("cache clear", "", err)
	}
	if err := s.fsys.MkdirAll(root, 0o755); err != nil {
		return storageErr("cache clear", "", err)
	}
	return nil
}

// Stats returns the cache counters.
func (s *CachingStore) Stats() CacheStats {
	s.mu.Lock()
	entries, size := len(s.items), s.size
	s.mu.Unlock()
	return CacheStats{
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		Evictions:     s.evictions.Load(),
		Invalidations: s.invalidations.Load(),
		Entries:       entries,
		SizeBytes:     size,
	}
}

// Close stops periodic eviction. Cached files stay on disk for the next
// instance.
func (s *CachingStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopped)
	s.mu.Unlock()

	s.wg.Wait()
	return nil
}

func (s *CachingStore) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// drop removes the local entry of key.
func (s *CachingStore) drop(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[key]; ok {
		_ = s.fsys.Remove(e.path)
		s.unlink(e)
	}
}

func (s *CachingStore) GarbageCollector() BinaryGarbageCollector {
	return &cachingGC{BinaryGarbageCollector: s.target.GarbageCollector(), s: s}
}

// cachingGC runs the target collector and afterwards drops cached copies of
// blobs the sweep removed.
type cachingGC struct {
	BinaryGarbageCollector
	s *CachingStore
}

func (g *cachingGC) Stop(ctx context.Context, delete bool) (BinaryManagerStatus, error) {
	status, err := g.BinaryGarbageCollector.Stop(ctx, delete)
	if !delete || status.NumBinariesGC == 0 {
		return status, err
	}

	g.s.mu.Lock()
	keys := make([]string, 0, len(g.s.items))
	for k := range g.s.items {
		keys = append(keys, k)
	}
	g.s.mu.Unlock()

	for _, k := range keys {
		exists, xerr := g.s.target.Exists(ctx, k)
		if xerr != nil || exists {
			continue
		}
		g.s.drop(k)
		_, _ = g.s.cfg.Invalidation.Invalidate(ctx, g.s.scope, k)
	}
	return status, err
}

// LRU list helpers. Must hold mu.

func (s *CachingStore) pushFront(e *cacheEntry) {
	s.items[e.key] = e
	s.size += e.size
	e.prev = nil
	e.next = s.head
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
	if s.tail == nil {
		s.tail = e
	}
}

func (s *CachingStore) moveToFront(e *cacheEntry) {
	if s.head == e {
		return
	}
	if e.prev != nil {
		e.prev.next = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	if s.tail == e {
		s.tail = e.prev
	}
	e.prev = nil
	e.next = s.head
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
}

func (s *CachingStore) unlink(e *cacheEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}
	e.prev, e.next = nil, nil
	delete(s.items, e.key)
	s.size -= e.size
}
