package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/binstore/internal/clock"
	"github.com/hupe1980/binstore/internal/compress"
	"github.com/hupe1980/binstore/internal/fs"
	"github.com/hupe1980/binstore/resource"
)

// LookupMode forces the answer of a MemoryStore lookup tier.
type LookupMode uint8

const (
	// LookupModeNormal answers lookups from the stored data.
	LookupModeNormal LookupMode = iota
	// LookupModeUnknown reports every lookup as Unknown.
	LookupModeUnknown
	// LookupModeAbsent reports every lookup as Absent.
	LookupModeAbsent
)

// NoGracePeriod disables the GC grace period of a store.
const NoGracePeriod time.Duration = -1

// MemoryConfig configures a MemoryStore.
type MemoryConfig struct {
	// Name identifies the store. Defaults to "memory".
	Name string
	// KeyStrategy defaults to digest keys with DefaultDigest.
	KeyStrategy KeyStrategy
	// StreamMode overrides GetStream answers.
	StreamMode LookupMode
	// FileMode overrides GetFile answers.
	FileMode LookupMode
	// FileDir enables GetFile: blobs are materialized as files in FileDir.
	// When empty, GetFile reports Unknown.
	FileDir string
	// Compression compresses stored bytes.
	Compression compress.Type
	// Resource bounds the bytes held by the store.
	Resource *resource.Controller
	// GCGracePeriod defaults to none. See WithGracePeriod.
	GCGracePeriod time.Duration
	// Clock defaults to the real clock.
	Clock clock.Clock
}

type memoryEntry struct {
	data       []byte
	size       int
	compressed bool
	modTime    time.Time
}

// MemoryStore is a BlobStore over an in-memory map. It serves as the
// transient store of transactions and as a terminal store in tests.
// Thread-safe for concurrent reads and writes.
type MemoryStore struct {
	cfg      MemoryConfig
	identity string
	gc       *SnapshotCollector

	mu       sync.RWMutex
	blobs    map[string]*memoryEntry
	versions map[string]int
}

// NewMemoryStore creates a new in-memory blob store.
func NewMemoryStore(cfg MemoryConfig) *MemoryStore {
	if cfg.Name == "" {
		cfg.Name = "memory"
	}
	if cfg.KeyStrategy == nil {
		cfg.KeyStrategy = NewDigestKeyStrategy(nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.GCGracePeriod == 0 {
		cfg.GCGracePeriod = NoGracePeriod
	}

	m := &MemoryStore{
		cfg:      cfg,
		identity: "memory:" + uuid.NewString(),
		blobs:    make(map[string]*memoryEntry),
		versions: make(map[string]int),
	}
	m.gc = NewSnapshotCollector(memoryGC{m}, WithGCClock(cfg.Clock), WithGracePeriod(max(cfg.GCGracePeriod, 0)))
	return m
}

func (m *MemoryStore) Name() string                             { return m.cfg.Name }
func (m *MemoryStore) Identity() string                         { return m.identity }
func (m *MemoryStore) KeyStrategy() KeyStrategy                 { return m.cfg.KeyStrategy }
func (m *MemoryStore) HasVersioning() bool                      { return m.cfg.KeyStrategy.HasVersioning() }
func (m *MemoryStore) GarbageCollector() BinaryGarbageCollector { return m.gc }

// Keys returns the stored keys in sorted order.
func (m *MemoryStore) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.blobs))
	for k := range m.blobs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SizeBytes returns the total uncompressed size of the stored blobs.
func (m *MemoryStore) SizeBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, e := range m.blobs {
		n += int64(e.size)
	}
	return n
}

func (m *MemoryStore) WriteBlob(ctx context.Context, bc BlobContext) (string, error) {
	ks := m.cfg.KeyStrategy
	if key, ok := KnownDigest(ks, bc); ok {
		if ok, _ := m.Exists(ctx, key); ok {
			m.gc.Touch(key)
			return key, nil
		}
	}
	if bc.Reader == nil {
		return "", errors.New("blobstore: nil blob reader")
	}

	data, err := io.ReadAll(WithContext(ctx, bc.Reader))
	if err != nil {
		return "", storageErr("write", bc.ID, err)
	}

	var digest string
	if alg := DigestAlgorithmOf(ks); alg != nil {
		digest = alg.SumBytes(data)
	}
	key, err := ResolveKey(ks, bc, digest)
	if err != nil {
		return "", err
	}
	if err := ValidateKey(key); err != nil {
		return "", err
	}

	entry, err := m.newEntry(data)
	if err != nil {
		return "", storageErr("write", key, err)
	}

	m.mu.Lock()
	if ks.HasVersioning() {
		n := m.versions[key] + 1
		for {
			if _, exists := m.blobs[VersionKey(key, n)]; !exists {
				break
			}
			n++
		}
		m.versions[key] = n
		key = VersionKey(key, n)
	} else if ks.UseDeDuplication() {
		if _, exists := m.blobs[key]; exists {
			m.release(entry)
			m.mu.Unlock()
			m.gc.Touch(key)
			return key, nil
		}
	}
	m.put(key, entry)
	m.mu.Unlock()
	return key, nil
}

func (m *MemoryStore) newEntry(data []byte) (*memoryEntry, error) {
	stored, compressed, err := compress.Block(m.cfg.Compression, data)
	if err != nil {
		return nil, err
	}
	if !compressed {
		stored = bytes.Clone(data)
	}
	if err := m.cfg.Resource.AcquireMemory(int64(len(stored))); err != nil {
		return nil, err
	}
	return &memoryEntry{
		data:       stored,
		size:       len(data),
		compressed: compressed,
		modTime:    m.cfg.Clock.Now(),
	}, nil
}

func (m *MemoryStore) release(e *memoryEntry) {
	m.cfg.Resource.ReleaseMemory(int64(len(e.data)))
}

// put stores entry under key. Called with mu held.
func (m *MemoryStore) put(key string, e *memoryEntry) {
	if old, ok := m.blobs[key]; ok {
		m.release(old)
	}
	m.blobs[key] = e
}

func (m *MemoryStore) content(key string) ([]byte, bool, error) {
	m.mu.RLock()
	e, ok := m.blobs[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.compressed {
		return e.data, true, nil
	}
	data, err := compress.Unblock(m.cfg.Compression, e.data, e.size)
	if err != nil {
		return nil, false, storageErr("read", key, err)
	}
	return data, true, nil
}

func (m *MemoryStore) ReadBlob(ctx context.Context, key, dest string) (bool, error) {
	data, ok, err := m.content(key)
	if err != nil || !ok {
		return false, err
	}
	if err := copyToPath(ctx, fs.Default, bytes.NewReader(data), dest); err != nil {
		return false, storageErr("read", key, err)
	}
	return true, nil
}

func (m *MemoryStore) GetStream(_ context.Context, key string) (Lookup[io.ReadCloser], error) {
	switch m.cfg.StreamMode {
	case LookupModeUnknown:
		return Unanswered[io.ReadCloser](), nil
	case LookupModeAbsent:
		return NotFound[io.ReadCloser](), nil
	}
	data, ok, err := m.content(key)
	if err != nil {
		return Lookup[io.ReadCloser]{}, err
	}
	if !ok {
		return NotFound[io.ReadCloser](), nil
	}
	return Found[io.ReadCloser](io.NopCloser(bytes.NewReader(data))), nil
}

func (m *MemoryStore) GetFile(ctx context.Context, key string) (Lookup[string], error) {
	switch {
	case m.cfg.FileMode == LookupModeUnknown:
		return Unanswered[string](), nil
	case m.cfg.FileMode == LookupModeAbsent:
		return NotFound[string](), nil
	case m.cfg.FileDir == "":
		return Unanswered[string](), nil
	}
	if err := ValidateKey(key); err != nil {
		return Lookup[string]{}, err
	}
	data, ok, err := m.content(key)
	if err != nil {
		return Lookup[string]{}, err
	}
	if !ok {
		return NotFound[string](), nil
	}
	path := filepath.Join(m.cfg.FileDir, EscapeKey(key))
	if err := copyToPath(ctx, fs.Default, bytes.NewReader(data), path); err != nil {
		return Lookup[string]{}, storageErr("get file", key, err)
	}
	return Found(path), nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[key]
	return ok, nil
}

func (m *MemoryStore) DeleteBlob(_ context.Context, key string) error {
	m.mu.Lock()
	e, ok := m.blobs[key]
	if ok {
		delete(m.blobs, key)
		m.release(e)
	}
	m.mu.Unlock()

	if ok && m.cfg.FileDir != "" {
		path := filepath.Join(m.cfg.FileDir, EscapeKey(key))
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return storageErr("delete", key, err)
		}
	}
	return nil
}

func (m *MemoryStore) CopyBlob(ctx context.Context, key string, source BlobStore, sourceKey string, atomicMove bool) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}

	if src, ok := source.(*MemoryStore); ok && src == m {
		return m.moveWithin(key, sourceKey, atomicMove)
	}

	rc, ok, err := OpenBlob(ctx, source, sourceKey)
	if err != nil || !ok {
		return false, err
	}
	data, err := io.ReadAll(WithContext(ctx, rc))
	_ = rc.Close()
	if err != nil {
		return false, storageErr("copy", key, err)
	}

	if sourceDigest, ok := m.cfg.KeyStrategy.DigestFromKey(key); ok {
		if got := DigestAlgorithmOf(m.cfg.KeyStrategy).SumBytes(data); got != sourceDigest {
			return false, fmt.Errorf("%w: key %s, content %s", ErrDigestMismatch, key, got)
		}
	}

	entry, err := m.newEntry(data)
	if err != nil {
		return false, storageErr("copy", key, err)
	}
	m.mu.Lock()
	m.put(key, entry)
	m.mu.Unlock()

	if atomicMove {
		if err := source.DeleteBlob(ctx, sourceKey); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (m *MemoryStore) moveWithin(key, sourceKey string, atomicMove bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.blobs[sourceKey]
	if !ok {
		return false, nil
	}
	if key == sourceKey {
		return true, nil
	}
	if atomicMove {
		delete(m.blobs, sourceKey)
		m.put(key, e)
		return true, nil
	}
	if err := m.cfg.Resource.AcquireMemory(int64(len(e.data))); err != nil {
		return false, storageErr("copy", key, err)
	}
	dup := *e
	dup.data = bytes.Clone(e.data)
	m.put(key, &dup)
	return true, nil
}

type memoryGC struct{ m *MemoryStore }

func (g memoryGC) Snapshot(context.Context) ([]GCEntry, error) {
	g.m.mu.RLock()
	defer g.m.mu.RUnlock()

	entries := make([]GCEntry, 0, len(g.m.blobs))
	for k, e := range g.m.blobs {
		entries = append(entries, GCEntry{Key: k, Size: int64(e.size), ModTime: e.modTime})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (g memoryGC) Sweep(ctx context.Context, key string) error {
	return g.m.DeleteBlob(ctx, key)
}
