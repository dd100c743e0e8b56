package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/hupe1980/binstore/internal/clock"
	"github.com/hupe1980/binstore/internal/fs"
)

const (
	localDataDir  = "data"
	localTmpDir   = "tmp"
	localLockFile = "gc.lock"

	gcLockRetry = 50 * time.Millisecond
)

// LocalConfig configures a LocalStore.
type LocalConfig struct {
	// Name identifies the store. Defaults to "local".
	Name string
	// Dir is the storage directory. Keys live in Dir/data, spool files
	// in Dir/tmp.
	Dir string
	// KeyStrategy defaults to digest keys with DefaultDigest.
	KeyStrategy KeyStrategy
	// PathStrategy defaults to subdirs of depth DefaultSubDirsDepth.
	PathStrategy PathStrategyConfig
	// GCGracePeriod defaults to DefaultGCGracePeriod. NoGracePeriod
	// disables it.
	GCGracePeriod time.Duration
	// FileSystem defaults to the local file system.
	FileSystem fs.FileSystem
	// Clock defaults to the real clock.
	Clock clock.Clock
	// Logger defaults to a discard logger.
	Logger *slog.Logger
}

// LocalStore is a filesystem BlobStore.
//
// Writes stream into a spool file and are renamed into place, so a key
// never resolves to partial content. Versioned keys are claimed with a
// hard link, which fails instead of replacing an existing version.
type LocalStore struct {
	cfg     LocalConfig
	dataDir string
	tmpDir  string
	paths   PathStrategy
	fsys    fs.FileSystem
	logger  *slog.Logger
	gc      *SnapshotCollector

	idLocks  KeyLocks
	mu       sync.Mutex
	versions map[string]int
}

// NewLocalStore creates the storage directories under cfg.Dir and removes
// spool files left behind by interrupted writes.
func NewLocalStore(cfg LocalConfig) (*LocalStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("%w: local store needs a directory", ErrInvalidConfig)
	}
	if cfg.Name == "" {
		cfg.Name = "local"
	}
	if cfg.KeyStrategy == nil {
		cfg.KeyStrategy = NewDigestKeyStrategy(nil)
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
	switch {
	case cfg.GCGracePeriod == 0:
		cfg.GCGracePeriod = DefaultGCGracePeriod
	case cfg.GCGracePeriod < 0:
		cfg.GCGracePeriod = 0
	}

	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.Dir = dir

	s := &LocalStore{
		cfg:      cfg,
		dataDir:  filepath.Join(dir, localDataDir),
		tmpDir:   filepath.Join(dir, localTmpDir),
		fsys:     cfg.FileSystem,
		logger:   cfg.Logger.With("store", cfg.Name),
		versions: make(map[string]int),
	}

	s.paths, err = NewPathStrategy(s.dataDir, cfg.PathStrategy)
	if err != nil {
		return nil, err
	}

	for _, d := range []string{s.dataDir, s.tmpDir} {
		if err := s.fsys.MkdirAll(d, 0o755); err != nil {
			return nil, storageErr("init", "", err)
		}
	}

	s.sweepSpool()

	s.gc = NewSnapshotCollector(localGC{s}, WithGCClock(cfg.Clock), WithGracePeriod(cfg.GCGracePeriod))
	return s, nil
}

func (s *LocalStore) sweepSpool() {
	entries, err := s.fsys.ReadDir(s.tmpDir)
	if err != nil {
		s.logger.Warn("scan spool directory", "error", err)
		return
	}
	threshold := s.cfg.Clock.Now().Add(-s.cfg.GCGracePeriod)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || e.IsDir() || info.ModTime().After(threshold) {
			continue
		}
		path := filepath.Join(s.tmpDir, e.Name())
		if err := s.fsys.Remove(path); err == nil {
			s.logger.Debug("removed stale spool file", "path", path)
		}
	}
}

func (s *LocalStore) Name() string                             { return s.cfg.Name }
func (s *LocalStore) KeyStrategy() KeyStrategy                 { return s.cfg.KeyStrategy }
func (s *LocalStore) HasVersioning() bool                      { return s.cfg.KeyStrategy.HasVersioning() }
func (s *LocalStore) GarbageCollector() BinaryGarbageCollector { return s.gc }

// Identity is the absolute storage directory. Two LocalStores on the same
// directory share blobs.
func (s *LocalStore) Identity() string { return "file://" + filepath.ToSlash(s.cfg.Dir) }

// Dir returns the storage directory.
func (s *LocalStore) Dir() string { return s.cfg.Dir }

// PathStrategy returns the key layout under Dir/data.
func (s *LocalStore) PathStrategy() PathStrategy { return s.paths }

func (s *LocalStore) WriteBlob(ctx context.Context, bc BlobContext) (string, error) {
	ks := s.cfg.KeyStrategy

	if key, ok := KnownDigest(ks, bc); ok {
		if path, err := s.paths.PathForKey(key); err == nil && s.touch(key, path) {
			return key, nil
		}
	}

	sp, err := spoolFS(ctx, s.fsys, s.tmpDir, bc.Reader, DigestAlgorithmOf(ks))
	if err != nil {
		return "", storageErr("write", bc.ID, err)
	}
	defer func() { _ = sp.Remove() }()

	key, err := ResolveKey(ks, bc, sp.Digest)
	if err != nil {
		return "", err
	}

	if ks.HasVersioning() {
		return s.writeVersion(key, sp)
	}

	path, err := s.paths.PathForKey(key)
	if err != nil {
		return "", err
	}
	if ks.UseDeDuplication() && s.touch(key, path) {
		return key, nil
	}
	if err := s.fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", storageErr("write", key, err)
	}
	// Identical digest content may be renamed over a concurrent writer's
	// file; both callers observe valid content.
	if err := s.fsys.Rename(sp.Path, path); err != nil {
		return "", storageErr("write", key, err)
	}
	return key, nil
}

// touch reports whether path exists. An existing blob is marked in the
// running collection and its modification time refreshed, which keeps it
// from collections run by other processes.
func (s *LocalStore) touch(key, path string) bool {
	if _, err := s.fsys.Stat(path); err != nil {
		return false
	}
	s.gc.Touch(key)
	now := s.cfg.Clock.Now()
	_ = s.fsys.Chtimes(path, now, now)
	return true
}

func (s *LocalStore) writeVersion(id string, sp *SpoolFile) (string, error) {
	unlock := s.idLocks.Lock(id)
	defer unlock()

	s.mu.Lock()
	latest := s.versions[id]
	s.mu.Unlock()

	for n := latest + 1; ; n++ {
		key := VersionKey(id, n)
		path, err := s.paths.PathForKey(key)
		if err != nil {
			return "", err
		}
		if err := s.fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", storageErr("write", key, err)
		}
		err = s.fsys.Link(sp.Path, path)
		if errors.Is(err, iofs.ErrExist) {
			continue
		}
		if err != nil {
			return "", storageErr("write", key, err)
		}
		s.mu.Lock()
		s.versions[id] = max(s.versions[id], n)
		s.mu.Unlock()
		return key, nil
	}
}

func (s *LocalStore) ReadBlob(ctx context.Context, key, dest string) (bool, error) {
	path, err := s.paths.PathForKey(key)
	if err != nil {
		return false, err
	}
	f, err := s.fsys.Open(path)
	if errors.Is(err, iofs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("read", key, err)
	}
	defer f.Close()

	if err := copyToPath(ctx, fs.Default, f, dest); err != nil {
		return false, storageErr("read", key, err)
	}
	return true, nil
}

func (s *LocalStore) GetStream(_ context.Context, key string) (Lookup[io.ReadCloser], error) {
	path, err := s.paths.PathForKey(key)
	if err != nil {
		return Lookup[io.ReadCloser]{}, err
	}
	f, err := s.fsys.Open(path)
	if errors.Is(err, iofs.ErrNotExist) {
		return NotFound[io.ReadCloser](), nil
	}
	if err != nil {
		return Lookup[io.ReadCloser]{}, storageErr("get stream", key, err)
	}
	return Found[io.ReadCloser](f), nil
}

func (s *LocalStore) GetFile(_ context.Context, key string) (Lookup[string], error) {
	path, err := s.paths.PathForKey(key)
	if err != nil {
		return Lookup[string]{}, err
	}
	if _, err := s.fsys.Stat(path); err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return NotFound[string](), nil
		}
		return Lookup[string]{}, storageErr("get file", key, err)
	}
	return Found(path), nil
}

func (s *LocalStore) Exists(_ context.Context, key string) (bool, error) {
	path, err := s.paths.PathForKey(key)
	if err != nil {
		return false, err
	}
	if _, err := s.fsys.Stat(path); err != nil {
		if errors.Is(err, iofs.ErrNotExist) {
			return false, nil
		}
		return false, storageErr("exists", key, err)
	}
	return true, nil
}

func (s *LocalStore) DeleteBlob(_ context.Context, key string) error {
	path, err := s.paths.PathForKey(key)
	if err != nil {
		return err
	}
	if err := s.fsys.Remove(path); err != nil && !errors.Is(err, iofs.ErrNotExist) {
		return storageErr("delete", key, err)
	}
	return nil
}

func (s *LocalStore) CopyBlob(ctx context.Context, key string, source BlobStore, sourceKey string, atomicMove bool) (bool, error) {
	dst, err := s.paths.PathForKey(key)
	if err != nil {
		return false, err
	}
	if err := s.fsys.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return false, storageErr("copy", key, err)
	}

	if src, ok := source.(*LocalStore); ok && atomicMove {
		srcPath, err := src.paths.PathForKey(sourceKey)
		if err != nil {
			return false, err
		}
		err = s.fsys.Rename(srcPath, dst)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, iofs.ErrNotExist):
			return false, nil
		case !errors.Is(err, syscall.EXDEV):
			return false, storageErr("copy", key, err)
		}
	}

	rc, ok, err := OpenBlob(ctx, source, sourceKey)
	if err != nil || !ok {
		return false, storageErr("copy", key, err)
	}
	var alg *DigestAlgorithm
	if _, isDigest := s.cfg.KeyStrategy.DigestFromKey(key); isDigest {
		alg = DigestAlgorithmOf(s.cfg.KeyStrategy)
	}
	sp, err := spoolFS(ctx, s.fsys, s.tmpDir, rc, alg)
	_ = rc.Close()
	if err != nil {
		return false, storageErr("copy", key, err)
	}
	defer func() { _ = sp.Remove() }()

	if alg != nil && sp.Digest != key {
		return false, fmt.Errorf("%w: key %s, content %s", ErrDigestMismatch, key, sp.Digest)
	}
	if err := s.fsys.Rename(sp.Path, dst); err != nil {
		return false, storageErr("copy", key, err)
	}

	if atomicMove {
		if err := source.DeleteBlob(ctx, sourceKey); err != nil {
			return true, err
		}
	}
	return true, nil
}

type localGC struct{ s *LocalStore }

func (g localGC) Snapshot(ctx context.Context) ([]GCEntry, error) {
	var entries []GCEntry
	err := g.s.fsys.WalkDir(g.s.dataDir, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, iofs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		key, ok := g.s.paths.KeyForPath(path)
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		entries = append(entries, GCEntry{Key: key, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, storageErr("gc snapshot", "", err)
	}
	return entries, nil
}

func (g localGC) Stat(_ context.Context, key string) (GCEntry, bool, error) {
	path, err := g.s.paths.PathForKey(key)
	if err != nil {
		return GCEntry{}, false, err
	}
	info, err := g.s.fsys.Stat(path)
	if errors.Is(err, iofs.ErrNotExist) {
		return GCEntry{}, false, nil
	}
	if err != nil {
		return GCEntry{}, false, storageErr("gc stat", key, err)
	}
	return GCEntry{Key: key, Size: info.Size(), ModTime: info.ModTime()}, true, nil
}

func (g localGC) Sweep(ctx context.Context, key string) error {
	g.s.logger.Debug("gc delete", "key", key)
	return g.s.DeleteBlob(ctx, key)
}

// LockGC takes the advisory lock shared by all processes on the directory.
func (g localGC) LockGC(ctx context.Context) (func() error, error) {
	lock := flock.New(filepath.Join(g.s.cfg.Dir, localLockFile))
	ok, err := lock.TryLockContext(ctx, gcLockRetry)
	if err != nil {
		return nil, storageErr("gc lock", "", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: gc lock not acquired", ErrGCState)
	}
	return lock.Unlock, nil
}
