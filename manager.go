package binstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/hupe1980/binstore/blobstore"
	bsminio "github.com/hupe1980/binstore/blobstore/minio"
	bss3 "github.com/hupe1980/binstore/blobstore/s3"
	"github.com/hupe1980/binstore/internal/compress"
	"github.com/hupe1980/binstore/resource"
)

// Manager owns the configured stores of a process. Stores are built once in
// Open and live until Close.
type Manager struct {
	dataDir string
	logger  *Logger
	stores  map[string]*managedStore
	names   []string
}

type managedStore struct {
	outer *instrumentedStore
	cache *blobstore.CachingStore
	tx    *blobstore.TransactionalStore
}

// Open validates cfg and builds every store: backend, optional cache,
// optional transaction layer, wrapped for logging and metrics.
func Open(ctx context.Context, cfg Config, optFns ...Option) (*Manager, error) {
	o := applyOptions(optFns)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		cfg.DataDir = dir
	}

	m := &Manager{
		dataDir: cfg.DataDir,
		logger:  o.logger,
		stores:  make(map[string]*managedStore, len(cfg.Stores)),
	}
	b := &builder{opts: &o, dataDir: cfg.DataDir}
	for _, sc := range cfg.Stores {
		ms, err := b.build(ctx, sc)
		if err != nil {
			_ = m.Close()
			return nil, fmt.Errorf("open store %q: %w", sc.Name, err)
		}
		m.stores[sc.Name] = ms
		m.names = append(m.names, sc.Name)
		o.logger.InfoContext(ctx, "store opened",
			"store", sc.Name,
			"backend", sc.backend(),
			"key_strategy", ms.outer.KeyStrategy().String(),
		)
	}
	return m, nil
}

// DataDir returns the resolved data directory.
func (m *Manager) DataDir() string { return m.dataDir }

// Names returns the store names in configuration order.
func (m *Manager) Names() []string {
	return append([]string(nil), m.names...)
}

// Store returns the named store.
func (m *Manager) Store(name string) (blobstore.BlobStore, error) {
	ms, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return ms.outer, nil
}

// Cache returns the cache layer of the named store, or nil if it has none.
func (m *Manager) Cache(name string) (*blobstore.CachingStore, error) {
	ms, err := m.lookup(name)
	if err != nil {
		return nil, err
	}
	return ms.cache, nil
}

func (m *Manager) lookup(name string) (*managedStore, error) {
	ms, ok := m.stores[name]
	if !ok {
		return nil, &StoreNotFoundError{Name: name}
	}
	return ms, nil
}

// Resolve splits a qualified key and returns its store and store key.
func (m *Manager) Resolve(qualified string) (blobstore.BlobStore, string, error) {
	provider, key, err := ParseQualifiedKey(qualified)
	if err != nil {
		return nil, "", err
	}
	s, err := m.Store(provider)
	if err != nil {
		return nil, "", err
	}
	return s, key, nil
}

// Begin opens a transaction on the named store. The returned context
// carries the transaction and must be passed to the store calls of the
// transaction.
func (m *Manager) Begin(ctx context.Context, name string) (context.Context, *Tx, error) {
	ms, err := m.lookup(name)
	if err != nil {
		return ctx, nil, err
	}
	if ms.tx == nil {
		return ctx, nil, fmt.Errorf("%w: store %q is not transactional", ErrUnsupported, name)
	}
	ctx, tx := ms.tx.Begin(ctx)
	return ctx, &Tx{tx: tx, logger: ms.outer.logger}, nil
}

// Close stops background eviction of all caches.
func (m *Manager) Close() error {
	var errs []error
	for _, name := range m.names {
		if c := m.stores[name].cache; c != nil {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Tx is an open transaction.
type Tx struct {
	tx     *blobstore.Transaction
	logger *Logger
}

// ID identifies the transaction in logs.
func (t *Tx) ID() string { return t.tx.ID() }

// Commit promotes the staged blobs to the final store.
func (t *Tx) Commit(ctx context.Context) error {
	err := t.tx.Commit(ctx)
	t.logger.LogCommit(ctx, t.tx.ID(), true, err)
	return err
}

// Rollback discards the staged blobs.
func (t *Tx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	t.logger.LogCommit(ctx, t.tx.ID(), false, err)
	return err
}

// ParseQualifiedKey splits "<providerId>:<storeKey>" at the first colon.
func ParseQualifiedKey(qualified string) (provider, key string, err error) {
	provider, key, ok := strings.Cut(qualified, ":")
	if !ok || provider == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidQualifiedKey, qualified)
	}
	return provider, key, nil
}

// QualifyKey returns "<provider>:<key>".
func QualifyKey(provider, key string) string {
	return provider + ":" + key
}

type builder struct {
	opts    *options
	dataDir string
	ddb     bss3.DDBClient
}

func (b *builder) build(ctx context.Context, sc StoreConfig) (*managedStore, error) {
	ks, err := blobstore.NewKeyStrategy(sc.KeyStrategy)
	if err != nil {
		return nil, err
	}
	logger := b.opts.logger.Logger.With("store", sc.Name)
	rc := newResourceController(sc)

	store, err := b.backend(ctx, sc, ks, rc, logger)
	if err != nil {
		return nil, err
	}
	ms := &managedStore{}

	if c := sc.Caching; c != nil {
		cache, err := b.caching(ctx, sc, store, rc, logger)
		if err != nil {
			return nil, err
		}
		ms.cache = cache
		store = cache
	}

	if t := sc.Transactional; t != nil {
		transient, err := b.transient(sc, ks)
		if err != nil {
			return nil, err
		}
		tx, err := blobstore.NewTransactionalStore(store, transient,
			blobstore.WithCommitParallelism(t.CommitParallelism),
			blobstore.WithTxLogger(logger),
			blobstore.WithTxName(sc.Name),
		)
		if err != nil {
			return nil, err
		}
		ms.tx = tx
		store = tx
	}

	ms.outer = newInstrumentedStore(store, b.opts.logger, b.opts.metricsCollector)
	return ms, nil
}

func newResourceController(sc StoreConfig) *resource.Controller {
	var cfg resource.Config
	if r := sc.Resource; r != nil {
		cfg.MaxConcurrentTransfers = r.MaxConcurrentTransfers
		cfg.IOLimitBytesPerSec = int64(r.IOLimitPerSec)
	}
	if sc.Memory != nil {
		cfg.MemoryLimitBytes = int64(sc.Memory.MaxSize)
	}
	if cfg == (resource.Config{}) {
		return nil
	}
	return resource.NewController(cfg)
}

func (b *builder) backend(ctx context.Context, sc StoreConfig, ks blobstore.KeyStrategy, rc *resource.Controller, logger *slog.Logger) (blobstore.BlobStore, error) {
	switch sc.backend() {
	case BackendMemory:
		mc := blobstore.MemoryConfig{
			Name:          sc.Name,
			KeyStrategy:   ks,
			Resource:      rc,
			GCGracePeriod: sc.GCGracePeriod,
			Clock:         b.opts.clock,
		}
		if sc.Memory != nil {
			ct, err := compress.ParseType(sc.Memory.Compression)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
			}
			mc.Compression = ct
		}
		return blobstore.NewMemoryStore(mc), nil

	case BackendLocal:
		dir, err := ResolveStorageDir(b.dataDir, sc.Path, sc.Namespace)
		if err != nil {
			return nil, err
		}
		return blobstore.NewLocalStore(blobstore.LocalConfig{
			Name:          sc.Name,
			Dir:           dir,
			KeyStrategy:   ks,
			PathStrategy:  sc.PathStrategy,
			GCGracePeriod: sc.GCGracePeriod,
			Clock:         b.opts.clock,
			Logger:        logger,
		})

	case BackendS3:
		c := sc.S3
		client, ok := b.opts.s3Clients[sc.Name]
		if !ok {
			cl, err := bss3.Connect(ctx, bss3.ConnectConfig{
				Region:       c.Region,
				Endpoint:     c.Endpoint,
				UsePathStyle: c.UsePathStyle,
			})
			if err != nil {
				return nil, &blobstore.StorageError{Op: "connect", Err: err}
			}
			client = cl
		}
		upload := bss3.DefaultUploadConfig()
		if c.PartSize > 0 {
			upload.PartSize = int64(c.PartSize)
		}
		if c.Concurrency > 0 {
			upload.Concurrency = c.Concurrency
		}
		return bss3.New(client, bss3.Config{
			Name:          sc.Name,
			Bucket:        c.Bucket,
			Prefix:        c.Prefix,
			KeyStrategy:   ks,
			Upload:        upload,
			GCGracePeriod: sc.GCGracePeriod,
			Clock:         b.opts.clock,
			Logger:        logger,
		})

	case BackendMinIO:
		c := sc.MinIO
		client, ok := b.opts.minioClients[sc.Name]
		if !ok {
			cl, err := bsminio.Connect(bsminio.ConnectConfig{
				Endpoint:  c.Endpoint,
				AccessKey: c.AccessKey,
				SecretKey: c.SecretKey,
				Secure:    c.Secure,
				Region:    c.Region,
			})
			if err != nil {
				return nil, &blobstore.StorageError{Op: "connect", Err: err}
			}
			client = cl
		}
		if c.CreateBucket {
			if err := bsminio.EnsureBucket(ctx, client, c.Bucket); err != nil {
				return nil, err
			}
		}
		return bsminio.New(client, bsminio.Config{
			Name:          sc.Name,
			Bucket:        c.Bucket,
			Prefix:        c.Prefix,
			KeyStrategy:   ks,
			GCGracePeriod: sc.GCGracePeriod,
			Resource:      rc,
			Clock:         b.opts.clock,
			Logger:        logger,
		})
	}
	return nil, fmt.Errorf("%w: unknown backend %q", ErrInvalidConfig, sc.Backend)
}

func (b *builder) caching(ctx context.Context, sc StoreConfig, target blobstore.BlobStore, rc *resource.Controller, logger *slog.Logger) (*blobstore.CachingStore, error) {
	c := sc.Caching
	path := c.Dir
	if path == "" {
		path = "cache_" + sc.Name
	}
	dir, err := ResolveStorageDir(b.dataDir, path, "")
	if err != nil {
		return nil, err
	}
	registry := b.opts.invalidation
	if c.InvalidationTable != "" {
		ddb, err := b.dynamo(ctx)
		if err != nil {
			return nil, err
		}
		registry = bss3.NewDynamoInvalidationTable(ddb, c.InvalidationTable)
	}
	var observer blobstore.MetricsObserver
	if mo, ok := b.opts.metricsCollector.(blobstore.MetricsObserver); ok {
		observer = mo
	}
	return blobstore.NewCachingStore(target, blobstore.CachingConfig{
		Name:             sc.Name + "-cache",
		Dir:              dir,
		MaxSizeBytes:     int64(c.MaxSize),
		MaxCount:         c.MaxCount,
		MinAge:           c.MinAge,
		EvictionInterval: c.EvictionInterval,
		Invalidation:     registry,
		Clock:            b.opts.clock,
		Logger:           logger,
		Metrics:          observer,
		Resource:         rc,
	})
}

func (b *builder) dynamo(ctx context.Context) (bss3.DDBClient, error) {
	if b.opts.dynamoClient != nil {
		return b.opts.dynamoClient, nil
	}
	if b.ddb == nil {
		awsCfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, &blobstore.StorageError{Op: "connect", Err: err}
		}
		b.ddb = dynamodb.NewFromConfig(awsCfg)
	}
	return b.ddb, nil
}

func (b *builder) transient(sc StoreConfig, ks blobstore.KeyStrategy) (blobstore.BlobStore, error) {
	t := sc.Transactional
	if t.Transient != BackendLocal {
		return blobstore.NewMemoryStore(blobstore.MemoryConfig{
			Name:        sc.Name + "-transient",
			KeyStrategy: ks,
			Clock:       b.opts.clock,
		}), nil
	}
	path := t.Dir
	if path == "" {
		path = "transient_" + sc.Name
	}
	dir, err := ResolveStorageDir(b.dataDir, path, "")
	if err != nil {
		return nil, err
	}
	return blobstore.NewLocalStore(blobstore.LocalConfig{
		Name:          sc.Name + "-transient",
		Dir:           dir,
		KeyStrategy:   ks,
		PathStrategy:  blobstore.PathStrategyConfig{Type: "flat"},
		GCGracePeriod: blobstore.NoGracePeriod,
		Clock:         b.opts.clock,
	})
}

var _ io.Closer = (*Manager)(nil)
