package minio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/hupe1980/binstore/blobstore"
	"github.com/hupe1980/binstore/internal/clock"
	"github.com/hupe1980/binstore/resource"
)

// ConnectConfig holds the connection settings of a MinIO server.
type ConnectConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Region    string
}

// Connect creates a MinIO client with static credentials.
func Connect(cfg ConnectConfig) (*minio.Client, error) {
	return minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
		Region: cfg.Region,
	})
}

// EnsureBucket creates bucket if it does not exist.
func EnsureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
}

// Config configures a Store.
type Config struct {
	// Name identifies the store. Defaults to "minio".
	Name   string
	Bucket string
	Prefix string
	// KeyStrategy defaults to MD5 digest keys.
	KeyStrategy blobstore.KeyStrategy
	// TmpDir holds spooled writes. Defaults to os.TempDir().
	TmpDir string
	// GCGracePeriod defaults to blobstore.DefaultGCGracePeriod. Negative
	// values disable it.
	GCGracePeriod time.Duration
	// Resource limits concurrent uploads and their bandwidth. Optional.
	Resource *resource.Controller
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Store implements blobstore.BlobStore for MinIO and S3-compatible storage.
type Store struct {
	client *minio.Client
	cfg    Config
	prefix string
	logger *slog.Logger
	gc     *blobstore.SnapshotCollector

	// idLocks serializes version allocation per id within this process.
	idLocks blobstore.KeyLocks
}

// New creates a Store on bucket.
func New(client *minio.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: minio store needs a client", blobstore.ErrInvalidConfig)
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: minio store needs a bucket", blobstore.ErrInvalidConfig)
	}
	if cfg.Name == "" {
		cfg.Name = "minio"
	}
	if cfg.KeyStrategy == nil {
		cfg.KeyStrategy = blobstore.NewDigestKeyStrategy(nil)
	}
	if cfg.TmpDir == "" {
		cfg.TmpDir = os.TempDir()
	}
	switch {
	case cfg.GCGracePeriod == 0:
		cfg.GCGracePeriod = blobstore.DefaultGCGracePeriod
	case cfg.GCGracePeriod < 0:
		cfg.GCGracePeriod = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	s := &Store{
		client: client,
		cfg:    cfg,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: cfg.Logger.With("store", cfg.Name),
	}
	s.gc = blobstore.NewSnapshotCollector(gcBackend{s},
		blobstore.WithGCClock(cfg.Clock), blobstore.WithGracePeriod(cfg.GCGracePeriod))
	return s, nil
}

func (s *Store) Name() string                       { return s.cfg.Name }
func (s *Store) KeyStrategy() blobstore.KeyStrategy { return s.cfg.KeyStrategy }
func (s *Store) HasVersioning() bool                { return s.cfg.KeyStrategy.HasVersioning() }

// Identity names the endpoint, bucket and prefix.
func (s *Store) Identity() string {
	return "minio://" + s.client.EndpointURL().Host + "/" + s.cfg.Bucket + "/" + s.prefix
}

func (s *Store) GarbageCollector() blobstore.BinaryGarbageCollector { return s.gc }

func (s *Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *Store) listPrefix() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "/"
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NotFound" || resp.StatusCode == http.StatusNotFound
}

func (s *Store) stat(ctx context.Context, key string) (bool, error) {
	_, err := s.client.StatObject(ctx, s.cfg.Bucket, s.objectKey(key), minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, &blobstore.StorageError{Op: "stat", Key: key, Err: err}
	}
	return true, nil
}

func (s *Store) WriteBlob(ctx context.Context, bc blobstore.BlobContext) (string, error) {
	ks := s.cfg.KeyStrategy
	if key, ok := blobstore.KnownDigest(ks, bc); ok {
		exists, err := s.stat(ctx, key)
		if err != nil {
			return "", err
		}
		if exists {
			s.gc.Touch(key)
			return key, nil
		}
	}

	sp, err := blobstore.Spool(ctx, s.cfg.TmpDir, bc.Reader, blobstore.DigestAlgorithmOf(ks))
	if err != nil {
		return "", &blobstore.StorageError{Op: "write", Key: bc.ID, Err: err}
	}
	defer func() { _ = sp.Remove() }()

	key, err := blobstore.ResolveKey(ks, bc, sp.Digest)
	if err != nil {
		return "", err
	}
	if err := blobstore.ValidateKey(key); err != nil {
		return "", err
	}

	switch {
	case ks.HasVersioning():
		unlock := s.idLocks.Lock(key)
		defer unlock()
		if key, err = s.nextVersion(ctx, key); err != nil {
			return "", err
		}
	case ks.UseDeDuplication():
		exists, err := s.stat(ctx, key)
		if err != nil {
			return "", err
		}
		if exists {
			s.logger.Debug("blob already stored", "key", key)
			s.gc.Touch(key)
			return key, nil
		}
	}

	if err := s.upload(ctx, key, sp); err != nil {
		return "", err
	}
	s.logger.Debug("blob written", "key", key, "size", sp.Size)
	return key, nil
}

func (s *Store) nextVersion(ctx context.Context, id string) (string, error) {
	latest := 0
	err := s.list(ctx, id+"@", func(key string, _ minio.ObjectInfo) {
		if base, n, ok := blobstore.SplitVersion(key); ok && base == id && n > latest {
			latest = n
		}
	})
	if err != nil {
		return "", err
	}
	return blobstore.VersionKey(id, latest+1), nil
}

func (s *Store) upload(ctx context.Context, key string, sp *blobstore.SpoolFile) error {
	if err := s.cfg.Resource.AcquireTransfer(ctx); err != nil {
		return err
	}
	defer s.cfg.Resource.ReleaseTransfer()

	f, err := sp.Open()
	if err != nil {
		return &blobstore.StorageError{Op: "write", Key: key, Err: err}
	}
	defer f.Close()

	body := resource.NewRateLimitedReader(ctx, f, s.cfg.Resource)
	_, err = s.client.PutObject(ctx, s.cfg.Bucket, s.objectKey(key), body, sp.Size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return &blobstore.StorageError{Op: "write", Key: key, Err: err}
	}
	return nil
}

// list calls fn for every object whose key starts with keyPrefix.
func (s *Store) list(ctx context.Context, keyPrefix string, fn func(key string, obj minio.ObjectInfo)) error {
	root := s.listPrefix()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for obj := range s.client.ListObjects(ctx, s.cfg.Bucket, minio.ListObjectsOptions{
		Prefix:    root + keyPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return &blobstore.StorageError{Op: "list", Err: obj.Err}
		}
		if key := strings.TrimPrefix(obj.Key, root); key != "" {
			fn(key, obj)
		}
	}
	return nil
}

func (s *Store) ReadBlob(ctx context.Context, key, dest string) (bool, error) {
	err := s.client.FGetObject(ctx, s.cfg.Bucket, s.objectKey(key), dest, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, &blobstore.StorageError{Op: "read", Key: key, Err: err}
	}
	return true, nil
}

// GetStream stats the object first: minio.Object defers errors to the
// first read.
func (s *Store) GetStream(ctx context.Context, key string) (blobstore.Lookup[io.ReadCloser], error) {
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, s.objectKey(key), minio.GetObjectOptions{})
	if err == nil {
		_, err = obj.Stat()
	}
	if err != nil {
		if obj != nil {
			_ = obj.Close()
		}
		if isNotFound(err) {
			return blobstore.NotFound[io.ReadCloser](), nil
		}
		return blobstore.Lookup[io.ReadCloser]{}, &blobstore.StorageError{Op: "get", Key: key, Err: err}
	}
	return blobstore.Found[io.ReadCloser](obj), nil
}

func (s *Store) GetFile(context.Context, string) (blobstore.Lookup[string], error) {
	return blobstore.Unanswered[string](), nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	return s.stat(ctx, key)
}

func (s *Store) DeleteBlob(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.cfg.Bucket, s.objectKey(key), minio.RemoveObjectOptions{})
	if err != nil && !isNotFound(err) {
		return &blobstore.StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// CopyBlob copies server side when source is a Store on the same client.
func (s *Store) CopyBlob(ctx context.Context, key string, source blobstore.BlobStore, sourceKey string, atomicMove bool) (bool, error) {
	if err := blobstore.ValidateKey(key); err != nil {
		return false, err
	}
	if src, ok := source.(*Store); ok && src.client == s.client {
		return s.copyWithin(ctx, key, src, sourceKey, atomicMove)
	}

	rc, ok, err := blobstore.OpenBlob(ctx, source, sourceKey)
	if err != nil || !ok {
		return false, err
	}
	sp, err := blobstore.Spool(ctx, s.cfg.TmpDir, rc, blobstore.DigestAlgorithmOf(s.cfg.KeyStrategy))
	_ = rc.Close()
	if err != nil {
		return false, &blobstore.StorageError{Op: "copy", Key: key, Err: err}
	}
	defer func() { _ = sp.Remove() }()

	if want, isDigest := s.cfg.KeyStrategy.DigestFromKey(key); isDigest && sp.Digest != want {
		return false, fmt.Errorf("%w: key %s, content %s", blobstore.ErrDigestMismatch, key, sp.Digest)
	}
	if err := s.upload(ctx, key, sp); err != nil {
		return false, err
	}
	if atomicMove {
		if err := source.DeleteBlob(ctx, sourceKey); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (s *Store) copyWithin(ctx context.Context, key string, src *Store, sourceKey string, atomicMove bool) (bool, error) {
	if src.cfg.Bucket == s.cfg.Bucket && src.objectKey(sourceKey) == s.objectKey(key) {
		return src.stat(ctx, sourceKey)
	}
	_, err := s.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: s.cfg.Bucket, Object: s.objectKey(key)},
		minio.CopySrcOptions{Bucket: src.cfg.Bucket, Object: src.objectKey(sourceKey)},
	)
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, &blobstore.StorageError{Op: "copy", Key: key, Err: err}
	}
	if atomicMove {
		if err := src.DeleteBlob(ctx, sourceKey); err != nil {
			return true, err
		}
	}
	return true, nil
}

type gcBackend struct{ s *Store }

func (g gcBackend) Snapshot(ctx context.Context) ([]blobstore.GCEntry, error) {
	var entries []blobstore.GCEntry
	err := g.s.list(ctx, "", func(key string, obj minio.ObjectInfo) {
		entries = append(entries, blobstore.GCEntry{Key: key, Size: obj.Size, ModTime: obj.LastModified})
	})
	return entries, err
}

func (g gcBackend) Sweep(ctx context.Context, key string) error {
	return g.s.DeleteBlob(ctx, key)
}
