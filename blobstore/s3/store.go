package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hupe1980/binstore/blobstore"
	"github.com/hupe1980/binstore/internal/clock"
)

// maxVersionAttempts bounds the retries of a versioned write racing other
// writers of the same id.
const maxVersionAttempts = 32

// Config configures a Store.
type Config struct {
	// Name identifies the store. Defaults to "s3".
	Name string
	// Bucket is required.
	Bucket string
	// Prefix is prepended to every object key.
	Prefix string
	// KeyStrategy defaults to MD5 digest keys.
	KeyStrategy blobstore.KeyStrategy
	// TmpDir holds spooled writes. Defaults to os.TempDir().
	TmpDir string
	// Upload defaults to DefaultUploadConfig().
	Upload UploadConfig
	// GCGracePeriod defaults to blobstore.DefaultGCGracePeriod. Negative
	// values disable it.
	GCGracePeriod time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Store implements blobstore.BlobStore on an S3 bucket.
type Store struct {
	client   Client
	uploader *manager.Uploader
	cfg      Config
	prefix   string
	logger   *slog.Logger
	gc       *blobstore.SnapshotCollector

	// idLocks serializes version allocation per id within this process.
	idLocks blobstore.KeyLocks
}

// New creates a Store over client.
func New(client Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: s3 store needs a client", blobstore.ErrInvalidConfig)
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 store needs a bucket", blobstore.ErrInvalidConfig)
	}
	if cfg.Name == "" {
		cfg.Name = "s3"
	}
	if cfg.KeyStrategy == nil {
		cfg.KeyStrategy = blobstore.NewDigestKeyStrategy(nil)
	}
	if cfg.TmpDir == "" {
		cfg.TmpDir = os.TempDir()
	}
	if cfg.Upload == (UploadConfig{}) {
		cfg.Upload = DefaultUploadConfig()
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
		client:   client,
		uploader: newUploader(client, cfg.Upload),
		cfg:      cfg,
		prefix:   strings.Trim(cfg.Prefix, "/"),
		logger:   cfg.Logger.With("store", cfg.Name),
	}
	s.gc = blobstore.NewSnapshotCollector(gcBackend{s},
		blobstore.WithGCClock(cfg.Clock), blobstore.WithGracePeriod(cfg.GCGracePeriod))
	return s, nil
}

func (s *Store) Name() string                       { return s.cfg.Name }
func (s *Store) KeyStrategy() blobstore.KeyStrategy { return s.cfg.KeyStrategy }
func (s *Store) HasVersioning() bool                { return s.cfg.KeyStrategy.HasVersioning() }

// Identity is shared by all stores over the same bucket and prefix.
func (s *Store) Identity() string { return "s3://" + s.cfg.Bucket + "/" + s.prefix }

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

func (s *Store) head(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, &blobstore.StorageError{Op: "head", Key: key, Err: err}
	}
	return true, nil
}

func (s *Store) WriteBlob(ctx context.Context, bc blobstore.BlobContext) (string, error) {
	ks := s.cfg.KeyStrategy
	if key, ok := blobstore.KnownDigest(ks, bc); ok {
		exists, err := s.head(ctx, key)
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

	if ks.HasVersioning() {
		return s.writeVersion(ctx, key, sp)
	}
	if ks.UseDeDuplication() {
		exists, err := s.head(ctx, key)
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

func (s *Store) upload(ctx context.Context, key string, sp *blobstore.SpoolFile) error {
	f, err := sp.Open()
	if err != nil {
		return &blobstore.StorageError{Op: "write", Key: key, Err: err}
	}
	defer f.Close()

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   f,
	}
	if s.cfg.Upload.EnableChecksum {
		input.ChecksumAlgorithm = types.ChecksumAlgorithmCrc32c
	}
	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return &blobstore.StorageError{Op: "write", Key: key, Err: err}
	}
	return nil
}

// writeVersion stores sp as the next free version of id. Conditional writes
// keep concurrent writers from replacing each other's versions.
func (s *Store) writeVersion(ctx context.Context, id string, sp *blobstore.SpoolFile) (string, error) {
	unlock := s.idLocks.Lock(id)
	defer unlock()

	n, err := s.latestVersion(ctx, id)
	if err != nil {
		return "", err
	}
	for range maxVersionAttempts {
		n++
		key := blobstore.VersionKey(id, n)
		f, err := sp.Open()
		if err != nil {
			return "", &blobstore.StorageError{Op: "write", Key: key, Err: err}
		}
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.cfg.Bucket),
			Key:           aws.String(s.objectKey(key)),
			Body:          f,
			ContentLength: aws.Int64(sp.Size),
			IfNoneMatch:   aws.String("*"),
		})
		_ = f.Close()
		if err == nil {
			return key, nil
		}
		if !isConflict(err) {
			return "", &blobstore.StorageError{Op: "write", Key: key, Err: err}
		}
	}
	return "", &blobstore.StorageError{Op: "write", Key: id, Err: errors.New("too many concurrent versions")}
}

func (s *Store) latestVersion(ctx context.Context, id string) (int, error) {
	latest := 0
	err := s.list(ctx, id+"@", func(key string, _ types.Object) {
		if base, n, ok := blobstore.SplitVersion(key); ok && base == id && n > latest {
			latest = n
		}
	})
	return latest, err
}

// list calls fn for every object whose key starts with keyPrefix.
func (s *Store) list(ctx context.Context, keyPrefix string, fn func(key string, obj types.Object)) error {
	root := s.listPrefix()
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(root + keyPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return &blobstore.StorageError{Op: "list", Err: err}
		}
		for _, obj := range page.Contents {
			key := strings.TrimPrefix(aws.ToString(obj.Key), root)
			if key == "" {
				continue
			}
			fn(key, obj)
		}
	}
	return nil
}

func (s *Store) ReadBlob(ctx context.Context, key, dest string) (bool, error) {
	ok, err := blobstore.ReadBlobVia(ctx, s, key, dest)
	if err != nil {
		var se *blobstore.StorageError
		if !errors.As(err, &se) {
			err = &blobstore.StorageError{Op: "read", Key: key, Err: err}
		}
	}
	return ok, err
}

func (s *Store) GetStream(ctx context.Context, key string) (blobstore.Lookup[io.ReadCloser], error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return blobstore.NotFound[io.ReadCloser](), nil
		}
		return blobstore.Lookup[io.ReadCloser]{}, &blobstore.StorageError{Op: "get", Key: key, Err: err}
	}
	return blobstore.Found(out.Body), nil
}

// GetFile is Unknown: objects have no local path.
func (s *Store) GetFile(context.Context, string) (blobstore.Lookup[string], error) {
	return blobstore.Unanswered[string](), nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	return s.head(ctx, key)
}

func (s *Store) DeleteBlob(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return &blobstore.StorageError{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// CopyBlob copies server side when source is a Store on the same client
// and bucket.
func (s *Store) CopyBlob(ctx context.Context, key string, source blobstore.BlobStore, sourceKey string, atomicMove bool) (bool, error) {
	if err := blobstore.ValidateKey(key); err != nil {
		return false, err
	}
	if src, ok := source.(*Store); ok && src.client == s.client && src.cfg.Bucket == s.cfg.Bucket {
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
	from, to := src.objectKey(sourceKey), s.objectKey(key)
	if from == to {
		return src.head(ctx, sourceKey)
	}
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.cfg.Bucket),
		Key:        aws.String(to),
		CopySource: aws.String(copySource(s.cfg.Bucket, from)),
	})
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

// copySource URL-encodes "bucket/key" segment by segment.
func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return bucket + "/" + strings.Join(parts, "/")
}

type gcBackend struct{ s *Store }

func (g gcBackend) Snapshot(ctx context.Context) ([]blobstore.GCEntry, error) {
	var entries []blobstore.GCEntry
	err := g.s.list(ctx, "", func(key string, obj types.Object) {
		entries = append(entries, blobstore.GCEntry{
			Key:     key,
			Size:    aws.ToInt64(obj.Size),
			ModTime: aws.ToTime(obj.LastModified),
		})
	})
	return entries, err
}

func (g gcBackend) Sweep(ctx context.Context, key string) error {
	return g.s.DeleteBlob(ctx, key)
}
