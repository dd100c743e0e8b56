package binstore

import (
	"context"
	"io"
	"time"

	"github.com/hupe1980/binstore/blobstore"
)

// instrumentedStore logs and measures every call of the store it wraps.
type instrumentedStore struct {
	blobstore.BlobStore
	name    string
	logger  *Logger
	metrics MetricsCollector
}

var (
	_ blobstore.BlobStore  = (*instrumentedStore)(nil)
	_ blobstore.Unwrapper  = (*instrumentedStore)(nil)
	_ blobstore.Identifier = (*instrumentedStore)(nil)
)

func newInstrumentedStore(s blobstore.BlobStore, logger *Logger, metrics MetricsCollector) *instrumentedStore {
	return &instrumentedStore{
		BlobStore: s,
		name:      s.Name(),
		logger:    logger.WithStore(s.Name()),
		metrics:   metrics,
	}
}

func (s *instrumentedStore) Unwrap() blobstore.BlobStore { return s.BlobStore }

func (s *instrumentedStore) Identity() string { return blobstore.IdentityOf(s.BlobStore) }

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (s *instrumentedStore) WriteBlob(ctx context.Context, bc blobstore.BlobContext) (string, error) {
	start := time.Now()
	cr := &countingReader{r: bc.Reader}
	if bc.Reader != nil {
		bc.Reader = cr
	}
	key, err := s.BlobStore.WriteBlob(ctx, bc)
	s.metrics.RecordWrite(s.name, cr.n, time.Since(start), err)
	s.logger.LogWrite(ctx, bc, key, err)
	return key, err
}

func (s *instrumentedStore) ReadBlob(ctx context.Context, key, dest string) (bool, error) {
	start := time.Now()
	ok, err := s.BlobStore.ReadBlob(ctx, key, dest)
	s.metrics.RecordRead(s.name, "read", ok, time.Since(start), err)
	s.logger.LogRead(ctx, "read", key, ok, err)
	return ok, err
}

func (s *instrumentedStore) GetStream(ctx context.Context, key string) (blobstore.Lookup[io.ReadCloser], error) {
	start := time.Now()
	l, err := s.BlobStore.GetStream(ctx, key)
	s.metrics.RecordRead(s.name, "stream", !l.IsAbsent(), time.Since(start), err)
	s.logger.LogRead(ctx, "stream", key, l.IsPresent(), err)
	return l, err
}

func (s *instrumentedStore) GetFile(ctx context.Context, key string) (blobstore.Lookup[string], error) {
	start := time.Now()
	l, err := s.BlobStore.GetFile(ctx, key)
	s.metrics.RecordRead(s.name, "file", !l.IsAbsent(), time.Since(start), err)
	s.logger.LogRead(ctx, "file", key, l.IsPresent(), err)
	return l, err
}

func (s *instrumentedStore) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := s.BlobStore.Exists(ctx, key)
	s.metrics.RecordRead(s.name, "exists", ok, time.Since(start), err)
	s.logger.LogRead(ctx, "exists", key, ok, err)
	return ok, err
}

func (s *instrumentedStore) DeleteBlob(ctx context.Context, key string) error {
	start := time.Now()
	err := s.BlobStore.DeleteBlob(ctx, key)
	s.metrics.RecordDelete(s.name, time.Since(start), err)
	s.logger.LogDelete(ctx, key, err)
	return err
}

func (s *instrumentedStore) CopyBlob(ctx context.Context, key string, source blobstore.BlobStore, sourceKey string, atomicMove bool) (bool, error) {
	start := time.Now()
	// Unwrapping lets backends recognize a source of their own kind.
	if src, ok := source.(*instrumentedStore); ok {
		source = src.BlobStore
	}
	ok, err := s.BlobStore.CopyBlob(ctx, key, source, sourceKey, atomicMove)
	s.metrics.RecordCopy(s.name, atomicMove, time.Since(start), err)
	s.logger.LogCopy(ctx, key, source.Name(), sourceKey, atomicMove, ok, err)
	return ok, err
}

func (s *instrumentedStore) GarbageCollector() blobstore.BinaryGarbageCollector {
	return &instrumentedGC{BinaryGarbageCollector: s.BlobStore.GarbageCollector(), s: s}
}

type instrumentedGC struct {
	blobstore.BinaryGarbageCollector
	s *instrumentedStore
}

func (g *instrumentedGC) Stop(ctx context.Context, delete bool) (blobstore.BinaryManagerStatus, error) {
	status, err := g.BinaryGarbageCollector.Stop(ctx, delete)
	g.s.metrics.RecordGC(g.s.name, status, err)
	g.s.logger.LogGC(ctx, status, delete, err)
	return status, err
}
