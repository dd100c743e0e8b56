package blobstore

import (
	"context"
	"io"
)

// BlobContext describes a blob to write.
type BlobContext struct {
	// Reader is the content source. It is consumed exactly once.
	Reader io.Reader
	// ID is the caller id (document or blob-field id). It is the key for
	// DocIDKeyStrategy stores and log context otherwise.
	ID string
	// XPath locates the blob field in its record. Used only in logs and
	// conflict errors, never for addressing.
	XPath string
	// Digest is an optional already-known digest of the content. Digest
	// stores trust it to skip writing content they already hold, and verify
	// it whenever the content is streamed.
	Digest string
}

// BlobStore is the uniform contract implemented by every backend and wrapper.
//
// Absence is never an error: ReadBlob and Exists return false, GetStream and
// GetFile return an Absent Lookup. Implementations must be safe for
// concurrent use.
type BlobStore interface {
	// Name identifies the store in logs and configuration.
	Name() string

	// KeyStrategy returns how keys are derived.
	KeyStrategy() KeyStrategy

	// HasVersioning reports whether rewrites of the same id create versions.
	HasVersioning() bool

	// WriteBlob persists content and returns its key. Writing content a
	// digest store already holds succeeds without a second physical copy.
	WriteBlob(ctx context.Context, bc BlobContext) (string, error)

	// ReadBlob copies the blob to dest, a caller-owned path. It returns
	// false if the key is absent.
	ReadBlob(ctx context.Context, key, dest string) (bool, error)

	// GetStream opens the blob for reading. The caller closes the stream.
	GetStream(ctx context.Context, key string) (Lookup[io.ReadCloser], error)

	// GetFile returns a local path holding the blob. The file belongs to the
	// store and must not be modified.
	GetFile(ctx context.Context, key string) (Lookup[string], error)

	// Exists reports whether key resolves.
	Exists(ctx context.Context, key string) (bool, error)

	// DeleteBlob removes the blob. Deleting an absent key is not an error.
	DeleteBlob(ctx context.Context, key string) error

	// CopyBlob copies sourceKey of source to key in this store, removing the
	// source entry when atomicMove is set. It returns false if the source
	// key does not exist.
	CopyBlob(ctx context.Context, key string, source BlobStore, sourceKey string, atomicMove bool) (bool, error)

	// GarbageCollector returns the mark-and-sweep collector of this store.
	GarbageCollector() BinaryGarbageCollector
}

// Identifier is implemented by stores that can name the physical storage
// behind them. Two stores with the same identity see the same blobs.
type Identifier interface {
	Identity() string
}

// Unwrapper is implemented by wrapper stores.
type Unwrapper interface {
	Unwrap() BlobStore
}

// IdentityOf returns the storage identity of s, looking through wrappers.
func IdentityOf(s BlobStore) string {
	for {
		if id, ok := s.(Identifier); ok {
			return id.Identity()
		}
		u, ok := s.(Unwrapper)
		if !ok {
			return s.Name()
		}
		s = u.Unwrap()
	}
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// WithContext returns a reader that stops with ctx.Err() once ctx is done.
func WithContext(ctx context.Context, r io.Reader) io.Reader {
	return contextReader{ctx: ctx, r: r}
}
