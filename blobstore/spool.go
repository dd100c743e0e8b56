package blobstore

import (
	"context"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"os"
	"path/filepath"

	"github.com/hupe1980/binstore/internal/fs"
)

// SpoolFile is blob content staged in a local temporary file.
type SpoolFile struct {
	fsys   fs.FileSystem
	Path   string
	Size   int64
	Digest string // hex digest, empty when no algorithm was requested
}

// Spool streams r into a new temporary file in dir, computing the digest of
// alg (if non-nil) in the same pass. The file is synced before Spool returns.
// On error no temporary file is left behind.
func Spool(ctx context.Context, dir string, r io.Reader, alg *DigestAlgorithm) (*SpoolFile, error) {
	return spoolFS(ctx, fs.Default, dir, r, alg)
}

func spoolFS(ctx context.Context, fsys fs.FileSystem, dir string, r io.Reader, alg *DigestAlgorithm) (*SpoolFile, error) {
	if r == nil {
		return nil, errors.New("blobstore: nil blob reader")
	}
	f, err := fsys.CreateTemp(dir, "blob-*.tmp")
	if err != nil {
		return nil, err
	}
	sp := &SpoolFile{fsys: fsys, Path: f.Name()}

	var w io.Writer = f
	var h hash.Hash
	if alg != nil {
		h = alg.New()
		w = io.MultiWriter(f, h)
	}

	n, err := io.Copy(w, WithContext(ctx, r))
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = fsys.Remove(sp.Path)
		return nil, err
	}

	sp.Size = n
	if h != nil {
		sp.Digest = hex.EncodeToString(h.Sum(nil))
	}
	return sp, nil
}

// Open opens the spooled content for reading.
func (s *SpoolFile) Open() (io.ReadCloser, error) {
	return s.fsys.Open(s.Path)
}

// Remove deletes the temporary file. It is safe to call after the file was
// renamed away.
func (s *SpoolFile) Remove() error {
	if err := s.fsys.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type removeOnClose struct {
	io.ReadCloser
	path string
}

func (r *removeOnClose) Close() error {
	err := r.ReadCloser.Close()
	if rerr := os.Remove(r.path); err == nil && rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
		err = rerr
	}
	return err
}

// OpenBlob opens key of src for reading, asking the tiers of the lookup in
// order: stream, then file, then a ReadBlob into a private temporary file.
// It returns false if src reports the key absent.
func OpenBlob(ctx context.Context, src BlobStore, key string) (io.ReadCloser, bool, error) {
	stream, err := src.GetStream(ctx, key)
	if err != nil {
		return nil, false, err
	}
	switch stream.State() {
	case Present:
		rc, _ := stream.Value()
		return rc, true, nil
	case Absent:
		return nil, false, nil
	}

	file, err := src.GetFile(ctx, key)
	if err != nil {
		return nil, false, err
	}
	switch file.State() {
	case Present:
		path, _ := file.Value()
		f, err := os.Open(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return f, true, nil
	case Absent:
		return nil, false, nil
	}

	tmp, err := os.CreateTemp("", "blob-read-*.tmp")
	if err != nil {
		return nil, false, err
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()

	ok, err := src.ReadBlob(ctx, key, tmpPath)
	if err != nil || !ok {
		_ = os.Remove(tmpPath)
		return nil, false, err
	}
	f, err := os.Open(tmpPath)
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, false, err
	}
	return &removeOnClose{ReadCloser: f, path: tmpPath}, true, nil
}

// copyToPath streams r into dest through a sibling temporary file renamed
// into place, so dest never holds partial content.
func copyToPath(ctx context.Context, fsys fs.FileSystem, r io.Reader, dest string) error {
	dir, base := filepath.Dir(dest), filepath.Base(dest)
	f, err := fsys.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = io.Copy(f, WithContext(ctx, r))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = fsys.Rename(tmp, dest)
	}
	if err != nil {
		_ = fsys.Remove(tmp)
	}
	return err
}

// ReadBlobVia implements ReadBlob for stores that only offer streams.
func ReadBlobVia(ctx context.Context, s BlobStore, key, dest string) (bool, error) {
	stream, err := s.GetStream(ctx, key)
	if err != nil {
		return false, err
	}
	rc, ok := stream.Value()
	if !ok {
		return false, nil
	}
	defer rc.Close()
	if err := copyToPath(ctx, fs.Default, rc, dest); err != nil {
		return false, err
	}
	return true, nil
}
