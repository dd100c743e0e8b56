package fs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalFS(t *testing.T) {
	tmp := t.TempDir()
	lfs := LocalFS{}

	dir := filepath.Join(tmp, "subdir")
	assert.NoError(t, lfs.MkdirAll(dir, 0755))

	f, err := lfs.CreateTemp(dir, "blob-*")
	require.NoError(t, err)
	_, err = f.Write([]byte("hello"))
	assert.NoError(t, err)
	assert.NoError(t, f.Sync())

	info, err := f.Stat()
	assert.NoError(t, err)
	assert.Equal(t, int64(5), info.Size())
	assert.NoError(t, f.Close())

	target := filepath.Join(dir, "key")
	require.NoError(t, lfs.Link(f.Name(), target))
	err = lfs.Link(f.Name(), target)
	assert.True(t, errors.Is(err, fs.ErrExist))

	renamed := filepath.Join(dir, "renamed")
	assert.NoError(t, lfs.Rename(f.Name(), renamed))

	var walked []string
	require.NoError(t, lfs.WalkDir(tmp, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			walked = append(walked, filepath.Base(path))
		}
		return err
	}))
	assert.ElementsMatch(t, []string{"key", "renamed"}, walked)

	assert.NoError(t, lfs.Remove(renamed))
	assert.NoError(t, lfs.RemoveAll(dir))
	_, err = lfs.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}

func TestFaultyFS(t *testing.T) {
	tmp := t.TempDir()
	ffs := NewFaultyFS(LocalFS{})

	ffs.SetLimit(5) // Fail after 5 bytes

	fpath := filepath.Join(tmp, "faulty.txt")
	f, err := ffs.OpenFile(fpath, os.O_CREATE|os.O_RDWR, 0644)
	require.NoError(t, err)

	n, err := f.Write([]byte("hello"))
	assert.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = f.Write([]byte("!"))
	assert.Error(t, err)
	assert.Equal(t, 0, n)

	assert.Equal(t, int64(5), ffs.GetWritten())
	f.Close()

	assert.NoError(t, ffs.Rename(fpath, fpath+".renamed"))
	_, err = ffs.Stat(fpath + ".renamed")
	assert.NoError(t, err)
}

func TestFaultyFS_FailOp(t *testing.T) {
	tmp := t.TempDir()
	ffs := NewFaultyFS(nil)
	ffs.FailOp(OpRename, "data", syscall.ENOSPC)
	ffs.FailOp(OpCreateTemp, "", syscall.EACCES)

	err := ffs.Rename(filepath.Join(tmp, "a"), filepath.Join(tmp, "data", "b"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, syscall.ENOSPC))

	_, err = ffs.CreateTemp(tmp, "x-*")
	assert.True(t, errors.Is(err, syscall.EACCES))

	ffs.Reset()
	f, err := ffs.CreateTemp(tmp, "x-*")
	require.NoError(t, err)
	assert.NoError(t, f.Close())
}

func TestFaultyFS_PerFileRule(t *testing.T) {
	tmp := t.TempDir()
	ffs := NewFaultyFS(LocalFS{})
	ffs.AddRule("blob-", Fault{FailAfterBytes: 2, FailOnClose: true, Err: syscall.ENOSPC})

	f, err := ffs.CreateTemp(tmp, "blob-*")
	require.NoError(t, err)

	_, err = f.Write([]byte("abc"))
	assert.True(t, errors.Is(err, syscall.ENOSPC))
	assert.True(t, errors.Is(f.Close(), syscall.ENOSPC))
}
