package blobstore

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpool(t *testing.T) {
	dir := t.TempDir()
	sp, err := Spool(context.Background(), dir, strings.NewReader("foo"), MD5)
	require.NoError(t, err)
	assert.Equal(t, int64(3), sp.Size)
	assert.Equal(t, "acbd18db4cc2f85cedef654fccc4a4d8", sp.Digest)

	rc, err := sp.Open()
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "foo", string(data))

	require.NoError(t, sp.Remove())
	require.NoError(t, sp.Remove())
	assert.NoFileExists(t, sp.Path)
}

func TestSpool_Canceled(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Spool(ctx, dir, strings.NewReader("foo"), nil)
	require.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "canceled spool must not leave files behind")
}

func TestOpenBlob_Tiers(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		cfg  MemoryConfig
	}{
		{"stream", MemoryConfig{}},
		{"file", MemoryConfig{StreamMode: LookupModeUnknown, FileDir: t.TempDir()}},
		{"readblob", MemoryConfig{StreamMode: LookupModeUnknown, FileMode: LookupModeUnknown}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewMemoryStore(tt.cfg)
			key := writeString(t, s, "", "foo")

			rc, ok, err := OpenBlob(ctx, s, key)
			require.NoError(t, err)
			require.True(t, ok)
			data, err := io.ReadAll(rc)
			require.NoError(t, err)
			require.NoError(t, rc.Close())
			assert.Equal(t, "foo", string(data))

			_, ok, err = OpenBlob(ctx, s, MD5.SumBytes([]byte("missing")))
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}

	absent := NewMemoryStore(MemoryConfig{StreamMode: LookupModeAbsent})
	key := writeString(t, absent, "", "foo")
	_, ok, err := OpenBlob(ctx, absent, key)
	require.NoError(t, err)
	assert.False(t, ok, "an absent answer is final")
}

func TestReadBlobVia(t *testing.T) {
	s := NewMemoryStore(MemoryConfig{})
	key := writeString(t, s, "", "foo")
	dest := t.TempDir() + "/out"

	ok, err := ReadBlobVia(context.Background(), s, key, dest)
	require.NoError(t, err)
	assert.True(t, ok)
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "foo", string(data))
}
