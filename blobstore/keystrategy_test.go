package blobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKeyStrategy(t *testing.T) {
	ks, err := NewKeyStrategy(KeyStrategyConfig{})
	require.NoError(t, err)
	assert.Equal(t, NewDigestKeyStrategy(MD5), ks)
	assert.True(t, ks.UseDeDuplication())
	assert.False(t, ks.HasVersioning())

	ks, err = NewKeyStrategy(KeyStrategyConfig{Type: "digest", Digest: "SHA-256"})
	require.NoError(t, err)
	assert.Equal(t, "digest(SHA-256)", ks.String())

	ks, err = NewKeyStrategy(KeyStrategyConfig{Type: "docid", Versioned: true})
	require.NoError(t, err)
	assert.False(t, ks.UseDeDuplication())
	assert.True(t, ks.HasVersioning())

	_, err = NewKeyStrategy(KeyStrategyConfig{Type: "digest", Digest: "whirlpool"})
	require.ErrorIs(t, err, ErrUnsupportedDigest)

	_, err = NewKeyStrategy(KeyStrategyConfig{Type: "random"})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewKeyStrategy(KeyStrategyConfig{Versioned: true})
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDigestFromKey(t *testing.T) {
	ks := NewDigestKeyStrategy(MD5)

	d, ok := ks.DigestFromKey("acbd18db4cc2f85cedef654fccc4a4d8")
	assert.True(t, ok)
	assert.Equal(t, "acbd18db4cc2f85cedef654fccc4a4d8", d)

	_, ok = ks.DigestFromKey("doc-1")
	assert.False(t, ok)

	_, ok = DocIDKeyStrategy{}.DigestFromKey("acbd18db4cc2f85cedef654fccc4a4d8")
	assert.False(t, ok)
}

func TestSameKeyStrategy(t *testing.T) {
	assert.True(t, SameKeyStrategy(NewDigestKeyStrategy(nil), NewDigestKeyStrategy(MD5)))
	assert.False(t, SameKeyStrategy(NewDigestKeyStrategy(MD5), NewDigestKeyStrategy(SHA256)))
	assert.True(t, SameKeyStrategy(DocIDKeyStrategy{Versioned: true}, DocIDKeyStrategy{Versioned: true}))
	assert.False(t, SameKeyStrategy(DocIDKeyStrategy{}, DocIDKeyStrategy{Versioned: true}))
	assert.False(t, SameKeyStrategy(DocIDKeyStrategy{}, NewDigestKeyStrategy(nil)))
}

func TestResolveKey(t *testing.T) {
	digest := NewDigestKeyStrategy(MD5)
	foo := "acbd18db4cc2f85cedef654fccc4a4d8"

	key, err := ResolveKey(digest, BlobContext{ID: "ID1"}, foo)
	require.NoError(t, err)
	assert.Equal(t, foo, key)

	_, err = ResolveKey(digest, BlobContext{Digest: "0123456789abcdef0123456789abcdef"}, foo)
	require.ErrorIs(t, err, ErrDigestMismatch)

	key, err = ResolveKey(DocIDKeyStrategy{}, BlobContext{ID: "doc/1"}, "")
	require.NoError(t, err)
	assert.Equal(t, "doc/1", key)

	_, err = ResolveKey(DocIDKeyStrategy{}, BlobContext{}, "")
	require.ErrorIs(t, err, ErrInvalidKey)

	_, err = ResolveKey(DocIDKeyStrategy{Versioned: true}, BlobContext{ID: "doc@2"}, "")
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestVersionKeys(t *testing.T) {
	assert.Equal(t, "doc@3", VersionKey("doc", 3))

	id, n, ok := SplitVersion("doc@3")
	assert.True(t, ok)
	assert.Equal(t, "doc", id)
	assert.Equal(t, 3, n)

	for _, key := range []string{"doc", "doc@", "@3", "doc@0", "doc@x"} {
		_, _, ok := SplitVersion(key)
		assert.False(t, ok, key)
	}
}
