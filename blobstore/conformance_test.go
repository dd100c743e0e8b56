package blobstore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/binstore/blobstore"
	"github.com/hupe1980/binstore/internal/compress"
	"github.com/hupe1980/binstore/testutil"
)

func newLocal(t *testing.T, path blobstore.PathStrategyConfig) blobstore.BlobStore {
	t.Helper()
	s, err := blobstore.NewLocalStore(blobstore.LocalConfig{
		Dir:           t.TempDir(),
		PathStrategy:  path,
		GCGracePeriod: blobstore.NoGracePeriod,
	})
	require.NoError(t, err)
	return s
}

func newCaching(t *testing.T, target blobstore.BlobStore) blobstore.BlobStore {
	t.Helper()
	s, err := blobstore.NewCachingStore(target, blobstore.CachingConfig{
		Dir:          t.TempDir(),
		MaxSizeBytes: 1 << 20,
		MaxCount:     100,
		Invalidation: blobstore.NewMemoryInvalidationRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	factories := map[string]testutil.StoreFactory{
		"Memory": func(t *testing.T) blobstore.BlobStore {
			return blobstore.NewMemoryStore(blobstore.MemoryConfig{})
		},
		"MemoryZstd": func(t *testing.T) blobstore.BlobStore {
			return blobstore.NewMemoryStore(blobstore.MemoryConfig{Compression: compress.Zstd})
		},
		"MemoryLZ4DocID": func(t *testing.T) blobstore.BlobStore {
			return blobstore.NewMemoryStore(blobstore.MemoryConfig{
				KeyStrategy: blobstore.DocIDKeyStrategy{},
				Compression: compress.LZ4,
			})
		},
		"MemoryFiles": func(t *testing.T) blobstore.BlobStore {
			return blobstore.NewMemoryStore(blobstore.MemoryConfig{FileDir: t.TempDir()})
		},
		"LocalFlat": func(t *testing.T) blobstore.BlobStore {
			return newLocal(t, blobstore.PathStrategyConfig{Type: "flat"})
		},
		"LocalSubDirs": func(t *testing.T) blobstore.BlobStore {
			return newLocal(t, blobstore.PathStrategyConfig{Type: "subdirs", Depth: 3})
		},
		"LocalSHA256": func(t *testing.T) blobstore.BlobStore {
			s, err := blobstore.NewLocalStore(blobstore.LocalConfig{
				Dir:           t.TempDir(),
				KeyStrategy:   blobstore.NewDigestKeyStrategy(blobstore.SHA256),
				GCGracePeriod: blobstore.NoGracePeriod,
			})
			require.NoError(t, err)
			return s
		},
		"LocalDocIDVersioned": func(t *testing.T) blobstore.BlobStore {
			s, err := blobstore.NewLocalStore(blobstore.LocalConfig{
				Dir:           t.TempDir(),
				KeyStrategy:   blobstore.DocIDKeyStrategy{Versioned: true},
				GCGracePeriod: blobstore.NoGracePeriod,
			})
			require.NoError(t, err)
			return s
		},
		"CachingLocal": func(t *testing.T) blobstore.BlobStore {
			return newCaching(t, newLocal(t, blobstore.PathStrategyConfig{}))
		},
		"CachingMemoryUnknown": func(t *testing.T) blobstore.BlobStore {
			return newCaching(t, blobstore.NewMemoryStore(blobstore.MemoryConfig{
				StreamMode: blobstore.LookupModeUnknown,
				FileMode:   blobstore.LookupModeUnknown,
			}))
		},
		"Transactional": func(t *testing.T) blobstore.BlobStore {
			s, err := blobstore.NewTransactionalStore(
				newLocal(t, blobstore.PathStrategyConfig{}),
				blobstore.NewMemoryStore(blobstore.MemoryConfig{}),
			)
			require.NoError(t, err)
			return s
		},
	}

	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			testutil.RunBlobStoreSuite(t, factory)
		})
	}
}
