package minio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/binstore/blobstore"
	"github.com/hupe1980/binstore/testutil"
)

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(nil, Config{Bucket: "b"})
	require.ErrorIs(t, err, blobstore.ErrInvalidConfig)

	client, err := Connect(ConnectConfig{Endpoint: "localhost:9000"})
	require.NoError(t, err)
	_, err = New(client, Config{})
	require.ErrorIs(t, err, blobstore.ErrInvalidConfig)
}

func TestStore_Layout(t *testing.T) {
	client, err := Connect(ConnectConfig{Endpoint: "localhost:9000"})
	require.NoError(t, err)

	s, err := New(client, Config{Bucket: "bin", Prefix: "/docs/"})
	require.NoError(t, err)
	assert.Equal(t, "docs/abc", s.objectKey("abc"))
	assert.Equal(t, "docs/", s.listPrefix())
	assert.Equal(t, "minio://localhost:9000/bin/docs", s.Identity())
	assert.Equal(t, "minio", s.Name())

	s, err = New(client, Config{Bucket: "bin"})
	require.NoError(t, err)
	assert.Equal(t, "abc", s.objectKey("abc"))
	assert.Empty(t, s.listPrefix())

	lookup, err := s.GetFile(context.Background(), "abc")
	require.NoError(t, err)
	assert.True(t, lookup.IsUnknown())
}

func TestIsNotFound(t *testing.T) {
	assert.True(t, isNotFound(minio.ErrorResponse{Code: "NoSuchKey"}))
	assert.True(t, isNotFound(minio.ErrorResponse{StatusCode: http.StatusNotFound}))
	assert.False(t, isNotFound(minio.ErrorResponse{Code: "AccessDenied", StatusCode: http.StatusForbidden}))
	assert.False(t, isNotFound(errors.New("connection refused")))
}

// TestMinioStore_Integration requires a running MinIO instance.
// Skip if not available.
func TestMinioStore_Integration(t *testing.T) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:9000"
	}
	bucket := "test-binstore"

	client, err := Connect(ConnectConfig{
		Endpoint:  endpoint,
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
	})
	if err != nil {
		t.Skipf("MinIO client creation failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := client.ListBuckets(ctx); err != nil {
		t.Skipf("MinIO not available: %v", err)
	}
	require.NoError(t, EnsureBucket(context.Background(), client, bucket))

	factories := map[string]testutil.StoreFactory{
		"Digest": func(t *testing.T) blobstore.BlobStore {
			s, err := New(client, Config{
				Bucket:        bucket,
				Prefix:        fmt.Sprintf("test-%d", time.Now().UnixNano()),
				TmpDir:        t.TempDir(),
				GCGracePeriod: blobstore.NoGracePeriod,
			})
			require.NoError(t, err)
			return s
		},
		"DocIDVersioned": func(t *testing.T) blobstore.BlobStore {
			s, err := New(client, Config{
				Bucket:        bucket,
				Prefix:        fmt.Sprintf("test-%d", time.Now().UnixNano()),
				KeyStrategy:   blobstore.DocIDKeyStrategy{Versioned: true},
				TmpDir:        t.TempDir(),
				GCGracePeriod: blobstore.NoGracePeriod,
			})
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
