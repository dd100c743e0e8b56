// Package testutil provides testing utilities for binstore.
//
// This package is intended for use in tests and benchmarks only.
//
// # Random Blob Content
//
//	rng := testutil.NewRNG(seed)
//	blob := rng.Bytes(1024)           // uniform random bytes
//	size := rng.BlobSize(64, 1<<20)   // skewed towards small blobs
//
// # Conformance Suite
//
// RunBlobStoreSuite exercises the BlobStore contract against any backend:
//
//	testutil.RunBlobStoreSuite(t, func(t *testing.T) blobstore.BlobStore {
//	    return blobstore.NewMemoryStore(blobstore.MemoryConfig{})
//	})
package testutil
