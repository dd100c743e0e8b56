// Package blobstore stores immutable binary objects (blobs) by key.
//
// BlobStore is the contract shared by every backend and wrapper. Keys come
// from a KeyStrategy: content digests (deduplicated) or caller ids
// (optionally versioned as "<id>@<N>"). Absence is never an error, and the
// lookup tiers GetStream and GetFile answer with a three-valued Lookup so
// that Unknown can be passed on to the next tier.
//
// # Built-in Implementations
//
//   - MemoryStore: map-backed store used for transactional staging and tests
//   - LocalStore: filesystem store laid out by a PathStrategy
//   - minio.Store, s3.Store: object storage (subpackages)
//
// # Wrappers
//
//   - CachingStore: bounded local disk cache with age-protected LRU eviction
//     and cross-cache invalidation through an InvalidationRegistry
//   - TransactionalStore: stages writes in a transient store until commit
//
// A typical stack is TransactionalStore over CachingStore over LocalStore:
//
//	local, _ := blobstore.NewLocalStore(blobstore.LocalConfig{Dir: dir})
//	cache, _ := blobstore.NewCachingStore(local, blobstore.CachingConfig{Dir: cacheDir, MaxSizeBytes: 1 << 30})
//	tx, _ := blobstore.NewTransactionalStore(cache, blobstore.NewMemoryStore(blobstore.MemoryConfig{}))
//
// # Garbage Collection
//
// Each store exposes a BinaryGarbageCollector. An external scan of live
// references drives it:
//
//	gc := store.GarbageCollector()
//	_ = gc.Start(ctx)
//	for _, key := range liveKeys {
//	    _ = gc.Mark(key)
//	}
//	status, err := gc.Stop(ctx, true)
package blobstore
