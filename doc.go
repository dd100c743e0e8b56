// Package binstore is a layered binary object storage engine.
//
// Records reference blob content by a small string key. The blobstore
// subpackage implements the stores behind those keys: memory, local file
// system, MinIO and S3 backends, a disk cache in front of any of them, and a
// transaction layer that stages writes until commit. This package opens
// the stores of a process from configuration and instruments them.
//
// # Quick Start
//
//	cfg, _ := binstore.LoadConfig("binstore.yaml")
//	m, _ := binstore.Open(ctx, cfg, binstore.WithLogLevel(slog.LevelInfo))
//	defer m.Close()
//
//	store, _ := m.Store("default")
//	key, _ := store.WriteBlob(ctx, blobstore.BlobContext{Reader: f, ID: "doc-1"})
//	ref := binstore.QualifyKey("default", key) // "default:<md5>"
//
// # Qualified Keys
//
// Records store keys of the form "<providerId>:<storeKey>". Resolve maps
// such a key back to its store:
//
//	store, key, err := m.Resolve(ref)
//
// # Configuration
//
//	dataDir: /var/lib/docs
//	stores:
//	  - name: default
//	    backend: local
//	    keyStrategy: {type: digest, digest: SHA-256}
//	    pathStrategy: {type: subdirs, depth: 2}
//	    caching: {maxSize: 100MB, minAge: 1h}
//	    transactional: {transient: memory}
//
// Relative paths are resolved against dataDir, see ResolveStorageDir.
//
// # Transactions
//
// Stores with a transactional layer stage writes in a transient store:
//
//	ctx, tx, _ := m.Begin(ctx, "default")
//	key, _ := store.WriteBlob(ctx, bc) // visible only inside ctx
//	_ = tx.Commit(ctx)                 // now visible everywhere
//
// # Garbage Collection
//
// A scan of live records drives collection:
//
//	gc := store.GarbageCollector()
//	_ = gc.Start(ctx)
//	for _, key := range liveKeys {
//	    _ = gc.Mark(key)
//	}
//	status, _ := gc.Stop(ctx, true)
package binstore
