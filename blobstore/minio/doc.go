// Package minio provides a blobstore.BlobStore on MinIO and other
// S3-compatible servers, using the MinIO client.
//
// # Basic Usage
//
//	client, err := minio.Connect(minio.ConnectConfig{
//	    Endpoint:  "localhost:9000",
//	    AccessKey: "minioadmin",
//	    SecretKey: "minioadmin",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	store, err := minio.New(client, minio.Config{Bucket: "binaries"})
//
// Keys map to objects "<prefix>/<key>". Writes are spooled to a local
// temporary file while the digest is computed and uploaded with a known
// size. GetFile is always Unknown.
//
// Versioned key strategies allocate versions under a process-local lock;
// run a single writer per bucket and prefix for versioned stores.
package minio
