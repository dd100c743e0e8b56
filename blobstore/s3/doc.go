// Package s3 provides an Amazon S3 implementation of blobstore.BlobStore and
// a DynamoDB-backed blobstore.InvalidationRegistry.
//
// # Usage
//
//	client, err := s3.Connect(ctx, s3.ConnectConfig{Region: "eu-central-1"})
//	store, err := s3.New(client, s3.Config{
//	    Bucket: "my-bucket",
//	    Prefix: "binaries",
//	})
//
// Keys map to objects "<prefix>/<key>". Writes are spooled to a local
// temporary file while the digest is computed, then uploaded under the
// resolved key. Content a digest store already holds is not uploaded again.
//
// Caches in different processes over the same bucket share invalidations
// through a DynamoInvalidationTable:
//
//	table := s3.NewDynamoInvalidationTable(dynamodb.NewFromConfig(awsCfg), "binstore-generations")
//	cache, err := blobstore.NewCachingStore(store, blobstore.CachingConfig{
//	    Dir:          "/var/cache/binstore",
//	    Invalidation: table,
//	})
package s3
