package binstore

import (
	"log/slog"

	"github.com/minio/minio-go/v7"

	"github.com/hupe1980/binstore/blobstore"
	bss3 "github.com/hupe1980/binstore/blobstore/s3"
	"github.com/hupe1980/binstore/internal/clock"
)

type options struct {
	metricsCollector MetricsCollector
	logger           *Logger
	clock            clock.Clock
	s3Clients        map[string]bss3.Client
	minioClients     map[string]*minio.Client
	dynamoClient     bss3.DDBClient
	invalidation     blobstore.InvalidationRegistry
}

// Option configures Open.
type Option func(*options)

// WithMetricsCollector configures a metrics collector for all stores.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &binstore.BasicMetricsCollector{}
//	m, _ := binstore.Open(ctx, cfg, binstore.WithMetricsCollector(metrics))
//	// ... use m ...
//	stats := metrics.GetStats()
//	fmt.Printf("Writes: %d, Avg latency: %dns\n", stats.WriteCount, stats.WriteAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithS3Client sets the client of the s3 store named store instead of
// connecting with the configured region and endpoint.
func WithS3Client(store string, client bss3.Client) Option {
	return func(o *options) {
		if o.s3Clients == nil {
			o.s3Clients = make(map[string]bss3.Client)
		}
		o.s3Clients[store] = client
	}
}

// WithMinioClient sets the client of the minio store named store.
func WithMinioClient(store string, client *minio.Client) Option {
	return func(o *options) {
		if o.minioClients == nil {
			o.minioClients = make(map[string]*minio.Client)
		}
		o.minioClients[store] = client
	}
}

// WithDynamoClient sets the client used for caches configured with a
// DynamoDB invalidation table.
func WithDynamoClient(client bss3.DDBClient) Option {
	return func(o *options) {
		o.dynamoClient = client
	}
}

// WithInvalidationRegistry replaces the process-wide registry shared by
// caches without an invalidation table.
func WithInvalidationRegistry(r blobstore.InvalidationRegistry) Option {
	return func(o *options) {
		o.invalidation = r
	}
}

func withClock(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		clock:            clock.Real(),
		invalidation:     blobstore.DefaultInvalidationRegistry(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
