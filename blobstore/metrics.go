package blobstore

// MetricsObserver receives cache events of a CachingStore.
// Implementations must be safe for concurrent use.
type MetricsObserver interface {
	// OnCacheHit is called when a read is served from the cache.
	OnCacheHit(store string)
	// OnCacheMiss is called when a read has to ask the target.
	OnCacheMiss(store string)
	// OnCacheEviction is called for every evicted entry.
	OnCacheEviction(store string, bytes int64)
	// OnCacheInvalidation is called when an entry is dropped because the
	// target content changed through another cache.
	OnCacheInvalidation(store string)
}

// NoopMetricsObserver discards all events.
type NoopMetricsObserver struct{}

func (NoopMetricsObserver) OnCacheHit(string)             {}
func (NoopMetricsObserver) OnCacheMiss(string)            {}
func (NoopMetricsObserver) OnCacheEviction(string, int64) {}
func (NoopMetricsObserver) OnCacheInvalidation(string)    {}
