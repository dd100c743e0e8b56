package binstore

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/binstore/blobstore"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems; the
// prometheus subpackage provides one.
//
// Collectors that also implement blobstore.MetricsObserver receive the cache
// events of caching stores.
type MetricsCollector interface {
	// RecordWrite is called after each write. size is the number of bytes
	// read from the caller.
	RecordWrite(store string, size int64, duration time.Duration, err error)

	// RecordRead is called after each ReadBlob, GetStream, GetFile and
	// Exists. op names the call, found is false for absent keys.
	RecordRead(store, op string, found bool, duration time.Duration, err error)

	// RecordDelete is called after each delete operation.
	RecordDelete(store string, duration time.Duration, err error)

	// RecordCopy is called after each copy or move.
	RecordCopy(store string, move bool, duration time.Duration, err error)

	// RecordGC is called after each garbage collection run.
	RecordGC(store string, status blobstore.BinaryManagerStatus, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordWrite(string, int64, time.Duration, error)       {}
func (NoopMetricsCollector) RecordRead(string, string, bool, time.Duration, error) {}
func (NoopMetricsCollector) RecordDelete(string, time.Duration, error)             {}
func (NoopMetricsCollector) RecordCopy(string, bool, time.Duration, error)         {}
func (NoopMetricsCollector) RecordGC(string, blobstore.BinaryManagerStatus, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection over
// all stores. Useful for debugging and basic monitoring without external
// dependencies.
type BasicMetricsCollector struct {
	WriteCount      atomic.Int64
	WriteErrors     atomic.Int64
	WriteBytes      atomic.Int64
	WriteTotalNanos atomic.Int64
	ReadCount       atomic.Int64
	ReadMisses      atomic.Int64
	ReadErrors      atomic.Int64
	ReadTotalNanos  atomic.Int64
	DeleteCount     atomic.Int64
	DeleteErrors    atomic.Int64
	CopyCount       atomic.Int64
	MoveCount       atomic.Int64
	CopyErrors      atomic.Int64
	GCRuns          atomic.Int64
	GCErrors        atomic.Int64
	GCBinaries      atomic.Int64
	GCBytes         atomic.Int64
	CacheHits       atomic.Int64
	CacheMisses     atomic.Int64
	CacheEvictions  atomic.Int64
}

var (
	_ MetricsCollector          = (*BasicMetricsCollector)(nil)
	_ blobstore.MetricsObserver = (*BasicMetricsCollector)(nil)
)

// RecordWrite implements MetricsCollector.
func (b *BasicMetricsCollector) RecordWrite(_ string, size int64, duration time.Duration, err error) {
	b.WriteCount.Add(1)
	b.WriteTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.WriteErrors.Add(1)
		return
	}
	b.WriteBytes.Add(size)
}

// RecordRead implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRead(_, _ string, found bool, duration time.Duration, err error) {
	b.ReadCount.Add(1)
	b.ReadTotalNanos.Add(duration.Nanoseconds())
	switch {
	case err != nil:
		b.ReadErrors.Add(1)
	case !found:
		b.ReadMisses.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(_ string, _ time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordCopy implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCopy(_ string, move bool, _ time.Duration, err error) {
	if move {
		b.MoveCount.Add(1)
	} else {
		b.CopyCount.Add(1)
	}
	if err != nil {
		b.CopyErrors.Add(1)
	}
}

// RecordGC implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGC(_ string, status blobstore.BinaryManagerStatus, err error) {
	b.GCRuns.Add(1)
	if err != nil {
		b.GCErrors.Add(1)
	}
	b.GCBinaries.Add(status.NumBinariesGC)
	b.GCBytes.Add(status.SizeBinariesGC)
}

// OnCacheHit implements blobstore.MetricsObserver.
func (b *BasicMetricsCollector) OnCacheHit(string) { b.CacheHits.Add(1) }

// OnCacheMiss implements blobstore.MetricsObserver.
func (b *BasicMetricsCollector) OnCacheMiss(string) { b.CacheMisses.Add(1) }

// OnCacheEviction implements blobstore.MetricsObserver.
func (b *BasicMetricsCollector) OnCacheEviction(string, int64) { b.CacheEvictions.Add(1) }

// OnCacheInvalidation implements blobstore.MetricsObserver.
func (b *BasicMetricsCollector) OnCacheInvalidation(string) {}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		WriteCount:     b.WriteCount.Load(),
		WriteErrors:    b.WriteErrors.Load(),
		WriteBytes:     b.WriteBytes.Load(),
		WriteAvgNanos:  avg(b.WriteTotalNanos.Load(), b.WriteCount.Load()),
		ReadCount:      b.ReadCount.Load(),
		ReadMisses:     b.ReadMisses.Load(),
		ReadErrors:     b.ReadErrors.Load(),
		ReadAvgNanos:   avg(b.ReadTotalNanos.Load(), b.ReadCount.Load()),
		DeleteCount:    b.DeleteCount.Load(),
		DeleteErrors:   b.DeleteErrors.Load(),
		CopyCount:      b.CopyCount.Load(),
		MoveCount:      b.MoveCount.Load(),
		CopyErrors:     b.CopyErrors.Load(),
		GCRuns:         b.GCRuns.Load(),
		GCErrors:       b.GCErrors.Load(),
		GCBinaries:     b.GCBinaries.Load(),
		GCBytes:        b.GCBytes.Load(),
		CacheHits:      b.CacheHits.Load(),
		CacheMisses:    b.CacheMisses.Load(),
		CacheEvictions: b.CacheEvictions.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	WriteCount     int64
	WriteErrors    int64
	WriteBytes     int64
	WriteAvgNanos  int64
	ReadCount      int64
	ReadMisses     int64
	ReadErrors     int64
	ReadAvgNanos   int64
	DeleteCount    int64
	DeleteErrors   int64
	CopyCount      int64
	MoveCount      int64
	CopyErrors     int64
	GCRuns         int64
	GCErrors       int64
	GCBinaries     int64
	GCBytes        int64
	CacheHits      int64
	CacheMisses    int64
	CacheEvictions int64
}
