// Package prometheus exports binstore metrics to Prometheus.
//
//	reg := prom.NewRegistry()
//	c, err := prometheus.New(reg)
//	m, err := binstore.Open(ctx, cfg, binstore.WithMetricsCollector(c))
//	http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
package prometheus

import (
	"errors"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/binstore"
	"github.com/hupe1980/binstore/blobstore"
)

const namespace = "binstore"

// Collector implements binstore.MetricsCollector and
// blobstore.MetricsObserver with Prometheus metrics.
type Collector struct {
	operations *prom.CounterVec
	duration   *prom.HistogramVec
	writeBytes *prom.CounterVec

	gcRuns      *prom.CounterVec
	gcBinaries  *prom.GaugeVec
	gcSwept     *prom.CounterVec
	gcSweptSize *prom.CounterVec

	cacheEvents       *prom.CounterVec
	cacheEvictedBytes *prom.CounterVec
}

var (
	_ binstore.MetricsCollector = (*Collector)(nil)
	_ blobstore.MetricsObserver = (*Collector)(nil)
)

// New creates a Collector and registers its metrics with reg.
func New(reg prom.Registerer) (*Collector, error) {
	c := &Collector{
		operations: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Blob store operations by store, operation and result.",
		}, []string{"store", "op", "result"}),
		duration: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of blob store operations.",
			Buckets:   prom.DefBuckets,
		}, []string{"store", "op"}),
		writeBytes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "write_bytes_total",
			Help:      "Bytes written by successful writes.",
		}, []string{"store"}),
		gcRuns: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "gc_runs_total",
			Help:      "Garbage collection runs by result.",
		}, []string{"store", "result"}),
		gcBinaries: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "gc_binaries",
			Help:      "Binaries found by the last garbage collection run.",
		}, []string{"store"}),
		gcSwept: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "gc_unmarked_binaries_total",
			Help:      "Binaries found unmarked by garbage collection.",
		}, []string{"store"}),
		gcSweptSize: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "gc_unmarked_bytes_total",
			Help:      "Bytes of binaries found unmarked by garbage collection.",
		}, []string{"store"}),
		cacheEvents: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "cache_events_total",
			Help:      "Cache hits, misses, evictions and invalidations.",
		}, []string{"cache", "event"}),
		cacheEvictedBytes: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "cache_evicted_bytes_total",
			Help:      "Bytes evicted from caches.",
		}, []string{"cache"}),
	}
	if reg != nil {
		if err := errors.Join(
			reg.Register(c.operations),
			reg.Register(c.duration),
			reg.Register(c.writeBytes),
			reg.Register(c.gcRuns),
			reg.Register(c.gcBinaries),
			reg.Register(c.gcSwept),
			reg.Register(c.gcSweptSize),
			reg.Register(c.cacheEvents),
			reg.Register(c.cacheEvictedBytes),
		); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics if registration fails.
func MustNew(reg prom.Registerer) *Collector {
	c, err := New(reg)
	if err != nil {
		panic(err)
	}
	return c
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (c *Collector) observe(store, op, res string, d time.Duration) {
	c.operations.WithLabelValues(store, op, res).Inc()
	c.duration.WithLabelValues(store, op).Observe(d.Seconds())
}

func (c *Collector) RecordWrite(store string, size int64, d time.Duration, err error) {
	c.observe(store, "write", result(err), d)
	if err == nil {
		c.writeBytes.WithLabelValues(store).Add(float64(size))
	}
}

// RecordRead labels absent keys with the result "absent".
func (c *Collector) RecordRead(store, op string, found bool, d time.Duration, err error) {
	res := result(err)
	if err == nil && !found {
		res = "absent"
	}
	c.observe(store, op, res, d)
}

func (c *Collector) RecordDelete(store string, d time.Duration, err error) {
	c.observe(store, "delete", result(err), d)
}

func (c *Collector) RecordCopy(store string, move bool, d time.Duration, err error) {
	op := "copy"
	if move {
		op = "move"
	}
	c.observe(store, op, result(err), d)
}

func (c *Collector) RecordGC(store string, status blobstore.BinaryManagerStatus, err error) {
	c.gcRuns.WithLabelValues(store, result(err)).Inc()
	if err != nil {
		return
	}
	c.gcBinaries.WithLabelValues(store).Set(float64(status.NumBinaries))
	c.gcSwept.WithLabelValues(store).Add(float64(status.NumBinariesGC))
	c.gcSweptSize.WithLabelValues(store).Add(float64(status.SizeBinariesGC))
}

func (c *Collector) OnCacheHit(cache string) {
	c.cacheEvents.WithLabelValues(cache, "hit").Inc()
}

func (c *Collector) OnCacheMiss(cache string) {
	c.cacheEvents.WithLabelValues(cache, "miss").Inc()
}

func (c *Collector) OnCacheEviction(cache string, bytes int64) {
	c.cacheEvents.WithLabelValues(cache, "eviction").Inc()
	c.cacheEvictedBytes.WithLabelValues(cache).Add(float64(bytes))
}

func (c *Collector) OnCacheInvalidation(cache string) {
	c.cacheEvents.WithLabelValues(cache, "invalidation").Inc()
}
