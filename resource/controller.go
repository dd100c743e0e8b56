package resource

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrMemoryLimitExceeded is returned when memory limit would be exceeded.
var ErrMemoryLimitExceeded = errors.New("memory limit exceeded")

// Config holds resource limits.
type Config struct {
	// MemoryLimitBytes is the hard limit for blob bytes held in memory.
	// If 0, no hard limit is enforced (only tracking).
	MemoryLimitBytes int64

	// MaxConcurrentTransfers bounds concurrent blob transfers.
	// If 0, defaults to 4.
	MaxConcurrentTransfers int64

	// IOLimitBytesPerSec is the maximum transfer throughput.
	// If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller manages shared resources (memory, concurrency, bandwidth).
type Controller struct {
	cfg Config

	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	transferSem *semaphore.Weighted

	ioLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	if cfg.MaxConcurrentTransfers <= 0 {
		cfg.MaxConcurrentTransfers = 4
	}

	c := &Controller{
		cfg:         cfg,
		transferSem: semaphore.NewWeighted(cfg.MaxConcurrentTransfers),
	}

	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// AcquireMemory attempts to reserve memory.
// Returns ErrMemoryLimitExceeded if limit would be exceeded.
func (c *Controller) AcquireMemory(bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}

	if c.memSem != nil {
		if !c.memSem.TryAcquire(bytes) {
			return ErrMemoryLimitExceeded
		}
	}

	c.memUsed.Add(bytes)
	return nil
}

// ReleaseMemory releases reserved memory.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}

	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the current memory usage in bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// MemoryLimit returns the configured memory limit in bytes (0 if unlimited).
func (c *Controller) MemoryLimit() int64 {
	if c == nil {
		return 0
	}
	return c.cfg.MemoryLimitBytes
}

// MaxConcurrentTransfers returns the effective transfer concurrency.
func (c *Controller) MaxConcurrentTransfers() int {
	if c == nil {
		return 4
	}
	return int(c.cfg.MaxConcurrentTransfers)
}

// AcquireTransfer reserves a transfer slot, blocking while all are busy.
func (c *Controller) AcquireTransfer(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.transferSem.Acquire(ctx, 1)
}

// TryAcquireTransfer reserves a transfer slot without blocking.
func (c *Controller) TryAcquireTransfer() bool {
	if c == nil {
		return true
	}
	return c.transferSem.TryAcquire(1)
}

// ReleaseTransfer releases a transfer slot.
func (c *Controller) ReleaseTransfer() {
	if c == nil {
		return
	}
	c.transferSem.Release(1)
}

// AcquireIO waits until the IO limit allows the specified number of bytes.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil {
		return nil
	}
	// WaitN rejects requests above the burst size.
	burst := c.ioLimiter.Burst()
	for bytes > burst {
		if err := c.ioLimiter.WaitN(ctx, burst); err != nil {
			return err
		}
		bytes -= burst
	}
	return c.ioLimiter.WaitN(ctx, bytes)
}

// TryAcquireIO attempts to acquire IO tokens without blocking.
func (c *Controller) TryAcquireIO(bytes int) bool {
	if c == nil || c.ioLimiter == nil {
		return true
	}
	return c.ioLimiter.AllowN(time.Now(), bytes)
}
