package blobstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/binstore/internal/clock"
)

// BinaryGarbageCollector is a mark-and-sweep collector driven by an external
// scan of live references.
//
// Start snapshots the stored keys, Mark records each live key, and Stop
// sweeps the unmarked remainder of the snapshot. Keys written after Start
// are never swept by that run.
type BinaryGarbageCollector interface {
	// Start moves the collector from idle to marking.
	Start(ctx context.Context) error
	// Mark records key as live. Keys outside the snapshot are ignored.
	Mark(key string) error
	// Stop ends the run. With delete set, unmarked blobs are removed;
	// without it nothing is removed.
	Stop(ctx context.Context, delete bool) (BinaryManagerStatus, error)
	// IsInProgress reports whether a run is marking.
	IsInProgress() bool
	// Status returns the status of the last completed run.
	Status() BinaryManagerStatus
}

// BinaryManagerStatus reports the outcome of a collection run.
type BinaryManagerStatus struct {
	NumBinaries    int64         `json:"numBinaries"`
	SizeBinaries   int64         `json:"sizeBinaries"`
	NumBinariesGC  int64         `json:"numBinariesGC"`
	SizeBinariesGC int64         `json:"sizeBinariesGC"`
	GCStartTime    time.Time     `json:"gcStartTime"`
	GCDuration     time.Duration `json:"gcDuration"`
}

func (s BinaryManagerStatus) String() string {
	return fmt.Sprintf("binaries=%d (%d bytes) gc=%d (%d bytes) in %s",
		s.NumBinaries, s.SizeBinaries, s.NumBinariesGC, s.SizeBinariesGC, s.GCDuration)
}

// GCEntry is one stored blob in a collection snapshot.
type GCEntry struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// GCBackend is what a store supplies to a SnapshotCollector.
type GCBackend interface {
	// Snapshot lists every stored blob.
	Snapshot(ctx context.Context) ([]GCEntry, error)
	// Sweep removes a blob found unmarked.
	Sweep(ctx context.Context, key string) error
}

// GCStater is optionally implemented by a GCBackend whose blobs can be
// refreshed by writers outside this process. Stop re-reads each sweep
// candidate and keeps it when it is gone or was modified within the grace
// period.
type GCStater interface {
	Stat(ctx context.Context, key string) (GCEntry, bool, error)
}

// GCLocker is optionally implemented by a GCBackend whose storage is shared
// between processes. Lock is held from Start to Stop.
type GCLocker interface {
	LockGC(ctx context.Context) (unlock func() error, err error)
}

// GCOption configures a SnapshotCollector.
type GCOption func(*SnapshotCollector)

// WithGracePeriod keeps unmarked blobs modified less than d before Start.
// Set d to the longest expected duration of a reference scan.
func WithGracePeriod(d time.Duration) GCOption {
	return func(c *SnapshotCollector) { c.grace = d }
}

// WithGCClock sets the clock used for start times and the grace period.
func WithGCClock(clk clock.Clock) GCOption {
	return func(c *SnapshotCollector) { c.clock = clk }
}

// DefaultGCGracePeriod is the grace period of collectors built without
// WithGracePeriod.
const DefaultGCGracePeriod = 2 * time.Second

// SnapshotCollector implements BinaryGarbageCollector over any GCBackend.
// Marks are kept in a roaring bitmap over snapshot positions.
type SnapshotCollector struct {
	backend GCBackend
	clock   clock.Clock
	grace   time.Duration

	mu      sync.Mutex
	marking bool
	start   time.Time
	entries []GCEntry
	index   map[string]uint32
	marks   *roaring.Bitmap
	unlock  func() error
	status  BinaryManagerStatus
}

// NewSnapshotCollector returns a collector sweeping backend.
func NewSnapshotCollector(backend GCBackend, opts ...GCOption) *SnapshotCollector {
	c := &SnapshotCollector{
		backend: backend,
		clock:   clock.Real(),
		grace:   DefaultGCGracePeriod,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *SnapshotCollector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.marking {
		return fmt.Errorf("%w: start while marking", ErrGCState)
	}

	var unlock func() error
	if l, ok := c.backend.(GCLocker); ok {
		u, err := l.LockGC(ctx)
		if err != nil {
			return err
		}
		unlock = u
	}

	start := c.clock.Now()
	entries, err := c.backend.Snapshot(ctx)
	if err != nil {
		if unlock != nil {
			_ = unlock()
		}
		return err
	}

	index := make(map[string]uint32, len(entries))
	for i, e := range entries {
		index[e.Key] = uint32(i)
	}

	c.marking = true
	c.start = start
	c.entries = entries
	c.index = index
	c.marks = roaring.New()
	c.unlock = unlock
	return nil
}

func (c *SnapshotCollector) Mark(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.marking {
		return fmt.Errorf("%w: mark without start", ErrGCState)
	}
	if i, ok := c.index[key]; ok {
		c.marks.Add(i)
	}
	return nil
}

// Touch marks key live in the current run. Stores call it when a write
// resolves to a key that is already stored.
func (c *SnapshotCollector) Touch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.marking {
		return
	}
	if i, ok := c.index[key]; ok {
		c.marks.Add(i)
	}
}

func (c *SnapshotCollector) Stop(ctx context.Context, delete bool) (BinaryManagerStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.marking {
		return BinaryManagerStatus{}, fmt.Errorf("%w: stop without start", ErrGCState)
	}
	defer c.reset()

	threshold := c.start.Add(-c.grace)
	status := BinaryManagerStatus{GCStartTime: c.start}

	var firstErr error
	for i, e := range c.entries {
		status.NumBinaries++
		status.SizeBinaries += e.Size
		if c.marks.Contains(uint32(i)) || e.ModTime.After(threshold) {
			continue
		}
		if st, ok := c.backend.(GCStater); ok && firstErr == nil {
			cur, found, err := st.Stat(ctx, e.Key)
			if err != nil {
				firstErr = err
				continue
			}
			if !found || cur.ModTime.After(threshold) {
				continue
			}
		}
		if delete && firstErr == nil {
			if err := ctx.Err(); err != nil {
				firstErr = err
			} else if err := c.backend.Sweep(ctx, e.Key); err != nil {
				firstErr = err
			}
			if firstErr != nil {
				continue
			}
		}
		status.NumBinariesGC++
		status.SizeBinariesGC += e.Size
	}

	status.GCDuration = c.clock.Now().Sub(c.start)
	c.status = status
	return status, firstErr
}

// reset returns the collector to idle. Called with mu held.
func (c *SnapshotCollector) reset() {
	if c.unlock != nil {
		_ = c.unlock()
	}
	c.marking = false
	c.entries = nil
	c.index = nil
	c.marks = nil
	c.unlock = nil
}

func (c *SnapshotCollector) IsInProgress() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.marking
}

func (c *SnapshotCollector) Status() BinaryManagerStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}
