package blobstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/binstore/internal/clock"
)

type fakeGCBackend struct {
	entries  []GCEntry
	swept    []string
	sweepErr error
	locked   int
	unlocked int
}

func (b *fakeGCBackend) Snapshot(context.Context) ([]GCEntry, error) {
	return append([]GCEntry(nil), b.entries...), nil
}

func (b *fakeGCBackend) Sweep(_ context.Context, key string) error {
	if b.sweepErr != nil {
		return b.sweepErr
	}
	b.swept = append(b.swept, key)
	return nil
}

func (b *fakeGCBackend) LockGC(context.Context) (func() error, error) {
	b.locked++
	return func() error { b.unlocked++; return nil }, nil
}

func TestSnapshotCollector(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-time.Hour)
	backend := &fakeGCBackend{entries: []GCEntry{
		{Key: "a", Size: 10, ModTime: old},
		{Key: "b", Size: 20, ModTime: old},
		{Key: "c", Size: 30, ModTime: now.Add(-time.Second)},
	}}
	gc := NewSnapshotCollector(backend, WithGCClock(clock.Fake(now)), WithGracePeriod(time.Minute))

	require.NoError(t, gc.Start(ctx))
	assert.Equal(t, 1, backend.locked)
	require.NoError(t, gc.Mark("a"))
	require.NoError(t, gc.Mark("not-in-snapshot"))

	status, err := gc.Stop(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, backend.swept)
	assert.Equal(t, BinaryManagerStatus{
		NumBinaries:    3,
		SizeBinaries:   60,
		NumBinariesGC:  1,
		SizeBinariesGC: 20,
		GCStartTime:    now,
	}, status)
	assert.Equal(t, 1, backend.unlocked)
	assert.False(t, gc.IsInProgress())
}

func TestSnapshotCollector_DryRunNeverDeletes(t *testing.T) {
	ctx := context.Background()
	backend := &fakeGCBackend{entries: []GCEntry{{Key: "a", Size: 1}, {Key: "b", Size: 2}}}
	gc := NewSnapshotCollector(backend, WithGracePeriod(0))

	require.NoError(t, gc.Start(ctx))
	status, err := gc.Stop(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, backend.swept)
	assert.Equal(t, int64(2), status.NumBinariesGC)
	assert.Equal(t, int64(3), status.SizeBinariesGC)
}

func TestSnapshotCollector_SweepError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	backend := &fakeGCBackend{
		entries:  []GCEntry{{Key: "a", Size: 1}},
		sweepErr: boom,
	}
	gc := NewSnapshotCollector(backend, WithGracePeriod(0))

	require.NoError(t, gc.Start(ctx))
	status, err := gc.Stop(ctx, true)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int64(0), status.NumBinariesGC)
	assert.False(t, gc.IsInProgress(), "a failed sweep still ends the run")
	assert.Equal(t, 1, backend.unlocked)
}

func TestSnapshotCollector_States(t *testing.T) {
	ctx := context.Background()
	gc := NewSnapshotCollector(&fakeGCBackend{})

	require.ErrorIs(t, gc.Mark("a"), ErrGCState)
	_, err := gc.Stop(ctx, false)
	require.ErrorIs(t, err, ErrGCState)

	require.NoError(t, gc.Start(ctx))
	require.ErrorIs(t, gc.Start(ctx), ErrGCState)
	_, err = gc.Stop(ctx, false)
	require.NoError(t, err)
	require.NoError(t, gc.Start(ctx))
}

func TestSnapshotCollector_WritesAfterStartSurvive(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(MemoryConfig{})
	a := writeString(t, s, "", "before")

	gc := s.GarbageCollector()
	require.NoError(t, gc.Start(ctx))
	b := writeString(t, s, "", "after start")
	status, err := gc.Stop(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.NumBinaries)

	exists, _ := s.Exists(ctx, a)
	assert.False(t, exists)
	exists, _ = s.Exists(ctx, b)
	assert.True(t, exists)
}

func TestSnapshotCollector_DedupWriteAfterStartMarks(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(MemoryConfig{})
	key := writeString(t, s, "", "shared")

	gc := s.GarbageCollector()
	require.NoError(t, gc.Start(ctx))
	assert.Equal(t, key, writeString(t, s, "", "shared"))
	status, err := gc.Stop(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.NumBinariesGC)

	exists, _ := s.Exists(ctx, key)
	assert.True(t, exists)
}

type statGCBackend struct {
	fakeGCBackend
	current map[string]GCEntry
}

func (b *statGCBackend) Stat(_ context.Context, key string) (GCEntry, bool, error) {
	e, ok := b.current[key]
	return e, ok, nil
}

func TestSnapshotCollector_RechecksBeforeSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	old := now.Add(-time.Hour)
	backend := &statGCBackend{
		fakeGCBackend: fakeGCBackend{entries: []GCEntry{
			{Key: "refreshed", Size: 1, ModTime: old},
			{Key: "gone", Size: 2, ModTime: old},
			{Key: "stale", Size: 4, ModTime: old},
		}},
		current: map[string]GCEntry{
			"refreshed": {Key: "refreshed", Size: 1, ModTime: now},
			"stale":     {Key: "stale", Size: 4, ModTime: old},
		},
	}
	gc := NewSnapshotCollector(backend, WithGCClock(clock.Fake(now)), WithGracePeriod(time.Minute))

	require.NoError(t, gc.Start(ctx))
	status, err := gc.Stop(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, int64(3), status.NumBinaries)
	assert.Equal(t, int64(1), status.NumBinariesGC)
	assert.Equal(t, int64(4), status.SizeBinariesGC)
	assert.Equal(t, []string{"stale"}, backend.swept)
}
