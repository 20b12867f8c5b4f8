package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/fleetinsight/fleetinsight/internal/cachestore"
	"github.com/fleetinsight/fleetinsight/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTracker(persistEvery int) (*Tracker, cachestore.Backend) {
	backend := cachestore.NewMemoryBackend()
	return NewTracker(backend, persistEvery, prometheus.NewRegistry()), backend
}

func TestHitMissAccounting(t *testing.T) {
	tracker, _ := newTestTracker(100)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		tracker.RecordHit(ctx, 10*time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		tracker.RecordMiss(ctx, 30*time.Millisecond)
	}

	snapshot := tracker.Snapshot()
	assert.EqualValues(t, 7, snapshot.Hits)
	assert.EqualValues(t, 3, snapshot.Misses)
	assert.EqualValues(t, 10, snapshot.TotalOperations)
	assert.InDelta(t, 0.7, snapshot.HitRatio, 1e-9)
	assert.InDelta(t, 160, snapshot.CumulativeResponseTimeMs, 1e-6)
	assert.InDelta(t, 16, snapshot.AverageResponseTimeMs, 1e-6)
}

func TestSnapshotWithoutOperations(t *testing.T) {
	tracker, _ := newTestTracker(100)

	snapshot := tracker.Snapshot()
	assert.EqualValues(t, 0, snapshot.TotalOperations)
	assert.Zero(t, snapshot.HitRatio)
	assert.Zero(t, snapshot.AverageResponseTimeMs)
}

func TestEvictionsAreNotOperations(t *testing.T) {
	tracker, _ := newTestTracker(100)

	tracker.RecordEviction(5)
	tracker.RecordEviction(0)
	tracker.RecordEviction(-3)

	snapshot := tracker.Snapshot()
	assert.EqualValues(t, 5, snapshot.Evictions)
	assert.EqualValues(t, 0, snapshot.TotalOperations)
}

func TestPersistEveryNthOperation(t *testing.T) {
	tracker, backend := newTestTracker(5)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		tracker.RecordMiss(ctx, time.Millisecond)
	}
	_, err := LoadPersisted(ctx, backend)
	assert.ErrorIs(t, err, models.ErrNotFound)

	tracker.RecordHit(ctx, time.Millisecond)

	persisted, err := LoadPersisted(ctx, backend)
	require.NoError(t, err)
	assert.EqualValues(t, 5, persisted.TotalOperations)
	assert.EqualValues(t, 1, persisted.Hits)
	assert.EqualValues(t, 4, persisted.Misses)
	assert.False(t, persisted.CapturedAt.IsZero())
}

func TestPersistenceFailureIsSwallowed(t *testing.T) {
	tracker := NewTracker(nil, 1, prometheus.NewRegistry())
	ctx := context.Background()

	// no backend at all, recording must still work
	tracker.RecordHit(ctx, time.Millisecond)
	assert.EqualValues(t, 1, tracker.Snapshot().Hits)
}
