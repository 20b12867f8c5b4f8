package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fleetinsight/fleetinsight/internal/cachestore"
	"github.com/fleetinsight/fleetinsight/internal/freshness"
	"github.com/fleetinsight/fleetinsight/internal/metrics"
	"github.com/fleetinsight/fleetinsight/internal/models"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCollector struct {
	calls   atomic.Int64
	payload json.RawMessage
	err     error
	block   chan struct{}
}

func (s *stubCollector) Collect(_ context.Context, _ string, _ uuid.UUID) (json.RawMessage, error) {
	s.calls.Add(1)
	if s.block != nil {
		<-s.block
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.payload, nil
}

type capturingRecorder struct {
	mu      sync.Mutex
	records []models.AuditRecord
	err     error
}

func (c *capturingRecorder) Record(_ context.Context, record models.AuditRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.records = append(c.records, record)
	return nil
}

func (c *capturingRecorder) Close() {}

func (c *capturingRecorder) all() []models.AuditRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.AuditRecord, len(c.records))
	copy(out, c.records)
	return out
}

type fixture struct {
	coordinator *Coordinator
	store       *cachestore.Store
	tracker     *metrics.Tracker
	policy      *freshness.Policy
	collector   *stubCollector
	recorder    *capturingRecorder
}

func newFixture(t *testing.T, options ...Option) *fixture {
	t.Helper()

	backend := cachestore.NewMemoryBackend()
	tracker := metrics.NewTracker(backend, 1000, prometheus.NewRegistry())
	store := cachestore.NewStore(backend, cachestore.Config{
		MaxCacheSize:      100,
		EvictionBatchSize: 1,
	}, cachestore.WithEvictionCallback(tracker.RecordEviction))
	policy := freshness.NewPolicy()
	collector := &stubCollector{payload: json.RawMessage(`{"containers":[{"name":"edge-agent","state":"running"}]}`)}
	recorder := &capturingRecorder{}

	return &fixture{
		coordinator: New(store, policy, tracker, recorder, collector, options...),
		store:       store,
		tracker:     tracker,
		policy:      policy,
		collector:   collector,
		recorder:    recorder,
	}
}

func (f *fixture) seed(t *testing.T, dataType string, deviceID uuid.UUID, age time.Duration) models.Envelope {
	t.Helper()
	envelope := models.Envelope{
		DataType:    dataType,
		DeviceID:    deviceID,
		CollectedAt: time.Now().UTC().Add(-age),
		Body:        json.RawMessage(`{"containers":[]}`),
	}
	require.NoError(t, f.store.Set(context.Background(), dataType, deviceID, envelope))
	return envelope
}

func TestFreshEntryIsServedFromCache(t *testing.T) {
	f := newFixture(t)
	deviceID := uuid.New()
	require.NoError(t, f.policy.SetThreshold("containers", 300))
	seeded := f.seed(t, "containers", deviceID, 250*time.Second)

	got, err := f.coordinator.GetFreshData(context.Background(), "containers", deviceID, false)
	require.NoError(t, err)

	assert.EqualValues(t, 0, f.collector.calls.Load(), "collector must not run for fresh data")
	assert.Equal(t, seeded.CollectedAt.Unix(), got.CollectedAt.Unix())
	assert.JSONEq(t, string(seeded.Body), string(got.Body))

	snapshot := f.tracker.Snapshot()
	assert.EqualValues(t, 1, snapshot.Hits)
	assert.EqualValues(t, 0, snapshot.Misses)
	assert.Empty(t, f.recorder.all(), "cache hits are not collection attempts")
}

func TestStaleEntryTriggersCollection(t *testing.T) {
	f := newFixture(t)
	deviceID := uuid.New()
	require.NoError(t, f.policy.SetThreshold("containers", 300))
	stale := f.seed(t, "containers", deviceID, 400*time.Second)

	got, err := f.coordinator.GetFreshData(context.Background(), "containers", deviceID, false)
	require.NoError(t, err)

	assert.EqualValues(t, 1, f.collector.calls.Load())
	assert.True(t, got.CollectedAt.After(stale.CollectedAt))
	assert.JSONEq(t, string(f.collector.payload), string(got.Body))

	// the cache now holds the new payload
	cached, found, err := f.store.Get(context.Background(), "containers", deviceID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, got.CollectedAt.Unix(), cached.CollectedAt.Unix())

	records := f.recorder.all()
	require.Len(t, records, 1)
	assert.Equal(t, models.StatusSuccess, records[0].Status)
	assert.True(t, records[0].CacheHit, "a stale entry was present")
	assert.False(t, records[0].ForceRefresh)
	assert.Equal(t, 1, records[0].RecordsUpdated)
}

func TestMissTriggersCollection(t *testing.T) {
	f := newFixture(t)
	deviceID := uuid.New()

	got, err := f.coordinator.GetFreshData(context.Background(), "metrics", deviceID, false)
	require.NoError(t, err)

	assert.EqualValues(t, 1, f.collector.calls.Load())
	assert.Equal(t, "metrics", got.DataType)
	assert.Equal(t, deviceID, got.DeviceID)

	snapshot := f.tracker.Snapshot()
	assert.EqualValues(t, 0, snapshot.Hits)
	assert.EqualValues(t, 1, snapshot.Misses)

	records := f.recorder.all()
	require.Len(t, records, 1)
	assert.False(t, records[0].CacheHit)
	assert.Equal(t, 1, records[0].RecordsCreated)
}

func TestForceRefreshBypassesFreshCache(t *testing.T) {
	f := newFixture(t)
	deviceID := uuid.New()
	require.NoError(t, f.policy.SetThreshold("containers", 300))
	seeded := f.seed(t, "containers", deviceID, 10*time.Second)

	got, err := f.coordinator.GetFreshData(context.Background(), "containers", deviceID, true)
	require.NoError(t, err)

	assert.EqualValues(t, 1, f.collector.calls.Load(), "force refresh always collects")
	assert.True(t, !got.CollectedAt.Before(seeded.CollectedAt))
	assert.JSONEq(t, string(f.collector.payload), string(got.Body))

	records := f.recorder.all()
	require.Len(t, records, 1)
	assert.True(t, records[0].ForceRefresh)
	assert.False(t, records[0].CacheHit, "force refresh skips the cache read")
}

func TestCollectionFailure(t *testing.T) {
	f := newFixture(t)
	f.collector.err = errors.New("ssh: connect to host 10.0.0.7 port 22: connection refused")
	deviceID := uuid.New()

	_, err := f.coordinator.GetFreshData(context.Background(), "containers", deviceID, false)
	require.Error(t, err)

	var collectionErr *models.DataCollectionError
	require.ErrorAs(t, err, &collectionErr)
	assert.Equal(t, "containers", collectionErr.DataType)
	assert.Equal(t, deviceID, collectionErr.DeviceID)
	assert.Contains(t, err.Error(), deviceID.String())

	records := f.recorder.all()
	require.Len(t, records, 1)
	assert.Equal(t, models.StatusFailure, records[0].Status)
	assert.NotEmpty(t, records[0].ErrorDetail)

	// the cache is left unchanged
	_, found, getErr := f.store.Get(context.Background(), "containers", deviceID)
	require.NoError(t, getErr)
	assert.False(t, found)
}

func TestCollectionFailureKeepsStaleEntry(t *testing.T) {
	f := newFixture(t)
	f.collector.err = errors.New("host unreachable")
	deviceID := uuid.New()
	require.NoError(t, f.policy.SetThreshold("containers", 300))
	stale := f.seed(t, "containers", deviceID, 400*time.Second)

	_, err := f.coordinator.GetFreshData(context.Background(), "containers", deviceID, false)
	require.Error(t, err)

	cached, found, getErr := f.store.Get(context.Background(), "containers", deviceID)
	require.NoError(t, getErr)
	require.True(t, found)
	assert.Equal(t, stale.CollectedAt.Unix(), cached.CollectedAt.Unix())
}

func TestBestEffortServesStaleOnFailure(t *testing.T) {
	f := newFixture(t)
	f.collector.err = errors.New("host unreachable")
	deviceID := uuid.New()
	require.NoError(t, f.policy.SetThreshold("containers", 300))
	stale := f.seed(t, "containers", deviceID, 400*time.Second)

	got, err := f.coordinator.GetFreshDataBestEffort(context.Background(), "containers", deviceID, false)
	require.NoError(t, err)
	assert.Equal(t, stale.CollectedAt.Unix(), got.CollectedAt.Unix())

	// a failure audit record is still written
	records := f.recorder.all()
	require.Len(t, records, 1)
	assert.Equal(t, models.StatusFailure, records[0].Status)
}

func TestBestEffortStillFailsWithoutStaleEntry(t *testing.T) {
	f := newFixture(t)
	f.collector.err = errors.New("host unreachable")

	_, err := f.coordinator.GetFreshDataBestEffort(context.Background(), "containers", uuid.New(), false)
	var collectionErr *models.DataCollectionError
	require.ErrorAs(t, err, &collectionErr)
}

func TestAuditFailureDoesNotFailCollection(t *testing.T) {
	f := newFixture(t)
	f.recorder.err = errors.New("audit database down")
	deviceID := uuid.New()

	got, err := f.coordinator.GetFreshData(context.Background(), "metrics", deviceID, false)
	require.NoError(t, err)
	assert.JSONEq(t, string(f.collector.payload), string(got.Body))
}

func TestInvalidArgumentsRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.coordinator.GetFreshData(context.Background(), "", uuid.New(), false)
	assert.ErrorIs(t, err, models.ErrInvalidKey)

	_, err = f.coordinator.GetFreshData(context.Background(), "metrics", uuid.Nil, false)
	assert.ErrorIs(t, err, models.ErrInvalidKey)

	assert.EqualValues(t, 0, f.collector.calls.Load())
}

func TestCancelledCollectionIsNotCached(t *testing.T) {
	f := newFixture(t)
	deviceID := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.coordinator.GetFreshData(ctx, "metrics", deviceID, false)
	require.Error(t, err)
	var collectionErr *models.DataCollectionError
	require.ErrorAs(t, err, &collectionErr)

	_, found, getErr := f.store.Get(context.Background(), "metrics", deviceID)
	require.NoError(t, getErr)
	assert.False(t, found, "a cancelled collection must never reach the cache")
}

func TestThresholdManagement(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.coordinator.SetFreshnessThreshold("containers", 120))
	assert.Equal(t, 120, f.coordinator.GetFreshnessThreshold("containers"))

	err := f.coordinator.SetFreshnessThreshold("containers", -1)
	assert.ErrorIs(t, err, models.ErrInvalidThreshold)
}

func TestInvalidate(t *testing.T) {
	f := newFixture(t)
	deviceID := uuid.New()
	f.seed(t, "config", deviceID, time.Second)

	found, err := f.coordinator.Invalidate(context.Background(), "config", deviceID)
	require.NoError(t, err)
	assert.True(t, found)

	found, err = f.coordinator.Invalidate(context.Background(), "config", deviceID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCoalescingSharesOneCollection(t *testing.T) {
	f := newFixture(t, WithCoalescing())
	f.collector.block = make(chan struct{})
	deviceID := uuid.New()

	const callers = 5
	var wg sync.WaitGroup
	results := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.coordinator.GetFreshData(context.Background(), "metrics", deviceID, false)
		}(i)
	}

	// wait until the first caller is inside the collector, then give the
	// rest time to queue up on the same flight
	require.Eventually(t, func() bool {
		return f.collector.calls.Load() >= 1
	}, time.Second, time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	close(f.collector.block)
	wg.Wait()

	for i, err := range results {
		assert.NoError(t, err, "caller %d", i)
	}
	assert.EqualValues(t, 1, f.collector.calls.Load(), "all callers share one collection")
}
