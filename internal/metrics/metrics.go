package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/fleetinsight/fleetinsight/internal/cachestore"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	persistenceKey = "fleetinsight:cache:metrics"
	persistenceTTL = 1 * time.Hour

	// DefaultPersistEvery is how many cache operations pass between metric
	// snapshots written to the durable backend.
	DefaultPersistEvery = 10
)

// Snapshot is a consistent point-in-time copy of the cache counters.
// The in-process counters are authoritative until restart, the persisted copy
// is best-effort observability across restarts.
type Snapshot struct {
	Hits                     uint64    `json:"hits"`
	Misses                   uint64    `json:"misses"`
	Evictions                uint64    `json:"evictions"`
	TotalOperations          uint64    `json:"total_operations"`
	CumulativeResponseTimeMs float64   `json:"cumulative_response_time_ms"`
	HitRatio                 float64   `json:"hit_ratio"`
	AverageResponseTimeMs    float64   `json:"average_response_time_ms"`
	CapturedAt               time.Time `json:"captured_at"`
}

// Tracker counts cache hits, misses and evictions. All counters for one
// operation move under a single lock so a snapshot never observes a
// half-recorded operation.
type Tracker struct {
	mu                     sync.Mutex
	hits                   uint64
	misses                 uint64
	evictions              uint64
	totalOperations        uint64
	cumulativeResponseTime time.Duration

	persistEvery uint64
	backend      cachestore.Backend

	promHits       prometheus.Counter
	promMisses     prometheus.Counter
	promEvictions  prometheus.Counter
	promResponseMs prometheus.Counter
}

// NewTracker builds a tracker persisting to backend every persistEvery
// operations. registerer may be nil to skip prometheus registration.
func NewTracker(backend cachestore.Backend, persistEvery int, registerer prometheus.Registerer) *Tracker {
	if persistEvery <= 0 {
		persistEvery = DefaultPersistEvery
	}

	t := &Tracker{
		persistEvery: uint64(persistEvery),
		backend:      backend,
		promHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetinsight_cache_hits_total",
			Help: "Number of cache hits served without re-collection",
		}),
		promMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetinsight_cache_misses_total",
			Help: "Number of cache misses and stale reads that triggered collection",
		}),
		promEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetinsight_cache_evictions_total",
			Help: "Number of entries evicted under capacity pressure",
		}),
		promResponseMs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetinsight_cache_response_time_milliseconds_total",
			Help: "Cumulative response time of cache operations",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(t.promHits, t.promMisses, t.promEvictions, t.promResponseMs)
	}
	return t
}

// RecordHit counts one operation served from cache.
func (t *Tracker) RecordHit(ctx context.Context, latency time.Duration) {
	t.mu.Lock()
	t.hits++
	t.totalOperations++
	t.cumulativeResponseTime += latency
	operations := t.totalOperations
	t.mu.Unlock()

	t.promHits.Inc()
	t.promResponseMs.Add(float64(latency.Milliseconds()))
	t.maybePersist(ctx, operations)
}

// RecordMiss counts one operation that had to fall through to collection.
func (t *Tracker) RecordMiss(ctx context.Context, latency time.Duration) {
	t.mu.Lock()
	t.misses++
	t.totalOperations++
	t.cumulativeResponseTime += latency
	operations := t.totalOperations
	t.mu.Unlock()

	t.promMisses.Inc()
	t.promResponseMs.Add(float64(latency.Milliseconds()))
	t.maybePersist(ctx, operations)
}

// RecordEviction counts evicted entries. Evictions are not operations, they
// do not move total_operations.
func (t *Tracker) RecordEviction(count int) {
	if count <= 0 {
		return
	}
	t.mu.Lock()
	t.evictions += uint64(count)
	t.mu.Unlock()

	t.promEvictions.Add(float64(count))
}

// Snapshot returns a consistent copy of the counters with derived ratios.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	s := Snapshot{
		Hits:                     t.hits,
		Misses:                   t.misses,
		Evictions:                t.evictions,
		TotalOperations:          t.totalOperations,
		CumulativeResponseTimeMs: float64(t.cumulativeResponseTime.Microseconds()) / 1000,
		CapturedAt:               time.Now().UTC(),
	}
	if t.totalOperations > 0 {
		s.HitRatio = float64(t.hits) / float64(t.totalOperations)
		s.AverageResponseTimeMs = s.CumulativeResponseTimeMs / float64(t.totalOperations)
	}
	return s
}

func (t *Tracker) maybePersist(ctx context.Context, operations uint64) {
	if t.backend == nil || operations%t.persistEvery != 0 {
		return
	}

	raw, err := json.Marshal(t.Snapshot())
	if err != nil {
		zap.S().Warnf("Failed to serialize metrics snapshot: %s", err)
		return
	}

	err = t.backend.Set(ctx, persistenceKey, raw, persistenceTTL)
	if err != nil {
		// best effort, the in-process counters stay authoritative
		zap.S().Warnf("Failed to persist metrics snapshot: %s", err)
	}
}

// LoadPersisted reads the last persisted snapshot, if any survives in the
// backend.
func LoadPersisted(ctx context.Context, backend cachestore.Backend) (Snapshot, error) {
	var snapshot Snapshot
	raw, err := backend.Get(ctx, persistenceKey)
	if err != nil {
		return snapshot, err
	}
	err = json.Unmarshal(raw, &snapshot)
	return snapshot, err
}
