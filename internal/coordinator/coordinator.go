package coordinator

import (
	"context"
	"time"

	"github.com/fleetinsight/fleetinsight/internal/audit"
	"github.com/fleetinsight/fleetinsight/internal/cachestore"
	"github.com/fleetinsight/fleetinsight/internal/freshness"
	"github.com/fleetinsight/fleetinsight/internal/metrics"
	"github.com/fleetinsight/fleetinsight/internal/models"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Collector is the expensive remote-call boundary. Implementations gather the
// raw payload for a device/data-type pair, typically over SSH.
type Collector interface {
	Collect(ctx context.Context, dataType string, deviceID uuid.UUID) (json.RawMessage, error)
}

// CollectorFunc adapts a plain function to the Collector interface.
type CollectorFunc func(ctx context.Context, dataType string, deviceID uuid.UUID) (json.RawMessage, error)

func (f CollectorFunc) Collect(ctx context.Context, dataType string, deviceID uuid.UUID) (json.RawMessage, error) {
	return f(ctx, dataType, deviceID)
}

// Coordinator is the single public entry point of the collection layer. Each
// call is a stateless pipeline over the cache store: read, freshness check,
// collect on stale/miss, write back, audit.
type Coordinator struct {
	store     *cachestore.Store
	policy    *freshness.Policy
	tracker   *metrics.Tracker
	recorder  audit.Recorder
	collector Collector

	method   string
	coalesce bool
	flight   singleflight.Group
}

type Option func(*Coordinator)

// WithCoalescing makes concurrent calls for the same stale key share one
// collection. Off by default: duplicate collections are tolerated as
// last-write-wins on the cache store.
func WithCoalescing() Option {
	return func(c *Coordinator) {
		c.coalesce = true
	}
}

// WithCollectionMethod overrides the collection method written to the audit
// trail. Defaults to "ssh".
func WithCollectionMethod(method string) Option {
	return func(c *Coordinator) {
		c.method = method
	}
}

func New(store *cachestore.Store, policy *freshness.Policy, tracker *metrics.Tracker, recorder audit.Recorder, collector Collector, options ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		policy:    policy,
		tracker:   tracker,
		recorder:  recorder,
		collector: collector,
		method:    "ssh",
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// GetFreshData returns cached data for the device/data-type pair if it is
// fresh enough, collecting new data otherwise. forceRefresh always collects.
func (c *Coordinator) GetFreshData(ctx context.Context, dataType string, deviceID uuid.UUID, forceRefresh bool) (models.Envelope, error) {
	return c.getFreshData(ctx, dataType, deviceID, forceRefresh, false)
}

// GetFreshDataBestEffort behaves like GetFreshData but falls back to the
// stale cached entry when collection fails and one exists.
func (c *Coordinator) GetFreshDataBestEffort(ctx context.Context, dataType string, deviceID uuid.UUID, forceRefresh bool) (models.Envelope, error) {
	return c.getFreshData(ctx, dataType, deviceID, forceRefresh, true)
}

func (c *Coordinator) getFreshData(ctx context.Context, dataType string, deviceID uuid.UUID, forceRefresh bool, bestEffort bool) (models.Envelope, error) {
	if dataType == "" || deviceID == uuid.Nil {
		return models.Envelope{}, models.ErrInvalidKey
	}

	start := time.Now()
	var stale models.Envelope
	cacheHit := false

	if !forceRefresh {
		cached, found, err := c.store.Get(ctx, dataType, deviceID)
		if err != nil {
			return models.Envelope{}, err
		}
		if found {
			if c.policy.IsFresh(cached.CollectedAt, dataType, time.Now()) {
				c.tracker.RecordHit(ctx, time.Since(start))
				return cached, nil
			}
			// a stale entry counts as a miss, but the audit trail still
			// records that the cache held something
			cacheHit = true
			stale = cached
		}
	}
	c.tracker.RecordMiss(ctx, time.Since(start))

	collect := func() (models.Envelope, error) {
		return c.collect(ctx, dataType, deviceID, forceRefresh, cacheHit, start)
	}

	var envelope models.Envelope
	var err error
	if c.coalesce {
		var shared interface{}
		shared, err, _ = c.flight.Do(dataType+"*"+deviceID.String(), func() (interface{}, error) {
			return collect()
		})
		if shared != nil {
			envelope = shared.(models.Envelope)
		}
	} else {
		envelope, err = collect()
	}

	if err != nil {
		if bestEffort && cacheHit {
			zap.S().Warnf("Collection of %s for device %s failed, serving stale data: %s", dataType, deviceID, err)
			return stale, nil
		}
		return models.Envelope{}, err
	}
	return envelope, nil
}

func (c *Coordinator) collect(ctx context.Context, dataType string, deviceID uuid.UUID, forceRefresh bool, cacheHit bool, start time.Time) (models.Envelope, error) {
	raw, err := c.collector.Collect(ctx, dataType, deviceID)
	if err == nil {
		// a cancelled collection must never reach the cache
		err = ctx.Err()
	}
	if err != nil {
		c.emitAudit(ctx, models.AuditRecord{
			DeviceID:     deviceID,
			DataType:     dataType,
			CacheHit:     cacheHit,
			ForceRefresh: forceRefresh,
			DurationMs:   time.Since(start).Milliseconds(),
			Status:       models.StatusFailure,
			ErrorDetail:  err.Error(),
		})
		return models.Envelope{}, &models.DataCollectionError{DataType: dataType, DeviceID: deviceID, Err: err}
	}

	envelope := models.Envelope{
		DataType:    dataType,
		DeviceID:    deviceID,
		CollectedAt: time.Now().UTC(),
		Body:        raw,
	}

	err = c.store.Set(ctx, dataType, deviceID, envelope)
	if err != nil {
		// the cache write only matters for future hit rate, the freshly
		// collected payload still goes back to the caller
		zap.S().Warnf("Failed to cache %s for device %s: %s", dataType, deviceID, err)
	}

	record := models.AuditRecord{
		DeviceID:     deviceID,
		DataType:     dataType,
		CacheHit:     cacheHit,
		ForceRefresh: forceRefresh,
		DurationMs:   time.Since(start).Milliseconds(),
		Status:       models.StatusSuccess,
	}
	if cacheHit {
		record.RecordsUpdated = 1
	} else {
		record.RecordsCreated = 1
	}
	c.emitAudit(ctx, record)

	return envelope, nil
}

// emitAudit writes one audit record. Audit failures are logged and swallowed,
// they never fail the collection call.
func (c *Coordinator) emitAudit(ctx context.Context, record models.AuditRecord) {
	record.ID = uuid.New()
	record.CollectionMethod = c.method
	record.Timestamp = time.Now().UTC()

	err := c.recorder.Record(ctx, record)
	if err != nil {
		zap.S().Warnf("Failed to write audit record for %s/%s: %s", record.DataType, record.DeviceID, err)
	}
}

// Invalidate removes the cached entry for a device/data-type pair.
func (c *Coordinator) Invalidate(ctx context.Context, dataType string, deviceID uuid.UUID) (bool, error) {
	return c.store.Delete(ctx, dataType, deviceID)
}

// GetFreshnessThreshold returns the active threshold for a data type in
// seconds.
func (c *Coordinator) GetFreshnessThreshold(dataType string) int {
	return int(c.policy.GetThreshold(dataType) / time.Second)
}

// SetFreshnessThreshold retunes the threshold for a data type at runtime.
func (c *Coordinator) SetFreshnessThreshold(dataType string, seconds int) error {
	return c.policy.SetThreshold(dataType, seconds)
}

// Metrics returns a consistent snapshot of the cache counters.
func (c *Coordinator) Metrics() metrics.Snapshot {
	return c.tracker.Snapshot()
}
