package models

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Envelope wraps a collected payload together with the metadata the caching
// layer needs to make freshness decisions. Body is opaque to the cache.
type Envelope struct {
	DataType    string          `json:"data_type"`
	DeviceID    uuid.UUID       `json:"device_id"`
	CollectedAt time.Time       `json:"collected_at"`
	Body        json.RawMessage `json:"body"`
}

// Age returns how old the envelope is relative to now.
// A zero CollectedAt yields a very large age, so it never counts as fresh.
func (e *Envelope) Age(now time.Time) time.Duration {
	if e.CollectedAt.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(e.CollectedAt.UTC())
}

// Collection outcome states as written to the audit trail
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusPartial = "partial"
)

// AuditRecord describes the outcome of a single collection attempt.
// Records are append-only, one per attempt.
type AuditRecord struct {
	ID               uuid.UUID `json:"id"`
	DeviceID         uuid.UUID `json:"device_id"`
	DataType         string    `json:"data_type"`
	CollectionMethod string    `json:"collection_method"`
	CacheHit         bool      `json:"cache_hit"`
	ForceRefresh     bool      `json:"force_refresh"`
	DurationMs       int64     `json:"duration_ms"`
	Status           string    `json:"status"`
	ErrorDetail      string    `json:"error_detail,omitempty"`
	RecordsCreated   int       `json:"records_created"`
	RecordsUpdated   int       `json:"records_updated"`
	Timestamp        time.Time `json:"timestamp"`
}

// Known data types. The set is open ended, these are the ones the collectors
// ship today.
const (
	DataTypeMetrics    = "metrics"
	DataTypeContainers = "containers"
	DataTypeConfig     = "config"
	DataTypeHealth     = "health"
)
