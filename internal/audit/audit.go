package audit

import (
	"context"

	"github.com/fleetinsight/fleetinsight/internal/models"
	"go.uber.org/zap"
)

// Recorder is the append-only audit sink boundary. Record must be idempotent
// per record id. Failures are the caller's to log, never to propagate into
// the collection path.
type Recorder interface {
	Record(ctx context.Context, record models.AuditRecord) error
	Close()
}

// NoopRecorder drops every record. Used in dry-run mode and wherever audit
// persistence is disabled.
type NoopRecorder struct{}

func (NoopRecorder) Record(_ context.Context, record models.AuditRecord) error {
	zap.S().Debugf("Audit (noop): %s %s/%s in %dms", record.Status, record.DataType, record.DeviceID, record.DurationMs)
	return nil
}

func (NoopRecorder) Close() {}
