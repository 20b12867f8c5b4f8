package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fleetinsight/fleetinsight/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRecorder(t *testing.T) (*PostgresRecorder, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return newRecorder(mock), mock
}

func testRecord(deviceID uuid.UUID) models.AuditRecord {
	return models.AuditRecord{
		ID:               uuid.New(),
		DeviceID:         deviceID,
		DataType:         "containers",
		CollectionMethod: "ssh",
		CacheHit:         false,
		ForceRefresh:     false,
		DurationMs:       42,
		Status:           models.StatusSuccess,
		RecordsCreated:   1,
		Timestamp:        time.Now().UTC(),
	}
}

func TestRecord(t *testing.T) {
	recorder, mock := newMockRecorder(t)
	defer recorder.Close()

	deviceID := uuid.New()
	record := testRecord(deviceID)

	t.Run("first sighting inserts the device row", func(t *testing.T) {
		mock.ExpectQuery(`SELECT id FROM device WHERE device_uuid = \$1`).
			WithArgs(deviceID).
			WillReturnError(pgx.ErrNoRows)

		mock.ExpectQuery(`INSERT INTO device \(device_uuid\) VALUES \(\$1\) RETURNING id`).
			WithArgs(deviceID).
			WillReturnRows(mock.NewRows([]string{"id"}).AddRow(7))

		mock.ExpectExec(`INSERT INTO collection_audit`).
			WithArgs(record.ID, 7, record.DataType, record.CollectionMethod,
				record.CacheHit, record.ForceRefresh, record.DurationMs,
				record.Status, record.ErrorDetail, record.RecordsCreated,
				record.RecordsUpdated, record.Timestamp).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err := recorder.Record(context.Background(), record)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second record reuses the cached device id", func(t *testing.T) {
		second := testRecord(deviceID)
		second.CacheHit = true
		second.RecordsCreated = 0
		second.RecordsUpdated = 1

		// no device queries expected, only the audit insert
		mock.ExpectExec(`INSERT INTO collection_audit`).
			WithArgs(second.ID, 7, second.DataType, second.CollectionMethod,
				second.CacheHit, second.ForceRefresh, second.DurationMs,
				second.Status, second.ErrorDetail, second.RecordsCreated,
				second.RecordsUpdated, second.Timestamp).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err := recorder.Record(context.Background(), second)
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRecordKnownDevice(t *testing.T) {
	recorder, mock := newMockRecorder(t)
	defer recorder.Close()

	deviceID := uuid.New()
	record := testRecord(deviceID)

	// the device row already exists, no insert happens
	mock.ExpectQuery(`SELECT id FROM device WHERE device_uuid = \$1`).
		WithArgs(deviceID).
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow(3))

	mock.ExpectExec(`INSERT INTO collection_audit`).
		WithArgs(record.ID, 3, record.DataType, record.CollectionMethod,
			record.CacheHit, record.ForceRefresh, record.DurationMs,
			record.Status, record.ErrorDetail, record.RecordsCreated,
			record.RecordsUpdated, record.Timestamp).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := recorder.Record(context.Background(), record)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordInsertFailure(t *testing.T) {
	recorder, mock := newMockRecorder(t)
	defer recorder.Close()

	deviceID := uuid.New()
	record := testRecord(deviceID)
	insertErr := errors.New("connection reset by peer")

	mock.ExpectQuery(`SELECT id FROM device WHERE device_uuid = \$1`).
		WithArgs(deviceID).
		WillReturnRows(mock.NewRows([]string{"id"}).AddRow(5))

	mock.ExpectExec(`INSERT INTO collection_audit`).
		WithArgs(record.ID, 5, record.DataType, record.CollectionMethod,
			record.CacheHit, record.ForceRefresh, record.DurationMs,
			record.Status, record.ErrorDetail, record.RecordsCreated,
			record.RecordsUpdated, record.Timestamp).
		WillReturnError(insertErr)

	err := recorder.Record(context.Background(), record)
	assert.ErrorIs(t, err, insertErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordDeviceLookupFailure(t *testing.T) {
	recorder, mock := newMockRecorder(t)
	defer recorder.Close()

	deviceID := uuid.New()
	lookupErr := errors.New("database is shutting down")

	mock.ExpectQuery(`SELECT id FROM device WHERE device_uuid = \$1`).
		WithArgs(deviceID).
		WillReturnError(lookupErr)

	err := recorder.Record(context.Background(), testRecord(deviceID))
	assert.ErrorIs(t, err, lookupErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}
