package audit

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/EagleChen/mapmutex"
	"github.com/fleetinsight/fleetinsight/internal/models"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/heptiolabs/healthcheck"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/omeid/pgerror"
	"github.com/rung/go-safecast"
	"go.uber.org/zap"
)

// PostgresConfig holds the connection parameters for the TimescaleDB/postgres
// instance the audit trail is written to.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// database is the subset of pgxpool.Pool the recorder uses. pgxmock
// implements it for the tests.
type database interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// PostgresRecorder appends collection audit records to the collection_audit
// table. Audit rows reference a device registry row, the device lookup is
// cached in an ARC cache so the hot path stays a single insert.
type PostgresRecorder struct {
	db            database
	deviceIDCache *lru.ARCCache
	deviceLock    *mapmutex.Mutex
}

// NewPostgresRecorder connects to postgres and verifies the audit tables
// exist.
func NewPostgresRecorder(cfg PostgresConfig) (*PostgresRecorder, error) {
	psqlInfo := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	parseConfig, err := pgxpool.ParseConfig(psqlInfo)
	if err != nil {
		return nil, err
	}

	minConns, err := safecast.Int32(runtime.NumCPU())
	if err != nil {
		minConns = 4
	}
	if minConns < 4 {
		minConns = 4
	}
	parseConfig.MinConns = minConns
	parseConfig.MaxConnIdleTime = 5 * time.Minute
	parseConfig.MaxConnLifetime = 10 * time.Minute

	connCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	db, err := pgxpool.NewWithConfig(connCtx, parseConfig)
	if err != nil {
		return nil, err
	}

	checkCtx, checkCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer checkCancel()
	for _, table := range []string{"device", "collection_audit"} {
		var tableName string
		query := `SELECT table_name FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1`
		err = db.QueryRow(checkCtx, query, table).Scan(&tableName)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, fmt.Errorf("table %s does not exist in the audit database", table)
			}
			return nil, err
		}
	}

	return newRecorder(db), nil
}

func newRecorder(db database) *PostgresRecorder {
	deviceIDCache, err := lru.NewARC(1000)
	if err != nil {
		zap.S().Fatalf("Failed to create device id cache: %s", err)
	}
	return &PostgresRecorder{
		db:            db,
		deviceIDCache: deviceIDCache,
		deviceLock: mapmutex.NewCustomizedMapMutex(
			800,
			100000000,
			10,
			1.1,
			0.2),
	}
}

// Record appends one audit row. Inserts are idempotent per record id.
func (r *PostgresRecorder) Record(ctx context.Context, record models.AuditRecord) error {
	deviceRowID, err := r.getOrInsertDevice(ctx, record.DeviceID)
	if err != nil {
		r.logPostgresError("getOrInsertDevice", err)
		return err
	}

	insertQuery := `INSERT INTO collection_audit
		(id, device_id, data_type, collection_method, cache_hit, force_refresh,
		 duration_ms, status, error_detail, records_created, records_updated, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`

	_, err = r.db.Exec(ctx, insertQuery,
		record.ID,
		deviceRowID,
		record.DataType,
		record.CollectionMethod,
		record.CacheHit,
		record.ForceRefresh,
		record.DurationMs,
		record.Status,
		record.ErrorDetail,
		record.RecordsCreated,
		record.RecordsUpdated,
		record.Timestamp)
	if err != nil {
		r.logPostgresError(insertQuery, err)
		return err
	}
	return nil
}

// getOrInsertDevice resolves the device registry row id for a device uuid,
// inserting the row on first sight. Holds a per-device lock so concurrent
// first sightings do not double insert.
func (r *PostgresRecorder) getOrInsertDevice(ctx context.Context, deviceID uuid.UUID) (int, error) {
	if value, ok := r.deviceIDCache.Get(deviceID); ok {
		return value.(int), nil
	}

	key := deviceID.String()
	if !r.deviceLock.TryLock(key) {
		// another caller is inserting right now, fall through to a plain select
		var id int
		err := r.db.QueryRow(ctx, `SELECT id FROM device WHERE device_uuid = $1`, deviceID).Scan(&id)
		if err != nil {
			return 0, err
		}
		return id, nil
	}
	defer r.deviceLock.Unlock(key)

	var id int
	err := r.db.QueryRow(ctx, `SELECT id FROM device WHERE device_uuid = $1`, deviceID).Scan(&id)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, err
		}
		err = r.db.QueryRow(ctx,
			`INSERT INTO device (device_uuid) VALUES ($1) RETURNING id`, deviceID).Scan(&id)
		if err != nil {
			return 0, err
		}
	}

	r.deviceIDCache.Add(deviceID, id)
	return id, nil
}

// HealthCheck reports whether the audit database answers pings.
func (r *PostgresRecorder) HealthCheck() healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return r.db.Ping(ctx)
	}
}

func (r *PostgresRecorder) Close() {
	r.db.Close()
}

func (r *PostgresRecorder) logPostgresError(sqlStatement string, err error) {
	if e := pgerror.ConnectionException(err); e != nil {
		zap.S().Errorw(
			"Audit database failed: ConnectionException",
			"error", err,
			"sqlStatement", sqlStatement,
		)
		return
	}
	zap.S().Errorw(
		"Audit database write failed.",
		"error", err,
		"sqlStatement", sqlStatement,
	)
}
