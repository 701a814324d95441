package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"diagnet/internal/model"
)

type postgresStore struct {
	baseStore
	timescale bool
}

func NewPostgres(dsn string, timescale bool) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/diagnet?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore: baseStore{db: db}, timescale: timescale}, nil
}

const pgReadingColumns = `machine_id, ts, temperature, vibration, pressure, humidity,
	power_consumption, rotation_speed, status, location, metadata, ingested_at`

func (s *postgresStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS readings (
			machine_id VARCHAR(50) NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			temperature DOUBLE PRECISION NOT NULL,
			vibration DOUBLE PRECISION NOT NULL,
			pressure DOUBLE PRECISION,
			humidity DOUBLE PRECISION,
			power_consumption DOUBLE PRECISION,
			rotation_speed DOUBLE PRECISION,
			status VARCHAR(20) NOT NULL,
			location VARCHAR(100),
			metadata JSONB,
			ingested_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_machine_ts ON readings (machine_id, ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_ts ON readings (ts DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_status ON readings (status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classifyPgErr(err)
		}
	}
	if s.timescale {
		return s.initHypertable(ctx)
	}
	return nil
}

// initHypertable partitions the readings table into 7-day chunks and
// installs the compression and retention policies. The policies are
// idempotent; ages are tuned afterwards via SQL, not config reload.
func (s *postgresStore) initHypertable(ctx context.Context) error {
	stmts := []string{
		`SELECT create_hypertable('readings', 'ts',
			chunk_time_interval => INTERVAL '7 days', if_not_exists => TRUE)`,
		`ALTER TABLE readings SET (
			timescaledb.compress,
			timescaledb.compress_segmentby = 'machine_id',
			timescaledb.compress_orderby = 'ts DESC')`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classifyPgErr(err)
		}
	}
	return nil
}

// SetPolicies installs compression and retention policies with the
// configured ages. Only meaningful on a hypertable.
func (s *postgresStore) SetPolicies(ctx context.Context, compressAfterDays, retainDays int) error {
	if !s.timescale {
		return nil
	}
	stmts := []string{
		fmt.Sprintf(`SELECT add_compression_policy('readings', INTERVAL '%d days', if_not_exists => TRUE)`, compressAfterDays),
		fmt.Sprintf(`SELECT add_retention_policy('readings', INTERVAL '%d days', if_not_exists => TRUE)`, retainDays),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classifyPgErr(err)
		}
	}
	return nil
}

func (s *postgresStore) AppendBatch(ctx context.Context, readings []model.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyPgErr(err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO readings (`+pgReadingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`)
	if err != nil {
		_ = tx.Rollback()
		return classifyPgErr(err)
	}
	defer stmt.Close()
	for _, r := range readings {
		var meta any
		if len(r.Metadata) > 0 {
			meta = string(r.Metadata)
		}
		if _, err := stmt.ExecContext(ctx,
			r.MachineID,
			r.Timestamp.UTC(),
			r.Temperature,
			r.Vibration,
			nullFloat(r.Pressure),
			nullFloat(r.Humidity),
			nullFloat(r.PowerConsumption),
			nullFloat(r.RotationSpeed),
			string(r.Status),
			nullString(r.Location),
			meta,
			nowUTC(),
		); err != nil {
			_ = tx.Rollback()
			return classifyPgErr(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classifyPgErr(err)
	}
	return nil
}

func (s *postgresStore) ScanMachine(ctx context.Context, machineID string, since time.Time, limit int) ([]model.Reading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgReadingColumns+` FROM readings
		WHERE machine_id = $1 AND ts >= $2
		ORDER BY ts DESC LIMIT $3`,
		machineID, since.UTC(), clampLimit(limit, internalScanCap))
	if err != nil {
		return nil, classifyPgErr(err)
	}
	return scanPgReadings(rows)
}

func (s *postgresStore) ScanRange(ctx context.Context, start, end time.Time, limit int) ([]model.Reading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgReadingColumns+` FROM readings
		WHERE ts >= $1 AND ts < $2
		ORDER BY ts DESC LIMIT $3`,
		start.UTC(), end.UTC(), clampLimit(limit, internalScanCap))
	if err != nil {
		return nil, classifyPgErr(err)
	}
	return scanPgReadings(rows)
}

func (s *postgresStore) ScanStatus(ctx context.Context, status model.Status, limit int) ([]model.Reading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgReadingColumns+` FROM readings
		WHERE status = $1
		ORDER BY ts DESC LIMIT $2`,
		string(status), clampLimit(limit, internalScanCap))
	if err != nil {
		return nil, classifyPgErr(err)
	}
	return scanPgReadings(rows)
}

func (s *postgresStore) ScanAboveThreshold(ctx context.Context, metric Metric, min float64, since time.Time, limit int) ([]model.Reading, error) {
	col, err := metric.column()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pgReadingColumns+` FROM readings
		WHERE `+col+` >= $1 AND ts >= $2
		ORDER BY ts DESC LIMIT $3`,
		min, since.UTC(), clampLimit(limit, internalScanCap))
	if err != nil {
		return nil, classifyPgErr(err)
	}
	return scanPgReadings(rows)
}

func (s *postgresStore) Aggregate(ctx context.Context, machineID string, metric Metric, fn AggregateFn, start, end time.Time) (float64, int64, error) {
	col, err := metric.column()
	if err != nil {
		return 0, 0, err
	}
	sqlFn, err := fn.sqlFn()
	if err != nil {
		return 0, 0, err
	}
	var value sql.NullFloat64
	var count int64
	err = s.db.QueryRowContext(ctx,
		`SELECT `+sqlFn+`(`+col+`), COUNT(*) FROM readings
		WHERE machine_id = $1 AND ts >= $2 AND ts < $3`,
		machineID, start.UTC(), end.UTC()).Scan(&value, &count)
	if err != nil {
		return 0, 0, classifyPgErr(err)
	}
	return value.Float64, count, nil
}

func (s *postgresStore) DropBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM readings WHERE ts < $1`, cutoff.UTC())
	if err != nil {
		return 0, classifyPgErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classifyPgErr(err)
	}
	return n, nil
}

func scanPgReadings(rows *sql.Rows) ([]model.Reading, error) {
	defer rows.Close()
	out := make([]model.Reading, 0)
	for rows.Next() {
		var (
			r        model.Reading
			ts       time.Time
			pressure sql.NullFloat64
			humidity sql.NullFloat64
			power    sql.NullFloat64
			rotation sql.NullFloat64
			status   string
			location sql.NullString
			metadata sql.NullString
		)
		if err := rows.Scan(&r.MachineID, &ts, &r.Temperature, &r.Vibration,
			&pressure, &humidity, &power, &rotation,
			&status, &location, &metadata, &r.IngestedAt); err != nil {
			return nil, classifyPgErr(err)
		}
		r.Timestamp = model.NewTimestamp(ts)
		r.Pressure = floatPtr(pressure)
		r.Humidity = floatPtr(humidity)
		r.PowerConsumption = floatPtr(power)
		r.RotationSpeed = floatPtr(rotation)
		r.Status = model.Status(status)
		if location.Valid {
			r.Location = location.String
		}
		if metadata.Valid && metadata.String != "" {
			r.Metadata = []byte(metadata.String)
		}
		r.IngestedAt = r.IngestedAt.UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgErr(err)
	}
	return out, nil
}

// classifyPgErr maps driver errors to the retryable/fatal split. Data and
// integrity errors are fatal for the row; everything else is treated as
// transient so the persister keeps retrying.
func classifyPgErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "22"), // data exception
			strings.HasPrefix(pgErr.Code, "23"), // integrity violation
			strings.HasPrefix(pgErr.Code, "42"): // syntax / undefined object
			return fmt.Errorf("%w: %v", ErrStoreRejected, err)
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
