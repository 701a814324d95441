package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"diagnet/internal/model"
)

// sqliteStore backs development and test deployments. Timestamps are
// stored as unix microseconds so ordering and range predicates behave
// identically to the TIMESTAMPTZ columns of the Postgres driver.
type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:diagnet.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single writer keeps modernc's file locking out of the way
	db.SetMaxOpenConns(1)
	return &sqliteStore{baseStore{db: db}}, nil
}

const liteReadingColumns = `machine_id, ts_us, temperature, vibration, pressure, humidity,
	power_consumption, rotation_speed, status, location, metadata, ingested_at_us`

func (s *sqliteStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS readings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			machine_id TEXT NOT NULL,
			ts_us INTEGER NOT NULL,
			temperature REAL NOT NULL,
			vibration REAL NOT NULL,
			pressure REAL,
			humidity REAL,
			power_consumption REAL,
			rotation_speed REAL,
			status TEXT NOT NULL,
			location TEXT,
			metadata TEXT,
			ingested_at_us INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_machine_ts ON readings(machine_id, ts_us DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_ts ON readings(ts_us DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_readings_status ON readings(status)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classifyLiteErr(err)
		}
	}
	return nil
}

func (s *sqliteStore) AppendBatch(ctx context.Context, readings []model.Reading) error {
	if len(readings) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifyLiteErr(err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO readings (`+liteReadingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return classifyLiteErr(err)
	}
	defer stmt.Close()
	for _, r := range readings {
		var meta any
		if len(r.Metadata) > 0 {
			meta = string(r.Metadata)
		}
		if _, err := stmt.ExecContext(ctx,
			r.MachineID,
			r.Timestamp.UTC().UnixMicro(),
			r.Temperature,
			r.Vibration,
			nullFloat(r.Pressure),
			nullFloat(r.Humidity),
			nullFloat(r.PowerConsumption),
			nullFloat(r.RotationSpeed),
			string(r.Status),
			nullString(r.Location),
			meta,
			nowUTC().UnixMicro(),
		); err != nil {
			_ = tx.Rollback()
			return classifyLiteErr(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return classifyLiteErr(err)
	}
	return nil
}

func (s *sqliteStore) ScanMachine(ctx context.Context, machineID string, since time.Time, limit int) ([]model.Reading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+liteReadingColumns+` FROM readings
		WHERE machine_id = ? AND ts_us >= ?
		ORDER BY ts_us DESC LIMIT ?`,
		machineID, since.UTC().UnixMicro(), clampLimit(limit, internalScanCap))
	if err != nil {
		return nil, classifyLiteErr(err)
	}
	return scanLiteReadings(rows)
}

func (s *sqliteStore) ScanRange(ctx context.Context, start, end time.Time, limit int) ([]model.Reading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+liteReadingColumns+` FROM readings
		WHERE ts_us >= ? AND ts_us < ?
		ORDER BY ts_us DESC LIMIT ?`,
		start.UTC().UnixMicro(), end.UTC().UnixMicro(), clampLimit(limit, internalScanCap))
	if err != nil {
		return nil, classifyLiteErr(err)
	}
	return scanLiteReadings(rows)
}

func (s *sqliteStore) ScanStatus(ctx context.Context, status model.Status, limit int) ([]model.Reading, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+liteReadingColumns+` FROM readings
		WHERE status = ?
		ORDER BY ts_us DESC LIMIT ?`,
		string(status), clampLimit(limit, internalScanCap))
	if err != nil {
		return nil, classifyLiteErr(err)
	}
	return scanLiteReadings(rows)
}

func (s *sqliteStore) ScanAboveThreshold(ctx context.Context, metric Metric, min float64, since time.Time, limit int) ([]model.Reading, error) {
	col, err := metric.column()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+liteReadingColumns+` FROM readings
		WHERE `+col+` >= ? AND ts_us >= ?
		ORDER BY ts_us DESC LIMIT ?`,
		min, since.UTC().UnixMicro(), clampLimit(limit, internalScanCap))
	if err != nil {
		return nil, classifyLiteErr(err)
	}
	return scanLiteReadings(rows)
}

func (s *sqliteStore) Aggregate(ctx context.Context, machineID string, metric Metric, fn AggregateFn, start, end time.Time) (float64, int64, error) {
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
		WHERE machine_id = ? AND ts_us >= ? AND ts_us < ?`,
		machineID, start.UTC().UnixMicro(), end.UTC().UnixMicro()).Scan(&value, &count)
	if err != nil {
		return 0, 0, classifyLiteErr(err)
	}
	return value.Float64, count, nil
}

func (s *sqliteStore) DropBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM readings WHERE ts_us < ?`, cutoff.UTC().UnixMicro())
	if err != nil {
		return 0, classifyLiteErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classifyLiteErr(err)
	}
	return n, nil
}

func scanLiteReadings(rows *sql.Rows) ([]model.Reading, error) {
	defer rows.Close()
	out := make([]model.Reading, 0)
	for rows.Next() {
		var (
			r          model.Reading
			tsUs       int64
			pressure   sql.NullFloat64
			humidity   sql.NullFloat64
			power      sql.NullFloat64
			rotation   sql.NullFloat64
			status     string
			location   sql.NullString
			metadata   sql.NullString
			ingestedUs int64
		)
		if err := rows.Scan(&r.MachineID, &tsUs, &r.Temperature, &r.Vibration,
			&pressure, &humidity, &power, &rotation,
			&status, &location, &metadata, &ingestedUs); err != nil {
			return nil, classifyLiteErr(err)
		}
		r.Timestamp = model.NewTimestamp(time.UnixMicro(tsUs))
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
		r.IngestedAt = time.UnixMicro(ingestedUs).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyLiteErr(err)
	}
	return out, nil
}

func classifyLiteErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "constraint") || strings.Contains(msg, "datatype mismatch") {
		return fmt.Errorf("%w: %v", ErrStoreRejected, err)
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
