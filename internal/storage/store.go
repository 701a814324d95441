package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"diagnet/internal/config"
	"diagnet/internal/model"
)

// Store failures are split into two kinds. ErrStoreUnavailable is transient
// and retryable; ErrStoreRejected means the row itself is bad and must not
// be retried.
var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrStoreRejected    = errors.New("store rejected row")
)

// Metric names a numeric reading column usable in threshold scans and
// aggregates. The whitelist doubles as the SQL column map.
type Metric string

const (
	MetricTemperature      Metric = "temperature"
	MetricVibration        Metric = "vibration"
	MetricPressure         Metric = "pressure"
	MetricHumidity         Metric = "humidity"
	MetricPowerConsumption Metric = "power_consumption"
	MetricRotationSpeed    Metric = "rotation_speed"
)

func (m Metric) column() (string, error) {
	switch m {
	case MetricTemperature, MetricVibration, MetricPressure,
		MetricHumidity, MetricPowerConsumption, MetricRotationSpeed:
		return string(m), nil
	}
	return "", fmt.Errorf("%w: unknown metric %q", ErrStoreRejected, m)
}

type AggregateFn string

const (
	AggAvg   AggregateFn = "avg"
	AggMax   AggregateFn = "max"
	AggMin   AggregateFn = "min"
	AggCount AggregateFn = "count"
)

func (a AggregateFn) sqlFn() (string, error) {
	switch a {
	case AggAvg, AggMax, AggMin, AggCount:
		return strings.ToUpper(string(a)), nil
	}
	return "", fmt.Errorf("%w: unknown aggregate %q", ErrStoreRejected, a)
}

// Store is the narrow typed interface over the time-partitioned reading
// store. All scans return readings ordered descending by timestamp and are
// bounded by their limit. Appends are durable before returning nil.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	AppendBatch(ctx context.Context, readings []model.Reading) error
	ScanMachine(ctx context.Context, machineID string, since time.Time, limit int) ([]model.Reading, error)
	ScanRange(ctx context.Context, start, end time.Time, limit int) ([]model.Reading, error)
	ScanStatus(ctx context.Context, status model.Status, limit int) ([]model.Reading, error)
	ScanAboveThreshold(ctx context.Context, metric Metric, min float64, since time.Time, limit int) ([]model.Reading, error)
	Aggregate(ctx context.Context, machineID string, metric Metric, fn AggregateFn, start, end time.Time) (float64, int64, error)
	DropBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN, false)
	case "timescale":
		return NewPostgres(cfg.DSN, true)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func clampLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}

// internalScanCap bounds unpaginated scans such as the full per-machine
// listing.
const internalScanCap = 10000

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}
