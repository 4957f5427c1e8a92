package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/NawfalRAZOUK7/apm-observability/internal/domain"
	"github.com/NawfalRAZOUK7/apm-observability/internal/repository"
)

// Relations exposed by the telemetry schema.
const (
	RawTable     = "api_requests"
	HourlyRollup = "apirequest_hourly"
	DailyRollup  = "apirequest_daily"
)

// Repository implements the telemetry store on PostgreSQL/TimescaleDB.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.EventRepository     = (*Repository)(nil)
	_ repository.AnalyticsRepository = (*Repository)(nil)
	_ repository.CapabilityProber    = (*Repository)(nil)
)

var eventColumns = []string{
	"time",
	"service",
	"endpoint",
	"method",
	"status_code",
	"latency_ms",
	"trace_id",
	"user_ref",
	"tags",
}

// InsertEvents copies events into the raw table inside one transaction.
func (r *Repository) InsertEvents(ctx context.Context, events []domain.TelemetryEvent, chunkSize int) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	if chunkSize <= 0 || chunkSize > len(events) {
		chunkSize = len(events)
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	inserted := 0
	for start := 0; start < len(events); start += chunkSize {
		end := start + chunkSize
		if end > len(events) {
			end = len(events)
		}
		chunk := events[start:end]
		n, err := tx.CopyFrom(ctx, pgx.Identifier{RawTable}, eventColumns, pgx.CopyFromSlice(len(chunk), func(i int) ([]any, error) {
			return eventRow(chunk[i]), nil
		}))
		if err != nil {
			return 0, translateError(err)
		}
		inserted += int(n)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return inserted, nil
}

func eventRow(e domain.TelemetryEvent) []any {
	tags := e.Tags
	if tags == nil {
		tags = map[string]any{}
	}
	return []any{
		e.Time.UTC(),
		e.Service,
		e.Endpoint,
		e.Method,
		int16(e.StatusCode),
		int32(e.LatencyMS),
		e.TraceID,
		e.UserRef,
		tags,
	}
}

// QueryTotals scans a single KPI totals row.
func (r *Repository) QueryTotals(ctx context.Context, stmt repository.Statement) (domain.Totals, error) {
	var totals domain.Totals
	row := r.pool.QueryRow(ctx, stmt.SQL, stmt.Args...)
	if err := row.Scan(&totals.Hits, &totals.Errors, &totals.ErrorRate, &totals.AvgLatencyMS, &totals.MaxLatencyMS); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Totals{}, nil
		}
		return domain.Totals{}, translateError(err)
	}
	return totals, nil
}

// QueryPercentile scans a single nullable percentile value.
func (r *Repository) QueryPercentile(ctx context.Context, stmt repository.Statement) (*float64, error) {
	var value *float64
	if err := r.pool.QueryRow(ctx, stmt.SQL, stmt.Args...).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, translateError(err)
	}
	return value, nil
}

// QueryEndpointStats scans ranked endpoint rows. withP95 expects a trailing
// p95_latency_ms column.
func (r *Repository) QueryEndpointStats(ctx context.Context, stmt repository.Statement, withP95 bool) ([]domain.EndpointStats, error) {
	rows, err := r.pool.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	var stats []domain.EndpointStats
	for rows.Next() {
		var s domain.EndpointStats
		dest := []any{&s.Service, &s.Endpoint, &s.Hits, &s.Errors, &s.ErrorRate, &s.AvgLatencyMS, &s.MaxLatencyMS}
		if withP95 {
			dest = append(dest, &s.P95LatencyMS)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, translateError(err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(err)
	}
	return stats, nil
}

// QueryEndpointPercentiles scans (service, endpoint, p95) rows into a lookup.
func (r *Repository) QueryEndpointPercentiles(ctx context.Context, stmt repository.Statement) (map[domain.EndpointKey]*float64, error) {
	rows, err := r.pool.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	out := make(map[domain.EndpointKey]*float64)
	for rows.Next() {
		var (
			key domain.EndpointKey
			p95 *float64
		)
		if err := rows.Scan(&key.Service, &key.Endpoint, &p95); err != nil {
			return nil, translateError(err)
		}
		out[key] = p95
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(err)
	}
	return out, nil
}

// QueryBuckets scans rollup bucket rows. withP95 expects a p95_latency_ms
// column between avg_latency_ms and max_latency_ms.
func (r *Repository) QueryBuckets(ctx context.Context, stmt repository.Statement, withP95 bool) ([]domain.AggregateRow, error) {
	rows, err := r.pool.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, translateError(err)
	}
	defer rows.Close()

	var out []domain.AggregateRow
	for rows.Next() {
		var row domain.AggregateRow
		dest := []any{&row.Bucket, &row.Service, &row.Endpoint, &row.Hits, &row.Errors, &row.AvgLatencyMS}
		if withP95 {
			dest = append(dest, &row.P95LatencyMS)
		}
		dest = append(dest, &row.MaxLatencyMS)
		if err := rows.Scan(dest...); err != nil {
			return nil, translateError(err)
		}
		row.Bucket = row.Bucket.UTC()
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, translateError(err)
	}
	return out, nil
}

// ProbeCapabilities inspects the server once for the features analytics relies on.
func (r *Repository) ProbeCapabilities(ctx context.Context) (repository.Capabilities, error) {
	var caps repository.Capabilities
	if err := r.pool.QueryRow(ctx, `SELECT version()`).Scan(&caps.ServerVersion); err != nil {
		return caps, fmt.Errorf("probe server version: %w", err)
	}
	const extQuery = `SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'timescaledb')`
	if err := r.pool.QueryRow(ctx, extQuery).Scan(&caps.Timescale); err != nil {
		return caps, fmt.Errorf("probe timescaledb: %w", err)
	}
	const relQuery = `SELECT to_regclass($1) IS NOT NULL, to_regclass($2) IS NOT NULL`
	if err := r.pool.QueryRow(ctx, relQuery, HourlyRollup, DailyRollup).Scan(&caps.HourlyRollup, &caps.DailyRollup); err != nil {
		return caps, fmt.Errorf("probe rollups: %w", err)
	}
	const pctQuery = `SELECT percentile_cont(0.95) WITHIN GROUP (ORDER BY v) FROM (VALUES (1.0::double precision)) AS t(v)`
	var probe *float64
	caps.Percentile = r.pool.QueryRow(ctx, pctQuery).Scan(&probe) == nil
	return caps, nil
}

// Ping checks connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func translateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P01", "42703":
			return fmt.Errorf("%w: %s", repository.ErrRelationMissing, pgErr.Message)
		case "23514", "22P02", "22003", "22001":
			return fmt.Errorf("%w: %s", repository.ErrInvalidArgument, pgErr.Message)
		}
	}
	return err
}
