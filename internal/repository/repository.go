package repository

import (
	"context"

	"github.com/NawfalRAZOUK7/apm-observability/internal/domain"
)

// Statement is a parameterised SQL statement using positional $n placeholders.
type Statement struct {
	SQL  string
	Args []any
}

// EventRepository persists validated telemetry.
type EventRepository interface {
	// InsertEvents writes all events in a single transaction, chunkSize rows at
	// a time. Either every event is stored or none is.
	InsertEvents(ctx context.Context, events []domain.TelemetryEvent, chunkSize int) (int, error)
}

// AnalyticsRepository runs read-only analytic statements.
type AnalyticsRepository interface {
	QueryTotals(ctx context.Context, stmt Statement) (domain.Totals, error)
	QueryPercentile(ctx context.Context, stmt Statement) (*float64, error)
	QueryEndpointStats(ctx context.Context, stmt Statement, withP95 bool) ([]domain.EndpointStats, error)
	QueryEndpointPercentiles(ctx context.Context, stmt Statement) (map[domain.EndpointKey]*float64, error)
	QueryBuckets(ctx context.Context, stmt Statement, withP95 bool) ([]domain.AggregateRow, error)
}

// Capabilities describes what the connected store supports. It is probed once
// at startup.
type Capabilities struct {
	ServerVersion string
	Timescale     bool
	HourlyRollup  bool
	DailyRollup   bool
	Percentile    bool
}

// CapabilityProber inspects the store.
type CapabilityProber interface {
	ProbeCapabilities(ctx context.Context) (Capabilities, error)
}
