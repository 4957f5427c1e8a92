package domain

import "time"

// Totals summarises hits, errors and latency over a filtered window.
type Totals struct {
	Hits         int64    `json:"hits"`
	Errors       int64    `json:"errors"`
	ErrorRate    float64  `json:"error_rate"`
	AvgLatencyMS *float64 `json:"avg_latency_ms"`
	MaxLatencyMS *int     `json:"max_latency_ms"`
}

// EndpointStats is one ranked (service, endpoint) row of a top-endpoints answer.
type EndpointStats struct {
	Service      string   `json:"service"`
	Endpoint     string   `json:"endpoint"`
	Hits         int64    `json:"hits"`
	Errors       int64    `json:"errors"`
	ErrorRate    float64  `json:"error_rate"`
	AvgLatencyMS *float64 `json:"avg_latency_ms"`
	MaxLatencyMS *int     `json:"max_latency_ms"`
	P95LatencyMS *float64 `json:"p95_latency_ms"`
}

// EndpointKey identifies an endpoint within a service.
type EndpointKey struct {
	Service  string
	Endpoint string
}

// Key returns the (service, endpoint) identity of the row.
func (s EndpointStats) Key() EndpointKey {
	return EndpointKey{Service: s.Service, Endpoint: s.Endpoint}
}

// AggregateRow is one pre-aggregated rollup bucket. P95 is only populated when
// the rollup carries it.
type AggregateRow struct {
	Bucket       time.Time `json:"bucket"`
	Service      string    `json:"service"`
	Endpoint     string    `json:"endpoint"`
	Hits         int64     `json:"hits"`
	Errors       int64     `json:"errors"`
	AvgLatencyMS *float64  `json:"avg_latency_ms"`
	MaxLatencyMS *int      `json:"max_latency_ms"`
	P95LatencyMS *float64  `json:"p95_latency_ms,omitempty"`
}
