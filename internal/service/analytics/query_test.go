package analytics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NawfalRAZOUK7/apm-observability/internal/domain"
)

func TestTotalsQueryRollupUsesWeightedAverage(t *testing.T) {
	f := window(time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC), time.Hour)
	f.Service = "api"
	stmt, err := TotalsQuery(TierHourly, f, 500)
	require.NoError(t, err)
	require.Contains(t, stmt.SQL, "FROM apirequest_hourly")
	require.Contains(t, stmt.SQL, "SUM(avg_latency_ms * hits)")
	require.Contains(t, stmt.SQL, "ELSE 0::double precision")
	require.Contains(t, stmt.SQL, "WHERE bucket >= $1 AND bucket <= $2 AND service = $3")
	require.Len(t, stmt.Args, 3)
}

func TestTotalsQueryRawBindsErrorThresholdFirst(t *testing.T) {
	f := window(time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC), time.Hour)
	f.Method = "GET"
	stmt, err := TotalsQuery(TierRaw, f, 400)
	require.NoError(t, err)
	require.Contains(t, stmt.SQL, "FROM api_requests")
	require.Contains(t, stmt.SQL, "status_code >= $1")
	require.Contains(t, stmt.SQL, "WHERE time >= $2 AND time <= $3 AND method = $4")
	require.Equal(t, 400, stmt.Args[0])
	require.Equal(t, "GET", stmt.Args[3])
}

func TestTotalsQueryWithoutFiltersHasNoWhere(t *testing.T) {
	stmt, err := TotalsQuery(TierDaily, FilterSet{}, 500)
	require.NoError(t, err)
	require.NotContains(t, stmt.SQL, "WHERE")
	require.Empty(t, stmt.Args)
}

func TestGlobalP95QueryIsRawOnly(t *testing.T) {
	f := FilterSet{Service: "auth"}
	stmt, err := GlobalP95Query(f)
	require.NoError(t, err)
	require.Contains(t, stmt.SQL, "percentile_cont(0.95) WITHIN GROUP (ORDER BY latency_ms)")
	require.Contains(t, stmt.SQL, "FROM api_requests")
	require.Equal(t, []any{"auth"}, stmt.Args)
}

func TestTopEndpointsQueryRollupOrderingAndLimit(t *testing.T) {
	stmt, withP95, err := TopEndpointsQuery(TierDaily, TopQuery{
		Filters:   FilterSet{Service: "api"},
		ErrorFrom: 500,
		Limit:     5,
		SortBy:    SortErrorRate,
		Direction: Asc,
	})
	require.NoError(t, err)
	require.False(t, withP95)
	require.Contains(t, stmt.SQL, "FROM apirequest_daily")
	require.Contains(t, stmt.SQL, "GROUP BY service, endpoint")
	require.Contains(t, stmt.SQL, "ORDER BY error_rate ASC, service ASC, endpoint ASC")
	require.True(t, strings.HasSuffix(stmt.SQL, "LIMIT $2"))
	require.Equal(t, []any{"api", 5}, stmt.Args)
}

func TestTopEndpointsQueryRollupRejectsP95Sort(t *testing.T) {
	_, _, err := TopEndpointsQuery(TierHourly, TopQuery{SortBy: SortP95Latency})
	require.ErrorIs(t, err, errSortNeedsRaw)
}

func TestTopEndpointsQueryRawP95SortIncludesColumn(t *testing.T) {
	stmt, withP95, err := TopEndpointsQuery(TierRaw, TopQuery{ErrorFrom: 500, Limit: 10, SortBy: SortP95Latency, Direction: Desc})
	require.NoError(t, err)
	require.True(t, withP95)
	require.Contains(t, stmt.SQL, "AS p95_latency_ms")
	require.Contains(t, stmt.SQL, "ORDER BY p95_latency_ms DESC, service ASC, endpoint ASC")
	require.Equal(t, []any{500, 10}, stmt.Args)
	require.True(t, strings.HasSuffix(stmt.SQL, "LIMIT $2"))
}

func TestTopEndpointsQueryRawDefaults(t *testing.T) {
	stmt, withP95, err := TopEndpointsQuery(TierRaw, TopQuery{ErrorFrom: 500})
	require.NoError(t, err)
	require.False(t, withP95)
	require.Contains(t, stmt.SQL, "ORDER BY hits DESC")
	require.Equal(t, defaultTopLimit, stmt.Args[len(stmt.Args)-1])
}

func TestEndpointP95QueryBindsTargets(t *testing.T) {
	start := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	targets := []domain.EndpointKey{{Service: "api", Endpoint: "/orders"}, {Service: "web", Endpoint: "/home"}}
	stmt, err := EndpointP95Query(FilterSet{Start: &start}, targets)
	require.NoError(t, err)
	require.Contains(t, stmt.SQL, "VALUES ($1::text, $2::text), ($3::text, $4::text)")
	require.Contains(t, stmt.SQL, "WHERE r.time >= $5")
	require.Contains(t, stmt.SQL, "GROUP BY t.service, t.endpoint")
	require.Equal(t, []any{"api", "/orders", "web", "/home", start}, stmt.Args)
	require.NotContains(t, stmt.SQL, "/orders")
}

func TestEndpointP95QueryEmptyTargets(t *testing.T) {
	stmt, err := EndpointP95Query(FilterSet{}, nil)
	require.NoError(t, err)
	require.Contains(t, stmt.SQL, "WHERE FALSE")
	require.Empty(t, stmt.Args)
}

func TestBucketsQueryDailyIncludesP95(t *testing.T) {
	stmt, withP95, err := BucketsQuery(TierDaily, BucketQuery{Limit: 100})
	require.NoError(t, err)
	require.True(t, withP95)
	require.Contains(t, stmt.SQL, "avg_latency_ms, p95_latency_ms, max_latency_ms")
	require.Contains(t, stmt.SQL, "ORDER BY bucket DESC, service ASC, endpoint ASC")

	stmt, withP95, err = BucketsQuery(TierHourly, BucketQuery{Limit: 100})
	require.NoError(t, err)
	require.False(t, withP95)
	require.NotContains(t, stmt.SQL, "p95")

	_, _, err = BucketsQuery(TierRaw, BucketQuery{Limit: 1})
	require.Error(t, err)
}

func TestParseSortKeyAndDirection(t *testing.T) {
	key, err := ParseSortKey("")
	require.NoError(t, err)
	require.Equal(t, SortHits, key)
	_, err = ParseSortKey("service; DROP TABLE api_requests")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "sort_by", verr.Field)

	dir, err := ParseDirection("ASC")
	require.NoError(t, err)
	require.Equal(t, Asc, dir)
	_, err = ParseDirection("sideways")
	require.Error(t, err)
}
