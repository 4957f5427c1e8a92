package analytics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/NawfalRAZOUK7/apm-observability/internal/domain"
	"github.com/NawfalRAZOUK7/apm-observability/internal/repository"
)

type stubAnalyticsRepo struct {
	mu          sync.Mutex
	statements  []repository.Statement
	missing     map[string]bool
	failWith    error
	totals      domain.Totals
	p95         *float64
	stats       []domain.EndpointStats
	percentiles map[domain.EndpointKey]*float64
	buckets     []domain.AggregateRow
}

func (r *stubAnalyticsRepo) record(stmt repository.Statement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statements = append(r.statements, stmt)
	if r.failWith != nil {
		return r.failWith
	}
	for rel := range r.missing {
		if strings.Contains(stmt.SQL, "FROM "+rel) {
			return fmt.Errorf("%w: relation %q does not exist", repository.ErrRelationMissing, rel)
		}
	}
	return nil
}

func (r *stubAnalyticsRepo) snapshot() []repository.Statement {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]repository.Statement(nil), r.statements...)
}

func (r *stubAnalyticsRepo) QueryTotals(ctx context.Context, stmt repository.Statement) (domain.Totals, error) {
	if err := r.record(stmt); err != nil {
		return domain.Totals{}, err
	}
	return r.totals, nil
}

func (r *stubAnalyticsRepo) QueryPercentile(ctx context.Context, stmt repository.Statement) (*float64, error) {
	if err := r.record(stmt); err != nil {
		return nil, err
	}
	return r.p95, nil
}

func (r *stubAnalyticsRepo) QueryEndpointStats(ctx context.Context, stmt repository.Statement, withP95 bool) ([]domain.EndpointStats, error) {
	if err := r.record(stmt); err != nil {
		return nil, err
	}
	return append([]domain.EndpointStats(nil), r.stats...), nil
}

func (r *stubAnalyticsRepo) QueryEndpointPercentiles(ctx context.Context, stmt repository.Statement) (map[domain.EndpointKey]*float64, error) {
	if err := r.record(stmt); err != nil {
		return nil, err
	}
	return r.percentiles, nil
}

func (r *stubAnalyticsRepo) QueryBuckets(ctx context.Context, stmt repository.Statement, withP95 bool) ([]domain.AggregateRow, error) {
	if err := r.record(stmt); err != nil {
		return nil, err
	}
	return r.buckets, nil
}

var fullCaps = repository.Capabilities{Timescale: true, HourlyRollup: true, DailyRollup: true, Percentile: true}

func newTestService(repo *stubAnalyticsRepo) *Service {
	svc := New(repo, fullCaps, nil, Config{})
	svc.now = func() time.Time { return time.Date(2025, time.July, 10, 12, 0, 0, 0, time.UTC) }
	return svc
}

func floatPtr(v float64) *float64 { return &v }
func intPtr(v int) *int           { return &v }

func TestKPIsServiceAndMethodServedFromRaw(t *testing.T) {
	repo := &stubAnalyticsRepo{
		totals: domain.Totals{Hits: 10, Errors: 1, ErrorRate: 0.1, AvgLatencyMS: floatPtr(42), MaxLatencyMS: intPtr(300)},
		p95:    floatPtr(250),
	}
	svc := newTestService(repo)

	res, err := svc.KPIs(context.Background(), KPIRequest{Service: "api", Method: "get"})
	require.NoError(t, err)
	require.Equal(t, int64(10), res.Hits)
	require.Equal(t, int64(1), res.Errors)
	require.InDelta(t, 0.1, res.ErrorRate, 1e-9)
	require.Equal(t, TierRaw, res.Source)
	require.False(t, res.FellBack)
	require.Equal(t, 250.0, *res.P95LatencyMS)

	stmts := repo.snapshot()
	require.Len(t, stmts, 2)
	require.Contains(t, stmts[0].SQL, "FROM api_requests")
	require.Contains(t, stmts[0].SQL, "method = $5")
	require.Equal(t, "GET", stmts[0].Args[4])
	require.Contains(t, stmts[1].SQL, "percentile_cont")
}

func TestKPIsDefaultWindowUsesHourlyRollup(t *testing.T) {
	repo := &stubAnalyticsRepo{}
	svc := newTestService(repo)

	res, err := svc.KPIs(context.Background(), KPIRequest{})
	require.NoError(t, err)
	require.Equal(t, TierHourly, res.Source)

	stmts := repo.snapshot()
	require.Contains(t, stmts[0].SQL, "FROM apirequest_hourly")
	start := stmts[0].Args[0].(time.Time)
	end := stmts[0].Args[1].(time.Time)
	require.Equal(t, 24*time.Hour, end.Sub(start))
	require.Contains(t, stmts[1].SQL, "FROM api_requests")
}

func TestKPIsFallsBackOnceWhenRollupMissing(t *testing.T) {
	repo := &stubAnalyticsRepo{missing: map[string]bool{hourlyRelation: true}}
	svc := newTestService(repo)

	res, err := svc.KPIs(context.Background(), KPIRequest{Granularity: GranularityHourly})
	require.NoError(t, err)
	require.Equal(t, TierRaw, res.Source)
	require.True(t, res.FellBack)

	stmts := repo.snapshot()
	require.Len(t, stmts, 3)
	require.Contains(t, stmts[0].SQL, "FROM apirequest_hourly")
	require.Contains(t, stmts[1].SQL, "FROM api_requests")
	require.Equal(t, RollupErrorThreshold, stmts[1].Args[0])
}

func TestKPIsFallbackIsBoundedToOneRetry(t *testing.T) {
	repo := &stubAnalyticsRepo{missing: map[string]bool{dailyRelation: true, rawRelation: true}}
	svc := newTestService(repo)

	_, err := svc.KPIs(context.Background(), KPIRequest{Granularity: GranularityDaily})
	require.ErrorIs(t, err, ErrUnavailable)
	require.Len(t, repo.snapshot(), 2)
}

func TestKPIsBackendErrorIsUnavailable(t *testing.T) {
	repo := &stubAnalyticsRepo{failWith: errors.New("connection refused")}
	svc := newTestService(repo)

	_, err := svc.KPIs(context.Background(), KPIRequest{})
	require.ErrorIs(t, err, ErrUnavailable)
	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
	require.False(t, ue.Retryable)
	require.Len(t, repo.snapshot(), 1)
}

func TestKPIsTimeoutIsRetryable(t *testing.T) {
	repo := &stubAnalyticsRepo{failWith: fmt.Errorf("query: %w", context.DeadlineExceeded)}
	svc := newTestService(repo)

	_, err := svc.KPIs(context.Background(), KPIRequest{Method: "POST"})
	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
	require.True(t, ue.Retryable)
}

func TestKPIsValidationHappensBeforeStore(t *testing.T) {
	repo := &stubAnalyticsRepo{}
	svc := newTestService(repo)
	start := time.Date(2025, time.July, 2, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)

	cases := []KPIRequest{
		{Start: &start, End: &end},
		{Method: "TRACE"},
		{ErrorFrom: 700},
		{ErrorFrom: 99},
	}
	for _, req := range cases {
		_, err := svc.KPIs(context.Background(), req)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
	}
	require.Empty(t, repo.snapshot())
}

func TestKPIsCanceledContextSkipsStore(t *testing.T) {
	repo := &stubAnalyticsRepo{}
	svc := newTestService(repo)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.KPIs(ctx, KPIRequest{})
	require.ErrorIs(t, err, ErrUnavailable)
	require.Empty(t, repo.snapshot())
}

func TestKPIsRequiresPercentileCapability(t *testing.T) {
	repo := &stubAnalyticsRepo{}
	svc := New(repo, repository.Capabilities{}, nil, Config{})

	_, err := svc.KPIs(context.Background(), KPIRequest{})
	require.ErrorIs(t, err, ErrNotSupported)
	_, err = svc.TopEndpoints(context.Background(), TopEndpointsRequest{})
	require.ErrorIs(t, err, ErrNotSupported)
	require.Empty(t, repo.snapshot())
}

func TestKPIsIdempotentStatements(t *testing.T) {
	repo := &stubAnalyticsRepo{totals: domain.Totals{Hits: 3}}
	svc := newTestService(repo)
	req := KPIRequest{Service: "web", Granularity: GranularityDaily}

	first, err := svc.KPIs(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.KPIs(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, first, second)

	stmts := repo.snapshot()
	require.Equal(t, stmts[0], stmts[2])
	require.Equal(t, stmts[1], stmts[3])
}

func TestTopEndpointsRollupAttachesP95(t *testing.T) {
	repo := &stubAnalyticsRepo{
		stats: []domain.EndpointStats{
			{Service: "api", Endpoint: "/orders", Hits: 20},
			{Service: "web", Endpoint: "/home", Hits: 5},
		},
		percentiles: map[domain.EndpointKey]*float64{
			{Service: "api", Endpoint: "/orders"}: floatPtr(120),
		},
	}
	svc := newTestService(repo)

	res, err := svc.TopEndpoints(context.Background(), TopEndpointsRequest{Granularity: GranularityHourly, WithP95: true})
	require.NoError(t, err)
	require.Equal(t, TierHourly, res.Source)
	require.Len(t, res.Results, 2)
	require.Equal(t, 120.0, *res.Results[0].P95LatencyMS)
	require.Nil(t, res.Results[1].P95LatencyMS)

	stmts := repo.snapshot()
	require.Len(t, stmts, 2)
	require.Contains(t, stmts[1].SQL, "WITH targets(service, endpoint)")
}

func TestTopEndpointsRawP95SortSkipsFollowUp(t *testing.T) {
	repo := &stubAnalyticsRepo{stats: []domain.EndpointStats{{Service: "api", Endpoint: "/search", P95LatencyMS: floatPtr(90)}}}
	svc := newTestService(repo)

	res, err := svc.TopEndpoints(context.Background(), TopEndpointsRequest{SortBy: SortP95Latency, WithP95: true})
	require.NoError(t, err)
	require.Equal(t, TierRaw, res.Source)
	require.Len(t, repo.snapshot(), 1)
	require.Equal(t, 90.0, *res.Results[0].P95LatencyMS)
}

func TestTopEndpointsFallbackUsesRollupThreshold(t *testing.T) {
	repo := &stubAnalyticsRepo{missing: map[string]bool{dailyRelation: true}}
	svc := newTestService(repo)

	res, err := svc.TopEndpoints(context.Background(), TopEndpointsRequest{Granularity: GranularityDaily, SortBy: SortErrors, Limit: 3})
	require.NoError(t, err)
	require.Equal(t, TierRaw, res.Source)
	require.True(t, res.FellBack)
	require.NotNil(t, res.Results)
	require.Empty(t, res.Results)

	stmts := repo.snapshot()
	require.Len(t, stmts, 2)
	require.Equal(t, RollupErrorThreshold, stmts[1].Args[0])
	require.Contains(t, stmts[1].SQL, "ORDER BY errors DESC")
	require.Equal(t, 3, stmts[1].Args[len(stmts[1].Args)-1])
}

func TestTopEndpointsLimitBounds(t *testing.T) {
	repo := &stubAnalyticsRepo{}
	svc := newTestService(repo)
	for _, limit := range []int{-1, 201} {
		_, err := svc.TopEndpoints(context.Background(), TopEndpointsRequest{Limit: limit})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		require.Equal(t, "limit", verr.Field)
	}
	require.Empty(t, repo.snapshot())
}

func TestBucketsMissingRollupHasNoFallback(t *testing.T) {
	repo := &stubAnalyticsRepo{missing: map[string]bool{hourlyRelation: true}}
	svc := newTestService(repo)

	_, err := svc.Buckets(context.Background(), BucketsRequest{Tier: TierHourly})
	var ue *UnavailableError
	require.ErrorAs(t, err, &ue)
	require.NotEmpty(t, ue.Hint)
	require.Len(t, repo.snapshot(), 1)
}

func TestBucketsDailyDefaultsToSevenDays(t *testing.T) {
	repo := &stubAnalyticsRepo{buckets: []domain.AggregateRow{{Service: "api", Endpoint: "/health", Hits: 4}}}
	svc := newTestService(repo)

	rows, err := svc.Buckets(context.Background(), BucketsRequest{Tier: TierDaily})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	stmt := repo.snapshot()[0]
	start := stmt.Args[0].(time.Time)
	end := stmt.Args[1].(time.Time)
	require.Equal(t, 7*24*time.Hour, end.Sub(start))
	require.Equal(t, defaultBucketLimit, stmt.Args[len(stmt.Args)-1])

	_, err = svc.Buckets(context.Background(), BucketsRequest{Tier: TierDaily, Limit: 5001})
	require.Error(t, err)
	_, err = svc.Buckets(context.Background(), BucketsRequest{Tier: TierRaw})
	require.Error(t, err)
}
