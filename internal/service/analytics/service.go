package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/NawfalRAZOUK7/apm-observability/internal/domain"
	"github.com/NawfalRAZOUK7/apm-observability/internal/repository"
)

const (
	defaultQueryWindow  = 24 * time.Hour
	defaultDailyWindow  = 7 * 24 * time.Hour
	defaultBucketLimit  = 500
	maxBucketLimit      = 5000
	defaultQueryTimeout = 15 * time.Second
)

// Config tunes the analytics service.
type Config struct {
	HourlyMaxRange time.Duration
	QueryTimeout   time.Duration
}

// Service answers KPI, ranking and bucket questions over request telemetry.
type Service struct {
	repo     repository.AnalyticsRepository
	caps     repository.Capabilities
	selector Selector
	exec     Executor
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a Service. caps is the result of the startup capability probe.
func New(repo repository.AnalyticsRepository, caps repository.Capabilities, logger *slog.Logger, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "analytics")
	timeout := cfg.QueryTimeout
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &Service{
		repo:     repo,
		caps:     caps,
		selector: NewSelector(cfg.HourlyMaxRange),
		exec:     NewExecutor(logger),
		timeout:  timeout,
		logger:   logger,
		now:      time.Now,
	}
}

// Capabilities returns the probed store capabilities.
func (s *Service) Capabilities() repository.Capabilities {
	return s.caps
}

// KPIRequest holds KPI query inputs. Zero ErrorFrom means 500.
type KPIRequest struct {
	Start       *time.Time
	End         *time.Time
	Service     string
	Endpoint    string
	Method      string
	Granularity Granularity
	ErrorFrom   int
}

// KPIResult is a KPI answer and the tier that served its totals.
type KPIResult struct {
	Hits         int64    `json:"hits"`
	Errors       int64    `json:"errors"`
	ErrorRate    float64  `json:"error_rate"`
	AvgLatencyMS *float64 `json:"avg_latency_ms"`
	P95LatencyMS *float64 `json:"p95_latency_ms"`
	MaxLatencyMS *int     `json:"max_latency_ms"`
	Source       Tier     `json:"source"`
	FellBack     bool     `json:"-"`
}

// KPIs computes totals from the selected tier and p95 from raw rows.
func (s *Service) KPIs(ctx context.Context, req KPIRequest) (KPIResult, error) {
	if err := s.requirePercentile(); err != nil {
		return KPIResult{}, err
	}
	filters, errorFrom, err := s.resolve(req.Start, req.End, defaultQueryWindow, req.Service, req.Endpoint, req.Method, req.ErrorFrom)
	if err != nil {
		return KPIResult{}, err
	}
	granularity := req.Granularity
	if granularity == "" {
		granularity = GranularityAuto
	}
	plan := s.selector.KPISource(filters, granularity, errorFrom)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var totals domain.Totals
	execution, err := s.exec.Run(ctx, "kpis", plan, func(ctx context.Context, tier Tier) error {
		stmt, err := TotalsQuery(tier, filters, errorFrom)
		if err != nil {
			return err
		}
		totals, err = s.repo.QueryTotals(ctx, stmt)
		return err
	})
	if err != nil {
		return KPIResult{}, err
	}

	if err := ctx.Err(); err != nil {
		return KPIResult{}, unavailable("kpis_p95", err)
	}
	stmt, err := GlobalP95Query(filters)
	if err != nil {
		return KPIResult{}, err
	}
	p95, err := s.repo.QueryPercentile(ctx, stmt)
	if err != nil {
		return KPIResult{}, unavailable("kpis_p95", err)
	}

	return KPIResult{
		Hits:         totals.Hits,
		Errors:       totals.Errors,
		ErrorRate:    totals.ErrorRate,
		AvgLatencyMS: totals.AvgLatencyMS,
		P95LatencyMS: p95,
		MaxLatencyMS: totals.MaxLatencyMS,
		Source:       execution.Source,
		FellBack:     execution.FellBack,
	}, nil
}

// TopEndpointsRequest holds ranking inputs. Zero Limit means 20.
type TopEndpointsRequest struct {
	Start       *time.Time
	End         *time.Time
	Service     string
	Endpoint    string
	Method      string
	Granularity Granularity
	ErrorFrom   int
	Limit       int
	SortBy      SortKey
	Direction   Direction
	WithP95     bool
}

// TopEndpointsResult is a ranking and the tier that served it.
type TopEndpointsResult struct {
	Source   Tier                   `json:"source"`
	Results  []domain.EndpointStats `json:"results"`
	FellBack bool                   `json:"-"`
}

// TopEndpoints ranks (service, endpoint) pairs.
func (s *Service) TopEndpoints(ctx context.Context, req TopEndpointsRequest) (TopEndpointsResult, error) {
	if err := s.requirePercentile(); err != nil {
		return TopEndpointsResult{}, err
	}
	filters, errorFrom, err := s.resolve(req.Start, req.End, defaultQueryWindow, req.Service, req.Endpoint, req.Method, req.ErrorFrom)
	if err != nil {
		return TopEndpointsResult{}, err
	}
	limit := req.Limit
	if limit == 0 {
		limit = defaultTopLimit
	}
	if limit < 1 || limit > maxTopLimit {
		return TopEndpointsResult{}, &ValidationError{Field: "limit", Detail: fmt.Sprintf("must be between 1 and %d", maxTopLimit)}
	}
	sortBy := req.SortBy
	if sortBy == "" {
		sortBy = defaultSortKey
	}
	if _, err := ParseSortKey(string(sortBy)); err != nil {
		return TopEndpointsResult{}, err
	}
	direction := req.Direction
	if direction == "" {
		direction = Desc
	}
	granularity := req.Granularity
	if granularity == "" {
		granularity = GranularityAuto
	}
	plan := s.selector.TopEndpointsSource(filters, granularity, errorFrom, sortBy)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []domain.EndpointStats
	execution, err := s.exec.Run(ctx, "top_endpoints", plan, func(ctx context.Context, tier Tier) error {
		q := TopQuery{
			Filters:    filters,
			ErrorFrom:  errorFrom,
			Limit:      limit,
			SortBy:     sortBy,
			Direction:  direction,
			IncludeP95: req.WithP95,
		}
		if tier != plan.Tier {
			// Fallback from a rollup keeps the rollup's error threshold.
			q.ErrorFrom = RollupErrorThreshold
			if q.SortBy == SortP95Latency {
				q.SortBy = SortHits
			}
		}
		stmt, withP95, err := TopEndpointsQuery(tier, q)
		if err != nil {
			return err
		}
		rows, err = s.repo.QueryEndpointStats(ctx, stmt, withP95)
		return err
	})
	if err != nil {
		return TopEndpointsResult{}, err
	}

	if execution.Source.IsRollup() && req.WithP95 && len(rows) > 0 {
		if err := s.attachEndpointP95(ctx, filters.WithoutMethod(), rows); err != nil {
			return TopEndpointsResult{}, err
		}
	}
	if rows == nil {
		rows = []domain.EndpointStats{}
	}
	return TopEndpointsResult{Source: execution.Source, Results: rows, FellBack: execution.FellBack}, nil
}

func (s *Service) attachEndpointP95(ctx context.Context, filters FilterSet, rows []domain.EndpointStats) error {
	if err := ctx.Err(); err != nil {
		return unavailable("top_endpoints_p95", err)
	}
	keys := make([]domain.EndpointKey, 0, len(rows))
	for _, row := range rows {
		keys = append(keys, row.Key())
	}
	stmt, err := EndpointP95Query(filters, keys)
	if err != nil {
		return err
	}
	values, err := s.repo.QueryEndpointPercentiles(ctx, stmt)
	if err != nil {
		return unavailable("top_endpoints_p95", err)
	}
	for i := range rows {
		rows[i].P95LatencyMS = values[rows[i].Key()]
	}
	return nil
}

// BucketsRequest lists rollup rows for one tier. Zero Limit means 500.
type BucketsRequest struct {
	Tier     Tier
	Start    *time.Time
	End      *time.Time
	Service  string
	Endpoint string
	Limit    int
}

// Buckets lists rollup rows newest first. There is no raw fallback: a missing
// rollup is reported unavailable.
func (s *Service) Buckets(ctx context.Context, req BucketsRequest) ([]domain.AggregateRow, error) {
	if !req.Tier.IsRollup() {
		return nil, &ValidationError{Field: "tier", Detail: "bucket listings are served from hourly or daily rollups"}
	}
	window := defaultQueryWindow
	if req.Tier == TierDaily {
		window = defaultDailyWindow
	}
	filters, _, err := s.resolve(req.Start, req.End, window, req.Service, req.Endpoint, "", RollupErrorThreshold)
	if err != nil {
		return nil, err
	}
	limit := req.Limit
	if limit == 0 {
		limit = defaultBucketLimit
	}
	if limit < 1 || limit > maxBucketLimit {
		return nil, &ValidationError{Field: "limit", Detail: fmt.Sprintf("must be between 1 and %d", maxBucketLimit)}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stmt, withP95, err := BucketsQuery(req.Tier, BucketQuery{Filters: filters, Limit: limit})
	if err != nil {
		return nil, err
	}
	rows, err := s.repo.QueryBuckets(ctx, stmt, withP95)
	if err != nil {
		ue := &UnavailableError{Op: req.Tier.String() + "_buckets", Retryable: errors.Is(err, context.DeadlineExceeded), Err: err}
		if errors.Is(err, repository.ErrRelationMissing) {
			ue.Hint = fmt.Sprintf("the %s rollup is not provisioned; apply migrations", req.Tier)
		}
		return nil, ue
	}
	if rows == nil {
		rows = []domain.AggregateRow{}
	}
	return rows, nil
}

// resolve applies the default window and validates shared inputs before any
// store call.
func (s *Service) resolve(start, end *time.Time, window time.Duration, service, endpoint, method string, errorFrom int) (FilterSet, int, error) {
	if errorFrom == 0 {
		errorFrom = RollupErrorThreshold
	}
	if errorFrom < domain.MinStatusCode || errorFrom > domain.MaxStatusCode {
		return FilterSet{}, 0, &ValidationError{Field: "error_from", Detail: fmt.Sprintf("must be between %d and %d", domain.MinStatusCode, domain.MaxStatusCode)}
	}
	var resolvedEnd time.Time
	if end != nil {
		resolvedEnd = end.UTC()
	} else {
		resolvedEnd = s.now().UTC()
	}
	var resolvedStart time.Time
	if start != nil {
		resolvedStart = start.UTC()
	} else {
		resolvedStart = resolvedEnd.Add(-window)
	}
	if resolvedStart.After(resolvedEnd) {
		return FilterSet{}, 0, &ValidationError{Field: "start", Detail: "`start` must be <= `end`."}
	}
	filters := FilterSet{
		Start:    &resolvedStart,
		End:      &resolvedEnd,
		Service:  strings.TrimSpace(service),
		Endpoint: strings.TrimSpace(endpoint),
	}
	if strings.TrimSpace(method) != "" {
		normalized, ok := domain.NormalizeMethod(method)
		if !ok {
			return FilterSet{}, 0, &ValidationError{Field: "method", Detail: fmt.Sprintf("%q is not a supported HTTP method", method)}
		}
		filters.Method = normalized
	}
	return filters, errorFrom, nil
}

func (s *Service) requirePercentile() error {
	if !s.caps.Percentile {
		return fmt.Errorf("%w: ordered-set percentile aggregates are required", ErrNotSupported)
	}
	return nil
}
