package analytics

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/NawfalRAZOUK7/apm-observability/internal/domain"
	"github.com/NawfalRAZOUK7/apm-observability/internal/repository"
)

// SortKey is an allow-listed top-endpoints ordering column.
type SortKey string

const (
	SortHits       SortKey = "hits"
	SortErrors     SortKey = "errors"
	SortErrorRate  SortKey = "error_rate"
	SortAvgLatency SortKey = "avg_latency_ms"
	SortMaxLatency SortKey = "max_latency_ms"
	SortP95Latency SortKey = "p95_latency_ms"
)

const (
	defaultSortKey  = SortHits
	defaultTopLimit = 20
	maxTopLimit     = 200
)

var rollupSortKeys = map[SortKey]struct{}{
	SortHits:       {},
	SortErrors:     {},
	SortErrorRate:  {},
	SortAvgLatency: {},
	SortMaxLatency: {},
}

// ParseSortKey validates a sort key against the raw allow-list; empty means hits.
func ParseSortKey(value string) (SortKey, error) {
	key := SortKey(strings.TrimSpace(value))
	if key == "" {
		return defaultSortKey, nil
	}
	if _, ok := rollupSortKeys[key]; ok || key == SortP95Latency {
		return key, nil
	}
	return "", &ValidationError{Field: "sort_by", Detail: fmt.Sprintf("%q is not a supported sort key", value)}
}

// Direction orders a ranking.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// ParseDirection accepts asc or desc; empty means desc.
func ParseDirection(value string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(value))); d {
	case "":
		return Desc, nil
	case Asc, Desc:
		return d, nil
	default:
		return "", &ValidationError{Field: "direction", Detail: fmt.Sprintf("%q is not one of asc, desc", value)}
	}
}

func (d Direction) sql() string {
	if d == Asc {
		return "ASC"
	}
	return "DESC"
}

// errSortNeedsRaw guards rollup rankings from percentile sort keys.
var errSortNeedsRaw = errors.New("analytics: sort key requires the raw tier")

const rollupTotalsSelect = `COALESCE(SUM(hits), 0)::bigint AS hits,
		COALESCE(SUM(errors), 0)::bigint AS errors,
		CASE
			WHEN COALESCE(SUM(hits), 0) > 0
			THEN (SUM(errors)::double precision / SUM(hits)::double precision)
			ELSE 0::double precision
		END AS error_rate,
		CASE
			WHEN COALESCE(SUM(hits), 0) > 0
			THEN (SUM(avg_latency_ms * hits)::double precision / SUM(hits)::double precision)
			ELSE NULL::double precision
		END AS avg_latency_ms,
		MAX(max_latency_ms)::integer AS max_latency_ms`

// rawTotalsSelect expects the error threshold bound to $1.
const rawTotalsSelect = `COUNT(*)::bigint AS hits,
		COUNT(*) FILTER (WHERE status_code >= $1)::bigint AS errors,
		CASE
			WHEN COUNT(*) > 0
			THEN (COUNT(*) FILTER (WHERE status_code >= $1)::double precision / COUNT(*)::double precision)
			ELSE 0::double precision
		END AS error_rate,
		AVG(latency_ms)::double precision AS avg_latency_ms,
		MAX(latency_ms)::integer AS max_latency_ms`

const p95Expr = `(percentile_cont(0.95) WITHIN GROUP (ORDER BY %slatency_ms))::double precision AS p95_latency_ms`

// TotalsQuery builds the KPI totals statement for tier. errorFrom only applies
// to raw; rollups carry a fixed threshold.
func TotalsQuery(tier Tier, f FilterSet, errorFrom int) (repository.Statement, error) {
	if tier.IsRollup() {
		where, args, err := BuildWhere(f, tier, WhereOptions{})
		if err != nil {
			return repository.Statement{}, err
		}
		sql := "SELECT\n\t\t" + rollupTotalsSelect + "\n\tFROM " + tier.relation() + joinClause(where)
		return repository.Statement{SQL: sql, Args: args}, nil
	}
	where, args, err := BuildWhere(f, TierRaw, WhereOptions{ArgOffset: 1})
	if err != nil {
		return repository.Statement{}, err
	}
	sql := "SELECT\n\t\t" + rawTotalsSelect + "\n\tFROM " + rawRelation + joinClause(where)
	return repository.Statement{SQL: sql, Args: append([]any{errorFrom}, args...)}, nil
}

// GlobalP95Query builds the raw percentile statement for f.
func GlobalP95Query(f FilterSet) (repository.Statement, error) {
	where, args, err := BuildWhere(f, TierRaw, WhereOptions{})
	if err != nil {
		return repository.Statement{}, err
	}
	sql := "SELECT\n\t\t" + fmt.Sprintf(p95Expr, "") + "\n\tFROM " + rawRelation + joinClause(where)
	return repository.Statement{SQL: sql, Args: args}, nil
}

// TopQuery describes a top-endpoints ranking.
type TopQuery struct {
	Filters    FilterSet
	ErrorFrom  int
	Limit      int
	SortBy     SortKey
	Direction  Direction
	IncludeP95 bool
}

// TopEndpointsQuery builds a ranking grouped by (service, endpoint). Raw
// rankings sorted by p95 always select the percentile column.
func TopEndpointsQuery(tier Tier, q TopQuery) (repository.Statement, bool, error) {
	sortBy := q.SortBy
	if sortBy == "" {
		sortBy = defaultSortKey
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultTopLimit
	}
	order := fmt.Sprintf("ORDER BY %s %s, service ASC, endpoint ASC", sortBy, q.Direction.sql())

	if tier.IsRollup() {
		if _, ok := rollupSortKeys[sortBy]; !ok {
			return repository.Statement{}, false, errSortNeedsRaw
		}
		where, args, err := BuildWhere(q.Filters, tier, WhereOptions{})
		if err != nil {
			return repository.Statement{}, false, err
		}
		args = append(args, limit)
		sql := "SELECT\n\t\tservice,\n\t\tendpoint,\n\t\t" + rollupTotalsSelect +
			"\n\tFROM " + tier.relation() + joinClause(where) +
			"\n\tGROUP BY service, endpoint\n\t" + order +
			"\n\tLIMIT $" + strconv.Itoa(len(args))
		return repository.Statement{SQL: sql, Args: args}, false, nil
	}

	includeP95 := q.IncludeP95 || sortBy == SortP95Latency
	where, args, err := BuildWhere(q.Filters, TierRaw, WhereOptions{ArgOffset: 1})
	if err != nil {
		return repository.Statement{}, false, err
	}
	args = append([]any{q.ErrorFrom}, args...)
	args = append(args, limit)
	selectList := rawTotalsSelect
	if includeP95 {
		selectList += ",\n\t\t" + fmt.Sprintf(p95Expr, "")
	}
	sql := "SELECT\n\t\tservice,\n\t\tendpoint,\n\t\t" + selectList +
		"\n\tFROM " + rawRelation + joinClause(where) +
		"\n\tGROUP BY service, endpoint\n\t" + order +
		"\n\tLIMIT $" + strconv.Itoa(len(args))
	return repository.Statement{SQL: sql, Args: args}, includeP95, nil
}

// EndpointP95Query computes raw p95 for the given endpoints only. Targets are
// bound through a VALUES list joined against the raw table.
func EndpointP95Query(f FilterSet, targets []domain.EndpointKey) (repository.Statement, error) {
	if len(targets) == 0 {
		return repository.Statement{SQL: `SELECT NULL::text AS service, NULL::text AS endpoint, NULL::double precision AS p95_latency_ms WHERE FALSE`}, nil
	}
	rows := make([]string, 0, len(targets))
	args := make([]any, 0, len(targets)*2)
	for _, t := range targets {
		n := len(args)
		rows = append(rows, fmt.Sprintf("($%d::text, $%d::text)", n+1, n+2))
		args = append(args, t.Service, t.Endpoint)
	}
	where, whereArgs, err := BuildWhere(f, TierRaw, WhereOptions{Qualifier: "r", ArgOffset: len(args)})
	if err != nil {
		return repository.Statement{}, err
	}
	sql := "WITH targets(service, endpoint) AS (\n\t\tVALUES " + strings.Join(rows, ", ") + "\n\t)\n\tSELECT\n\t\tt.service,\n\t\tt.endpoint,\n\t\t" +
		fmt.Sprintf(p95Expr, "r.") +
		"\n\tFROM targets t\n\tJOIN " + rawRelation + " r\n\t  ON r.service = t.service\n\t AND r.endpoint = t.endpoint" +
		joinClause(where) +
		"\n\tGROUP BY t.service, t.endpoint"
	return repository.Statement{SQL: sql, Args: append(args, whereArgs...)}, nil
}

// BucketQuery lists rollup rows.
type BucketQuery struct {
	Filters FilterSet
	Limit   int
}

// BucketsQuery builds a newest-first listing over a rollup relation. Only the
// daily rollup carries a p95 column.
func BucketsQuery(tier Tier, q BucketQuery) (repository.Statement, bool, error) {
	if !tier.IsRollup() {
		return repository.Statement{}, false, fmt.Errorf("analytics: bucket listing needs a rollup tier, got %s", tier)
	}
	where, args, err := BuildWhere(q.Filters, tier, WhereOptions{})
	if err != nil {
		return repository.Statement{}, false, err
	}
	withP95 := tier == TierDaily
	columns := "bucket, service, endpoint, hits, errors, avg_latency_ms, "
	if withP95 {
		columns += "p95_latency_ms, "
	}
	columns += "max_latency_ms"
	args = append(args, q.Limit)
	sql := "SELECT " + columns + "\n\tFROM " + tier.relation() + joinClause(where) +
		"\n\tORDER BY bucket DESC, service ASC, endpoint ASC\n\tLIMIT $" + strconv.Itoa(len(args))
	return repository.Statement{SQL: sql, Args: args}, withP95, nil
}

func joinClause(where string) string {
	if where == "" {
		return ""
	}
	return "\n\t" + where
}
