package httpx

import (
	"net/http"
	"net/url"

	"github.com/NawfalRAZOUK7/apm-observability/internal/service/analytics"
)

// sourceHeader echoes the tier that answered a query.
const sourceHeader = "X-APM-Source"

func (r *Router) handleKPIs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	kpiReq, err := parseKPIRequest(req.URL.Query())
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	result, err := r.analytics.KPIs(req.Context(), kpiReq)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	r.recordSource("kpis", result.Source.String(), result.FellBack)
	w.Header().Set(sourceHeader, result.Source.String())
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleTopEndpoints(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	topReq, err := parseTopRequest(req.URL.Query())
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	result, err := r.analytics.TopEndpoints(req.Context(), topReq)
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	r.recordSource("top_endpoints", result.Source.String(), result.FellBack)
	w.Header().Set(sourceHeader, result.Source.String())
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleBuckets(tier analytics.Tier) http.HandlerFunc {
	op := tier.String() + "_buckets"
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			r.methodNotAllowed(w)
			return
		}
		q := req.URL.Query()
		start, err := parseInstant(q, "start", false)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		end, err := parseInstant(q, "end", true)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		limit, err := parseIntInRange(q, "limit", 1, maxBucketLimit)
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		rows, err := r.analytics.Buckets(req.Context(), analytics.BucketsRequest{
			Tier:     tier,
			Start:    start,
			End:      end,
			Service:  q.Get("service"),
			Endpoint: q.Get("endpoint"),
			Limit:    limit,
		})
		if err != nil {
			r.writeServiceError(w, err)
			return
		}
		r.recordSource(op, tier.String(), false)
		w.Header().Set(sourceHeader, tier.String())
		writeJSON(w, http.StatusOK, map[string]any{
			"source":  tier.String(),
			"count":   len(rows),
			"results": rows,
		})
	}
}

const (
	maxTopLimit    = 200
	maxBucketLimit = 5000
)

func parseKPIRequest(q url.Values) (analytics.KPIRequest, error) {
	start, err := parseInstant(q, "start", false)
	if err != nil {
		return analytics.KPIRequest{}, err
	}
	end, err := parseInstant(q, "end", true)
	if err != nil {
		return analytics.KPIRequest{}, err
	}
	granularity, err := analytics.ParseGranularity(q.Get("granularity"))
	if err != nil {
		return analytics.KPIRequest{}, err
	}
	errorFrom, err := parseIntInRange(q, "error_from", 100, 599)
	if err != nil {
		return analytics.KPIRequest{}, err
	}
	return analytics.KPIRequest{
		Start:       start,
		End:         end,
		Service:     q.Get("service"),
		Endpoint:    q.Get("endpoint"),
		Method:      q.Get("method"),
		Granularity: granularity,
		ErrorFrom:   errorFrom,
	}, nil
}

func parseTopRequest(q url.Values) (analytics.TopEndpointsRequest, error) {
	base, err := parseKPIRequest(q)
	if err != nil {
		return analytics.TopEndpointsRequest{}, err
	}
	limit, err := parseIntInRange(q, "limit", 1, maxTopLimit)
	if err != nil {
		return analytics.TopEndpointsRequest{}, err
	}
	sortBy, err := analytics.ParseSortKey(q.Get("sort_by"))
	if err != nil {
		return analytics.TopEndpointsRequest{}, err
	}
	direction, err := analytics.ParseDirection(q.Get("direction"))
	if err != nil {
		return analytics.TopEndpointsRequest{}, err
	}
	withP95, err := parseBoolParam(q, "with_p95")
	if err != nil {
		return analytics.TopEndpointsRequest{}, err
	}
	return analytics.TopEndpointsRequest{
		Start:       base.Start,
		End:         base.End,
		Service:     base.Service,
		Endpoint:    base.Endpoint,
		Method:      base.Method,
		Granularity: base.Granularity,
		ErrorFrom:   base.ErrorFrom,
		Limit:       limit,
		SortBy:      sortBy,
		Direction:   direction,
		WithP95:     withP95,
	}, nil
}
