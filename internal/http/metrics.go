package httpx

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/NawfalRAZOUK7/apm-observability/internal/domain"
	"github.com/NawfalRAZOUK7/apm-observability/internal/service/ingest"
)

const (
	metricsNamespace = "apm"
	metricsSubsystem = "api"
)

var (
	histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
)

func (r *Router) initMetrics() {
	r.metricsOnce.Do(func() {
		r.requestTotal = r.counterVec("http_requests_total", "Count of processed HTTP requests", "method", "route", "status")
		r.rateLimitHits = r.counterVec("rate_limit_hits_total", "Number of rate-limited responses", "group", "caller")
		r.sourceServed = r.counterVec("analytics_source_total", "Analytic queries by the tier that answered them", "op", "source")
		r.fallbacks = r.counterVec("analytics_fallbacks_total", "Rollup queries re-run against raw rows", "op")
		r.ingestOutcomes = r.counterVec("ingest_batches_total", "Ingest requests by outcome", "outcome")
		r.ingestEvents = r.counterVec("ingest_events_total", "Ingested events by result", "result")

		latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"})
		if err := r.registerer.Register(latency); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
					latency = existing
				}
			}
		}
		r.requestLatency = latency
		r.metricsInitialized = true
	})
}

// counterVec registers a counter, reusing an identical collector when a
// previous router already registered it.
func (r *Router) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      name,
		Help:      help,
	}, labels)
	if err := r.registerer.Register(vec); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return vec
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if !r.metricsInitialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(group, caller string) {
	if !r.metricsInitialized {
		return
	}
	r.rateLimitHits.With(prometheus.Labels{"group": group, "caller": caller}).Inc()
}

func (r *Router) recordSource(op, source string, fellBack bool) {
	if !r.metricsInitialized {
		return
	}
	r.sourceServed.With(prometheus.Labels{"op": op, "source": source}).Inc()
	if fellBack {
		r.fallbacks.With(prometheus.Labels{"op": op}).Inc()
	}
}

func (r *Router) recordIngest(result domain.IngestBatchResult, err error) {
	if !r.metricsInitialized {
		return
	}
	r.ingestOutcomes.With(prometheus.Labels{"outcome": string(ingest.OutcomeOf(result, err))}).Inc()
	if result.Inserted > 0 {
		r.ingestEvents.With(prometheus.Labels{"result": "inserted"}).Add(float64(result.Inserted))
	}
	if result.Rejected > 0 {
		r.ingestEvents.With(prometheus.Labels{"result": "rejected"}).Add(float64(result.Rejected))
	}
}
