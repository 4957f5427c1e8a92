package httpx

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NawfalRAZOUK7/apm-observability/internal/domain"
	"github.com/NawfalRAZOUK7/apm-observability/internal/repository"
	"github.com/NawfalRAZOUK7/apm-observability/internal/service/analytics"
	"github.com/NawfalRAZOUK7/apm-observability/internal/service/ingest"
	"github.com/NawfalRAZOUK7/apm-observability/internal/ws"
)

// AnalyticsService answers KPI, ranking and bucket queries.
type AnalyticsService interface {
	KPIs(ctx context.Context, req analytics.KPIRequest) (analytics.KPIResult, error)
	TopEndpoints(ctx context.Context, req analytics.TopEndpointsRequest) (analytics.TopEndpointsResult, error)
	Buckets(ctx context.Context, req analytics.BucketsRequest) ([]domain.AggregateRow, error)
	Capabilities() repository.Capabilities
}

// IngestService runs telemetry batches through validation and persistence.
type IngestService interface {
	Ingest(ctx context.Context, body []byte, opts ingest.Options) (domain.IngestBatchResult, error)
	Limits() ingest.Limits
}

// Config holds router settings that are not services.
type Config struct {
	// MaxBodyBytes bounds the ingest body before and after decompression.
	MaxBodyBytes int64
	RateLimits   RateLimits
	Registerer   prometheus.Registerer
	Gatherer     prometheus.Gatherer
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux          *http.ServeMux
	logger       *slog.Logger
	analytics    AnalyticsService
	ingest       IngestService
	hub          *ws.Hub
	upgrader     websocket.Upgrader
	limiter      RateLimiter
	rateLimits   RateLimits
	dbHealth     func(context.Context) error
	maxBodyBytes int64
	registerer   prometheus.Registerer
	gatherer     prometheus.Gatherer
	now          func() time.Time

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	sourceServed       *prometheus.CounterVec
	fallbacks          *prometheus.CounterVec
	ingestOutcomes     *prometheus.CounterVec
	ingestEvents       *prometheus.CounterVec
}

const (
	rateWindowDefault     = time.Minute
	rateWindowRealtime    = 30 * time.Second
	rateLimitIngest       = 120
	rateLimitQuery        = 600
	rateLimitStream       = 30
	healthCheckTimeout    = 2 * time.Second
	defaultMaxBodyBytes   = 32 << 20
	streamHeartbeatPeriod = 15 * time.Second
	streamEventName       = "ingest_summary"
	requestIDHeader       = "X-Request-ID"
)

// NewRouter assembles routes with dependencies. hub may be nil, which
// disables the live feed.
func NewRouter(logger *slog.Logger, analyticsSvc AnalyticsService, ingestSvc IngestService, hub *ws.Hub, limiter RateLimiter, dbHealth func(context.Context) error, cfg Config) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger,
		analytics: analyticsSvc,
		ingest:    ingestSvc,
		hub:       hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:      limiter,
		rateLimits:   cfg.RateLimits.withDefaults(),
		dbHealth:     dbHealth,
		maxBodyBytes: cfg.MaxBodyBytes,
		registerer:   cfg.Registerer,
		gatherer:     cfg.Gatherer,
		now:          time.Now,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.maxBodyBytes <= 0 {
		r.maxBodyBytes = defaultMaxBodyBytes
	}
	if r.registerer == nil {
		r.registerer = prometheus.DefaultRegisterer
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.mux.HandleFunc("/api/requests/ingest", r.audit("/api/requests/ingest", r.withRateLimit("ingest", r.rateLimits.Ingest, r.handleIngest)))
	r.mux.HandleFunc("/api/requests/kpis", r.audit("/api/requests/kpis", r.withRateLimit("query", r.rateLimits.Query, r.handleKPIs)))
	r.mux.HandleFunc("/api/requests/top-endpoints", r.audit("/api/requests/top-endpoints", r.withRateLimit("query", r.rateLimits.Query, r.handleTopEndpoints)))
	r.mux.HandleFunc("/api/requests/hourly", r.audit("/api/requests/hourly", r.withRateLimit("query", r.rateLimits.Query, r.handleBuckets(analytics.TierHourly))))
	r.mux.HandleFunc("/api/requests/daily", r.audit("/api/requests/daily", r.withRateLimit("query", r.rateLimits.Query, r.handleBuckets(analytics.TierDaily))))
	r.mux.HandleFunc("/api/requests/stream", r.audit("/api/requests/stream", r.withRateLimit("stream", r.rateLimits.Stream, r.handleStream)))
	r.mux.HandleFunc("/", r.audit("unmatched", func(w http.ResponseWriter, _ *http.Request) { r.notFound(w) }))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	checkDB, err := parseBool(req.URL.Query().Get("db"))
	if err != nil {
		writeFieldError(w, http.StatusBadRequest, "db", err.Error())
		return
	}
	if checkDB && r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	if r.analytics != nil {
		caps := r.analytics.Capabilities()
		components["analytics"] = map[string]any{
			"server_version": caps.ServerVersion,
			"timescale":      caps.Timescale,
			"hourly_rollup":  caps.HourlyRollup,
			"daily_rollup":   caps.DailyRollup,
			"percentile":     caps.Percentile,
		}
	}
	if r.hub != nil {
		components["live_feed"] = map[string]any{
			"subscribers": r.hub.Subscribers(ingest.AllServices),
			"dropped":     r.hub.Dropped(),
			"evicted":     r.hub.Evicted(),
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  r.now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		reqID := strings.TrimSpace(req.Header.Get(requestIDHeader))
		if reqID == "" {
			reqID = uuid.NewString()
			req.Header.Set(requestIDHeader, reqID)
		}
		w.Header().Set(requestIDHeader, reqID)

		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
			"request_id", reqID,
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if source := recorder.Header().Get(sourceHeader); source != "" {
			fields = append(fields, "source", source)
		}

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

// Unwrap lets http.ResponseController reach the connection for deadlines.
func (sr *statusRecorder) Unwrap() http.ResponseWriter {
	return sr.ResponseWriter
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
