package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/NawfalRAZOUK7/apm-observability/internal/domain"
	"github.com/NawfalRAZOUK7/apm-observability/internal/repository"
	"github.com/NawfalRAZOUK7/apm-observability/internal/service/analytics"
	"github.com/NawfalRAZOUK7/apm-observability/internal/service/ingest"
	"github.com/NawfalRAZOUK7/apm-observability/internal/ws"
)

func TestHealthzSkipsDatabaseUnlessRequested(t *testing.T) {
	called := false
	router := setupRouter(t, setupOptions{dbHealth: func(context.Context) error {
		called = true
		return nil
	}})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.False(t, called, "database should not be pinged without db=1")

	var payload map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&payload))
	components, _ := payload["components"].(map[string]any)
	analyticsInfo, ok := components["analytics"].(map[string]any)
	require.True(t, ok, "expected analytics component, got %v", components)
	require.Equal(t, true, analyticsInfo["hourly_rollup"])
}

func TestHealthzDegradedWhenDatabaseDown(t *testing.T) {
	router := setupRouter(t, setupOptions{dbHealth: func(context.Context) error {
		return errors.New("connection refused")
	}})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz?db=yes", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var payload map[string]any
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&payload))
	require.Equal(t, "degraded", payload["status"])
}

func TestHealthzReportsLiveFeedCounters(t *testing.T) {
	hub := ws.NewHub()
	defer hub.Close()
	router := setupRouter(t, setupOptions{hub: hub})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var payload struct {
		Components struct {
			LiveFeed map[string]float64 `json:"live_feed"`
		} `json:"components"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&payload))
	require.Contains(t, payload.Components.LiveFeed, "subscribers")
	require.Contains(t, payload.Components.LiveFeed, "dropped")
	require.Contains(t, payload.Components.LiveFeed, "evicted")
}

func TestAuditAssignsRequestID(t *testing.T) {
	router := setupRouter(t, setupOptions{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, rr.Header().Get(requestIDHeader), "expected generated request id")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "req-42")
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, "req-42", rr.Header().Get(requestIDHeader))
}

type deadlineRecorder struct {
	*httptest.ResponseRecorder
	deadline time.Time
}

func (d *deadlineRecorder) SetWriteDeadline(at time.Time) error {
	d.deadline = at
	return nil
}

func TestStatusRecorderUnwrapsForResponseController(t *testing.T) {
	inner := &deadlineRecorder{ResponseRecorder: httptest.NewRecorder()}
	sr := &statusRecorder{ResponseWriter: inner}
	at := time.Now().Add(time.Second)
	require.NoError(t, http.NewResponseController(sr).SetWriteDeadline(at))
	require.True(t, inner.deadline.Equal(at))
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	router := setupRouter(t, setupOptions{})
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/unknown", nil))
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestQueryRouteRateLimited(t *testing.T) {
	limiter := newRateLimiterStub()
	reset := time.Unix(1_960_000_000, 0)
	limiter.allowFn = func(key string, limit int, window time.Duration) rateDecision {
		return rateDecision{allowed: false, count: limit, windowEnd: reset}
	}
	stub := &analyticsStub{}
	router := setupRouter(t, setupOptions{limiter: limiter, analytics: stub})

	req := httptest.NewRequest(http.MethodGet, "/api/requests/kpis", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.Equal(t, "600", rr.Header().Get("X-RateLimit-Limit"))
	require.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))
	require.Equal(t, "1960000000", rr.Header().Get("X-RateLimit-Reset"))
	require.Zero(t, stub.kpiCalls(), "expected analytics not invoked when rate limited")
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	require.Len(t, limiter.calls, 1)
	require.Equal(t, "query|ip:10.0.0.7", limiter.calls[0].key)
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	now := time.Date(2025, time.December, 14, 12, 0, 0, 0, time.UTC)
	limiter := newMemoryRateLimiter(func() time.Time { return now })
	defer limiter.Close()

	for i := 1; i <= 2; i++ {
		d := limiter.Allow("k", 2, time.Minute)
		require.True(t, d.allowed, "request %d", i)
		require.Equal(t, i, d.count)
	}
	require.False(t, limiter.Allow("k", 2, time.Minute).allowed, "expected third request denied")
	require.True(t, limiter.Allow("other", 2, time.Minute).allowed, "expected separate key to be allowed")

	now = now.Add(time.Minute)
	d := limiter.Allow("k", 2, time.Minute)
	require.True(t, d.allowed)
	require.Equal(t, 1, d.count, "expected fresh window after expiry")

	limiter.sweep(now.Add(2 * time.Minute))
	limiter.mu.Lock()
	remaining := len(limiter.windows)
	limiter.mu.Unlock()
	require.Zero(t, remaining, "expected sweep to drop expired windows")
}

func TestRateLimitKeysByAgent(t *testing.T) {
	limiter := newRateLimiterStub()
	router := setupRouter(t, setupOptions{limiter: limiter})

	req := httptest.NewRequest(http.MethodGet, "/api/requests/kpis", nil)
	req.Header.Set("X-APM-Agent", "checkout-svc")
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	router.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodPost, "/api/requests/ingest", strings.NewReader(`[]`))
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	router.ServeHTTP(httptest.NewRecorder(), req)

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	require.Len(t, limiter.calls, 2)
	require.Equal(t, "query|agent:checkout-svc", limiter.calls[0].key)
	require.Equal(t, "ingest|ip:203.0.113.9", limiter.calls[1].key)
	require.Equal(t, rateLimitIngest, limiter.calls[1].limit)
}

func TestRateLimitsDefaults(t *testing.T) {
	limits := RateLimits{Query: RateRule{Limit: 5}, Stream: RateRule{Limit: -1}}.withDefaults()
	require.Equal(t, RateRule{Limit: rateLimitIngest, Window: rateWindowDefault}, limits.Ingest)
	require.Equal(t, RateRule{Limit: 5, Window: rateWindowDefault}, limits.Query)
	require.Equal(t, RateRule{Limit: -1, Window: rateWindowRealtime}, limits.Stream)
}

func TestStreamEmitsHeartbeatAndSummaries(t *testing.T) {
	hub := ws.NewHub()
	defer hub.Close()
	router := setupRouter(t, setupOptions{hub: hub})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/api/requests/stream?service=api", nil).WithContext(ctx)

	recorder := newStreamRecorder()
	done := make(chan struct{})
	go func() {
		router.handleStream(recorder, req)
		close(done)
	}()

	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(recorder.body(), ": ping")
	})
	waitFor(t, 2*time.Second, func() bool { return hub.Subscribers("api") == 1 })

	hub.Broadcast("web", []byte(`{"service":"web"}`))
	hub.Broadcast("api", []byte(`{"service":"api","inserted":3}`))
	waitFor(t, 2*time.Second, func() bool {
		return strings.Contains(recorder.body(), "data: ")
	})

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stream handler did not exit after context cancel")
	}

	require.Equal(t, "text/event-stream", recorder.Header().Get("Content-Type"))
	require.Equal(t, "no-cache", recorder.Header().Get("Cache-Control"))
	require.NotZero(t, recorder.flushCount(), "expected flusher to be invoked")
	require.Contains(t, recorder.body(), "event: "+streamEventName)
	payloads, err := extractSSEPayloads(recorder.body())
	require.NoError(t, err)
	require.Len(t, payloads, 1, "expected exactly the api summary")
	require.Equal(t, "api", payloads[0]["service"])
	waitFor(t, time.Second, func() bool { return hub.Subscribers("api") == 0 })
}

func TestStreamOverWebsocket(t *testing.T) {
	hub := ws.NewHub()
	defer hub.Close()
	router := setupRouter(t, setupOptions{hub: hub})
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/requests/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	waitFor(t, 2*time.Second, func() bool { return hub.Subscribers(ingest.AllServices) == 1 })

	hub.Broadcast(ingest.AllServices, []byte(`{"service":"api","inserted":2}`))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, "api", msg["service"])

	conn.Close()
	waitFor(t, 2*time.Second, func() bool { return hub.Subscribers(ingest.AllServices) == 0 })
}

func TestStreamRequiresFlusher(t *testing.T) {
	hub := ws.NewHub()
	defer hub.Close()
	router := setupRouter(t, setupOptions{hub: hub})

	w := newNoFlushRecorder()
	router.handleStream(w, httptest.NewRequest(http.MethodGet, "/api/requests/stream", nil))

	require.Equal(t, http.StatusInternalServerError, w.statusCode())
	require.Equal(t, "streaming not supported", parseError(t, w.body()))
}

func TestStreamUnavailableWithoutHub(t *testing.T) {
	router := setupRouter(t, setupOptions{})

	recorder := newStreamRecorder()
	router.handleStream(recorder, httptest.NewRequest(http.MethodGet, "/api/requests/stream", nil))

	require.Equal(t, http.StatusServiceUnavailable, recorder.statusCode())
	require.Equal(t, "live feed unavailable", parseError(t, recorder.body()))
}

type setupOptions struct {
	analytics *analyticsStub
	ingest    IngestService
	hub       *ws.Hub
	limiter   *rateLimiterStub
	dbHealth  func(context.Context) error
}

func setupRouter(t *testing.T, opts setupOptions) *Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.analytics == nil {
		opts.analytics = &analyticsStub{}
	}
	if opts.ingest == nil {
		opts.ingest = ingest.New(&eventRepoStub{}, opts.hub, logger, ingest.DefaultLimits(), time.Second)
	}
	var limiter RateLimiter = newRateLimiterStub()
	if opts.limiter != nil {
		limiter = opts.limiter
	}
	registry := prometheus.NewRegistry()
	router := NewRouter(logger, opts.analytics, opts.ingest, opts.hub, limiter, opts.dbHealth, Config{
		MaxBodyBytes: 1 << 20,
		Registerer:   registry,
		Gatherer:     registry,
	})
	router.now = func() time.Time { return time.Date(2025, time.December, 14, 12, 0, 0, 0, time.UTC) }
	t.Cleanup(router.Close)
	return router
}

type analyticsStub struct {
	mu         sync.Mutex
	kpiReqs    []analytics.KPIRequest
	topReqs    []analytics.TopEndpointsRequest
	bucketReqs []analytics.BucketsRequest
	kpiResult  analytics.KPIResult
	topResult  analytics.TopEndpointsResult
	rows       []domain.AggregateRow
	err        error
}

func (s *analyticsStub) KPIs(_ context.Context, req analytics.KPIRequest) (analytics.KPIResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kpiReqs = append(s.kpiReqs, req)
	return s.kpiResult, s.err
}

func (s *analyticsStub) TopEndpoints(_ context.Context, req analytics.TopEndpointsRequest) (analytics.TopEndpointsResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topReqs = append(s.topReqs, req)
	return s.topResult, s.err
}

func (s *analyticsStub) Buckets(_ context.Context, req analytics.BucketsRequest) ([]domain.AggregateRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucketReqs = append(s.bucketReqs, req)
	return s.rows, s.err
}

func (s *analyticsStub) Capabilities() repository.Capabilities {
	return repository.Capabilities{ServerVersion: "PostgreSQL 16", Timescale: true, HourlyRollup: true, DailyRollup: true, Percentile: true}
}

func (s *analyticsStub) kpiCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.kpiReqs)
}

type eventRepoStub struct {
	mu       sync.Mutex
	events   []domain.TelemetryEvent
	failWith error
}

func (r *eventRepoStub) InsertEvents(_ context.Context, events []domain.TelemetryEvent, _ int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return 0, r.failWith
	}
	r.events = append(r.events, events...)
	return len(events), nil
}

func (r *eventRepoStub) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

type rateLimiterStub struct {
	mu      sync.Mutex
	calls   []rateLimitCall
	allowFn func(key string, limit int, window time.Duration) rateDecision
}

type rateLimitCall struct {
	key    string
	limit  int
	window time.Duration
}

func newRateLimiterStub() *rateLimiterStub {
	return &rateLimiterStub{}
}

func (rl *rateLimiterStub) Allow(key string, limit int, window time.Duration) rateDecision {
	rl.mu.Lock()
	rl.calls = append(rl.calls, rateLimitCall{key: key, limit: limit, window: window})
	fn := rl.allowFn
	rl.mu.Unlock()
	if fn != nil {
		return fn(key, limit, window)
	}
	return rateDecision{allowed: true, count: 1, windowEnd: time.Now().Add(window)}
}

func (rl *rateLimiterStub) Close() {}

type streamRecorder struct {
	mu     sync.Mutex
	header http.Header
	status int
	buf    bytes.Buffer
	flush  int
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: make(http.Header)}
}

func (s *streamRecorder) Header() http.Header {
	return s.header
}

func (s *streamRecorder) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.buf.Write(b)
}

func (s *streamRecorder) WriteHeader(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *streamRecorder) Flush() {
	s.mu.Lock()
	s.flush++
	s.mu.Unlock()
}

func (s *streamRecorder) body() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *streamRecorder) flushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush
}

func (s *streamRecorder) statusCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.FailNow(t, "condition not met", "waited %s", timeout)
}

func extractSSEPayloads(body string) ([]map[string]any, error) {
	lines := strings.Split(body, "\n")
	var payloads []map[string]any
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "data: ") {
			raw := strings.TrimPrefix(line, "data: ")
			var payload map[string]any
			if err := json.Unmarshal([]byte(raw), &payload); err != nil {
				return nil, err
			}
			payloads = append(payloads, payload)
		}
	}
	return payloads, nil
}

type noFlushRecorder struct {
	header http.Header
	status int
	buf    bytes.Buffer
}

func newNoFlushRecorder() *noFlushRecorder {
	return &noFlushRecorder{header: make(http.Header)}
}

func (r *noFlushRecorder) Header() http.Header {
	return r.header
}

func (r *noFlushRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.buf.Write(b)
}

func (r *noFlushRecorder) WriteHeader(status int) {
	r.status = status
}

func (r *noFlushRecorder) body() string {
	return r.buf.String()
}

func (r *noFlushRecorder) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

func parseError(t *testing.T, body string) string {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &payload))
	v, _ := payload["error"].(string)
	return v
}

func TestRedisWindowKeyAlignment(t *testing.T) {
	now := time.Date(2025, time.December, 14, 12, 0, 42, 0, time.UTC)
	key, end := windowKey("apm:ratelimit:", "query|ip:10.0.0.7", time.Minute, now)
	wantStart := time.Date(2025, time.December, 14, 12, 0, 0, 0, time.UTC)
	require.Equal(t, "apm:ratelimit:query|ip:10.0.0.7:"+strconv.FormatInt(wantStart.Unix(), 10), key)
	require.True(t, end.Equal(wantStart.Add(time.Minute)), "unexpected window end %v", end)

	next, _ := windowKey("apm:ratelimit:", "query|ip:10.0.0.7", time.Minute, now.Add(18*time.Second))
	require.NotEqual(t, key, next, "expected a new counter once the window rolls over")
}

func TestRedisRateLimiterFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	limiter := newRedisRateLimiter(client, RedisOptions{Timeout: 100 * time.Millisecond}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer limiter.Close()
	d := limiter.Allow("ingest|ip:10.0.0.7", 1, time.Minute)
	require.True(t, d.allowed, "expected unreachable redis to allow traffic, got %+v", d)
}
