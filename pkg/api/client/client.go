package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// Client provides typed access to the telemetry API for tools and agents.
type Client struct {
	baseURL    string
	httpClient *http.Client
	gzipBodies bool
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithGzip compresses ingest bodies with gzip.
func WithGzip(enabled bool) Option {
	return func(c *Client) {
		c.gzipBodies = enabled
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API. Body keeps the raw
// response for callers that need structured details.
type APIError struct {
	Status  int
	Message string
	Body    []byte
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var reader io.Reader
	encoding := ""
	if body != nil {
		if c.gzipBodies {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			if _, err := zw.Write(body); err != nil {
				return fmt.Errorf("compress request body: %w", err)
			}
			if err := zw.Close(); err != nil {
				return fmt.Errorf("compress request body: %w", err)
			}
			body = buf.Bytes()
			encoding = "gzip"
		}
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(resp.Body)
		return APIError{Status: resp.StatusCode, Message: extractError(data), Body: data}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var payload struct {
		Error  string          `json:"error"`
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	if msg := strings.TrimSpace(payload.Error); msg != "" {
		return msg
	}
	var detail string
	if err := json.Unmarshal(payload.Detail, &detail); err == nil {
		return strings.TrimSpace(detail)
	}
	return strings.TrimSpace(string(data))
}

// Event is one request telemetry record as accepted by the ingest endpoint.
type Event struct {
	Time       time.Time      `json:"time"`
	Service    string         `json:"service"`
	Endpoint   string         `json:"endpoint"`
	Method     string         `json:"method"`
	StatusCode int            `json:"status_code"`
	LatencyMS  int            `json:"latency_ms"`
	TraceID    *string        `json:"trace_id,omitempty"`
	UserRef    *string        `json:"user_ref,omitempty"`
	Tags       map[string]any `json:"tags,omitempty"`
}

// IngestOptions are request-level overrides. Zero values are omitted.
type IngestOptions struct {
	Strict    bool
	MaxEvents int
	MaxErrors *int
	BatchSize int
}

func (o IngestOptions) values() url.Values {
	q := url.Values{}
	if o.Strict {
		q.Set("strict", "true")
	}
	if o.MaxEvents > 0 {
		q.Set("max_events", strconv.Itoa(o.MaxEvents))
	}
	if o.MaxErrors != nil {
		q.Set("max_errors", strconv.Itoa(*o.MaxErrors))
	}
	if o.BatchSize > 0 {
		q.Set("batch_size", strconv.Itoa(o.BatchSize))
	}
	return q
}

// ItemError explains one rejected event.
type ItemError struct {
	Index  int                 `json:"index"`
	Detail map[string][]string `json:"detail"`
}

// IngestResult mirrors the ingest response body.
type IngestResult struct {
	Inserted int         `json:"inserted"`
	Rejected int         `json:"rejected"`
	Errors   []ItemError `json:"errors"`
}

// IngestEvents posts one batch. A strict-mode rejection returns the decoded
// result together with the APIError.
func (c *Client) IngestEvents(ctx context.Context, events []Event, opts IngestOptions) (IngestResult, error) {
	body, err := json.Marshal(events)
	if err != nil {
		return IngestResult{}, fmt.Errorf("encode events: %w", err)
	}
	return c.IngestRaw(ctx, body, opts)
}

// IngestRaw posts an already encoded payload: an array of events or an
// object with an "events" array.
func (c *Client) IngestRaw(ctx context.Context, payload []byte, opts IngestOptions) (IngestResult, error) {
	var result IngestResult
	err := c.do(ctx, http.MethodPost, "/api/requests/ingest", opts.values(), payload, &result)
	if err != nil {
		var apiErr APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusBadRequest {
			var partial IngestResult
			if json.Unmarshal(apiErr.Body, &partial) == nil && partial.Inserted+partial.Rejected > 0 {
				return partial, err
			}
		}
		return IngestResult{}, err
	}
	return result, nil
}

// Filters select the rows an analytic query covers. Start and End accept an
// RFC3339 instant or a YYYY-MM-DD date.
type Filters struct {
	Start       string
	End         string
	Service     string
	Endpoint    string
	Method      string
	Granularity string
	ErrorFrom   int
}

func (f Filters) values() url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if strings.TrimSpace(v) != "" {
			q.Set(k, v)
		}
	}
	set("start", f.Start)
	set("end", f.End)
	set("service", f.Service)
	set("endpoint", f.Endpoint)
	set("method", f.Method)
	set("granularity", f.Granularity)
	if f.ErrorFrom > 0 {
		q.Set("error_from", strconv.Itoa(f.ErrorFrom))
	}
	return q
}

// KPIs is the KPI response body.
type KPIs struct {
	Hits         int64    `json:"hits"`
	Errors       int64    `json:"errors"`
	ErrorRate    float64  `json:"error_rate"`
	AvgLatencyMS *float64 `json:"avg_latency_ms"`
	P95LatencyMS *float64 `json:"p95_latency_ms"`
	MaxLatencyMS *int     `json:"max_latency_ms"`
	Source       string   `json:"source"`
}

// KPIs fetches aggregate KPIs for the filters.
func (c *Client) KPIs(ctx context.Context, f Filters) (KPIs, error) {
	var out KPIs
	if err := c.do(ctx, http.MethodGet, "/api/requests/kpis", f.values(), nil, &out); err != nil {
		return KPIs{}, err
	}
	return out, nil
}

// TopOptions control endpoint ranking.
type TopOptions struct {
	Limit     int
	SortBy    string
	Direction string
	WithP95   bool
}

// EndpointStats is one ranked endpoint.
type EndpointStats struct {
	Service      string   `json:"service"`
	Endpoint     string   `json:"endpoint"`
	Hits         int64    `json:"hits"`
	Errors       int64    `json:"errors"`
	ErrorRate    float64  `json:"error_rate"`
	AvgLatencyMS *float64 `json:"avg_latency_ms"`
	P95LatencyMS *float64 `json:"p95_latency_ms"`
	MaxLatencyMS *int     `json:"max_latency_ms"`
}

// TopEndpoints is the ranking response body.
type TopEndpoints struct {
	Source  string          `json:"source"`
	Results []EndpointStats `json:"results"`
}

// TopEndpoints ranks endpoints within the filters.
func (c *Client) TopEndpoints(ctx context.Context, f Filters, opts TopOptions) (TopEndpoints, error) {
	q := f.values()
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.SortBy != "" {
		q.Set("sort_by", opts.SortBy)
	}
	if opts.Direction != "" {
		q.Set("direction", opts.Direction)
	}
	if opts.WithP95 {
		q.Set("with_p95", "true")
	}
	var out TopEndpoints
	if err := c.do(ctx, http.MethodGet, "/api/requests/top-endpoints", q, nil, &out); err != nil {
		return TopEndpoints{}, err
	}
	return out, nil
}

// Bucket is one rollup row.
type Bucket struct {
	Bucket       time.Time `json:"bucket"`
	Service      string    `json:"service"`
	Endpoint     string    `json:"endpoint"`
	Hits         int64     `json:"hits"`
	Errors       int64     `json:"errors"`
	AvgLatencyMS *float64  `json:"avg_latency_ms"`
	P95LatencyMS *float64  `json:"p95_latency_ms"`
	MaxLatencyMS *int      `json:"max_latency_ms"`
}

// Buckets lists hourly or daily rollup rows.
func (c *Client) Buckets(ctx context.Context, tier string, f Filters, limit int) ([]Bucket, error) {
	switch tier {
	case "hourly", "daily":
	default:
		return nil, fmt.Errorf("unknown bucket tier %q", tier)
	}
	q := f.values()
	q.Del("method")
	q.Del("granularity")
	q.Del("error_from")
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Results []Bucket `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/requests/"+tier, q, nil, &out); err != nil {
		return nil, err
	}
	return out.Results, nil
}

// Health is the /healthz response body.
type Health struct {
	Status     string         `json:"status"`
	Components map[string]any `json:"components"`
	Timestamp  string         `json:"timestamp"`
}

// Health reports API status. checkDB also pings the database.
func (c *Client) Health(ctx context.Context, checkDB bool) (Health, error) {
	q := url.Values{}
	if checkDB {
		q.Set("db", "1")
	}
	var out Health
	err := c.do(ctx, http.MethodGet, "/healthz", q, nil, &out)
	if err != nil {
		var apiErr APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable && json.Unmarshal(apiErr.Body, &out) == nil && out.Status != "" {
			return out, nil
		}
		return Health{}, err
	}
	return out, nil
}
