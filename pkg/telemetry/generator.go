package telemetry

import (
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/NawfalRAZOUK7/apm-observability/pkg/api/client"
)

const (
	DefaultCount     = 1000
	DefaultDays      = 7
	DefaultErrorRate = 0.10
)

var serviceEndpoints = map[string][]string{
	"api":  {"/health", "/orders", "/search"},
	"web":  {"/home", "/search"},
	"auth": {"/login"},
}

var serviceOrder = []string{"api", "web", "auth"}

var endpointMethods = map[string][]string{
	"/health": {"GET"},
	"/login":  {"POST"},
	"/orders": {"GET", "POST"},
	"/home":   {"GET"},
	"/search": {"GET"},
}

var fallbackMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE"}

var (
	successCodes     = []int{200, 201, 202, 204}
	clientErrorCodes = []int{400, 401, 403, 404, 409, 429}
	serverErrorCodes = []int{500, 502, 503, 504}
)

// GeneratorConfig controls synthetic traffic generation.
type GeneratorConfig struct {
	Count     int
	Days      int
	ErrorRate float64
	Seed      int64
}

// Generator produces plausible request telemetry for demos and load checks.
type Generator struct {
	cfg GeneratorConfig
	rng *rand.Rand
	now func() time.Time
}

// NewGenerator constructs a Generator. Non-positive counts fall back to
// defaults and the error rate is clamped to [0, 1].
func NewGenerator(cfg GeneratorConfig) *Generator {
	if cfg.Count <= 0 {
		cfg.Count = DefaultCount
	}
	if cfg.Days <= 0 {
		cfg.Days = DefaultDays
	}
	if cfg.ErrorRate < 0 {
		cfg.ErrorRate = 0
	}
	if cfg.ErrorRate > 1 {
		cfg.ErrorRate = 1
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{cfg: cfg, rng: rand.New(rand.NewSource(seed)), now: time.Now}
}

// Generate returns cfg.Count events spread uniformly over the last cfg.Days.
func (g *Generator) Generate() []client.Event {
	end := g.now().UTC()
	window := time.Duration(g.cfg.Days) * 24 * time.Hour
	events := make([]client.Event, 0, g.cfg.Count)
	for i := 0; i < g.cfg.Count; i++ {
		events = append(events, g.event(end.Add(-time.Duration(g.rng.Int63n(int64(window))))))
	}
	return events
}

func (g *Generator) event(at time.Time) client.Event {
	service := serviceOrder[g.rng.Intn(len(serviceOrder))]
	endpoints := serviceEndpoints[service]
	endpoint := endpoints[g.rng.Intn(len(endpoints))]
	methods, ok := endpointMethods[endpoint]
	if !ok {
		methods = fallbackMethods
	}
	status := g.status()
	evt := client.Event{
		Time:       at,
		Service:    service,
		Endpoint:   endpoint,
		Method:     methods[g.rng.Intn(len(methods))],
		StatusCode: status,
		LatencyMS:  g.latency(status),
		Tags:       map[string]any{"seed": true},
	}
	if g.rng.Float64() < 0.9 {
		trace := uuid.NewString()
		evt.TraceID = &trace
	}
	if g.rng.Float64() < 0.85 {
		user := "user-" + uuid.NewString()[:8]
		evt.UserRef = &user
	}
	return evt
}

// status draws a code; half of the error budget goes to client errors.
func (g *Generator) status() int {
	r := g.rng.Float64()
	switch {
	case r < g.cfg.ErrorRate/2:
		return clientErrorCodes[g.rng.Intn(len(clientErrorCodes))]
	case r < g.cfg.ErrorRate:
		return serverErrorCodes[g.rng.Intn(len(serverErrorCodes))]
	default:
		return successCodes[g.rng.Intn(len(successCodes))]
	}
}

func (g *Generator) latency(status int) int {
	switch {
	case status >= 500:
		return 200 + g.rng.Intn(1301)
	case status >= 400:
		return 30 + g.rng.Intn(571)
	default:
		return 10 + g.rng.Intn(441)
	}
}
