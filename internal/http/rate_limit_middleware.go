package httpx

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	rateLimiterSweepInterval = 5 * time.Minute
	agentHeader              = "X-APM-Agent"
	maxAgentKeyLen           = 64
)

// RateLimiter decides whether key may proceed within a fixed window.
type RateLimiter interface {
	Allow(key string, limit int, window time.Duration) rateDecision
	Close()
}

// RateRule is a fixed-window budget. A zero Limit takes the group default
// and a negative one disables limiting.
type RateRule struct {
	Limit  int
	Window time.Duration
}

// RateLimits holds the budget of each route group. Ingest agents, dashboard
// queries and live feed connections are counted separately.
type RateLimits struct {
	Ingest RateRule
	Query  RateRule
	Stream RateRule
}

func (l RateLimits) withDefaults() RateLimits {
	fill := func(rule RateRule, limit int, window time.Duration) RateRule {
		if rule.Limit == 0 {
			rule.Limit = limit
		}
		if rule.Window <= 0 {
			rule.Window = window
		}
		return rule
	}
	l.Ingest = fill(l.Ingest, rateLimitIngest, rateWindowDefault)
	l.Query = fill(l.Query, rateLimitQuery, rateWindowDefault)
	l.Stream = fill(l.Stream, rateLimitStream, rateWindowRealtime)
	return l
}

type rateDecision struct {
	allowed   bool
	count     int
	windowEnd time.Time
}

type memoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]rateWindow
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

type rateWindow struct {
	count int
	end   time.Time
}

// NewMemoryRateLimiter returns a process-local limiter. It is the fallback
// when Redis is not configured or unreachable.
func NewMemoryRateLimiter() RateLimiter {
	return newMemoryRateLimiter(time.Now)
}

func newMemoryRateLimiter(now func() time.Time) *memoryRateLimiter {
	rl := &memoryRateLimiter{
		windows: make(map[string]rateWindow),
		now:     now,
		stopCh:  make(chan struct{}),
	}
	go rl.sweepLoop()
	return rl
}

func (rl *memoryRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = rateWindowDefault
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok || !now.Before(w.end) {
		w = rateWindow{end: now.Add(window)}
	}
	if w.count >= limit {
		return rateDecision{allowed: false, count: w.count, windowEnd: w.end}
	}
	w.count++
	rl.windows[key] = w
	return rateDecision{allowed: true, count: w.count, windowEnd: w.end}
}

func (rl *memoryRateLimiter) sweepLoop() {
	ticker := time.NewTicker(rateLimiterSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.sweep(rl.now())
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *memoryRateLimiter) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, w := range rl.windows {
		if !now.Before(w.end) {
			delete(rl.windows, key)
		}
	}
}

func (rl *memoryRateLimiter) Close() {
	rl.once.Do(func() { close(rl.stopCh) })
}

// withRateLimit charges one request against group's budget for the caller.
func (r *Router) withRateLimit(group string, rule RateRule, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if rule.Limit <= 0 || r.limiter == nil {
			next(w, req)
			return
		}
		caller := callerKey(req)
		decision := r.limiter.Allow(group+"|"+caller, rule.Limit, rule.Window)
		r.applyRateHeaders(w, rule.Limit, decision)
		if !decision.allowed {
			r.recordRateLimitHit(group, callerKind(caller))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, req)
	}
}

// callerKey identifies who is spending the budget: the reporting agent when
// it names itself, otherwise the client address.
func callerKey(req *http.Request) string {
	if agent := strings.TrimSpace(req.Header.Get(agentHeader)); agent != "" {
		if len(agent) > maxAgentKeyLen {
			agent = agent[:maxAgentKeyLen]
		}
		return "agent:" + agent
	}
	ip := clientIP(req)
	if ip == "" {
		ip = "unknown"
	}
	return "ip:" + ip
}

func callerKind(key string) string {
	if idx := strings.IndexByte(key, ':'); idx > 0 {
		return key[:idx]
	}
	return "unknown"
}
