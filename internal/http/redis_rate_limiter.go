package httpx

import (
	"context"
	"errors"
	"strconv"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix  = "apm:ratelimit:"
	defaultRedisTimeout = 250 * time.Millisecond
)

// RedisOptions configures the shared limiter.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	// Timeout bounds each Allow round trip.
	Timeout  time.Duration
}

type redisRateLimiter struct {
	client  redis.UniversalClient
	logger  *slog.Logger
	prefix  string
	timeout time.Duration
	now     func() time.Time
}

// NewRedisRateLimiter constructs a limiter shared by every API replica.
// Windows are aligned to the epoch so replicas agree on boundaries.
func NewRedisRateLimiter(opts RedisOptions, logger *slog.Logger) (RateLimiter, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address required")
	}
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return newRedisRateLimiter(client, opts, logger), nil
}

func newRedisRateLimiter(client redis.UniversalClient, opts RedisOptions, logger *slog.Logger) *redisRateLimiter {
	if opts.Prefix == "" {
		opts.Prefix = defaultRedisPrefix
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultRedisTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &redisRateLimiter{
		client:  client,
		logger:  logger.With("component", "rate_limiter"),
		prefix:  opts.Prefix,
		timeout: opts.Timeout,
		now:     time.Now,
	}
}

func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = rateWindowDefault
	}
	redisKey, windowEnd := windowKey(rl.prefix, key, window, rl.now())
	ctx, cancel := context.WithTimeout(context.Background(), rl.timeout)
	defer cancel()

	pipe := rl.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireAt(ctx, redisKey, windowEnd.Add(time.Second))
	if _, err := pipe.Exec(ctx); err != nil {
		// fail open
		rl.logger.Error("redis rate limiter error", "key", key, "error", err)
		return rateDecision{allowed: true}
	}
	count := int(incr.Val())
	return rateDecision{allowed: count <= limit, count: count, windowEnd: windowEnd}
}

// windowKey names the counter for the fixed window containing now and
// returns when that window closes.
func windowKey(prefix, key string, window time.Duration, now time.Time) (string, time.Time) {
	start := now.Truncate(window)
	return prefix + key + ":" + strconv.FormatInt(start.Unix(), 10), start.Add(window)
}

func (rl *redisRateLimiter) Close() {
	if rl.client != nil {
		_ = rl.client.Close()
	}
}
