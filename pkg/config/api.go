package config

import "time"

// APIConfig holds runtime configuration for the telemetry API service.
type APIConfig struct {
	Environment        string
	Addr               string
	LogLevel           string
	DatabaseURL        string
	MigrationsDir      string
	AutoMigrate        bool
	IngestMaxEvents    int
	IngestMaxErrors    int
	IngestBatchSize    int
	IngestMaxBodyBytes int64
	IngestTimeout      time.Duration
	QueryTimeout       time.Duration
	AutoHourlyMaxRange time.Duration
	ProbeTimeout       time.Duration
	LiveFeedEnabled    bool
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	RateLimitPrefix    string
	RateLimitIngest    int
	RateLimitQuery     int
	RateLimitStream    int
	ShutdownGrace      time.Duration
}

// LoadAPIConfig constructs an APIConfig from environment variables.
func LoadAPIConfig() APIConfig {
	return APIConfig{
		Environment:        GetString("APP_ENV", "development"),
		Addr:               GetString("API_ADDR", ":8000"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://apm:apm@db:5432/apm?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		AutoMigrate:        GetBool("DB_AUTO_MIGRATE", true),
		IngestMaxEvents:    GetInt("APM_INGEST_MAX_EVENTS", 50000),
		IngestMaxErrors:    GetInt("APM_INGEST_MAX_ERRORS", 25),
		IngestBatchSize:    GetInt("APM_INGEST_BATCH_SIZE", 1000),
		IngestMaxBodyBytes: GetInt64("APM_INGEST_MAX_BODY_BYTES", 32<<20),
		IngestTimeout:      GetDuration("APM_INGEST_TIMEOUT_SECONDS", time.Second, 30*time.Second),
		QueryTimeout:       GetDuration("APM_QUERY_TIMEOUT_SECONDS", time.Second, 15*time.Second),
		AutoHourlyMaxRange: GetDuration("APM_AUTO_HOURLY_MAX_HOURS", time.Hour, 48*time.Hour),
		ProbeTimeout:       GetDuration("APM_PROBE_TIMEOUT_SECONDS", time.Second, 5*time.Second),
		LiveFeedEnabled:    GetBool("APM_LIVE_FEED", true),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		RateLimitPrefix:    GetString("RATE_LIMIT_REDIS_PREFIX", "apm:ratelimit:"),
		RateLimitIngest:    GetInt("APM_RATE_LIMIT_INGEST_PER_MINUTE", 120),
		RateLimitQuery:     GetInt("APM_RATE_LIMIT_QUERY_PER_MINUTE", 600),
		RateLimitStream:    GetInt("APM_RATE_LIMIT_STREAM_PER_30S", 30),
		ShutdownGrace:      GetDuration("API_SHUTDOWN_GRACE_SECONDS", time.Second, 10*time.Second),
	}
}
