package config

import "time"

// CtlConfig holds defaults for the apmctl command line tool. Flags override
// every field.
type CtlConfig struct {
	APIURL      string
	Timeout     time.Duration
	SeedCount   int
	SeedDays    int
	SeedBatch   int
	SeedErrRate float64
}

// LoadCtlConfig constructs a CtlConfig from environment variables.
func LoadCtlConfig() CtlConfig {
	return CtlConfig{
		APIURL:      GetString("APM_API_URL", "http://localhost:8000"),
		Timeout:     GetDuration("APM_CTL_TIMEOUT_SECONDS", time.Second, 60*time.Second),
		SeedCount:   GetInt("APM_SEED_COUNT", 1000),
		SeedDays:    GetInt("APM_SEED_DAYS", 7),
		SeedBatch:   GetInt("APM_SEED_BATCH", 1000),
		SeedErrRate: GetFloat("APM_SEED_ERROR_RATE", 0.10),
	}
}
