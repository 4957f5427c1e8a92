package analytics

import "time"

const (
	// RollupErrorThreshold is the status code floor baked into rollup error counts.
	RollupErrorThreshold = 500
	// DefaultHourlyMaxRange is the widest window auto granularity serves hourly.
	DefaultHourlyMaxRange = 48 * time.Hour
)

// Selector decides which tier answers a question.
type Selector struct {
	HourlyMaxRange time.Duration
}

// NewSelector builds a Selector, defaulting the hourly threshold.
func NewSelector(hourlyMaxRange time.Duration) Selector {
	if hourlyMaxRange <= 0 {
		hourlyMaxRange = DefaultHourlyMaxRange
	}
	return Selector{HourlyMaxRange: hourlyMaxRange}
}

// KPISource picks the tier for KPI totals. Percentiles are always raw and are
// not governed by this plan.
func (s Selector) KPISource(f FilterSet, g Granularity, errorFrom int) Plan {
	if !rollupEligible(f, errorFrom) {
		return Plan{Tier: TierRaw}
	}
	return Plan{Tier: s.rollupTier(f, g)}
}

// TopEndpointsSource picks the tier for a top-N ranking. Sorting by p95 needs raw rows.
func (s Selector) TopEndpointsSource(f FilterSet, g Granularity, errorFrom int, sortBy SortKey) Plan {
	if !rollupEligible(f, errorFrom) || sortBy == SortP95Latency {
		return Plan{Tier: TierRaw}
	}
	return Plan{Tier: s.rollupTier(f, g)}
}

func rollupEligible(f FilterSet, errorFrom int) bool {
	return f.Method == "" && errorFrom == RollupErrorThreshold
}

func (s Selector) rollupTier(f FilterSet, g Granularity) Tier {
	switch g {
	case GranularityHourly:
		return TierHourly
	case GranularityDaily:
		return TierDaily
	}
	return s.autoTier(f.Start, f.End)
}

// autoTier falls back to daily whenever the window is open or inverted.
func (s Selector) autoTier(start, end *time.Time) Tier {
	if start == nil || end == nil || end.Before(*start) {
		return TierDaily
	}
	limit := s.HourlyMaxRange
	if limit <= 0 {
		limit = DefaultHourlyMaxRange
	}
	if end.Sub(*start) <= limit {
		return TierHourly
	}
	return TierDaily
}
