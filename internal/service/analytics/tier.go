package analytics

import (
	"fmt"
	"strings"
)

// Tier identifies the storage tier answering a query.
type Tier int

const (
	TierRaw Tier = iota
	TierHourly
	TierDaily
)

// Relations backing each tier.
const (
	rawRelation    = "api_requests"
	hourlyRelation = "apirequest_hourly"
	dailyRelation  = "apirequest_daily"
)

func (t Tier) String() string {
	switch t {
	case TierHourly:
		return "hourly"
	case TierDaily:
		return "daily"
	default:
		return "raw"
	}
}

// MarshalText renders the tier as its source label.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// IsRollup reports whether the tier reads a pre-aggregated relation.
func (t Tier) IsRollup() bool {
	return t == TierHourly || t == TierDaily
}

// TimeColumn names the time column filtered for the tier.
func (t Tier) TimeColumn() string {
	if t.IsRollup() {
		return "bucket"
	}
	return "time"
}

func (t Tier) relation() string {
	switch t {
	case TierHourly:
		return hourlyRelation
	case TierDaily:
		return dailyRelation
	default:
		return rawRelation
	}
}

// Plan is the outcome of source selection.
type Plan struct {
	Tier Tier
}

// Granularity is the caller's requested rollup resolution.
type Granularity string

const (
	GranularityAuto   Granularity = "auto"
	GranularityHourly Granularity = "hourly"
	GranularityDaily  Granularity = "daily"
)

// ParseGranularity accepts auto, hourly or daily; empty means auto.
func ParseGranularity(value string) (Granularity, error) {
	switch g := Granularity(strings.ToLower(strings.TrimSpace(value))); g {
	case "":
		return GranularityAuto, nil
	case GranularityAuto, GranularityHourly, GranularityDaily:
		return g, nil
	default:
		return "", &ValidationError{Field: "granularity", Detail: fmt.Sprintf("%q is not one of auto, hourly, daily", value)}
	}
}
