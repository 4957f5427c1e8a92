package httpx

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const msgBadDate = "Must be an ISO datetime or date (e.g. 2025-12-14T10:00:00Z or 2025-12-14)."

// paramError reports a query parameter that failed to parse.
type paramError struct {
	field  string
	detail string
}

func (e *paramError) Error() string {
	return fmt.Sprintf("%s: %s", e.field, e.detail)
}

var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
}

// parseInstant reads an RFC3339 instant, a zone-less datetime (UTC) or a
// bare date. A date start is midnight; a date end is the last microsecond of
// that day.
func parseInstant(q url.Values, name string, isEnd bool) (*time.Time, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return nil, nil
	}
	// query strings decode '+' as a space
	candidate := raw
	if len(candidate) > 19 && strings.Count(candidate, " ") == 1 && strings.Index(candidate, " ") > 10 {
		candidate = strings.Replace(candidate, " ", "+", 1)
	}
	for _, layout := range zonedLayouts {
		if ts, err := time.Parse(layout, candidate); err == nil {
			ts = ts.UTC()
			return &ts, nil
		}
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return &ts, nil
		}
	}
	if day, err := time.ParseInLocation("2006-01-02", raw, time.UTC); err == nil {
		if isEnd {
			day = day.Add(24*time.Hour - time.Microsecond)
		}
		return &day, nil
	}
	return nil, &paramError{field: name, detail: msgBadDate}
}

// parseOptionalInt returns nil when the parameter is absent.
func parseOptionalInt(q url.Values, name string) (*int, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, &paramError{field: name, detail: "A valid integer is required."}
	}
	return &v, nil
}

// parseIntInRange parses name when present and enforces [min, max].
func parseIntInRange(q url.Values, name string, min, max int) (int, error) {
	v, err := parseOptionalInt(q, name)
	if err != nil || v == nil {
		return 0, err
	}
	if *v < min || *v > max {
		return 0, &paramError{field: name, detail: fmt.Sprintf("Must be between %d and %d.", min, max)}
	}
	return *v, nil
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "0", "false", "f", "no", "n", "off":
		return false, nil
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	default:
		return false, fmt.Errorf("%q is not a valid boolean", raw)
	}
}

func parseBoolParam(q url.Values, name string) (bool, error) {
	v, err := parseBool(q.Get(name))
	if err != nil {
		return false, &paramError{field: name, detail: "Must be a valid boolean."}
	}
	return v, nil
}
