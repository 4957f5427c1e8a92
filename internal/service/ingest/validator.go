package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/NawfalRAZOUK7/apm-observability/internal/domain"
)

// FailureKind separates wrong-shape items from well-shaped invalid events.
type FailureKind int

const (
	FailureNotObject FailureKind = iota + 1
	FailureInvalidEvent
)

const nonFieldErrors = "non_field_errors"

const (
	msgRequired      = "This field is required."
	msgNull          = "This field may not be null."
	msgNotString     = "Not a valid string."
	msgNotInteger    = "A valid integer is required."
	msgNotObject     = "Each event must be a JSON object/dict."
	msgTimeFormat    = "Datetime has wrong format. Use one of these formats instead: YYYY-MM-DDThh:mm[:ss[.uuuuuu]][+HH:MM|-HH:MM|Z]."
	msgStatusRange   = "status_code must be a valid HTTP status (100..599)."
	msgLatencyRange  = "latency_ms must be >= 0."
	msgLatencyMax    = "Ensure this value is less than or equal to 2147483647."
	msgTagsNotObject = "tags must be a JSON object (dictionary)."
)

// ItemFailure explains why one item was rejected.
type ItemFailure struct {
	Kind   FailureKind
	Fields map[string][]string
}

func (f *ItemFailure) add(field, msg string) {
	if f.Fields == nil {
		f.Fields = make(map[string][]string)
	}
	f.Fields[field] = append(f.Fields[field], msg)
}

// naive layouts are interpreted as UTC.
var naiveTimeLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

var zonedTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04Z07:00",
}

// Validate checks one candidate event and returns it normalised, or the
// failure describing every offending field.
func Validate(raw json.RawMessage) (domain.TelemetryEvent, *ItemFailure) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return domain.TelemetryEvent{}, &ItemFailure{
			Kind:   FailureNotObject,
			Fields: map[string][]string{nonFieldErrors: {msgNotObject}},
		}
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return domain.TelemetryEvent{}, &ItemFailure{
			Kind:   FailureNotObject,
			Fields: map[string][]string{nonFieldErrors: {msgNotObject}},
		}
	}

	failure := &ItemFailure{Kind: FailureInvalidEvent}
	var event domain.TelemetryEvent

	if value, ok := requiredString(fields, "time", failure); ok {
		if ts, err := parseEventTime(value); err != nil {
			failure.add("time", msgTimeFormat)
		} else {
			event.Time = ts
		}
	}
	event.Service = boundedName(fields, "service", domain.MaxServiceLen, failure)
	event.Endpoint = boundedName(fields, "endpoint", domain.MaxEndpointLen, failure)

	if value, ok := requiredString(fields, "method", failure); ok {
		if method, valid := domain.NormalizeMethod(value); valid {
			event.Method = method
		} else {
			failure.add("method", fmt.Sprintf("%q is not a valid choice.", value))
		}
	}

	if code, ok := requiredInt(fields, "status_code", failure); ok {
		if code < domain.MinStatusCode || code > domain.MaxStatusCode {
			failure.add("status_code", msgStatusRange)
		} else {
			event.StatusCode = int(code)
		}
	}
	if latency, ok := requiredInt(fields, "latency_ms", failure); ok {
		switch {
		case latency < 0:
			failure.add("latency_ms", msgLatencyRange)
		case latency > math.MaxInt32:
			failure.add("latency_ms", msgLatencyMax)
		default:
			event.LatencyMS = int(latency)
		}
	}

	event.TraceID = optionalString(fields, "trace_id", domain.MaxTraceIDLen, failure)
	event.UserRef = optionalString(fields, "user_ref", domain.MaxUserRefLen, failure)
	event.Tags = tagsField(fields, failure)

	if len(failure.Fields) > 0 {
		return domain.TelemetryEvent{}, failure
	}
	return event, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func requiredString(fields map[string]json.RawMessage, name string, failure *ItemFailure) (string, bool) {
	raw, ok := fields[name]
	if !ok {
		failure.add(name, msgRequired)
		return "", false
	}
	if isNull(raw) {
		failure.add(name, msgNull)
		return "", false
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		failure.add(name, msgNotString)
		return "", false
	}
	return value, true
}

func boundedName(fields map[string]json.RawMessage, name string, maxLen int, failure *ItemFailure) string {
	value, ok := requiredString(fields, name, failure)
	if !ok {
		return ""
	}
	value = strings.TrimSpace(value)
	if value == "" {
		failure.add(name, fmt.Sprintf("%s cannot be empty.", name))
		return ""
	}
	if utf8.RuneCountInString(value) > maxLen {
		failure.add(name, fmt.Sprintf("Ensure this field has no more than %d characters.", maxLen))
		return ""
	}
	return value
}

func requiredInt(fields map[string]json.RawMessage, name string, failure *ItemFailure) (int64, bool) {
	raw, ok := fields[name]
	if !ok {
		failure.add(name, msgRequired)
		return 0, false
	}
	if isNull(raw) {
		failure.add(name, msgNull)
		return 0, false
	}
	value, ok := parseInteger(raw)
	if !ok {
		failure.add(name, msgNotInteger)
		return 0, false
	}
	return value, true
}

// parseInteger accepts JSON integers, integral floats and numeric strings.
func parseInteger(raw json.RawMessage) (int64, bool) {
	var number json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return 0, false
	}
	switch v := decoded.(type) {
	case json.Number:
		number = v
	case string:
		number = json.Number(strings.TrimSpace(v))
	default:
		return 0, false
	}
	if n, err := strconv.ParseInt(string(number), 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(string(number), 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) || math.Abs(f) > math.MaxInt64/2 {
		return 0, false
	}
	return int64(f), true
}

func optionalString(fields map[string]json.RawMessage, name string, maxLen int, failure *ItemFailure) *string {
	raw, ok := fields[name]
	if !ok || isNull(raw) {
		return nil
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		failure.add(name, msgNotString)
		return nil
	}
	if value == "" {
		return nil
	}
	if utf8.RuneCountInString(value) > maxLen {
		failure.add(name, fmt.Sprintf("Ensure this field has no more than %d characters.", maxLen))
		return nil
	}
	return &value
}

func tagsField(fields map[string]json.RawMessage, failure *ItemFailure) map[string]any {
	raw, ok := fields["tags"]
	if !ok || isNull(raw) {
		return map[string]any{}
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		failure.add("tags", msgTagsNotObject)
		return nil
	}
	var tags map[string]any
	if err := json.Unmarshal(trimmed, &tags); err != nil {
		failure.add("tags", msgTagsNotObject)
		return nil
	}
	return tags
}

func parseEventTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range zonedTimeLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	for _, layout := range naiveTimeLayouts {
		if ts, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", value)
}
