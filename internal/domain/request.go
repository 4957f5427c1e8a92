package domain

import (
	"strings"
	"time"
)

// HTTP methods accepted on ingested requests.
const (
	MethodGet     = "GET"
	MethodPost    = "POST"
	MethodPut     = "PUT"
	MethodPatch   = "PATCH"
	MethodDelete  = "DELETE"
	MethodHead    = "HEAD"
	MethodOptions = "OPTIONS"
)

// Methods lists the accepted request methods in canonical form.
var Methods = []string{MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete, MethodHead, MethodOptions}

// NormalizeMethod upper-cases and trims m, reporting whether it is accepted.
func NormalizeMethod(m string) (string, bool) {
	upper := strings.ToUpper(strings.TrimSpace(m))
	for _, candidate := range Methods {
		if upper == candidate {
			return upper, true
		}
	}
	return upper, false
}

// Field limits mirrored by the api_requests table constraints.
const (
	MaxServiceLen  = 100
	MaxEndpointLen = 255
	MaxTraceIDLen  = 128
	MaxUserRefLen  = 128
	MinStatusCode  = 100
	MaxStatusCode  = 599
)

// TelemetryEvent is one observed API request. Only validated events reach storage.
type TelemetryEvent struct {
	Time       time.Time      `json:"time"`
	Service    string         `json:"service"`
	Endpoint   string         `json:"endpoint"`
	Method     string         `json:"method"`
	StatusCode int            `json:"status_code"`
	LatencyMS  int            `json:"latency_ms"`
	TraceID    *string        `json:"trace_id,omitempty"`
	UserRef    *string        `json:"user_ref,omitempty"`
	Tags       map[string]any `json:"tags"`
}

// IsError reports whether the event counts as an error for the given threshold.
func (e TelemetryEvent) IsError(errorFrom int) bool {
	return e.StatusCode >= errorFrom
}
