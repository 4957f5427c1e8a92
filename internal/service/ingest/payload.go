package ingest

import (
	"bytes"
	"encoding/json"
)

// ParsePayload accepts a bare JSON array of events or an object with an
// "events" array. Items are returned undecoded so each can be validated on its own.
func ParsePayload(body []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, &PayloadError{Field: "detail", Detail: "Expected JSON list or object payload."}
	}
	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, &PayloadError{Field: "detail", Detail: "Malformed JSON payload."}
		}
		return items, nil
	case '{':
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &wrapper); err != nil {
			return nil, &PayloadError{Field: "detail", Detail: "Malformed JSON payload."}
		}
		raw, ok := wrapper["events"]
		if !ok {
			return nil, &PayloadError{Field: "detail", Detail: "Expected a list payload or an object with an 'events' list."}
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 || raw[0] != '[' {
			return nil, &PayloadError{Field: "events", Detail: "Must be a list of event objects."}
		}
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, &PayloadError{Field: "events", Detail: "Must be a list of event objects."}
		}
		return items, nil
	default:
		if !json.Valid(trimmed) {
			return nil, &PayloadError{Field: "detail", Detail: "Malformed JSON payload."}
		}
		return nil, &PayloadError{Field: "detail", Detail: "Expected JSON list or object payload."}
	}
}
