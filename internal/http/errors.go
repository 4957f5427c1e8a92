package httpx

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/NawfalRAZOUK7/apm-observability/internal/domain"
	"github.com/NawfalRAZOUK7/apm-observability/internal/service/analytics"
	"github.com/NawfalRAZOUK7/apm-observability/internal/service/ingest"
)

const (
	retryAfterSeconds = 5

	msgStorageUnavailable = "storage unavailable; no events were inserted"
	msgStorageTimeout     = "the database did not answer in time; retry later"
	msgStorageFailed      = "the database rejected the write"
)

// storageDetail is the client-facing description of a store failure. The
// driver error is logged by the ingest service and never sent back.
func storageDetail(storage *ingest.StorageError) string {
	if storage.Retryable {
		return msgStorageTimeout
	}
	return msgStorageFailed
}

// writeStorageFailure reports a failed persist together with the batch
// counts, which still balance against the submitted total.
func (r *Router) writeStorageFailure(w http.ResponseWriter, result domain.IngestBatchResult, err error) {
	var storage *ingest.StorageError
	if !errors.As(err, &storage) {
		r.writeServiceError(w, err)
		return
	}
	if storage.Retryable {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	writeJSON(w, http.StatusServiceUnavailable, storageFailure{
		IngestBatchResult: result,
		Error:             msgStorageUnavailable,
		Detail:            storageDetail(storage),
	})
}

// writeServiceError maps typed service errors to HTTP responses.
func (r *Router) writeServiceError(w http.ResponseWriter, err error) {
	var (
		param       *paramError
		validation  *analytics.ValidationError
		unavailable *analytics.UnavailableError
		payload     *ingest.PayloadError
		option      *ingest.OptionError
		capacity    *ingest.CapacityError
		storage     *ingest.StorageError
	)
	switch {
	case errors.As(err, &param):
		writeFieldError(w, http.StatusBadRequest, param.field, param.detail)
	case errors.As(err, &validation):
		writeFieldError(w, http.StatusBadRequest, validation.Field, validation.Detail)
	case errors.As(err, &payload):
		writeFieldError(w, http.StatusBadRequest, payload.Field, payload.Detail)
	case errors.As(err, &option):
		writeFieldError(w, http.StatusBadRequest, option.Name, option.Error())
	case errors.As(err, &capacity):
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]any{
			"detail":     capacity.Error(),
			"max_events": capacity.Limit,
			"count":      capacity.Count,
		})
	case errors.As(err, &storage):
		if storage.Retryable {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":  msgStorageUnavailable,
			"detail": storageDetail(storage),
		})
	case errors.Is(err, analytics.ErrNotSupported):
		writeJSON(w, http.StatusNotImplemented, map[string]any{
			"error":  "analytics not supported by this database",
			"detail": err.Error(),
		})
	case errors.As(err, &unavailable):
		if unavailable.Retryable {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		}
		body := map[string]any{
			"error":  "analytics backend unavailable",
			"detail": unavailable.Error(),
		}
		if unavailable.Hint != "" {
			body["hint"] = unavailable.Hint
		}
		writeJSON(w, http.StatusServiceUnavailable, body)
	case errors.Is(err, errBodyTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, errUnsupportedEncoding):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	default:
		r.logger.Error("unhandled service error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
