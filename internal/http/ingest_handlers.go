package httpx

import (
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/NawfalRAZOUK7/apm-observability/internal/domain"
	"github.com/NawfalRAZOUK7/apm-observability/internal/service/ingest"
	"github.com/NawfalRAZOUK7/apm-observability/internal/ws"
)

const msgStrictRejected = "Strict mode: at least one event is invalid; no events were inserted."

// strictRejection is the 400 body for a voided strict batch.
type strictRejection struct {
	domain.IngestBatchResult
	Detail string `json:"detail"`
}

// storageFailure is the 503 body for a batch the store did not accept.
type storageFailure struct {
	domain.IngestBatchResult
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func (r *Router) handleIngest(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	opts, err := parseIngestOptions(req.URL.Query())
	if err != nil {
		r.writeServiceError(w, err)
		return
	}
	body, err := readBody(w, req, r.maxBodyBytes)
	if err != nil {
		if !errors.Is(err, errBodyTooLarge) && !errors.Is(err, errUnsupportedEncoding) {
			writeFieldError(w, http.StatusBadRequest, "detail", "Could not read request body.")
			return
		}
		r.writeServiceError(w, err)
		return
	}

	result, err := r.ingest.Ingest(req.Context(), body, opts)
	r.recordIngest(result, err)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, ingest.ErrStrictRejected):
		writeJSON(w, http.StatusBadRequest, strictRejection{IngestBatchResult: result, Detail: msgStrictRejected})
	case errors.Is(err, ingest.ErrStorage):
		r.writeStorageFailure(w, result, err)
	default:
		r.writeServiceError(w, err)
	}
}

func parseIngestOptions(q url.Values) (ingest.Options, error) {
	var opts ingest.Options
	var err error
	if opts.Strict, err = parseBoolParam(q, "strict"); err != nil {
		return ingest.Options{}, err
	}
	if opts.MaxEvents, err = parseOptionalInt(q, "max_events"); err != nil {
		return ingest.Options{}, err
	}
	if opts.MaxErrors, err = parseOptionalInt(q, "max_errors"); err != nil {
		return ingest.Options{}, err
	}
	if opts.BatchSize, err = parseOptionalInt(q, "batch_size"); err != nil {
		return ingest.Options{}, err
	}
	return opts, nil
}

// handleStream follows committed ingest summaries for one service, or all
// services when none is given. WebSocket upgrades are honoured; otherwise
// the feed is Server-Sent Events.
func (r *Router) handleStream(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "live feed unavailable")
		return
	}
	key := strings.TrimSpace(req.URL.Query().Get("service"))
	if key == "" {
		key = ingest.AllServices
	}
	if websocket.IsWebSocketUpgrade(req) {
		r.serveWebsocketStream(w, req, key)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	client := ws.NewSSEClient(w, flusher, r.logger, streamEventName)
	client.SetWriteDeadline(http.NewResponseController(w).SetWriteDeadline)
	r.hub.Register(key, client)
	defer r.hub.Unregister(key, client)
	defer client.Close()

	if err := client.Heartbeat(); err != nil {
		return
	}
	ticker := time.NewTicker(streamHeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if client.Closed() {
				return
			}
			if time.Since(client.LastActivity()) < streamHeartbeatPeriod {
				continue
			}
			if err := client.Heartbeat(); err != nil {
				return
			}
		}
	}
}

func (r *Router) serveWebsocketStream(w http.ResponseWriter, req *http.Request, key string) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(key, client)
	defer func() {
		r.hub.Unregister(key, client)
		client.Close()
	}()

	// the feed is one-way; reads only surface the peer closing
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamHeartbeatPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-req.Context().Done():
			return
		case <-ticker.C:
			if err := client.Ping(); err != nil {
				return
			}
		}
	}
}
