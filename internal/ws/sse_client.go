package ws

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// sseWriteWait bounds a single frame write when a deadline hook is set.
const sseWriteWait = 10 * time.Second

// SSEClient streams Server-Sent Events over an HTTP response writer. Every
// frame carries the same event name and an increasing id.
type SSEClient struct {
	mu       sync.Mutex
	writer   io.Writer
	flusher  http.Flusher
	deadline func(time.Time) error
	log      *slog.Logger
	event    string
	seq      uint64
	closed   atomic.Bool
	last     time.Time
}

// NewSSEClient builds an SSE client instance. event may be empty to emit
// unnamed frames.
func NewSSEClient(writer io.Writer, flusher http.Flusher, logger *slog.Logger, event string) *SSEClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEClient{writer: writer, flusher: flusher, log: logger, event: event, last: time.Now().UTC()}
}

// SetWriteDeadline installs fn, typically
// http.NewResponseController(w).SetWriteDeadline, so a stalled reader fails
// the write instead of holding it forever.
func (c *SSEClient) SetWriteDeadline(fn func(time.Time) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = fn
}

func (c *SSEClient) armDeadline() {
	if c.deadline == nil {
		return
	}
	if err := c.deadline(time.Now().Add(sseWriteWait)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		c.log.Debug("sse write deadline unavailable", "error", err)
	}
}

// Send emits a data event to the SSE stream.
func (c *SSEClient) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return io.EOF
	}
	c.armDeadline()
	c.seq++
	frame := fmt.Sprintf("id: %d\n", c.seq)
	if c.event != "" {
		frame += "event: " + c.event + "\n"
	}
	if _, err := fmt.Fprintf(c.writer, "%sdata: %s\n\n", frame, payload); err != nil {
		c.closed.Store(true)
		c.log.Warn("sse send failed", "error", err)
		return err
	}
	c.flusher.Flush()
	c.last = time.Now().UTC()
	return nil
}

// Heartbeat emits a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return io.EOF
	}
	c.armDeadline()
	if _, err := fmt.Fprint(c.writer, ": ping\n\n"); err != nil {
		c.closed.Store(true)
		c.log.Warn("sse heartbeat failed", "error", err)
		return err
	}
	c.flusher.Flush()
	c.last = time.Now().UTC()
	return nil
}

// Close marks the stream as closed and waits for an in-flight write, which
// the write deadline bounds, so the writer is not touched after Close returns.
func (c *SSEClient) Close() {
	c.closed.Store(true)
	c.mu.Lock()
	c.mu.Unlock()
}

// Closed reports whether the stream was closed by either side.
func (c *SSEClient) Closed() bool {
	return c.closed.Load()
}

// LastActivity reports the timestamp of the most recent successful write.
func (c *SSEClient) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
