package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// sseWriter streams Server-Sent Events over an HTTP response.
type sseWriter struct {
	mu      sync.Mutex
	writer  io.Writer
	flusher http.Flusher
	log     *slog.Logger
	closed  bool
	last    time.Time
}

func newSSEWriter(w io.Writer, flusher http.Flusher, logger *slog.Logger) *sseWriter {
	return &sseWriter{writer: w, flusher: flusher, log: logger, last: time.Now().UTC()}
}

// send emits a named event carrying v as JSON.
func (c *sseWriter) send(event string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := fmt.Fprintf(c.writer, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		c.closed = true
		c.log.Warn("sse send failed", "error", err)
		return err
	}
	c.flusher.Flush()
	c.last = time.Now().UTC()
	return nil
}

// heartbeat emits a comment frame to keep proxies from idling the stream out.
func (c *sseWriter) heartbeat() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return io.EOF
	}
	if _, err := fmt.Fprint(c.writer, ": ping\n\n"); err != nil {
		c.closed = true
		c.log.Warn("sse heartbeat failed", "error", err)
		return err
	}
	c.flusher.Flush()
	c.last = time.Now().UTC()
	return nil
}

func (c *sseWriter) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}
