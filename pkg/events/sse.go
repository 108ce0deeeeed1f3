package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// KeepAliveInterval is how long the SSE writer waits on an idle bus before
// emitting a keep-alive frame.
const KeepAliveInterval = 5 * time.Second

// keepAlivePadding is the whitespace payload appended to keep-alive comment
// lines. Intermediate proxies buffer small frames; 2 KB forces a forward.
var keepAlivePadding = strings.Repeat(" ", 2048)

// SSEWriter encodes progress events as text/event-stream frames.
// Each event becomes a single "data: {json}\n\n" frame; comment lines are
// used only for keep-alive. Every write is flushed.
type SSEWriter struct {
	w       io.Writer
	flusher http.Flusher

	// keepAliveEvery is how long Pump waits on an idle bus before emitting
	// a keep-alive frame. Defaults to KeepAliveInterval; tests shrink it.
	keepAliveEvery time.Duration
}

// NewSSEWriter wraps an http.ResponseWriter. Returns an error when the
// writer does not support flushing (streaming would silently buffer).
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	return &SSEWriter{w: w, flusher: flusher, keepAliveEvery: KeepAliveInterval}, nil
}

// WriteEvent encodes ev as one SSE data frame and flushes.
func (w *SSEWriter) WriteEvent(ev ProgressEvent) error {
	// json.Marshal never emits raw newlines, keeping the payload single-line.
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}
	if _, err := fmt.Fprintf(w.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// WriteKeepAlive emits a comment frame with ≥2 KB of whitespace padding.
func (w *SSEWriter) WriteKeepAlive() error {
	if _, err := fmt.Fprintf(w.w, ": keepalive%s\n\n", keepAlivePadding); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}

// Pump drains the bus into the writer until the bus closes, the context is
// cancelled, or a write fails. Keep-alive frames are emitted after every
// interval of idleness. A write failure means the consumer went away; Pump
// returns the error so the caller can cancel the pipelines.
func Pump(ctx context.Context, bus *ProgressBus, w *SSEWriter) error {
	ticker := time.NewTicker(w.keepAliveEvery)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-bus.Events():
			if !ok {
				return nil
			}
			if err := w.WriteEvent(ev); err != nil {
				return err
			}
			ticker.Reset(w.keepAliveEvery)
		case <-ticker.C:
			if err := w.WriteKeepAlive(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
