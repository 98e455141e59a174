package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

var ErrClosed = errors.New("sse: stream closed")

// Encoder writes `data: <json>\n\n` frames to an HTTP response and flushes
// each one. Headers are committed on the first write. After Close, or after a
// failed write, every further write returns ErrClosed, so a late producer can
// never write into a finished response.
type Encoder struct {
	mu          sync.Mutex
	w           http.ResponseWriter
	flusher     http.Flusher
	allowOrigin string
	started     bool
	closed      bool
}

func NewEncoder(w http.ResponseWriter, allowOrigin string) (*Encoder, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	if allowOrigin == "" {
		allowOrigin = "*"
	}
	return &Encoder{w: w, flusher: flusher, allowOrigin: allowOrigin}, nil
}

// Encode serializes v as one frame.
func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.start()
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		e.closed = true
		return fmt.Errorf("write frame: %w", err)
	}
	e.flusher.Flush()
	return nil
}

// KeepAlive writes an SSE comment line, which clients ignore.
func (e *Encoder) KeepAlive() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.start()
	if _, err := fmt.Fprint(e.w, ": ping\n\n"); err != nil {
		e.closed = true
		return fmt.Errorf("write keepalive: %w", err)
	}
	e.flusher.Flush()
	return nil
}

// Close commits the headers if nothing was written yet and refuses further
// writes. The HTTP handler returning ends the response.
func (e *Encoder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.start()
	e.flusher.Flush()
	e.closed = true
}

func (e *Encoder) start() {
	if e.started {
		return
	}
	SetHeaders(e.w.Header(), e.allowOrigin)
	e.w.WriteHeader(http.StatusOK)
	e.started = true
}

// SetHeaders prepares a response for a long-lived, unbuffered, cross-origin
// event stream.
func SetHeaders(h http.Header, allowOrigin string) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set("Access-Control-Allow-Origin", allowOrigin)
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Cache-Control")
}
