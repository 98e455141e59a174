// Package sse implements the event-stream framing used on both sides of the
// relay: decoding `data: <json>` lines coming from the upstream provider and
// encoding the application's own frames towards the browser.
package sse

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"supportchat/internal/apperr"
)

const (
	DoneMarker = "[DONE]"

	initialLineBuffer = 12 * 1024
	maxLineSize       = 10 * 1024 * 1024
)

var dataField = []byte("data:")

// Decoder turns an event-stream body into a forward-only sequence of decoded
// JSON payloads. Lines split across reads are reassembled by the underlying
// scanner; comment and non-data lines are ignored; a payload that is not valid
// JSON is logged and skipped. Next returns io.EOF once the [DONE] sentinel is
// seen or the body ends cleanly. A Decoder is not restartable.
type Decoder[T any] struct {
	scanner    *bufio.Scanner
	logger     zerolog.Logger
	onSkip     func(payload []byte, err error)
	err        error
	terminated bool
	skipped    int
}

type Option func(*options)

type options struct {
	onSkip func(payload []byte, err error)
}

// WithSkipHook is called for each payload dropped because it failed to parse.
func WithSkipHook(fn func(payload []byte, err error)) Option {
	return func(o *options) { o.onSkip = fn }
}

func NewDecoder[T any](r io.Reader, logger zerolog.Logger, opts ...Option) *Decoder[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialLineBuffer), maxLineSize)
	return &Decoder[T]{
		scanner: scanner,
		logger:  logger,
		onSkip:  o.onSkip,
	}
}

// Next returns the next decoded payload.
func (d *Decoder[T]) Next() (T, error) {
	var zero T
	if d.err != nil {
		return zero, d.err
	}
	for d.scanner.Scan() {
		payload, ok := dataPayload(d.scanner.Bytes())
		if !ok {
			continue
		}
		if string(payload) == DoneMarker {
			d.terminated = true
			d.err = io.EOF
			return zero, d.err
		}

		var v T
		if err := json.Unmarshal(payload, &v); err != nil {
			d.skipped++
			d.logger.Warn().Err(err).Str("payload", preview(payload)).Msg("skipping malformed stream chunk")
			if d.onSkip != nil {
				d.onSkip(payload, err)
			}
			continue
		}
		return v, nil
	}

	if err := d.scanner.Err(); err != nil {
		d.err = fmt.Errorf("%w: %w", apperr.ErrDecode, err)
		return zero, d.err
	}
	d.err = io.EOF
	return zero, d.err
}

// Terminated reports whether the stream ended with the [DONE] sentinel rather
// than the body simply closing.
func (d *Decoder[T]) Terminated() bool { return d.terminated }

// Skipped is the number of malformed payloads dropped so far.
func (d *Decoder[T]) Skipped() int { return d.skipped }

func dataPayload(line []byte) ([]byte, bool) {
	if !bytes.HasPrefix(line, dataField) {
		return nil, false
	}
	payload := line[len(dataField):]
	payload = bytes.TrimPrefix(payload, []byte(" "))
	payload = bytes.TrimRight(payload, "\r")
	if len(payload) == 0 {
		return nil, false
	}
	return payload, true
}

func preview(b []byte) string {
	const max = 256
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
