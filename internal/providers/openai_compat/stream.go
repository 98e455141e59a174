package openai_compat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"

	"supportchat/internal/apperr"
	"supportchat/internal/observability"
	"supportchat/internal/providers"
	"supportchat/internal/sse"
)

// streamChunk is one `data:` payload of a streaming chat completion.
type streamChunk struct {
	ID      string                              `json:"id"`
	Model   string                              `json:"model"`
	Choices []openai.ChatCompletionStreamChoice `json:"choices"`
	Usage   *openai.Usage                       `json:"usage,omitempty"`
	Error   *errorBody                          `json:"error,omitempty"`
}

// ChatStream opens a streaming completion. Failures before the first byte of
// the body (transport errors, non-2xx statuses) are returned here; failures
// after that surface from Recv.
func (c *Client) ChatStream(ctx context.Context, req providers.ChatRequest) (providers.Stream, error) {
	ctx, span := observability.StartSpan(ctx, "relay.stream.open", attribute.String("model", req.Model))

	body, endpointURL, err := c.buildPayload(req, true)
	if err != nil {
		observability.EndSpan(span, err)
		return nil, err
	}

	var stream *chatStream
	err = c.withRetries(ctx, func() error {
		var openErr error
		stream, openErr = c.openStream(ctx, endpointURL, body)
		return openErr
	})
	observability.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

func (c *Client) openStream(ctx context.Context, endpointURL string, body []byte) (*chatStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	s := &chatStream{parent: ctx, cancel: cancel, idle: c.cfg.IdleTimeout}
	if s.idle > 0 {
		s.timer = time.AfterFunc(s.idle, s.expire)
	}

	req, err := c.newRequest(streamCtx, endpointURL, body)
	if err != nil {
		s.Close()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		s.Close()
		if s.idleExpired.Load() {
			return nil, s.idleError()
		}
		return nil, transportError(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		s.Close()
		return nil, apperr.FromStatus(resp.StatusCode, errorDetail(respBody))
	}

	s.body = resp.Body
	s.decoder = sse.NewDecoder[streamChunk](resp.Body, c.cfg.Logger, sse.WithSkipHook(func([]byte, error) {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.SkippedChunks.Inc()
		}
	}))
	s.touch()
	return s, nil
}

// chatStream adapts decoded chunks to providers.StreamEvent values. A single
// chunk may carry content, a finish reason and usage at once, so decoded
// events are queued and handed out one per Recv.
type chatStream struct {
	parent  context.Context
	cancel  context.CancelFunc
	body    io.ReadCloser
	decoder *sse.Decoder[streamChunk]

	idle        time.Duration
	timer       *time.Timer
	idleExpired atomic.Bool

	pending []providers.StreamEvent
	done    bool

	closeOnce sync.Once
}

func (s *chatStream) expire() {
	s.idleExpired.Store(true)
	s.cancel()
}

func (s *chatStream) touch() {
	if s.timer != nil {
		s.timer.Reset(s.idle)
	}
}

func (s *chatStream) idleError() error {
	return &apperr.UpstreamError{Kind: apperr.ErrTimeout, Detail: fmt.Sprintf("no data from upstream for %s", s.idle)}
}

func (s *chatStream) Recv() (providers.StreamEvent, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		if s.done {
			return nil, io.EOF
		}

		chunk, err := s.decoder.Next()
		if err != nil {
			return nil, s.recvError(err)
		}
		s.touch()

		if chunk.Error != nil {
			s.done = true
			return nil, &apperr.UpstreamError{Kind: apperr.ErrRelay, Detail: chunk.Error.Message}
		}
		s.pending = append(s.pending, chunkEvents(chunk)...)
	}
}

func (s *chatStream) recvError(err error) error {
	if errors.Is(err, io.EOF) {
		s.done = true
		return io.EOF
	}
	if s.idleExpired.Load() {
		return s.idleError()
	}
	if s.parent.Err() != nil {
		return s.parent.Err()
	}
	return &apperr.UpstreamError{Kind: apperr.ErrDecode, Detail: "reading upstream stream", Err: err}
}

func chunkEvents(chunk streamChunk) []providers.StreamEvent {
	var events []providers.StreamEvent
	if len(chunk.Choices) > 0 {
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			events = append(events, providers.TextDelta{Text: choice.Delta.Content})
		}
		if choice.FinishReason != "" {
			events = append(events, providers.Finished{Reason: string(choice.FinishReason)})
		}
	}
	if usage, ok := providers.UsageFromWire(chunk.Usage); ok {
		events = append(events, providers.UsageReport{Usage: usage})
	}
	return events
}

func (s *chatStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		s.cancel()
		if s.body != nil {
			err = s.body.Close()
		}
	})
	return err
}
