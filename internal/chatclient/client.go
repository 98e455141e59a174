// Package chatclient consumes the service's own event stream, used by the
// CLI and by end-to-end tests.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"supportchat/internal/apperr"
	"supportchat/internal/chat"
	"supportchat/internal/sse"
)

type Client struct {
	baseURL string
	token   string
	userID  string
	http    *http.Client
	logger  zerolog.Logger
}

type Option func(*Client)

func WithBearerToken(token string) Option { return func(c *Client) { c.token = token } }

// WithUserID sets the X-User-ID header, for servers running without JWT.
func WithUserID(id string) Option { return func(c *Client) { c.userID = id } }

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.logger = l } }

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type Request struct {
	ConversationID string `json:"conversationId,omitempty"`
	Message        string `json:"message"`
	Model          string `json:"model,omitempty"`
}

// Stream sends one message and yields the events of the reply. The sequence
// ends after the server closes the stream; breaking out of the loop or
// cancelling ctx releases the connection. A request-level failure is yielded
// once as the error.
func (c *Client) Stream(ctx context.Context, req Request) iter.Seq2[chat.Event, error] {
	return func(yield func(chat.Event, error) bool) {
		resp, err := c.post(ctx, "/v1/chat/stream", req, "text/event-stream")
		if err != nil {
			yield(nil, err)
			return
		}
		defer resp.Body.Close()

		dec := sse.NewDecoder[chat.Frame](resp.Body, c.logger)
		for {
			frame, err := dec.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				yield(nil, err)
				return
			}
			ev, err := chat.EventOf(frame)
			if err != nil {
				c.logger.Warn().Err(err).Str("type", frame.Type).Msg("ignoring unknown frame")
				continue
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}

func (c *Client) post(ctx context.Context, path string, body any, accept string) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userID != "" {
		httpReq.Header.Set("X-User-ID", c.userID)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperr.ErrRelay, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, errorMessage(data))
	}
	return resp, nil
}

func errorMessage(body []byte) string {
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	return strings.TrimSpace(string(body))
}

// Collect drains a stream into the answer text, returning the conversation
// id announced by the server and the first error frame, if any.
func Collect(events iter.Seq2[chat.Event, error]) (conversationID, text string, err error) {
	var b strings.Builder
	for ev, recvErr := range events {
		if recvErr != nil {
			return conversationID, b.String(), recvErr
		}
		switch e := ev.(type) {
		case chat.ConversationReady:
			conversationID = e.ConversationID
		case chat.ContentDelta:
			b.WriteString(e.Text)
		case chat.StreamError:
			if err == nil {
				err = errors.New(e.Message)
			}
		}
	}
	return conversationID, b.String(), err
}
