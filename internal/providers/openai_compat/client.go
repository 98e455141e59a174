package openai_compat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"

	"supportchat/internal/apperr"
	"supportchat/internal/metrics"
	"supportchat/internal/observability"
	"supportchat/internal/providers"
)

type Config struct {
	BaseURL      string
	APIKey       string
	Headers      map[string]string
	HTTPClient   *http.Client
	SystemPrompt string
	Timeout      time.Duration
	IdleTimeout  time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	IncludeUsage bool
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		// Streaming responses outlive any fixed client timeout; deadlines
		// are applied per call instead.
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Client{cfg: cfg}
}

var _ providers.Provider = (*Client)(nil)

func (c *Client) Chat(ctx context.Context, req providers.ChatRequest) (completion providers.Completion, err error) {
	ctx, span := observability.StartSpan(ctx, "relay.chat", attribute.String("model", req.Model))
	defer func() { observability.EndSpan(span, err) }()

	body, endpointURL, err := c.buildPayload(req, false)
	if err != nil {
		return providers.Completion{}, err
	}

	err = c.withRetries(ctx, func() error {
		var callErr error
		completion, callErr = c.callOnce(ctx, endpointURL, body)
		return callErr
	})
	if err != nil {
		return providers.Completion{}, err
	}
	return completion, nil
}

// withRetries runs call until it succeeds, fails permanently or the retry
// budget runs out. Only transient failures are retried.
func (c *Client) withRetries(ctx context.Context, call func() error) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		err := call()
		if err == nil {
			return nil
		}
		lastErr = err
		if !apperr.Transient(err) || attempt == c.cfg.MaxRetries {
			break
		}
		backoff := c.cfg.BackoffBase * (1 << attempt)
		c.cfg.Logger.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", backoff).Msg("upstream call failed, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

func (c *Client) buildPayload(req providers.ChatRequest, stream bool) ([]byte, string, error) {
	if err := req.Validate(); err != nil {
		return nil, "", err
	}
	endpointURL, err := c.buildEndpointURL()
	if err != nil {
		return nil, "", err
	}

	systemPrompt := req.SystemPrompt
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = c.cfg.SystemPrompt
	}
	history := providers.WithSystemPrompt(req.Messages, systemPrompt)

	messages := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	payload := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
		Stream:      stream,
	}
	if stream && c.cfg.IncludeUsage {
		payload.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("marshal chat completion payload: %w", err)
	}
	return b, endpointURL, nil
}

func (c *Client) newRequest(ctx context.Context, endpointURL string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.cfg.APIKey) != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, strings.ReplaceAll(v, "{{api_key}}", c.cfg.APIKey))
	}
	return req, nil
}

func (c *Client) callOnce(ctx context.Context, endpointURL string, body []byte) (providers.Completion, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := c.newRequest(callCtx, endpointURL, body)
	if err != nil {
		return providers.Completion{}, err
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return providers.Completion{}, transportError(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return providers.Completion{}, transportError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return providers.Completion{}, apperr.FromStatus(resp.StatusCode, errorDetail(respBody))
	}

	var completion providers.Completion
	if err := json.Unmarshal(respBody, &completion); err != nil {
		return providers.Completion{}, fmt.Errorf("%w: decode chat completion response: %w", apperr.ErrDecode, err)
	}
	return completion, nil
}

// transportError classifies a failed round trip. Caller cancellation is
// returned as is so it is never reported as an upstream failure.
func transportError(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &apperr.UpstreamError{Kind: apperr.ErrTimeout, Detail: "upstream request timed out", Err: err}
	}
	return &apperr.UpstreamError{Kind: apperr.ErrRelay, Detail: "upstream request failed", Err: err}
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// errorDetail pulls the provider's error message out of a failure body,
// falling back to the raw text.
func errorDetail(body []byte) string {
	var envelope struct {
		Error *errorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 512 {
		text = text[:512]
	}
	return text
}

func (c *Client) buildEndpointURL() (string, error) {
	base := strings.TrimSpace(c.cfg.BaseURL)
	if base == "" {
		return "", fmt.Errorf("base url is empty")
	}
	if strings.HasSuffix(base, "/chat/completions") {
		return base, nil
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/chat/completions"
	return u.String(), nil
}
