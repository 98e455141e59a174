package providers

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"supportchat/internal/apperr"
)

const (
	RoleSystem    = openai.ChatMessageRoleSystem
	RoleUser      = openai.ChatMessageRoleUser
	RoleAssistant = openai.ChatMessageRoleAssistant
)

type Message struct {
	Role    string
	Content string
}

// ChatRequest is one relay call: the conversation history projected to
// role/content pairs plus generation options.
type ChatRequest struct {
	Model        string
	Messages     []Message
	SystemPrompt string
	MaxTokens    int
	Temperature  float64
}

func (r ChatRequest) Validate() error {
	if strings.TrimSpace(r.Model) == "" {
		return apperr.Invalid("model is required")
	}
	if len(r.Messages) == 0 {
		return apperr.Invalid("at least one message is required")
	}
	if r.MaxTokens < 0 {
		return apperr.Invalid("max tokens must be positive")
	}
	if r.Temperature < 0 || r.Temperature > 2 {
		return apperr.Invalid("temperature %.2f is outside [0, 2]", r.Temperature)
	}
	return nil
}

// WithSystemPrompt returns msgs with prompt prepended unless msgs already
// carries a system entry.
func WithSystemPrompt(msgs []Message, prompt string) []Message {
	if strings.TrimSpace(prompt) == "" {
		return msgs
	}
	for _, m := range msgs {
		if m.Role == RoleSystem {
			return msgs
		}
	}
	out := make([]Message, 0, len(msgs)+1)
	out = append(out, Message{Role: RoleSystem, Content: prompt})
	return append(out, msgs...)
}

// Completion is the upstream's non-streaming answer.
type Completion struct {
	ID      string                        `json:"id"`
	Model   string                        `json:"model"`
	Choices []openai.ChatCompletionChoice `json:"choices"`
	Usage   *openai.Usage                 `json:"usage,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

func usageFrom(u *openai.Usage) (Usage, bool) {
	if u == nil {
		return Usage{}, false
	}
	out := Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	return out, true
}

// CompletionText returns the first choice's content.
func CompletionText(c Completion) (string, error) {
	if len(c.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", apperr.ErrEmptyResponse)
	}
	msg := c.Choices[0].Message
	text := msg.Content
	if text == "" {
		parts := make([]string, 0, len(msg.MultiContent))
		for _, p := range msg.MultiContent {
			if p.Type == openai.ChatMessagePartTypeText && p.Text != "" {
				parts = append(parts, p.Text)
			}
		}
		text = strings.Join(parts, "\n")
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: missing message content", apperr.ErrEmptyResponse)
	}
	return text, nil
}

// CompletionUsage returns the token usage when the upstream reported it.
// Absent usage is not an error.
func CompletionUsage(c Completion) (Usage, bool) {
	return usageFrom(c.Usage)
}

// UsageFromWire normalizes a usage object decoded from a stream chunk.
func UsageFromWire(u *openai.Usage) (Usage, bool) {
	return usageFrom(u)
}

// StreamEvent is one decoded unit of a streaming completion. The concrete
// types are TextDelta, UsageReport and Finished.
type StreamEvent interface {
	streamEvent()
}

type TextDelta struct {
	Text string
}

type UsageReport struct {
	Usage Usage
}

type Finished struct {
	Reason string
}

func (TextDelta) streamEvent()   {}
func (UsageReport) streamEvent() {}
func (Finished) streamEvent()    {}

// Stream is a forward-only sequence of events. Recv returns io.EOF when the
// upstream finished normally. Close releases the connection and may be
// called at any point.
type Stream interface {
	Recv() (StreamEvent, error)
	Close() error
}

type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (Completion, error)
	ChatStream(ctx context.Context, req ChatRequest) (Stream, error)
}
