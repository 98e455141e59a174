package providers

import (
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"supportchat/internal/apperr"
)

func TestChatRequestValidate(t *testing.T) {
	ok := ChatRequest{Model: "m", Messages: []Message{{Role: RoleUser, Content: "hi"}}, Temperature: 1}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}

	cases := map[string]ChatRequest{
		"no model":     {Messages: ok.Messages},
		"no messages":  {Model: "m"},
		"neg tokens":   {Model: "m", Messages: ok.Messages, MaxTokens: -1},
		"hot sampling": {Model: "m", Messages: ok.Messages, Temperature: 2.1},
	}
	for name, req := range cases {
		if err := req.Validate(); !errors.Is(err, apperr.ErrInvalidInput) {
			t.Fatalf("%s: expected ErrInvalidInput, got %v", name, err)
		}
	}
}

func TestWithSystemPrompt(t *testing.T) {
	msgs := []Message{{Role: RoleUser, Content: "hi"}}

	got := WithSystemPrompt(msgs, "be brief")
	if len(got) != 2 || got[0].Role != RoleSystem || got[0].Content != "be brief" {
		t.Fatalf("unexpected messages %+v", got)
	}
	if len(msgs) != 1 {
		t.Fatalf("input slice modified")
	}
	if got := WithSystemPrompt(got, "other"); len(got) != 2 || got[0].Content != "be brief" {
		t.Fatalf("existing system message replaced: %+v", got)
	}
	if got := WithSystemPrompt(msgs, "  "); len(got) != 1 {
		t.Fatalf("blank prompt added: %+v", got)
	}
}

func TestCompletionText(t *testing.T) {
	c := Completion{Choices: []openai.ChatCompletionChoice{{
		Message: openai.ChatCompletionMessage{Role: RoleAssistant, Content: "Hello"},
	}}}
	if text, err := CompletionText(c); err != nil || text != "Hello" {
		t.Fatalf("unexpected text %q err %v", text, err)
	}

	multi := Completion{Choices: []openai.ChatCompletionChoice{{
		Message: openai.ChatCompletionMessage{Role: RoleAssistant, MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: "a"},
			{Type: openai.ChatMessagePartTypeImageURL},
			{Type: openai.ChatMessagePartTypeText, Text: "b"},
		}},
	}}}
	if text, err := CompletionText(multi); err != nil || text != "a\nb" {
		t.Fatalf("unexpected multi-part text %q err %v", text, err)
	}

	for _, empty := range []Completion{{}, {Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: " \n"}}}}} {
		if _, err := CompletionText(empty); !errors.Is(err, apperr.ErrEmptyResponse) {
			t.Fatalf("expected ErrEmptyResponse, got %v", err)
		}
	}
}

func TestCompletionUsage(t *testing.T) {
	if _, ok := CompletionUsage(Completion{}); ok {
		t.Fatalf("absent usage reported as present")
	}
	u, ok := CompletionUsage(Completion{Usage: &openai.Usage{PromptTokens: 3, CompletionTokens: 4}})
	if !ok || u.TotalTokens != 7 {
		t.Fatalf("unexpected usage %+v ok=%v", u, ok)
	}
}
