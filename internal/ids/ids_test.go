package ids

import (
	"errors"
	"strings"
	"testing"
	"time"

	"supportchat/internal/apperr"
)

func TestGeneratedIDsValidate(t *testing.T) {
	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)

	conv := NewConversationID(now)
	if !strings.HasPrefix(conv, "conv_1770976800000_") {
		t.Fatalf("unexpected conversation id %q", conv)
	}
	if err := ValidateConversationID(conv); err != nil {
		t.Fatalf("generated conversation id rejected: %v", err)
	}

	msg := NewMessageID(now)
	if err := ValidateMessageID(msg); err != nil {
		t.Fatalf("generated message id rejected: %v", err)
	}
	if NewMessageID(now) == msg {
		t.Fatalf("two ids generated at the same instant collided")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		id   string
		ok   bool
	}{
		{name: "valid", id: "conv_1718000000000_0123456789ab", ok: true},
		{name: "wrong prefix", id: "msg_1718000000000_0123456789ab"},
		{name: "uppercase hex", id: "conv_1718000000000_0123456789AB"},
		{name: "short suffix", id: "conv_1718000000000_0123456789a"},
		{name: "long suffix", id: "conv_1718000000000_0123456789abc"},
		{name: "non numeric timestamp", id: "conv_17180x0000000_0123456789ab"},
		{name: "empty", id: ""},
		{name: "sql injection", id: "conv_1_0123456789ab' OR 1=1"},
		{name: "uuid", id: "5f0e6c1e-2a8c-4a7e-9a51-8c3f0c3b7f11"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConversationID(tt.id)
			if tt.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tt.ok && !errors.Is(err, apperr.ErrInvalidID) {
				t.Fatalf("expected ErrInvalidID, got %v", err)
			}
		})
	}
}
