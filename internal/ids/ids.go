// Package ids generates and validates the externally visible identifiers of
// conversations and messages: <prefix>_<unix-millis>_<12 hex chars>.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"supportchat/internal/apperr"
)

const (
	PrefixConversation = "conv"
	PrefixMessage      = "msg"
)

var pattern = regexp.MustCompile(`^(conv|msg)_([0-9]{1,20})_([0-9a-f]{12})$`)

func NewConversationID(now time.Time) string { return generate(PrefixConversation, now) }

func NewMessageID(now time.Time) string { return generate(PrefixMessage, now) }

func generate(prefix string, now time.Time) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand does not fail on supported platforms; keep ids well-formed anyway.
		n := uint64(time.Now().UnixNano())
		for i := range buf {
			buf[i] = byte(n >> (8 * i))
		}
	}
	return prefix + "_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + hex.EncodeToString(buf)
}

// Validate checks id against the format and the expected prefix. It never
// touches storage.
func Validate(id, prefix string) error {
	m := pattern.FindStringSubmatch(id)
	if m == nil || m[1] != prefix {
		return fmt.Errorf("%w: %q", apperr.ErrInvalidID, truncate(id, 64))
	}
	return nil
}

func ValidateConversationID(id string) error { return Validate(id, PrefixConversation) }

func ValidateMessageID(id string) error { return Validate(id, PrefixMessage) }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
