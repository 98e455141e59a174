package chat

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	DefaultTitle  = "New conversation"
	MaxTitleRunes = 60
)

var (
	urlPattern          = regexp.MustCompile(`(?i)(https?://|ftp://|www\.)[^\s]+`)
	markdownLinkPattern = regexp.MustCompile(`\[([^\]]*)\]\([^)]+\)`)
	emailPattern        = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	multiSpacePattern   = regexp.MustCompile(`\s+`)
)

// TitleFrom derives a conversation title from the first user message. Links
// and email addresses are dropped so they never end up in a list view.
func TitleFrom(message string) string {
	title := truncateTitle(sanitizeTitle(message), MaxTitleRunes)
	if title == "" {
		return DefaultTitle
	}
	return title
}

func sanitizeTitle(content string) string {
	content = markdownLinkPattern.ReplaceAllString(content, "$1")
	content = urlPattern.ReplaceAllString(content, "")
	content = emailPattern.ReplaceAllString(content, "")

	var b strings.Builder
	for _, r := range content {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsSpace(r) ||
			r == '.' || r == ',' || r == '!' || r == '?' || r == '-' || r == '\'' {
			b.WriteRune(r)
		}
	}
	content = multiSpacePattern.ReplaceAllString(b.String(), " ")
	content = strings.TrimSpace(content)
	return strings.TrimRight(content, " .,!?-'")
}

// truncateTitle cuts at a word boundary when one falls in the second half of
// the budget. The result, ellipsis included, never exceeds maxRunes.
func truncateTitle(title string, maxRunes int) string {
	runes := []rune(title)
	if len(runes) <= maxRunes {
		return title
	}
	const ellipsis = "..."
	limit := maxRunes - len(ellipsis)
	if limit < 0 {
		limit = 0
	}
	truncated := string(runes[:limit])
	if i := strings.LastIndex(truncated, " "); i > 0 && len([]rune(truncated[:i])) > limit/2 {
		truncated = strings.TrimRight(truncated[:i], " ")
	}
	return truncated + ellipsis
}
