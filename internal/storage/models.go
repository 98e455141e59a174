package storage

import "time"

const (
	// MaxMessages bounds the message list of a single conversation.
	MaxMessages = 100
	MaxPageSize = 100
)

type Conversation struct {
	ID        string
	OwnerID   string
	Title     string
	Model     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Message struct {
	ID             string
	ConversationID string
	Seq            int
	Role           string
	Content        string
	CreatedAt      time.Time
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
