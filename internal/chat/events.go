package chat

import "fmt"

const (
	FrameConversation = "conversation"
	FrameContent      = "content"
	FrameError        = "error"
)

// Event is one step of a streaming session as seen by the client. The
// concrete types are ConversationReady, ContentDelta, StreamError and
// StreamEnd.
type Event interface {
	event()
}

// ConversationReady is sent once, before any content.
type ConversationReady struct {
	ConversationID string
	Model          string
}

type ContentDelta struct {
	Text string
}

// StreamError is terminal; at most one is sent.
type StreamError struct {
	Message string
}

// StreamEnd tells the emitter the session is over. It has no frame of its
// own: the client treats the closed stream as the end.
type StreamEnd struct{}

func (ConversationReady) event() {}
func (ContentDelta) event()      {}
func (StreamError) event()       {}
func (StreamEnd) event()         {}

// Frame is the JSON payload of one client-facing `data:` line.
type Frame struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	Model          string `json:"model,omitempty"`
	Content        string `json:"content,omitempty"`
	Error          string `json:"error,omitempty"`
}

// FrameOf serializes ev. StreamEnd has no frame and reports false.
func FrameOf(ev Event) (Frame, bool) {
	switch e := ev.(type) {
	case ConversationReady:
		return Frame{Type: FrameConversation, ConversationID: e.ConversationID, Model: e.Model}, true
	case ContentDelta:
		return Frame{Type: FrameContent, Content: e.Text}, true
	case StreamError:
		return Frame{Type: FrameError, Error: e.Message}, true
	default:
		return Frame{}, false
	}
}

// EventOf is the inverse of FrameOf, used by clients of the stream.
func EventOf(f Frame) (Event, error) {
	switch f.Type {
	case FrameConversation:
		return ConversationReady{ConversationID: f.ConversationID, Model: f.Model}, nil
	case FrameContent:
		return ContentDelta{Text: f.Content}, nil
	case FrameError:
		return StreamError{Message: f.Error}, nil
	default:
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
}

// Emitter delivers events to one client. An error means the client is gone
// and nothing more should be sent.
type Emitter interface {
	Emit(Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event) error

func (f EmitterFunc) Emit(ev Event) error { return f(ev) }
