package chat

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"supportchat/internal/observability"
	"supportchat/internal/providers"
	"supportchat/internal/storage"
)

type SendResult struct {
	ConversationID string
	Model          string
	Message        storage.Message
	Usage          *providers.Usage
}

// Send runs one non-streaming turn. Unlike Stream, an unknown conversation
// id is an error, and a failed relay appends no assistant message.
func (s *Service) Send(ctx context.Context, req SendRequest) (res SendResult, err error) {
	ctx, span := observability.StartSpan(ctx, "chat.send", attribute.String("conversation.id", req.ConversationID))
	defer func() { observability.EndSpan(span, err) }()

	start := time.Now()
	defer func() {
		s.metrics.RelayDuration.WithLabelValues("send").Observe(time.Since(start).Seconds())
	}()

	t, err := s.begin(ctx, req, false)
	if err != nil {
		return SendResult{}, err
	}
	defer t.release()

	completion, err := s.relay.Chat(ctx, t.request)
	if err != nil {
		if ctx.Err() == nil {
			s.countUpstreamError(err)
		}
		return SendResult{}, err
	}
	text, err := providers.CompletionText(completion)
	if err != nil {
		s.countUpstreamError(err)
		return SendResult{}, err
	}

	res = SendResult{ConversationID: t.conv.ID, Model: t.model}
	if u, ok := providers.CompletionUsage(completion); ok {
		res.Usage = &u
	}

	msg, err := s.saveAssistant(ctx, t, text, res.Usage)
	if err != nil {
		return SendResult{}, err
	}
	res.Message = msg
	return res, nil
}
