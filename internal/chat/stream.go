package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"supportchat/internal/apperr"
	"supportchat/internal/observability"
	"supportchat/internal/providers"
)

const (
	outcomeCompleted  = "completed"
	outcomePreStream  = "pre_stream_error"
	outcomeMidStream  = "mid_stream_error"
	outcomeEmpty      = "empty"
	outcomeClientGone = "client_gone"
)

// Stream runs one streaming send and reports every step through emit. The
// client always sees a defined end: the events sent so far, at most one
// StreamError, then StreamEnd. Whatever content was relayed is saved as an
// assistant message before StreamEnd, even when the relay fails midway or
// the client disconnects. The returned error is the terminal failure, if
// any, for the caller's logs; it has already been reported through emit.
func (s *Service) Stream(ctx context.Context, req SendRequest, emit Emitter) (err error) {
	ctx, span := observability.StartSpan(ctx, "chat.stream",
		attribute.String("conversation.id", req.ConversationID),
		attribute.String("model", req.Model),
	)
	start := time.Now()
	outcome := outcomeCompleted
	defer func() {
		s.metrics.Streams.WithLabelValues(outcome).Inc()
		s.metrics.RelayDuration.WithLabelValues("stream").Observe(time.Since(start).Seconds())
		_ = emit.Emit(StreamEnd{})
		observability.EndSpan(span, err)
	}()

	t, err := s.begin(ctx, req, true)
	if err != nil {
		outcome = outcomePreStream
		s.emitError(emit, err)
		return err
	}
	defer t.release()

	log := s.logger.With().Str("conversation_id", t.conv.ID).Str("model", t.model).Logger()
	span.SetAttributes(attribute.String("conversation.id", t.conv.ID), attribute.Bool("conversation.created", t.created))

	stream, err := s.relay.ChatStream(ctx, t.request)
	if err != nil {
		outcome = outcomePreStream
		if ctx.Err() == nil {
			s.countUpstreamError(err)
			log.Warn().Err(err).Msg("upstream stream failed to open")
		}
		s.emitError(emit, err)
		return err
	}
	defer stream.Close()

	if err := emit.Emit(ConversationReady{ConversationID: t.conv.ID, Model: t.model}); err != nil {
		outcome = outcomeClientGone
		return err
	}

	var (
		acc        strings.Builder
		usage      *providers.Usage
		finish     string
		relayErr   error
		clientGone bool
	)
loop:
	for {
		ev, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				clientGone = true
			} else {
				relayErr = err
			}
			break
		}
		switch e := ev.(type) {
		case providers.TextDelta:
			acc.WriteString(e.Text)
			s.metrics.ContentDeltas.Inc()
			if err := emit.Emit(ContentDelta{Text: e.Text}); err != nil {
				clientGone = true
				break loop
			}
		case providers.UsageReport:
			u := e.Usage
			usage = &u
		case providers.Finished:
			finish = e.Reason
		}
	}
	_ = stream.Close()

	text := acc.String()
	if text != "" {
		// Save failures are logged and queued; the client has already
		// received everything it will get.
		_, _ = s.saveAssistant(ctx, t, text, usage)
	}

	switch {
	case clientGone:
		outcome = outcomeClientGone
		log.Info().Int("bytes", len(text)).Msg("client disconnected mid-stream")
		return context.Cause(ctx)
	case relayErr != nil:
		outcome = outcomeMidStream
		s.countUpstreamError(relayErr)
		log.Warn().Err(relayErr).Int("bytes", len(text)).Msg("upstream stream failed")
		s.emitError(emit, relayErr)
		return relayErr
	case text == "":
		outcome = outcomeEmpty
		err := apperr.ErrEmptyResponse
		s.countUpstreamError(err)
		s.emitError(emit, err)
		return err
	}
	log.Debug().Str("finish_reason", finish).Int("bytes", len(text)).Msg("stream completed")
	return nil
}

func (s *Service) emitError(emit Emitter, err error) {
	_ = emit.Emit(StreamError{Message: apperr.PublicMessage(err)})
}
