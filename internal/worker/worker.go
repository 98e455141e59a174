package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"supportchat/internal/apperr"
	"supportchat/internal/metrics"
	"supportchat/internal/queue"
	"supportchat/internal/storage"
)

// MessageAppender is the slice of the store the worker writes through.
type MessageAppender interface {
	AppendMessage(ctx context.Context, m storage.Message) (storage.Message, error)
}

// Worker replays assistant-message saves that failed inline. Appends are
// keyed by the pre-generated message id, so a replay of a save that did
// land is a no-op.
type Worker struct {
	store         MessageAppender
	outbox        *queue.Outbox
	maxJobRetries int
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Store         MessageAppender
	Outbox        *queue.Outbox
	MaxJobRetries int
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	return &Worker{
		store:         cfg.Store,
		outbox:        cfg.Outbox,
		maxJobRetries: cfg.MaxJobRetries,
		logger:        cfg.Logger.With().Str("component", "outbox_worker").Logger(),
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.outbox.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}
	w.logger.Info().Int("concurrency", concurrency).Str("consumer", w.outbox.Consumer()).Msg("outbox worker started")

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.outbox.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read outbox")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	job := msg.Job
	err := w.processJob(ctx, job)
	if err == nil {
		w.metrics.OutboxProcessed.Inc()
		log.Info().Str("conversation_id", job.ConversationID).Str("message_id", job.MessageID).Int("attempt", job.Attempts).Msg("outbox save applied")
		w.ack(ctx, log, msg.ID)
		return
	}

	w.metrics.OutboxFailed.Inc()
	log.Error().Err(err).Str("job_id", job.JobID).Str("message_id", job.MessageID).Int("attempt", job.Attempts).Msg("outbox save failed")

	if permanent(err) {
		log.Warn().Str("message_id", job.MessageID).Msg("dropping save that can never succeed")
		w.ack(ctx, log, msg.ID)
		return
	}

	if job.Attempts < w.maxJobRetries {
		job.Attempts++
		job.LastError = err.Error()
		if _, enqueueErr := w.outbox.Enqueue(ctx, job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", job.JobID).Msg("failed to re-enqueue failed save")
			return
		}
		w.ack(ctx, log, msg.ID)
		return
	}

	log.Error().Str("conversation_id", job.ConversationID).Str("message_id", job.MessageID).Msg("save retries exhausted, assistant message lost")
	w.ack(ctx, log, msg.ID)
}

func (w *Worker) ack(ctx context.Context, log zerolog.Logger, id string) {
	if err := w.outbox.Ack(ctx, id); err != nil {
		log.Error().Err(err).Str("msg_id", id).Msg("failed to ack outbox message")
	}
}

func (w *Worker) processJob(ctx context.Context, job queue.SaveJob) error {
	_, err := w.store.AppendMessage(ctx, storage.Message{
		ID:             job.MessageID,
		ConversationID: job.ConversationID,
		Role:           job.Role,
		Content:        job.Content,
		CreatedAt:      job.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// permanent reports failures a retry cannot fix: the conversation is gone,
// full, or the id is taken by another conversation.
func permanent(err error) bool {
	return errors.Is(err, apperr.ErrNotFound) ||
		errors.Is(err, apperr.ErrMessageLimit) ||
		errors.Is(err, apperr.ErrConflict)
}
