// Package chat holds the streaming session orchestrator and the
// conversation operations built around it.
package chat

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"supportchat/internal/apperr"
	"supportchat/internal/ids"
	"supportchat/internal/metrics"
	"supportchat/internal/providers"
	"supportchat/internal/queue"
	"supportchat/internal/storage"
)

// MaxContentRunes bounds a single message. Longer user input is rejected;
// longer assistant answers are truncated before they are saved.
const MaxContentRunes = 32000

const defaultSaveTimeout = 10 * time.Second

type Store interface {
	CreateConversation(ctx context.Context, c storage.Conversation) (storage.Conversation, error)
	GetConversation(ctx context.Context, ownerID, id string) (storage.Conversation, error)
	ListConversations(ctx context.Context, ownerID string, limit, offset int) ([]storage.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]storage.Message, error)
	AppendMessage(ctx context.Context, m storage.Message) (storage.Message, error)
	RenameConversation(ctx context.Context, ownerID, id, title string) (storage.Conversation, error)
	SetConversationModel(ctx context.Context, ownerID, id, model string) (storage.Conversation, error)
	ClearMessages(ctx context.Context, ownerID, id string) error
	DeleteConversation(ctx context.Context, ownerID, id string) error
}

// Locker serializes sends against one conversation.
type Locker interface {
	Acquire(ctx context.Context, conversationID string) (func(context.Context) error, error)
}

// SaveQueue takes assistant messages whose inline save failed.
type SaveQueue interface {
	Enqueue(ctx context.Context, job queue.SaveJob) (string, error)
}

type Config struct {
	Store        Store
	Relay        providers.Provider
	Locker       Locker
	Outbox       SaveQueue
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
	DefaultModel string
	Models       []string
	Temperature  float64
	MaxTokens    int
	SaveTimeout  time.Duration
	Now          func() time.Time
}

type Service struct {
	store        Store
	relay        providers.Provider
	locker       Locker
	outbox       SaveQueue
	logger       zerolog.Logger
	metrics      *metrics.Metrics
	defaultModel string
	models       []string
	temperature  float64
	maxTokens    int
	saveTimeout  time.Duration
	now          func() time.Time
}

func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("chat: store is required")
	}
	if cfg.Relay == nil {
		return nil, errors.New("chat: relay is required")
	}
	if strings.TrimSpace(cfg.DefaultModel) == "" {
		return nil, errors.New("chat: default model is required")
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.SaveTimeout <= 0 {
		cfg.SaveTimeout = defaultSaveTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Service{
		store:        cfg.Store,
		relay:        cfg.Relay,
		locker:       cfg.Locker,
		outbox:       cfg.Outbox,
		logger:       cfg.Logger.With().Str("component", "chat").Logger(),
		metrics:      m,
		defaultModel: cfg.DefaultModel,
		models:       slices.Clone(cfg.Models),
		temperature:  cfg.Temperature,
		maxTokens:    cfg.MaxTokens,
		saveTimeout:  cfg.SaveTimeout,
		now:          cfg.Now,
	}, nil
}

// Models lists the models a request may select.
func (s *Service) Models() []string {
	if len(s.models) == 0 {
		return []string{s.defaultModel}
	}
	return slices.Clone(s.models)
}

func (s *Service) allowed(model string) bool {
	if len(s.models) == 0 {
		return model == s.defaultModel
	}
	return slices.Contains(s.models, model)
}

// SendRequest is one user turn. ConversationID may be empty to start a new
// conversation.
type SendRequest struct {
	OwnerID        string
	ConversationID string
	Message        string
	Model          string
}

func (r SendRequest) validate() error {
	if strings.TrimSpace(r.OwnerID) == "" {
		return apperr.Invalid("owner is required")
	}
	if strings.TrimSpace(r.Message) == "" {
		return apperr.Invalid("message is required")
	}
	if n := utf8.RuneCountInString(r.Message); n > MaxContentRunes {
		return apperr.Invalid("message is %d characters long, the limit is %d", n, MaxContentRunes)
	}
	if r.ConversationID != "" {
		if err := ids.ValidateConversationID(r.ConversationID); err != nil {
			return err
		}
	}
	return nil
}

// turn is a resolved conversation with the user message already saved and
// the lock, if any, held until release.
type turn struct {
	conv    storage.Conversation
	created bool
	model   string
	request providers.ChatRequest
	release func()
}

// begin runs the steps shared by both send paths: validate, lock, resolve the
// conversation, append the user message and project the history. In stream
// mode a well-formed but unknown conversation id is created under that id.
func (s *Service) begin(ctx context.Context, req SendRequest, streamMode bool) (*turn, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Model != "" && !s.allowed(req.Model) {
		return nil, apperr.Invalid("model %q is not available", req.Model)
	}

	convID := req.ConversationID
	if convID == "" {
		convID = ids.NewConversationID(s.now())
	}

	release := func() {}
	if s.locker != nil {
		unlock, err := s.locker.Acquire(ctx, convID)
		if err != nil {
			return nil, err
		}
		release = func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.saveTimeout)
			defer cancel()
			if err := unlock(ctx); err != nil {
				s.logger.Warn().Err(err).Str("conversation_id", convID).Msg("failed to release conversation lock")
			}
		}
	}

	t, err := s.resolve(ctx, req, convID, streamMode)
	if err != nil {
		release()
		return nil, err
	}
	t.release = release
	return t, nil
}

func (s *Service) resolve(ctx context.Context, req SendRequest, convID string, streamMode bool) (*turn, error) {
	t := &turn{}

	conv, err := s.store.GetConversation(ctx, req.OwnerID, convID)
	switch {
	case err == nil:
		t.conv = conv
	case errors.Is(err, apperr.ErrNotFound) && (req.ConversationID == "" || streamMode):
		model := req.Model
		if model == "" {
			model = s.defaultModel
		}
		now := s.now()
		conv, err = s.store.CreateConversation(ctx, storage.Conversation{
			ID:        convID,
			OwnerID:   req.OwnerID,
			Title:     TitleFrom(req.Message),
			Model:     model,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return nil, fmt.Errorf("create conversation: %w", err)
		}
		t.conv = conv
		t.created = true
	default:
		return nil, err
	}

	t.model = t.conv.Model
	if req.Model != "" && req.Model != t.conv.Model {
		if _, err := s.store.SetConversationModel(ctx, req.OwnerID, t.conv.ID, req.Model); err != nil {
			return nil, fmt.Errorf("set conversation model: %w", err)
		}
		t.model = req.Model
	}
	if !s.allowed(t.model) {
		t.model = s.defaultModel
	}

	if _, err := s.store.AppendMessage(ctx, storage.Message{
		ID:             ids.NewMessageID(s.now()),
		ConversationID: t.conv.ID,
		Role:           providers.RoleUser,
		Content:        req.Message,
		CreatedAt:      s.now(),
	}); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	history, err := s.store.ListMessages(ctx, t.conv.ID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	msgs := make([]providers.Message, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, providers.Message{Role: m.Role, Content: m.Content})
	}
	t.request = providers.ChatRequest{
		Model:       t.model,
		Messages:    msgs,
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
	}
	return t, nil
}

// saveAssistant appends the answer under a fresh message id. It runs on a
// context detached from the request so a disconnect does not abort it. A
// failed save is handed to the outbox worker when one is configured; only a
// save that is neither stored nor queued returns an error.
func (s *Service) saveAssistant(ctx context.Context, t *turn, text string, usage *providers.Usage) (storage.Message, error) {
	if utf8.RuneCountInString(text) > MaxContentRunes {
		text = string([]rune(text)[:MaxContentRunes])
	}
	now := s.now()
	msg := storage.Message{
		ID:             ids.NewMessageID(now),
		ConversationID: t.conv.ID,
		Role:           providers.RoleAssistant,
		Content:        text,
		CreatedAt:      now,
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.saveTimeout)
	defer cancel()

	log := s.logger.With().Str("conversation_id", t.conv.ID).Str("message_id", msg.ID).Logger()
	saved, err := s.store.AppendMessage(saveCtx, msg)
	if err == nil {
		ev := log.Debug().Int("chars", utf8.RuneCountInString(text))
		if usage != nil {
			ev = ev.Int("prompt_tokens", usage.PromptTokens).Int("completion_tokens", usage.CompletionTokens).Int("total_tokens", usage.TotalTokens)
		}
		ev.Msg("assistant message saved")
		return saved, nil
	}

	s.metrics.PersistFailures.Inc()
	log.Error().Err(err).Msg("failed to save assistant message")

	if s.outbox == nil || errors.Is(err, apperr.ErrMessageLimit) || errors.Is(err, apperr.ErrNotFound) {
		return msg, err
	}
	if _, qerr := s.outbox.Enqueue(saveCtx, queue.SaveJob{
		ConversationID: t.conv.ID,
		OwnerID:        t.conv.OwnerID,
		MessageID:      msg.ID,
		Role:           msg.Role,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
		LastError:      err.Error(),
	}); qerr != nil {
		log.Error().Err(qerr).Msg("failed to enqueue assistant message for retry")
		return msg, err
	}
	s.metrics.OutboxEnqueued.Inc()
	log.Warn().Msg("assistant message queued for retry")
	return msg, nil
}

func (s *Service) countUpstreamError(err error) {
	kind := "relay"
	switch {
	case errors.Is(err, apperr.ErrAuth):
		kind = "auth"
	case errors.Is(err, apperr.ErrRateLimit):
		kind = "rate_limit"
	case errors.Is(err, apperr.ErrUpstreamUnavailable):
		kind = "unavailable"
	case errors.Is(err, apperr.ErrTimeout):
		kind = "timeout"
	case errors.Is(err, apperr.ErrDecode):
		kind = "decode"
	case errors.Is(err, apperr.ErrEmptyResponse):
		kind = "empty"
	}
	s.metrics.UpstreamErrors.WithLabelValues(kind).Inc()
}
