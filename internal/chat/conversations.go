package chat

import (
	"context"
	"strings"
	"unicode/utf8"

	"supportchat/internal/apperr"
	"supportchat/internal/ids"
	"supportchat/internal/storage"
)

type CreateRequest struct {
	OwnerID        string
	ConversationID string
	Title          string
	Model          string
}

// ConversationView is a conversation with its messages in order.
type ConversationView struct {
	storage.Conversation
	Messages []storage.Message
}

func (s *Service) CreateConversation(ctx context.Context, req CreateRequest) (storage.Conversation, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return storage.Conversation{}, apperr.Invalid("owner is required")
	}
	id := req.ConversationID
	if id == "" {
		id = ids.NewConversationID(s.now())
	} else if err := ids.ValidateConversationID(id); err != nil {
		return storage.Conversation{}, err
	}
	model := req.Model
	if model == "" {
		model = s.defaultModel
	} else if !s.allowed(model) {
		return storage.Conversation{}, apperr.Invalid("model %q is not available", model)
	}
	title, err := cleanTitle(req.Title)
	if err != nil {
		return storage.Conversation{}, err
	}
	if title == "" {
		title = DefaultTitle
	}
	now := s.now()
	return s.store.CreateConversation(ctx, storage.Conversation{
		ID:        id,
		OwnerID:   req.OwnerID,
		Title:     title,
		Model:     model,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

func (s *Service) GetConversation(ctx context.Context, ownerID, id string) (ConversationView, error) {
	if err := ids.ValidateConversationID(id); err != nil {
		return ConversationView{}, err
	}
	conv, err := s.store.GetConversation(ctx, ownerID, id)
	if err != nil {
		return ConversationView{}, err
	}
	msgs, err := s.store.ListMessages(ctx, conv.ID)
	if err != nil {
		return ConversationView{}, err
	}
	return ConversationView{Conversation: conv, Messages: msgs}, nil
}

func (s *Service) ListConversations(ctx context.Context, ownerID string, limit, offset int) ([]storage.Conversation, error) {
	if limit < 0 || limit > storage.MaxPageSize {
		return nil, apperr.Invalid("limit must be between 1 and %d", storage.MaxPageSize)
	}
	if offset < 0 {
		return nil, apperr.Invalid("offset must not be negative")
	}
	return s.store.ListConversations(ctx, ownerID, limit, offset)
}

func (s *Service) RenameConversation(ctx context.Context, ownerID, id, title string) (storage.Conversation, error) {
	if err := ids.ValidateConversationID(id); err != nil {
		return storage.Conversation{}, err
	}
	title, err := cleanTitle(title)
	if err != nil {
		return storage.Conversation{}, err
	}
	if title == "" {
		return storage.Conversation{}, apperr.Invalid("title is required")
	}
	return s.store.RenameConversation(ctx, ownerID, id, title)
}

func (s *Service) ClearConversation(ctx context.Context, ownerID, id string) error {
	if err := ids.ValidateConversationID(id); err != nil {
		return err
	}
	return s.withLock(ctx, id, func() error {
		return s.store.ClearMessages(ctx, ownerID, id)
	})
}

func (s *Service) DeleteConversation(ctx context.Context, ownerID, id string) error {
	if err := ids.ValidateConversationID(id); err != nil {
		return err
	}
	return s.withLock(ctx, id, func() error {
		return s.store.DeleteConversation(ctx, ownerID, id)
	})
}

// withLock keeps destructive operations from interleaving with a send in
// flight on the same conversation.
func (s *Service) withLock(ctx context.Context, id string, fn func() error) error {
	if s.locker == nil {
		return fn()
	}
	unlock, err := s.locker.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn().Err(err).Str("conversation_id", id).Msg("failed to release conversation lock")
		}
	}()
	return fn()
}

func cleanTitle(title string) (string, error) {
	title = strings.TrimSpace(title)
	if utf8.RuneCountInString(title) > MaxTitleRunes {
		return "", apperr.Invalid("title must be at most %d characters", MaxTitleRunes)
	}
	return title, nil
}
