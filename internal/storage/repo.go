package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"supportchat/internal/apperr"
)

var conversationColumns = []string{"id", "owner_id", "title", "model", "created_at", "updated_at"}

// CreateConversation inserts c unless a conversation with the same id exists,
// and returns the stored row. A conversation owned by someone else is
// reported as not found.
func (s *Store) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	q := s.sql.Insert("conversations").
		Columns(conversationColumns...).
		Values(c.ID, c.OwnerID, c.Title, c.Model, toMillis(c.CreatedAt), toMillis(c.UpdatedAt)).
		Suffix("ON CONFLICT(id) DO NOTHING")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build create conversation query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Conversation{}, fmt.Errorf("%w: create conversation: %w", apperr.ErrPersistence, err)
	}
	return s.GetConversation(ctx, c.OwnerID, c.ID)
}

func (s *Store) GetConversation(ctx context.Context, ownerID, id string) (Conversation, error) {
	q := s.sql.Select(conversationColumns...).
		From("conversations").
		Where(sq.Eq{"id": id, "owner_id": ownerID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build get conversation query: %w", err)
	}
	c, err := scanConversation(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, apperr.ErrNotFound
		}
		return Conversation{}, fmt.Errorf("%w: get conversation: %w", apperr.ErrPersistence, err)
	}
	return c, nil
}

// ListConversations returns the owner's conversations, most recently
// updated first.
func (s *Store) ListConversations(ctx context.Context, ownerID string, limit, offset int) ([]Conversation, error) {
	if limit <= 0 || limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	q := s.sql.Select(conversationColumns...).
		From("conversations").
		Where(sq.Eq{"owner_id": ownerID}).
		OrderBy("updated_at DESC", "id DESC").
		Limit(uint64(limit)).
		Offset(uint64(offset))
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list conversations query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list conversations: %w", apperr.ErrPersistence, err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan conversation: %w", apperr.ErrPersistence, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate conversations: %w", apperr.ErrPersistence, err)
	}
	return out, nil
}

// ListMessages returns the conversation's messages in append order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	q := s.sql.Select("id", "conversation_id", "seq", "role", "content", "encrypted", "created_at").
		From("messages").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("seq ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: list messages: %w", apperr.ErrPersistence, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m         Message
			encrypted bool
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &m.Content, &encrypted, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan message: %w", apperr.ErrPersistence, err)
		}
		m.CreatedAt = fromMillis(createdAt)
		if encrypted {
			if s.cipher == nil {
				return nil, fmt.Errorf("%w: message %s is encrypted but no content keys are configured", apperr.ErrPersistence, m.ID)
			}
			plain, err := s.cipher.Open(m.ID, m.Content)
			if err != nil {
				return nil, fmt.Errorf("%w: open message %s: %w", apperr.ErrPersistence, m.ID, err)
			}
			m.Content = plain
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate messages: %w", apperr.ErrPersistence, err)
	}
	return out, nil
}

// AppendMessage adds m at the end of its conversation. Appending a message id
// that is already stored is a no-op that returns the stored row, so a retried
// save never duplicates. A conversation that already holds MaxMessages
// messages rejects the append with apperr.ErrMessageLimit.
func (s *Store) AppendMessage(ctx context.Context, m Message) (Message, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, fmt.Errorf("%w: begin append: %w", apperr.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the conversation row so concurrent appends get distinct seq values.
	convQ := s.sql.Select("updated_at").From("conversations").Where(sq.Eq{"id": m.ConversationID})
	if s.driver == DriverPostgres {
		convQ = convQ.Suffix("FOR UPDATE")
	}
	sqlStr, args, err := convQ.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build conversation lock query: %w", err)
	}
	var prevUpdated int64
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&prevUpdated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, apperr.ErrNotFound
		}
		return Message{}, fmt.Errorf("%w: load conversation: %w", apperr.ErrPersistence, err)
	}

	existing, found, err := s.messageByID(ctx, tx, m.ID)
	if err != nil {
		return Message{}, err
	}
	if found {
		if existing.ConversationID != m.ConversationID {
			return Message{}, fmt.Errorf("%w: message id %s belongs to another conversation", apperr.ErrConflict, m.ID)
		}
		existing.Content = m.Content
		return existing, nil
	}

	countQ := s.sql.Select("COUNT(*)", "COALESCE(MAX(seq), 0)").From("messages").Where(sq.Eq{"conversation_id": m.ConversationID})
	sqlStr, args, err = countQ.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build message count query: %w", err)
	}
	var count, maxSeq int
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&count, &maxSeq); err != nil {
		return Message{}, fmt.Errorf("%w: count messages: %w", apperr.ErrPersistence, err)
	}
	if count >= MaxMessages {
		return Message{}, fmt.Errorf("%w: conversation %s holds %d messages", apperr.ErrMessageLimit, m.ConversationID, count)
	}
	m.Seq = maxSeq + 1

	content := m.Content
	encrypted := false
	if s.cipher != nil {
		content, err = s.cipher.Seal(m.ID, m.Content)
		if err != nil {
			return Message{}, fmt.Errorf("%w: seal message: %w", apperr.ErrPersistence, err)
		}
		encrypted = true
	}

	insQ := s.sql.Insert("messages").
		Columns("id", "conversation_id", "seq", "role", "content", "encrypted", "created_at").
		Values(m.ID, m.ConversationID, m.Seq, m.Role, content, encrypted, toMillis(m.CreatedAt))
	sqlStr, args, err = insQ.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build insert message query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return Message{}, fmt.Errorf("%w: insert message: %w", apperr.ErrPersistence, err)
	}

	if err := s.touchConversation(ctx, tx, m.ConversationID, prevUpdated); err != nil {
		return Message{}, err
	}

	if err := tx.Commit(); err != nil {
		return Message{}, fmt.Errorf("%w: commit append: %w", apperr.ErrPersistence, err)
	}
	return m, nil
}

func (s *Store) messageByID(ctx context.Context, tx *sql.Tx, id string) (Message, bool, error) {
	q := s.sql.Select("id", "conversation_id", "seq", "role", "created_at").From("messages").Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Message{}, false, fmt.Errorf("build message lookup query: %w", err)
	}
	var (
		m         Message
		createdAt int64
	)
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&m.ID, &m.ConversationID, &m.Seq, &m.Role, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, false, nil
		}
		return Message{}, false, fmt.Errorf("%w: lookup message: %w", apperr.ErrPersistence, err)
	}
	m.CreatedAt = fromMillis(createdAt)
	return m, true, nil
}

// touchConversation advances updated_at strictly past its previous value,
// even when two writes land in the same millisecond.
func (s *Store) touchConversation(ctx context.Context, tx *sql.Tx, id string, prev int64) error {
	next := toMillis(s.now())
	if next <= prev {
		next = prev + 1
	}
	q := s.sql.Update("conversations").Set("updated_at", next).Where(sq.Eq{"id": id})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build touch conversation query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("%w: touch conversation: %w", apperr.ErrPersistence, err)
	}
	return nil
}

func (s *Store) RenameConversation(ctx context.Context, ownerID, id, title string) (Conversation, error) {
	return s.updateConversation(ctx, ownerID, id, "rename", func(b sq.UpdateBuilder) sq.UpdateBuilder {
		return b.Set("title", strings.TrimSpace(title))
	})
}

func (s *Store) SetConversationModel(ctx context.Context, ownerID, id, model string) (Conversation, error) {
	return s.updateConversation(ctx, ownerID, id, "set model", func(b sq.UpdateBuilder) sq.UpdateBuilder {
		return b.Set("model", model)
	})
}

func (s *Store) updateConversation(ctx context.Context, ownerID, id, op string, set func(sq.UpdateBuilder) sq.UpdateBuilder) (Conversation, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Conversation{}, fmt.Errorf("%w: begin %s: %w", apperr.ErrPersistence, op, err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := s.ownedUpdatedAt(ctx, tx, ownerID, id)
	if err != nil {
		return Conversation{}, err
	}
	next := toMillis(s.now())
	if next <= prev {
		next = prev + 1
	}
	q := set(s.sql.Update("conversations")).Set("updated_at", next).Where(sq.Eq{"id": id, "owner_id": ownerID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build %s query: %w", op, err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return Conversation{}, fmt.Errorf("%w: %s: %w", apperr.ErrPersistence, op, err)
	}
	if err := tx.Commit(); err != nil {
		return Conversation{}, fmt.Errorf("%w: commit %s: %w", apperr.ErrPersistence, op, err)
	}
	return s.GetConversation(ctx, ownerID, id)
}

// ClearMessages discards every message of the conversation. The
// conversation itself stays.
func (s *Store) ClearMessages(ctx context.Context, ownerID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin clear: %w", apperr.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := s.ownedUpdatedAt(ctx, tx, ownerID, id)
	if err != nil {
		return err
	}
	if err := s.deleteMessages(ctx, tx, id); err != nil {
		return err
	}
	if err := s.touchConversation(ctx, tx, id, prev); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit clear: %w", apperr.ErrPersistence, err)
	}
	return nil
}

func (s *Store) DeleteConversation(ctx context.Context, ownerID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin delete: %w", apperr.ErrPersistence, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := s.ownedUpdatedAt(ctx, tx, ownerID, id); err != nil {
		return err
	}
	if err := s.deleteMessages(ctx, tx, id); err != nil {
		return err
	}
	q := s.sql.Delete("conversations").Where(sq.Eq{"id": id, "owner_id": ownerID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete conversation query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("%w: delete conversation: %w", apperr.ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit delete: %w", apperr.ErrPersistence, err)
	}
	return nil
}

func (s *Store) ownedUpdatedAt(ctx context.Context, tx *sql.Tx, ownerID, id string) (int64, error) {
	q := s.sql.Select("updated_at").From("conversations").Where(sq.Eq{"id": id, "owner_id": ownerID})
	if s.driver == DriverPostgres {
		q = q.Suffix("FOR UPDATE")
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build ownership query: %w", err)
	}
	var updated int64
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, apperr.ErrNotFound
		}
		return 0, fmt.Errorf("%w: load conversation: %w", apperr.ErrPersistence, err)
	}
	return updated, nil
}

func (s *Store) deleteMessages(ctx context.Context, tx *sql.Tx, conversationID string) error {
	q := s.sql.Delete("messages").Where(sq.Eq{"conversation_id": conversationID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete messages query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("%w: delete messages: %w", apperr.ErrPersistence, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var (
		c                    Conversation
		createdAt, updatedAt int64
	)
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &c.Model, &createdAt, &updatedAt); err != nil {
		return Conversation{}, err
	}
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return c, nil
}
