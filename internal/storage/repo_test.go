package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"supportchat/internal/apperr"
	"supportchat/internal/crypto"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "chat.db")
	s, err := Open(context.Background(), "sqlite", dsn, true)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustCreate(t *testing.T, s *Store, owner, id string) Conversation {
	t.Helper()
	c, err := s.CreateConversation(context.Background(), Conversation{ID: id, OwnerID: owner, Title: "t", Model: "m"})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return c
}

func msgID(n int) string {
	return fmt.Sprintf("msg_%d_%012x", 1770976800000+n, n)
}

func TestCreateConversationIsIdempotentPerOwner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := mustCreate(t, s, "u1", "conv_1_aaaaaaaaaaaa")
	again, err := s.CreateConversation(ctx, Conversation{ID: "conv_1_aaaaaaaaaaaa", OwnerID: "u1", Title: "other", Model: "m2"})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if again.Title != first.Title || again.Model != first.Model {
		t.Fatalf("second create overwrote row: %+v", again)
	}

	if _, err := s.CreateConversation(ctx, Conversation{ID: "conv_1_aaaaaaaaaaaa", OwnerID: "u2", Model: "m"}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found for foreign owner, got %v", err)
	}
}

func TestGetConversationOwnerScoped(t *testing.T) {
	s := openTestStore(t)
	mustCreate(t, s, "u1", "conv_1_aaaaaaaaaaaa")

	if _, err := s.GetConversation(context.Background(), "u2", "conv_1_aaaaaaaaaaaa"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAppendMessageOrderAndUpdatedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	fixed := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	c := mustCreate(t, s, "u1", "conv_1_aaaaaaaaaaaa")
	prev := c.UpdatedAt
	for i, role := range []string{"user", "assistant", "user"} {
		if _, err := s.AppendMessage(ctx, Message{ID: msgID(i), ConversationID: c.ID, Role: role, Content: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		got, err := s.GetConversation(ctx, "u1", c.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !got.UpdatedAt.After(prev) {
			t.Fatalf("updated_at did not advance: %v -> %v", prev, got.UpdatedAt)
		}
		prev = got.UpdatedAt
	}

	msgs, err := s.ListMessages(ctx, c.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != i+1 || m.Content != fmt.Sprintf("m%d", i) {
			t.Fatalf("unexpected message %d: %+v", i, m)
		}
	}
}

func TestAppendMessageSameIDIsNoop(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := mustCreate(t, s, "u1", "conv_1_aaaaaaaaaaaa")

	m := Message{ID: msgID(1), ConversationID: c.ID, Role: "assistant", Content: "Hi there"}
	if _, err := s.AppendMessage(ctx, m); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := s.AppendMessage(ctx, m); err != nil {
		t.Fatalf("re-append: %v", err)
	}
	msgs, err := s.ListMessages(ctx, c.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message after retried append, got %d", len(msgs))
	}
}

func TestAppendMessageLimit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := mustCreate(t, s, "u1", "conv_1_aaaaaaaaaaaa")

	for i := 0; i < MaxMessages; i++ {
		if _, err := s.AppendMessage(ctx, Message{ID: msgID(i), ConversationID: c.ID, Role: "user", Content: "x"}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	_, err := s.AppendMessage(ctx, Message{ID: msgID(MaxMessages), ConversationID: c.ID, Role: "user", Content: "x"})
	if !errors.Is(err, apperr.ErrMessageLimit) {
		t.Fatalf("expected message limit, got %v", err)
	}
}

func TestAppendMessageUnknownConversation(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AppendMessage(context.Background(), Message{ID: msgID(1), ConversationID: "conv_9_aaaaaaaaaaaa", Role: "user", Content: "x"})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestClearRenameDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	c := mustCreate(t, s, "u1", "conv_1_aaaaaaaaaaaa")
	if _, err := s.AppendMessage(ctx, Message{ID: msgID(1), ConversationID: c.ID, Role: "user", Content: "x"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	renamed, err := s.RenameConversation(ctx, "u1", c.ID, "  Refund question ")
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if renamed.Title != "Refund question" {
		t.Fatalf("unexpected title %q", renamed.Title)
	}
	if _, err := s.RenameConversation(ctx, "u2", c.ID, "x"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found renaming foreign conversation, got %v", err)
	}

	if err := s.ClearMessages(ctx, "u1", c.ID); err != nil {
		t.Fatalf("clear: %v", err)
	}
	msgs, err := s.ListMessages(ctx, c.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages after clear, got %d", len(msgs))
	}

	if err := s.DeleteConversation(ctx, "u1", c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetConversation(ctx, "u1", c.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := s.DeleteConversation(ctx, "u1", c.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found deleting twice, got %v", err)
	}
}

func TestListConversationsNewestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Minute)
		if _, err := s.CreateConversation(ctx, Conversation{
			ID: fmt.Sprintf("conv_%d_aaaaaaaaaaaa", i), OwnerID: "u1", Model: "m", CreatedAt: ts, UpdatedAt: ts,
		}); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	mustCreate(t, s, "u2", "conv_9_aaaaaaaaaaaa")

	list, err := s.ListConversations(ctx, "u1", 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "conv_2_aaaaaaaaaaaa" || list[1].ID != "conv_1_aaaaaaaaaaaa" {
		t.Fatalf("unexpected page %+v", list)
	}
}

func TestEncryptedContentRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	m, err := crypto.NewManager("k1", map[string][]byte{"k1": make([]byte, 32)})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	s.SetContentCipher(m)

	c := mustCreate(t, s, "u1", "conv_1_aaaaaaaaaaaa")
	if _, err := s.AppendMessage(ctx, Message{ID: msgID(1), ConversationID: c.ID, Role: "user", Content: "card ends 4242"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	var raw string
	if err := s.DB().QueryRowContext(ctx, "SELECT content FROM messages WHERE id = ?", msgID(1)).Scan(&raw); err != nil {
		t.Fatalf("raw select: %v", err)
	}
	if raw == "card ends 4242" {
		t.Fatalf("content stored in plain text")
	}

	msgs, err := s.ListMessages(ctx, c.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "card ends 4242" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestMigrateIsRepeatable(t *testing.T) {
	s := openTestStore(t)
	applied, err := Migrate(context.Background(), s.DB(), s.Driver())
	if err != nil {
		t.Fatalf("migrate again: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("expected no pending migrations, got %v", applied)
	}
}
