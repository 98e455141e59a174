package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportchat/internal/apperr"
	"supportchat/internal/metrics"
	"supportchat/internal/providers"
	"supportchat/internal/queue"
	"supportchat/internal/storage"
)

type fakeRelay struct {
	mu         sync.Mutex
	openErr    error
	events     []providers.StreamEvent
	recvErr    error
	block      bool
	completion providers.Completion
	chatErr    error
	requests   []providers.ChatRequest
}

func (f *fakeRelay) record(req providers.ChatRequest) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
}

func (f *fakeRelay) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeRelay) Chat(_ context.Context, req providers.ChatRequest) (providers.Completion, error) {
	f.record(req)
	return f.completion, f.chatErr
}

func (f *fakeRelay) ChatStream(ctx context.Context, req providers.ChatRequest) (providers.Stream, error) {
	f.record(req)
	if f.openErr != nil {
		return nil, f.openErr
	}
	return &fakeStream{ctx: ctx, events: f.events, err: f.recvErr, block: f.block}, nil
}

type fakeStream struct {
	ctx    context.Context
	events []providers.StreamEvent
	err    error
	block  bool
	closed bool
}

func (s *fakeStream) Recv() (providers.StreamEvent, error) {
	if len(s.events) > 0 {
		ev := s.events[0]
		s.events = s.events[1:]
		return ev, nil
	}
	if s.block {
		<-s.ctx.Done()
		return nil, s.ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type recorder struct {
	events []Event
	onEmit func(Event) error
}

func (r *recorder) Emit(ev Event) error {
	r.events = append(r.events, ev)
	if r.onEmit != nil {
		return r.onEmit(ev)
	}
	return nil
}

func (r *recorder) frames() []Frame {
	var out []Frame
	for _, ev := range r.events {
		if f, ok := FrameOf(ev); ok {
			out = append(out, f)
		}
	}
	return out
}

// failingStore fails assistant appends while fail is set.
type failingStore struct {
	*storage.Store
	fail bool
}

func (s *failingStore) AppendMessage(ctx context.Context, m storage.Message) (storage.Message, error) {
	if s.fail && m.Role == providers.RoleAssistant {
		return storage.Message{}, fmt.Errorf("%w: disk full", apperr.ErrPersistence)
	}
	return s.Store.AppendMessage(ctx, m)
}

type fakeOutbox struct {
	jobs []queue.SaveJob
}

func (o *fakeOutbox) Enqueue(_ context.Context, job queue.SaveJob) (string, error) {
	o.jobs = append(o.jobs, job)
	return fmt.Sprintf("%d-0", len(o.jobs)), nil
}

type busyLocker struct{}

func (busyLocker) Acquire(context.Context, string) (func(context.Context) error, error) {
	return nil, fmt.Errorf("%w: held", apperr.ErrConflict)
}

type fixture struct {
	store  *storage.Store
	relay  *fakeRelay
	outbox *fakeOutbox
	svc    *Service
}

func newFixture(t *testing.T, relay *fakeRelay, opts ...func(*Config)) *fixture {
	t.Helper()
	store, err := storage.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "chat.db"), true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	f := &fixture{store: store, relay: relay, outbox: &fakeOutbox{}}
	cfg := Config{
		Store:        store,
		Relay:        relay,
		Outbox:       f.outbox,
		Logger:       zerolog.Nop(),
		Metrics:      metrics.New(),
		DefaultModel: "gpt-4o-mini",
		Models:       []string{"gpt-4o-mini", "gpt-4o"},
		Temperature:  0.7,
		MaxTokens:    256,
	}
	for _, o := range opts {
		o(&cfg)
	}
	f.svc, err = NewService(cfg)
	require.NoError(t, err)
	return f
}

func (f *fixture) messages(t *testing.T, convID string) []storage.Message {
	t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), convID)
	require.NoError(t, err)
	return msgs
}

func deltas(parts ...string) []providers.StreamEvent {
	out := make([]providers.StreamEvent, 0, len(parts))
	for _, p := range parts {
		out = append(out, providers.TextDelta{Text: p})
	}
	return out
}

func readyID(t *testing.T, r *recorder) string {
	t.Helper()
	require.NotEmpty(t, r.events)
	ready, ok := r.events[0].(ConversationReady)
	require.True(t, ok, "first event is %T", r.events[0])
	return ready.ConversationID
}

func TestStreamHelloEndToEnd(t *testing.T) {
	relay := &fakeRelay{events: append(deltas("Hi", " there"), providers.Finished{Reason: "stop"})}
	f := newFixture(t, relay)
	rec := &recorder{}

	err := f.svc.Stream(context.Background(), SendRequest{OwnerID: "u1", Message: "Hello"}, rec)
	require.NoError(t, err)

	convID := readyID(t, rec)
	assert.Equal(t, []Frame{
		{Type: FrameConversation, ConversationID: convID, Model: "gpt-4o-mini"},
		{Type: FrameContent, Content: "Hi"},
		{Type: FrameContent, Content: " there"},
	}, rec.frames())
	assert.Equal(t, StreamEnd{}, rec.events[len(rec.events)-1])

	msgs := f.messages(t, convID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, "Hi there", msgs[1].Content)

	require.Len(t, relay.requests, 1)
	assert.Equal(t, []providers.Message{{Role: "user", Content: "Hello"}}, relay.requests[0].Messages)
	assert.Equal(t, 256, relay.requests[0].MaxTokens)

	conv, err := f.store.GetConversation(context.Background(), "u1", convID)
	require.NoError(t, err)
	assert.Equal(t, "Hello", conv.Title)
}

func TestStreamRateLimitedBeforeFirstChunk(t *testing.T) {
	relay := &fakeRelay{openErr: apperr.FromStatus(429, "slow down")}
	f := newFixture(t, relay)
	rec := &recorder{}

	err := f.svc.Stream(context.Background(), SendRequest{OwnerID: "u1", Message: "Hello"}, rec)
	require.ErrorIs(t, err, apperr.ErrRateLimit)

	frames := rec.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, FrameError, frames[0].Type)
	assert.Contains(t, frames[0].Error, "rate limited")

	convs, err := f.store.ListConversations(context.Background(), "u1", 10, 0)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs := f.messages(t, convs[0].ID)
	require.Len(t, msgs, 1)
	assert.Equal(t, "user", msgs[0].Role)
}

func TestStreamMidStreamFailurePersistsPartial(t *testing.T) {
	relay := &fakeRelay{
		events:  deltas("Your ", "refund ", "is"),
		recvErr: &apperr.UpstreamError{Kind: apperr.ErrUpstreamUnavailable, Detail: "overloaded"},
	}
	f := newFixture(t, relay)
	rec := &recorder{}

	err := f.svc.Stream(context.Background(), SendRequest{OwnerID: "u1", Message: "Refund?"}, rec)
	require.ErrorIs(t, err, apperr.ErrUpstreamUnavailable)

	frames := rec.frames()
	require.Len(t, frames, 5)
	assert.Equal(t, FrameError, frames[4].Type)
	assert.Equal(t, StreamEnd{}, rec.events[len(rec.events)-1])

	msgs := f.messages(t, readyID(t, rec))
	require.Len(t, msgs, 2)
	assert.Equal(t, "Your refund is", msgs[1].Content)
}

func TestStreamFailureWithoutContentSavesNothing(t *testing.T) {
	relay := &fakeRelay{recvErr: &apperr.UpstreamError{Kind: apperr.ErrTimeout}}
	f := newFixture(t, relay)
	rec := &recorder{}

	err := f.svc.Stream(context.Background(), SendRequest{OwnerID: "u1", Message: "Hello"}, rec)
	require.ErrorIs(t, err, apperr.ErrTimeout)

	msgs := f.messages(t, readyID(t, rec))
	require.Len(t, msgs, 1)
	frames := rec.frames()
	assert.Equal(t, FrameError, frames[len(frames)-1].Type)
}

func TestStreamEmptySuccessReportsEmptyAnswer(t *testing.T) {
	relay := &fakeRelay{events: []providers.StreamEvent{providers.Finished{Reason: "stop"}}}
	f := newFixture(t, relay)
	rec := &recorder{}

	err := f.svc.Stream(context.Background(), SendRequest{OwnerID: "u1", Message: "Hello"}, rec)
	require.ErrorIs(t, err, apperr.ErrEmptyResponse)

	frames := rec.frames()
	assert.Equal(t, FrameError, frames[len(frames)-1].Type)
	assert.Len(t, f.messages(t, readyID(t, rec)), 1)
}

func TestStreamCreatesConversationUnderClientID(t *testing.T) {
	relay := &fakeRelay{events: deltas("ok")}
	f := newFixture(t, relay)
	const id = "conv_1770976800000_0123456789ab"

	for i := 0; i < 2; i++ {
		rec := &recorder{}
		require.NoError(t, f.svc.Stream(context.Background(), SendRequest{OwnerID: "u1", ConversationID: id, Message: "hi"}, rec))
		assert.Equal(t, id, readyID(t, rec))
	}

	convs, err := f.store.ListConversations(context.Background(), "u1", 10, 0)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, id, convs[0].ID)
	assert.Len(t, f.messages(t, id), 4)

	// The second turn carries the whole history upstream.
	require.Len(t, relay.requests, 2)
	assert.Len(t, relay.requests[1].Messages, 3)
}

func TestStreamRejectsMalformedIDBeforeStore(t *testing.T) {
	relay := &fakeRelay{events: deltas("x")}
	f := newFixture(t, relay)
	rec := &recorder{}

	err := f.svc.Stream(context.Background(), SendRequest{OwnerID: "u1", ConversationID: "conv_nope", Message: "hi"}, rec)
	require.ErrorIs(t, err, apperr.ErrInvalidID)

	frames := rec.frames()
	require.Len(t, frames, 1)
	assert.Equal(t, "invalid conversation id", frames[0].Error)
	assert.Zero(t, relay.calls())

	convs, err := f.store.ListConversations(context.Background(), "u1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestStreamSurfacesMessageLimit(t *testing.T) {
	relay := &fakeRelay{events: deltas("x")}
	f := newFixture(t, relay)
	ctx := context.Background()
	const id = "conv_1770976800000_0123456789ab"

	_, err := f.store.CreateConversation(ctx, storage.Conversation{ID: id, OwnerID: "u1", Model: "gpt-4o-mini"})
	require.NoError(t, err)
	for i := 0; i < storage.MaxMessages; i++ {
		_, err := f.store.AppendMessage(ctx, storage.Message{
			ID: fmt.Sprintf("msg_%d_%012x", 1770976800000+i, i), ConversationID: id, Role: "user", Content: "x",
		})
		require.NoError(t, err)
	}

	rec := &recorder{}
	err = f.svc.Stream(ctx, SendRequest{OwnerID: "u1", ConversationID: id, Message: "one more"}, rec)
	require.ErrorIs(t, err, apperr.ErrMessageLimit)
	frames := rec.frames()
	require.Len(t, frames, 1)
	assert.Contains(t, frames[0].Error, "message limit")
	assert.Zero(t, relay.calls())
	assert.Len(t, f.messages(t, id), storage.MaxMessages)
}

func TestStreamClientDisconnectPersistsPartial(t *testing.T) {
	relay := &fakeRelay{events: deltas("Hi", " the"), block: true}
	f := newFixture(t, relay)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	seen := 0
	rec := &recorder{onEmit: func(ev Event) error {
		if _, ok := ev.(ContentDelta); ok {
			seen++
			if seen == 2 {
				cancel()
			}
		}
		return nil
	}}

	err := f.svc.Stream(ctx, SendRequest{OwnerID: "u1", Message: "Hello"}, rec)
	require.ErrorIs(t, err, context.Canceled)

	for _, fr := range rec.frames() {
		assert.NotEqual(t, FrameError, fr.Type, "no error frame is sent to a gone client")
	}
	msgs := f.messages(t, readyID(t, rec))
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi the", msgs[1].Content)
}

func TestStreamEmitFailureStopsForwarding(t *testing.T) {
	relay := &fakeRelay{events: deltas("a", "b", "c")}
	f := newFixture(t, relay)
	rec := &recorder{onEmit: func(ev Event) error {
		if d, ok := ev.(ContentDelta); ok && d.Text == "b" {
			return errors.New("broken pipe")
		}
		return nil
	}}

	_ = f.svc.Stream(context.Background(), SendRequest{OwnerID: "u1", Message: "Hello"}, rec)

	var content []string
	for _, fr := range rec.frames() {
		if fr.Type == FrameContent {
			content = append(content, fr.Content)
		}
	}
	assert.Equal(t, []string{"a", "b"}, content)
	msgs := f.messages(t, readyID(t, rec))
	require.Len(t, msgs, 2)
	assert.Equal(t, "ab", msgs[1].Content)
}

func TestStreamPersistenceFailureIsQueued(t *testing.T) {
	relay := &fakeRelay{events: deltas("Hi", " there")}
	f := newFixture(t, relay)
	fs := &failingStore{Store: f.store, fail: true}
	svc, err := NewService(Config{
		Store: fs, Relay: relay, Outbox: f.outbox, Logger: zerolog.Nop(), Metrics: metrics.New(), DefaultModel: "gpt-4o-mini",
	})
	require.NoError(t, err)
	rec := &recorder{}

	require.NoError(t, svc.Stream(context.Background(), SendRequest{OwnerID: "u1", Message: "Hello"}, rec))

	for _, fr := range rec.frames() {
		assert.NotEqual(t, FrameError, fr.Type)
	}
	convID := readyID(t, rec)
	assert.Len(t, f.messages(t, convID), 1)

	require.Len(t, f.outbox.jobs, 1)
	job := f.outbox.jobs[0]
	assert.Equal(t, convID, job.ConversationID)
	assert.Equal(t, "Hi there", job.Content)
	assert.Equal(t, "assistant", job.Role)
	assert.True(t, strings.HasPrefix(job.MessageID, "msg_"))

	// Replaying the job lands the message exactly once.
	for i := 0; i < 2; i++ {
		_, err := f.store.AppendMessage(context.Background(), storage.Message{
			ID: job.MessageID, ConversationID: job.ConversationID, Role: job.Role, Content: job.Content,
		})
		require.NoError(t, err)
	}
	assert.Len(t, f.messages(t, convID), 2)
}

func TestStreamLockConflict(t *testing.T) {
	relay := &fakeRelay{events: deltas("x")}
	f := newFixture(t, relay, func(c *Config) { c.Locker = busyLocker{} })
	rec := &recorder{}

	err := f.svc.Stream(context.Background(), SendRequest{OwnerID: "u1", Message: "hi"}, rec)
	require.ErrorIs(t, err, apperr.ErrConflict)
	require.Len(t, rec.frames(), 1)
	assert.Zero(t, relay.calls())
}

func TestStreamTruncatesLongAnswer(t *testing.T) {
	relay := &fakeRelay{events: deltas(strings.Repeat("a", MaxContentRunes), "overflow")}
	f := newFixture(t, relay)
	rec := &recorder{}

	require.NoError(t, f.svc.Stream(context.Background(), SendRequest{OwnerID: "u1", Message: "long"}, rec))
	msgs := f.messages(t, readyID(t, rec))
	require.Len(t, msgs, 2)
	assert.Len(t, msgs[1].Content, MaxContentRunes)
}

func TestSendRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, &fakeRelay{})
	ctx := context.Background()

	_, err := f.svc.Send(ctx, SendRequest{OwnerID: "u1", Message: "   "})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = f.svc.Send(ctx, SendRequest{OwnerID: "u1", Message: strings.Repeat("x", MaxContentRunes+1)})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = f.svc.Send(ctx, SendRequest{OwnerID: "u1", Message: "hi", Model: "not-a-model"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestSendReturnsAnswerAndUsage(t *testing.T) {
	relay := &fakeRelay{completion: providers.Completion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Role: "assistant", Content: "Hi there"}}},
		Usage:   &openai.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}}
	f := newFixture(t, relay)

	res, err := f.svc.Send(context.Background(), SendRequest{OwnerID: "u1", Message: "Hello", Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", res.Message.Content)
	assert.Equal(t, "gpt-4o", res.Model)
	require.NotNil(t, res.Usage)
	assert.Equal(t, 5, res.Usage.TotalTokens)
	assert.Equal(t, "gpt-4o", relay.requests[0].Model)

	msgs := f.messages(t, res.ConversationID)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi there", msgs[1].Content)
}

func TestSendUnknownConversationFailsClosed(t *testing.T) {
	relay := &fakeRelay{}
	f := newFixture(t, relay)

	_, err := f.svc.Send(context.Background(), SendRequest{OwnerID: "u1", ConversationID: "conv_1770976800000_0123456789ab", Message: "hi"})
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Zero(t, relay.calls())

	convs, err := f.store.ListConversations(context.Background(), "u1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestSendRelayFailureAppendsNoAssistant(t *testing.T) {
	relay := &fakeRelay{chatErr: apperr.FromStatus(401, "bad key")}
	f := newFixture(t, relay)
	ctx := context.Background()

	conv, err := f.svc.CreateConversation(ctx, CreateRequest{OwnerID: "u1"})
	require.NoError(t, err)

	_, err = f.svc.Send(ctx, SendRequest{OwnerID: "u1", ConversationID: conv.ID, Message: "hi"})
	require.ErrorIs(t, err, apperr.ErrAuth)
	assert.Equal(t, "the assistant is temporarily unavailable", apperr.PublicMessage(err))
	assert.Len(t, f.messages(t, conv.ID), 1)
}

func TestSendEmptyCompletion(t *testing.T) {
	relay := &fakeRelay{completion: providers.Completion{}}
	f := newFixture(t, relay)

	_, err := f.svc.Send(context.Background(), SendRequest{OwnerID: "u1", Message: "hi"})
	require.ErrorIs(t, err, apperr.ErrEmptyResponse)
}
