package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imadgeboyega/kiekky-sync/internal/api"
	"github.com/imadgeboyega/kiekky-sync/internal/messaging"
	"github.com/imadgeboyega/kiekky-sync/internal/notifications"
	"github.com/imadgeboyega/kiekky-sync/internal/realtime"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeChannel records outbound calls and lets tests inject inbound events
// through the embedded dispatcher.
type fakeChannel struct {
	*realtime.Dispatcher

	mu          sync.Mutex
	connected   bool
	connects    []string
	disconnects int
	ops         []string
	seen        []string
}

func newFakeChannel(t *testing.T) *fakeChannel {
	ch := &fakeChannel{Dispatcher: realtime.NewDispatcher(nil)}
	t.Cleanup(ch.Dispatcher.Close)
	return ch
}

func (f *fakeChannel) Connect(userID, token string) {
	f.mu.Lock()
	f.connected = true
	f.connects = append(f.connects, userID)
	f.mu.Unlock()
	f.EmitConnect()
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	f.connected = false
	f.disconnects++
	f.mu.Unlock()
}

func (f *fakeChannel) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeChannel) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return realtime.ErrNotConnected
	}
	f.ops = append(f.ops, op)
	return nil
}

func (f *fakeChannel) JoinConversation(id string) error  { return f.record("join:" + id) }
func (f *fakeChannel) LeaveConversation(id string) error { return f.record("leave:" + id) }

func (f *fakeChannel) SendMessage(receiverID, content string, _ *string) error {
	return f.record("send:" + receiverID + ":" + content)
}

func (f *fakeChannel) MarkSeen(id string) error {
	if err := f.record("seen:" + id); err != nil {
		return err
	}
	f.mu.Lock()
	f.seen = append(f.seen, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) history() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

type fakeBackend struct {
	mu            sync.Mutex
	conversations []*messaging.Conversation
	pages         map[string]*messaging.MessagePage
	notifications []*notifications.Notification
	markAll       int
	err           error
	fetchErr      error
	markErr       error
}

func (b *fakeBackend) FetchMessages(_ context.Context, id, _ string) (*messaging.MessagePage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	if p, ok := b.pages[id]; ok {
		return p, nil
	}
	return &messaging.MessagePage{}, nil
}

func (b *fakeBackend) ListConversations(context.Context) ([]*messaging.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conversations, b.err
}

func (b *fakeBackend) FindConversationWithUser(context.Context, string) (*messaging.Conversation, error) {
	return nil, nil
}

func (b *fakeBackend) ListNotifications(context.Context) ([]*notifications.Notification, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.notifications, b.err
}

func (b *fakeBackend) MarkAllNotificationsRead(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markAll++
	return b.markErr
}

func (b *fakeBackend) MarkNotificationRead(context.Context, string) error { return nil }

func message(id, conv, sender string, minute int) *messaging.Message {
	return &messaging.Message{
		ID:             id,
		ConversationID: conv,
		SenderID:       sender,
		Content:        "text " + id,
		CreatedAt:      t0.Add(time.Duration(minute) * time.Minute),
	}
}

func preview(id, other string, last *messaging.Message) *messaging.Conversation {
	return &messaging.Conversation{
		ID:           id,
		Participants: []messaging.UserPreview{{ID: "me"}, {ID: other}},
		LastMessage:  last,
		UpdatedAt:    last.CreatedAt,
	}
}

func newBackend() *fakeBackend {
	return &fakeBackend{
		conversations: []*messaging.Conversation{
			preview("A", "ua", message("a1", "A", "ua", 1)),
			preview("B", "ub", message("b1", "B", "ub", 2)),
		},
		pages: map[string]*messaging.MessagePage{
			"B": {Messages: []*messaging.Message{message("b1", "B", "ub", 2)}},
		},
		notifications: []*notifications.Notification{
			{ID: "n1", Type: notifications.TypeLike, Sender: &notifications.Actor{ID: "ua"}, CreatedAt: t0},
		},
	}
}

func TestInitLoadsAndWires(t *testing.T) {
	ch := newFakeChannel(t)
	backend := newBackend()
	var scrolls []string
	var scrollMu sync.Mutex
	s := New(Options{Channel: ch, Backend: backend, OnAutoScroll: func(id string) {
		scrollMu.Lock()
		scrolls = append(scrolls, id)
		scrollMu.Unlock()
	}})
	t.Cleanup(s.Teardown)

	ctx := context.Background()
	require.NoError(t, s.Init(ctx, "me", "tok"))
	assert.Equal(t, 2, s.Chat().Index().Len())
	assert.Equal(t, 1, s.Feed().Len())

	require.NoError(t, s.Open(ctx, "B"))

	// A is not open, B is
	ch.EmitMessage(message("a2", "A", "ua", 3))
	ch.EmitMessage(message("b2", "B", "ub", 4))
	ch.EmitNotification(&notifications.Notification{ID: "n2", Type: notifications.TypeFollow, Sender: &notifications.Actor{ID: "ub"}, CreatedAt: t0})
	ch.Drain()

	a, _ := s.Chat().Index().Get("A")
	b, _ := s.Chat().Index().Get("B")
	assert.True(t, a.Unread)
	assert.Equal(t, "a2", a.LastMessage.ID)
	assert.False(t, b.Unread)
	assert.Equal(t, []string{"b1", "b2"}, ids(s.Chat().Store().Messages()))
	assert.Equal(t, 2, s.Feed().Len())

	scrollMu.Lock()
	assert.Equal(t, []string{"B"}, scrolls)
	scrollMu.Unlock()
}

func TestReceiptsFlowThroughChannel(t *testing.T) {
	ch := newFakeChannel(t)
	s := New(Options{Channel: ch, Backend: newBackend()})
	t.Cleanup(s.Teardown)
	require.NoError(t, s.Init(context.Background(), "me", "tok"))

	tr := s.Receipts()
	require.True(t, tr.Observe(message("b1", "B", "ub", 2)))
	tr.ReportVisibility("b1", 1)
	tr.ReportVisibility("b1", 1)

	ch.mu.Lock()
	assert.Equal(t, []string{"b1"}, ch.seen)
	ch.mu.Unlock()
}

func TestSeenEchoMarksOwnMessage(t *testing.T) {
	ch := newFakeChannel(t)
	s := New(Options{Channel: ch, Backend: newBackend()})
	t.Cleanup(s.Teardown)
	require.NoError(t, s.Init(context.Background(), "me", "tok"))
	require.NoError(t, s.Open(context.Background(), "B"))

	ch.EmitMessage(message("b2", "B", "me", 3))
	ch.EmitMessageSeen("b2")
	ch.Drain()

	msgs := s.Chat().Store().Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, messaging.ReadRead, msgs[1].ReadState())
}

func TestReconnectRejoinsOpenConversation(t *testing.T) {
	ch := newFakeChannel(t)
	s := New(Options{Channel: ch, Backend: newBackend()})
	t.Cleanup(s.Teardown)
	require.NoError(t, s.Init(context.Background(), "me", "tok"))
	ch.Drain()
	require.NoError(t, s.Open(context.Background(), "A"))
	require.NoError(t, s.Open(context.Background(), "B"))

	ch.EmitDisconnect(realtime.ReasonTransportClose)
	ch.EmitConnect()
	ch.Drain()

	assert.Equal(t, []string{"join:A", "leave:A", "join:B", "join:B"}, ch.history())
}

func TestAuthFailureReportedOnce(t *testing.T) {
	ch := newFakeChannel(t)
	var reasons []string
	var mu sync.Mutex
	s := New(Options{Channel: ch, Backend: newBackend(), OnAuthFailure: func(reason string) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	}})
	t.Cleanup(s.Teardown)
	require.NoError(t, s.Init(context.Background(), "me", "tok"))

	ch.EmitError(&realtime.EventError{Message: "rate limited"})
	ch.EmitError(&realtime.EventError{Message: "jwt expired", Auth: true})
	ch.EmitError(&realtime.EventError{Message: "Unauthorized", Auth: true})
	ch.Drain()

	mu.Lock()
	assert.Equal(t, []string{"jwt expired"}, reasons)
	mu.Unlock()
}

func TestInitReportsRESTAuthFailure(t *testing.T) {
	ch := newFakeChannel(t)
	backend := newBackend()
	backend.err = pkgerrors.Wrap(api.ErrUnauthorized, "list_conversations")

	failed := make(chan string, 1)
	s := New(Options{Channel: ch, Backend: backend, OnAuthFailure: func(reason string) { failed <- reason }})
	t.Cleanup(s.Teardown)

	err := s.Init(context.Background(), "me", "tok")
	assert.ErrorIs(t, err, api.ErrUnauthorized)
	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("auth failure hook not called")
	}
}

func TestRESTAuthFailureAfterInit(t *testing.T) {
	ch := newFakeChannel(t)
	backend := newBackend()

	failed := make(chan string, 4)
	s := New(Options{Channel: ch, Backend: backend, OnAuthFailure: func(reason string) { failed <- reason }})
	t.Cleanup(s.Teardown)
	require.NoError(t, s.Init(context.Background(), "me", "tok"))

	backend.mu.Lock()
	backend.fetchErr = pkgerrors.Wrap(api.ErrUnauthorized, "fetch_messages")
	backend.markErr = pkgerrors.Wrap(api.ErrUnauthorized, "mark_all_read")
	backend.mu.Unlock()

	assert.ErrorIs(t, s.Open(context.Background(), "B"), api.ErrUnauthorized)
	s.Feed().MarkAllRead()

	select {
	case reason := <-failed:
		assert.Contains(t, reason, "unauthorized")
	case <-time.After(time.Second):
		t.Fatal("auth failure hook not called")
	}

	// both rejections belong to one session
	select {
	case reason := <-failed:
		t.Fatalf("hook called twice: %s", reason)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAuthFailureHookMayTearDown(t *testing.T) {
	ch := newFakeChannel(t)
	backend := newBackend()

	var s *Service
	done := make(chan struct{})
	s = New(Options{Channel: ch, Backend: backend, OnAuthFailure: func(string) {
		s.Teardown()
		close(done)
	}})
	require.NoError(t, s.Init(context.Background(), "me", "tok"))

	backend.mu.Lock()
	backend.markErr = pkgerrors.Wrap(api.ErrUnauthorized, "mark_all_read")
	backend.mu.Unlock()
	s.Feed().MarkAllRead()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("teardown from the auth hook did not finish")
	}
	assert.False(t, s.Active())
}

func TestInitIsIdempotentPerUser(t *testing.T) {
	ch := newFakeChannel(t)
	s := New(Options{Channel: ch, Backend: newBackend()})
	t.Cleanup(s.Teardown)
	ctx := context.Background()

	require.NoError(t, s.Init(ctx, "me", "tok"))
	chat := s.Chat()
	require.NoError(t, s.Init(ctx, "me", "tok"))
	assert.Same(t, chat, s.Chat())

	require.NoError(t, s.Init(ctx, "other", "tok2"))
	assert.Equal(t, "other", s.UserID())
	assert.NotSame(t, chat, s.Chat())

	ch.mu.Lock()
	assert.Equal(t, []string{"me", "other"}, ch.connects)
	assert.Equal(t, 1, ch.disconnects)
	ch.mu.Unlock()
	assert.Equal(t, 1, ch.Subscribers(), "old subscription removed")
}

func TestTeardown(t *testing.T) {
	ch := newFakeChannel(t)
	s := New(Options{Channel: ch, Backend: newBackend()})
	require.NoError(t, s.Init(context.Background(), "me", "tok"))

	s.Teardown()
	s.Teardown()
	assert.False(t, s.Active())
	assert.Zero(t, ch.Subscribers())
	assert.ErrorIs(t, s.Open(context.Background(), "A"), ErrNotStarted)

	// events after teardown reach nobody
	ch.EmitMessage(message("x", "A", "ua", 9))
	ch.Drain()
}

func TestMarkAllReadThroughSession(t *testing.T) {
	ch := newFakeChannel(t)
	backend := newBackend()
	for i := 0; i < 9; i++ {
		backend.notifications = append(backend.notifications, &notifications.Notification{
			ID: fmt.Sprintf("extra-%d", i), Type: notifications.TypeComment,
			Sender: &notifications.Actor{ID: "ua"}, CreatedAt: t0,
		})
	}
	s := New(Options{Channel: ch, Backend: backend})
	require.NoError(t, s.Init(context.Background(), "me", "tok"))

	assert.Equal(t, 10, s.Feed().MarkAllRead())
	assert.Zero(t, s.Feed().UnreadCount())
	s.Teardown()

	backend.mu.Lock()
	assert.Equal(t, 1, backend.markAll)
	backend.mu.Unlock()
}

func ids(ms []*messaging.Message) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}
