// internal/session/session.go
// Session lifecycle: one realtime channel and one set of stores per signed-in user

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/imadgeboyega/kiekky-sync/internal/common/logger"
	"github.com/imadgeboyega/kiekky-sync/internal/messaging"
	"github.com/imadgeboyega/kiekky-sync/internal/notifications"
	"github.com/imadgeboyega/kiekky-sync/internal/realtime"
	"github.com/imadgeboyega/kiekky-sync/internal/receipts"
)

var ErrNotStarted = errors.New("session not started")

// Channel is the realtime surface a session drives. *realtime.Client
// implements it; tests substitute a fake built on realtime.Dispatcher.
type Channel interface {
	Connect(userID, token string)
	Disconnect()
	Connected() bool
	Subscribe(l realtime.Listener) *realtime.Subscription
	JoinConversation(conversationID string) error
	LeaveConversation(conversationID string) error
	SendMessage(receiverID, content string, imageURL *string) error
	MarkSeen(messageID string) error
}

// Backend is the REST surface a session reads from
type Backend interface {
	messaging.HistoryFetcher
	messaging.ConversationLister
	messaging.ConversationFinder
	notifications.Client
}

type Options struct {
	Channel       Channel
	Backend       Backend
	MaxWindow     int
	SeenThreshold float64
	Logger        *slog.Logger

	// OnAuthFailure runs once per session when the channel or the backend
	// rejects the credentials. Owners typically sign the user out.
	OnAuthFailure func(reason string)

	// OnAutoScroll runs when a live message lands while the viewer is at
	// the bottom of the open conversation.
	OnAutoScroll func(conversationID string)
}

// Service owns the sync core of one signed-in user between Init and
// Teardown.
type Service struct {
	opts    Options
	backend Backend
	logger  *slog.Logger

	mu       sync.Mutex
	userID   string
	chat     *messaging.Chat
	feed     *notifications.Feed
	tracker  *receipts.Tracker
	sub      *realtime.Subscription
	authOnce *sync.Once
}

func New(opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	s := &Service{
		opts:   opts,
		logger: opts.Logger.With("component", "session"),
	}
	s.backend = &authGuard{Backend: opts.Backend, report: s.ReportAuthFailure}
	return s
}

// Init starts a session for userID: it connects the channel, wires every
// component to its events and loads the conversation list and the
// notifications. Calling it again for the same user is a no-op; another user
// tears the current session down first.
func (s *Service) Init(ctx context.Context, userID, token string) error {
	s.mu.Lock()
	if s.chat != nil {
		if s.userID == userID {
			s.mu.Unlock()
			return nil
		}
		s.teardownLocked()
	}

	log := s.opts.Logger.With("user_id", userID)
	store := messaging.NewStore(s.backend, messaging.StoreOptions{
		SelfID:    userID,
		MaxWindow: s.opts.MaxWindow,
		Logger:    log,
	})
	if s.opts.OnAutoScroll != nil {
		store.SetAutoScrollHandler(s.opts.OnAutoScroll)
	}
	index := messaging.NewIndex(s.backend, userID, log)

	s.userID = userID
	s.chat = messaging.NewChat(userID, s.opts.Channel, s.backend, store, index, log)
	s.feed = notifications.NewFeed(s.backend, log)
	s.tracker = receipts.NewTracker(s.opts.Channel, userID, s.opts.SeenThreshold, log)
	s.authOnce = &sync.Once{}
	s.sub = s.opts.Channel.Subscribe(s.listener(s.chat, s.feed, s.tracker))
	feed := s.feed
	s.mu.Unlock()

	s.opts.Channel.Connect(userID, token)
	s.logger.Info("session started", "user_id", userID)

	var g errgroup.Group
	g.Go(func() error { return index.Load(ctx) })
	g.Go(func() error { return feed.FetchAll(ctx) })
	return g.Wait()
}

func (s *Service) listener(chat *messaging.Chat, feed *notifications.Feed, tracker *receipts.Tracker) realtime.Listener {
	return realtime.Listener{
		OnConnect: chat.HandleConnect,
		OnDisconnect: func(reason string) {
			s.logger.Info("channel disconnected", "reason", reason)
		},
		OnError: func(e *realtime.EventError) {
			if e.Auth {
				s.ReportAuthFailure(e.Message)
				return
			}
			s.logger.Warn("channel error", "message", e.Message)
		},
		OnMessage:     chat.HandleMessage,
		OnMessageSeen: chat.HandleSeen,
		OnChatCreated: func(conv *messaging.Conversation) {
			tracker.Reset()
			chat.HandleChatCreated(conv)
		},
		OnNotification: func(n *notifications.Notification) {
			feed.ApplyLive(n)
		},
	}
}

// ReportAuthFailure runs the OnAuthFailure hook, at most once per session
func (s *Service) ReportAuthFailure(reason string) {
	s.mu.Lock()
	once := s.authOnce
	s.mu.Unlock()
	if once == nil {
		return
	}

	once.Do(func() {
		s.logger.Warn("authentication failed", "reason", reason)
		if s.opts.OnAuthFailure != nil {
			s.opts.OnAuthFailure(reason)
		}
	})
}

// Teardown disconnects the channel and drops all state. Safe to call when
// no session is running.
func (s *Service) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardownLocked()
}

func (s *Service) teardownLocked() {
	if s.chat == nil {
		return
	}
	s.sub.Unsubscribe()
	s.opts.Channel.Disconnect()
	s.chat.Close()
	s.feed.Close()
	s.tracker.Reset()

	s.logger.Info("session ended", "user_id", s.userID)
	s.userID = ""
	s.chat, s.feed, s.tracker, s.sub = nil, nil, nil, nil
	s.authOnce = nil
}

// Open switches the chat screen to conversationID
func (s *Service) Open(ctx context.Context, conversationID string) error {
	chat, tracker, err := s.components()
	if err != nil {
		return err
	}
	tracker.Reset()
	return chat.Open(ctx, conversationID)
}

// OpenWithUser switches the chat screen to the conversation with userID
func (s *Service) OpenWithUser(ctx context.Context, userID string) error {
	chat, tracker, err := s.components()
	if err != nil {
		return err
	}
	tracker.Reset()
	return chat.OpenWithUser(ctx, userID)
}

func (s *Service) components() (*messaging.Chat, *receipts.Tracker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.chat == nil {
		return nil, nil, ErrNotStarted
	}
	return s.chat, s.tracker, nil
}

func (s *Service) Chat() *messaging.Chat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chat
}

func (s *Service) Feed() *notifications.Feed {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.feed
}

func (s *Service) Receipts() *receipts.Tracker {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker
}

func (s *Service) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

func (s *Service) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chat != nil
}
