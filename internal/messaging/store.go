// internal/messaging/store.go

package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/imadgeboyega/kiekky-sync/internal/common/logger"
	"github.com/imadgeboyega/kiekky-sync/internal/metrics"
)

var (
	ErrNoMoreHistory  = errors.New("no more history")
	ErrStaleResponse  = errors.New("stale history response")
	ErrLoadInProgress = errors.New("history load already in progress")
)

// DefaultMaxWindow bounds the in-memory window of an open conversation
const DefaultMaxWindow = 500

// HistoryFetcher loads one page of messages strictly older than before, or
// the newest page when before is empty.
type HistoryFetcher interface {
	FetchMessages(ctx context.Context, conversationID, before string) (*MessagePage, error)
}

// StoreOptions configures a Store
type StoreOptions struct {
	SelfID    string
	MaxWindow int
	Logger    *slog.Logger
}

// Store holds the ordered, paginated message window of the open conversation.
type Store struct {
	fetcher   HistoryFetcher
	selfID    string
	maxWindow int
	logger    *slog.Logger

	mu             sync.Mutex
	conversationID string
	draftPeer      string
	generation     uint64
	messages       []*Message
	byID           map[string]*Message
	hasMore        bool
	loading        bool
	atBottom       bool
	wantBottom     bool
	onAutoScroll   func(conversationID string)
}

// NewStore creates an empty store with no conversation open
func NewStore(fetcher HistoryFetcher, opts StoreOptions) *Store {
	if opts.MaxWindow <= 0 {
		opts.MaxWindow = DefaultMaxWindow
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Store{
		fetcher:   fetcher,
		selfID:    opts.SelfID,
		maxWindow: opts.MaxWindow,
		logger:    opts.Logger,
		byID:      make(map[string]*Message),
		atBottom:  true,
	}
}

// SetAutoScrollHandler registers the presentation hook fired after a live
// append while the viewer is at the bottom.
func (s *Store) SetAutoScrollHandler(fn func(conversationID string)) {
	s.mu.Lock()
	s.onAutoScroll = fn
	s.mu.Unlock()
}

// Reset clears the window and opens conversationID with fresh pagination.
// Responses requested before the reset are discarded when they land.
func (s *Store) Reset(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearLocked()
	s.conversationID = conversationID
	s.hasMore = conversationID != ""
}

// ResetDraft clears the window for a conversation with peerID that does not
// exist yet. There is no history to page through.
func (s *Store) ResetDraft(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clearLocked()
	s.draftPeer = peerID
}

// Adopt turns the open draft into conversationID once the server assigned one
func (s *Store) Adopt(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conversationID = conversationID
	s.draftPeer = ""
}

func (s *Store) clearLocked() {
	s.generation++
	s.conversationID = ""
	s.draftPeer = ""
	s.messages = nil
	s.byID = make(map[string]*Message)
	s.hasMore = false
	s.loading = false
	s.atBottom = true
	s.wantBottom = false
}

// LoadOlder fetches the page strictly older than before and merges it into
// the window. It returns whether more older pages may exist.
func (s *Store) LoadOlder(ctx context.Context, before string) (bool, error) {
	s.mu.Lock()
	if !s.hasMore {
		s.mu.Unlock()
		return false, ErrNoMoreHistory
	}
	if s.loading {
		s.mu.Unlock()
		return true, ErrLoadInProgress
	}
	s.loading = true
	conversationID, generation := s.conversationID, s.generation
	s.mu.Unlock()

	page, err := s.fetcher.FetchMessages(ctx, conversationID, before)

	s.mu.Lock()
	defer s.mu.Unlock()

	if generation != s.generation {
		metrics.RecordStaleResponse()
		s.logger.Debug("discarding stale history page",
			"conversation_id", conversationID, "open_conversation_id", s.conversationID)
		return false, ErrStaleResponse
	}
	s.loading = false

	if err != nil {
		return s.hasMore, pkgerrors.Wrapf(err, "load messages of %s", conversationID)
	}
	if page == nil {
		s.hasMore = false
		return false, nil
	}

	s.mergeLocked(page.Messages)
	s.hasMore = page.HasMore
	return s.hasMore, nil
}

func (s *Store) mergeLocked(incoming []*Message) {
	for _, m := range incoming {
		if m == nil || m.ID == "" {
			continue
		}
		if m.ConversationID != "" && m.ConversationID != s.conversationID {
			continue
		}
		if existing, ok := s.byID[m.ID]; ok {
			upgradeRead(existing, m)
			metrics.RecordDuplicate("message")
			continue
		}
		m = m.Clone()
		m.ConversationID = s.conversationID
		s.byID[m.ID] = m
		s.messages = append(s.messages, m)
	}
	sort.SliceStable(s.messages, func(i, j int) bool {
		return before(s.messages[i], s.messages[j])
	})
}

// AppendLive merges a message pushed over the realtime channel. It returns
// false when the message belongs to another conversation.
func (s *Store) AppendLive(msg *Message) bool {
	if msg == nil || msg.ID == "" {
		return false
	}

	s.mu.Lock()
	if s.conversationID == "" || msg.ConversationID != s.conversationID {
		s.mu.Unlock()
		return false
	}
	if existing, ok := s.byID[msg.ID]; ok {
		upgradeRead(existing, msg)
		s.mu.Unlock()
		metrics.RecordDuplicate("message")
		return true
	}

	m := msg.Clone()
	s.byID[m.ID] = m
	n := len(s.messages)
	if n == 0 || before(s.messages[n-1], m) {
		s.messages = append(s.messages, m)
	} else {
		i := sort.Search(n, func(i int) bool { return before(m, s.messages[i]) })
		s.messages = append(s.messages, nil)
		copy(s.messages[i+1:], s.messages[i:])
		s.messages[i] = m
	}
	s.evictLocked()

	var scroll func(string)
	if s.atBottom || s.wantBottom {
		s.wantBottom = false
		scroll = s.onAutoScroll
	}
	conversationID := s.conversationID
	s.mu.Unlock()

	if scroll != nil {
		scroll(conversationID)
	}
	return true
}

func (s *Store) evictLocked() {
	excess := len(s.messages) - s.maxWindow
	if excess <= 0 {
		return
	}
	for _, m := range s.messages[:excess] {
		delete(s.byID, m.ID)
	}
	s.messages = append([]*Message(nil), s.messages[excess:]...)
	// evicted history is still on the server
	s.hasMore = true
}

// MarkRead flips the read flag of a message the current user sent. It
// reports whether anything changed.
func (s *Store) MarkRead(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byID[messageID]
	if !ok || m.AuthorID() != s.selfID || m.ReadState() == ReadRead {
		return false
	}
	m.SetRead(true)
	return true
}

// SetAtBottom records whether the viewer is scrolled to the newest message
func (s *Store) SetAtBottom(atBottom bool) {
	s.mu.Lock()
	s.atBottom = atBottom
	s.mu.Unlock()
}

// RequestBottom asks for the next live append to scroll into view
func (s *Store) RequestBottom() {
	s.mu.Lock()
	s.wantBottom = true
	s.mu.Unlock()
}

// Messages returns a copy of the window, ascending
func (s *Store) Messages() []*Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}

// OldestID is the pagination cursor for the next LoadOlder
func (s *Store) OldestID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.messages) == 0 {
		return ""
	}
	return s.messages[0].ID
}

func (s *Store) HasMore() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasMore
}

func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

func (s *Store) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// DraftPeer is the user of a not-yet-created conversation, if one is open
func (s *Store) DraftPeer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draftPeer
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// upgradeRead carries a known read flag from a duplicate onto the held copy
func upgradeRead(held, dup *Message) {
	if dup.IsRead == nil {
		return
	}
	if held.IsRead == nil || (*dup.IsRead && !*held.IsRead) {
		held.SetRead(*dup.IsRead)
	}
}
