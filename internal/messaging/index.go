// internal/messaging/index.go

package messaging

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/imadgeboyega/kiekky-sync/internal/common/logger"
	"github.com/imadgeboyega/kiekky-sync/internal/metrics"
)

// ConversationLister fetches the user's conversation previews
type ConversationLister interface {
	ListConversations(ctx context.Context) ([]*Conversation, error)
}

// Index keeps the conversation list ordered by last activity, most recent first.
type Index struct {
	lister ConversationLister
	selfID string
	logger *slog.Logger

	mu    sync.RWMutex
	items []*Conversation
}

func NewIndex(lister ConversationLister, selfID string, log *slog.Logger) *Index {
	if log == nil {
		log = logger.Discard()
	}
	return &Index{lister: lister, selfID: selfID, logger: log}
}

// Load fetches the list over REST and merges it with previews already
// created by live events. For an id known to both, the side with the newer
// activity wins.
func (x *Index) Load(ctx context.Context) error {
	fetched, err := x.lister.ListConversations(ctx)
	if err != nil {
		return pkgerrors.Wrap(err, "load conversations")
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	local := make(map[string]*Conversation, len(x.items))
	for _, c := range x.items {
		local[c.ID] = c
	}

	merged := make([]*Conversation, 0, len(fetched)+len(x.items))
	seen := make(map[string]struct{}, len(fetched))
	for _, c := range fetched {
		if c == nil || c.ID == "" {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			metrics.RecordDuplicate("conversation")
			continue
		}
		seen[c.ID] = struct{}{}

		if held, ok := local[c.ID]; ok && held.LastActivity().After(c.LastActivity()) {
			merged = append(merged, held)
			continue
		}
		c = c.Clone()
		if held, ok := local[c.ID]; ok && held.Unread {
			c.Unread = true
		}
		merged = append(merged, c)
	}
	for _, c := range x.items {
		if _, ok := seen[c.ID]; !ok {
			merged = append(merged, c)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].LastActivity().After(merged[j].LastActivity())
	})
	x.items = merged

	x.logger.Debug("conversations loaded", "fetched", len(fetched), "total", len(merged))
	return nil
}

// List returns copies of all previews in display order
func (x *Index) List() []*Conversation {
	x.mu.RLock()
	defer x.mu.RUnlock()

	out := make([]*Conversation, len(x.items))
	for i, c := range x.items {
		out[i] = c.Clone()
	}
	return out
}

func (x *Index) Get(id string) (*Conversation, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	if i := x.find(id); i >= 0 {
		return x.items[i].Clone(), true
	}
	return nil, false
}

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.items)
}

// UpsertFromLiveMessage records msg as the latest message of its
// conversation. open tells whether that conversation is on screen. An
// unknown conversation gets a synthesized preview at the top. It reports
// whether a preview was created.
func (x *Index) UpsertFromLiveMessage(msg *Message, open bool) bool {
	if msg == nil || msg.ID == "" || msg.ConversationID == "" {
		return false
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	unread := !open && msg.AuthorID() != x.selfID

	i := x.find(msg.ConversationID)
	if i < 0 {
		x.items = append([]*Conversation{x.synthesize(msg, unread)}, x.items...)
		return true
	}

	c := x.items[i]
	if last := c.LastMessage; last != nil {
		if last.ID == msg.ID {
			upgradeRead(last, msg)
			metrics.RecordDuplicate("conversation")
			return false
		}
		if before(msg, last) {
			return false
		}
	}
	c.LastMessage = msg.Clone()
	if msg.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = msg.CreatedAt
	}
	if unread {
		c.Unread = true
	}
	x.moveToFront(i)
	return false
}

func (x *Index) synthesize(msg *Message, unread bool) *Conversation {
	self := UserPreview{ID: x.selfID}
	var other UserPreview
	switch {
	case msg.AuthorID() != x.selfID && msg.Sender != nil:
		other = *msg.Sender
	case msg.AuthorID() != x.selfID:
		other = UserPreview{ID: msg.AuthorID()}
	default:
		other = UserPreview{ID: msg.ReceiverID}
	}
	return &Conversation{
		ID:           msg.ConversationID,
		Participants: []UserPreview{other, self},
		LastMessage:  msg.Clone(),
		UpdatedAt:    msg.CreatedAt,
		Unread:       unread,
	}
}

// InsertCreated puts a server-announced conversation at the top, replacing
// any preview with the same id.
func (x *Index) InsertCreated(c *Conversation) {
	if c == nil || c.ID == "" {
		return
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	if i := x.find(c.ID); i >= 0 {
		x.items = append(x.items[:i], x.items[i+1:]...)
	}
	x.items = append([]*Conversation{c.Clone()}, x.items...)
}

// ClearUnread drops the highlight of a conversation that was opened
func (x *Index) ClearUnread(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if i := x.find(id); i >= 0 {
		x.items[i].Unread = false
	}
}

// MarkMessageRead updates the preview whose last message is messageID
func (x *Index) MarkMessageRead(messageID string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for _, c := range x.items {
		if c.LastMessage != nil && c.LastMessage.ID == messageID {
			c.LastMessage.SetRead(true)
			return
		}
	}
}

func (x *Index) find(id string) int {
	for i, c := range x.items {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (x *Index) moveToFront(i int) {
	if i == 0 {
		return
	}
	c := x.items[i]
	copy(x.items[1:i+1], x.items[:i])
	x.items[0] = c
}
