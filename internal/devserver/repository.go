// internal/devserver/repository.go
// In-memory storage for the reference backend

package devserver

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/imadgeboyega/kiekky-sync/internal/messaging"
	"github.com/imadgeboyega/kiekky-sync/internal/notifications"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotificationNotFound = errors.New("notification not found")
	ErrNotParticipant       = errors.New("user is not a participant")
)

// Repository defines storage operations for the reference backend
type Repository interface {
	// Users
	UpsertUser(u messaging.UserPreview) messaging.UserPreview
	User(id string) (messaging.UserPreview, bool)

	// Conversations
	ListConversations(userID string) []*messaging.Conversation
	Conversation(id string) (*messaging.Conversation, error)
	FindDirect(a, b string) (*messaging.Conversation, bool)
	CreateConversation(participantIDs []string, name string, group bool) *messaging.Conversation

	// Messages
	AddMessage(senderID, receiverID, content string, imageURL *string) (*messaging.Message, *messaging.Conversation, bool)
	Messages(conversationID, before string, limit int) (*messaging.MessagePage, error)
	MarkSeen(viewerID, messageID string) (*messaging.Message, *messaging.Conversation, error)

	// Notifications
	AddNotification(req *notifications.CreateNotificationRequest) *notifications.Notification
	Notifications(userID string) []*notifications.Notification
	MarkNotificationRead(userID, id string) error
	MarkAllNotificationsRead(userID string) int
}

type memoryRepository struct {
	mu            sync.RWMutex
	now           func() time.Time
	users         map[string]messaging.UserPreview
	conversations map[string]*messaging.Conversation
	messages      map[string][]*messaging.Message // ascending per conversation
	messageIndex  map[string]*messaging.Message
	notifications map[string][]*notifications.Notification
}

// NewMemoryRepository creates an empty in-memory repository
func NewMemoryRepository() Repository {
	return newMemoryRepository(time.Now)
}

func newMemoryRepository(now func() time.Time) *memoryRepository {
	return &memoryRepository{
		now:           now,
		users:         make(map[string]messaging.UserPreview),
		conversations: make(map[string]*messaging.Conversation),
		messages:      make(map[string][]*messaging.Message),
		messageIndex:  make(map[string]*messaging.Message),
		notifications: make(map[string][]*notifications.Notification),
	}
}

func (r *memoryRepository) UpsertUser(u messaging.UserPreview) messaging.UserPreview {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users[u.ID] = u
	return u
}

func (r *memoryRepository) User(id string) (messaging.UserPreview, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	return u, ok
}

// preview resolves a user id, falling back to a bare preview for unknown ids
func (r *memoryRepository) preview(id string) messaging.UserPreview {
	if u, ok := r.users[id]; ok {
		return u
	}
	return messaging.UserPreview{ID: id}
}

func (r *memoryRepository) ListConversations(userID string) []*messaging.Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*messaging.Conversation, 0)
	for _, c := range r.conversations {
		if c.HasParticipant(userID) {
			out = append(out, r.withParticipants(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity().After(out[j].LastActivity())
	})
	return out
}

func (r *memoryRepository) Conversation(id string) (*messaging.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conversations[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	return r.withParticipants(c), nil
}

// withParticipants returns a copy with participant previews refreshed from
// the user table
func (r *memoryRepository) withParticipants(c *messaging.Conversation) *messaging.Conversation {
	cp := c.Clone()
	for i, p := range cp.Participants {
		cp.Participants[i] = r.preview(p.ID)
	}
	return cp
}

func (r *memoryRepository) FindDirect(a, b string) (*messaging.Conversation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.findDirectLocked(a, b)
	if c == nil {
		return nil, false
	}
	return r.withParticipants(c), true
}

func (r *memoryRepository) findDirectLocked(a, b string) *messaging.Conversation {
	for _, c := range r.conversations {
		if c.IsGroup || len(c.Participants) != 2 {
			continue
		}
		if c.HasParticipant(a) && c.HasParticipant(b) {
			return c
		}
	}
	return nil
}

func (r *memoryRepository) CreateConversation(participantIDs []string, name string, group bool) *messaging.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.withParticipants(r.createLocked(participantIDs, name, group))
}

func (r *memoryRepository) createLocked(participantIDs []string, name string, group bool) *messaging.Conversation {
	c := &messaging.Conversation{
		ID:        uuid.NewString(),
		Name:      name,
		IsGroup:   group,
		UpdatedAt: r.now().UTC(),
	}
	seen := make(map[string]bool, len(participantIDs))
	for _, id := range participantIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		c.Participants = append(c.Participants, messaging.UserPreview{ID: id})
	}
	r.conversations[c.ID] = c
	return c
}

// AddMessage stores a direct message, creating the conversation on first
// contact. The bool reports whether the conversation was created.
func (r *memoryRepository) AddMessage(senderID, receiverID, content string, imageURL *string) (*messaging.Message, *messaging.Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conv := r.findDirectLocked(senderID, receiverID)
	created := false
	if conv == nil {
		conv = r.createLocked([]string{receiverID, senderID}, "", false)
		created = true
	}

	now := r.now().UTC()
	// keep creation times strictly increasing within a conversation
	if history := r.messages[conv.ID]; len(history) > 0 {
		if last := history[len(history)-1].CreatedAt; !now.After(last) {
			now = last.Add(time.Millisecond)
		}
	}

	sender := r.preview(senderID)
	msg := &messaging.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       senderID,
		Sender:         &sender,
		ReceiverID:     receiverID,
		Content:        content,
		ImageURL:       imageURL,
		CreatedAt:      now,
	}
	msg.SetRead(false)

	r.messages[conv.ID] = append(r.messages[conv.ID], msg)
	r.messageIndex[msg.ID] = msg
	conv.LastMessage = msg
	conv.UpdatedAt = now

	return msg.Clone(), r.withParticipants(conv), created
}

// Messages returns up to limit messages strictly older than before, or the
// newest ones when before is empty.
func (r *memoryRepository) Messages(conversationID, before string, limit int) (*messaging.MessagePage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.conversations[conversationID]; !ok {
		return nil, ErrConversationNotFound
	}
	history := r.messages[conversationID]

	end := len(history)
	if before != "" {
		end = -1
		for i, m := range history {
			if m.ID == before {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, ErrMessageNotFound
		}
	}

	start := end - limit
	if start < 0 {
		start = 0
	}
	page := &messaging.MessagePage{
		Messages: make([]*messaging.Message, 0, end-start),
		HasMore:  start > 0,
	}
	for _, m := range history[start:end] {
		page.Messages = append(page.Messages, m.Clone())
	}
	return page, nil
}

// MarkSeen flips a message to read on behalf of viewerID. Authors cannot
// mark their own messages; marking an already read message is a no-op that
// still returns it.
func (r *memoryRepository) MarkSeen(viewerID, messageID string) (*messaging.Message, *messaging.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.messageIndex[messageID]
	if !ok {
		return nil, nil, ErrMessageNotFound
	}
	conv := r.conversations[msg.ConversationID]
	if conv == nil || !conv.HasParticipant(viewerID) || msg.AuthorID() == viewerID {
		return nil, nil, ErrNotParticipant
	}
	msg.SetRead(true)
	return msg.Clone(), r.withParticipants(conv), nil
}

func (r *memoryRepository) AddNotification(req *notifications.CreateNotificationRequest) *notifications.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := &notifications.Notification{
		ID:        uuid.NewString(),
		Type:      req.Type,
		Message:   req.Message,
		CreatedAt: r.now().UTC(),
	}
	if u, ok := r.users[req.SenderID]; ok {
		n.Sender = &notifications.Actor{
			ID:             u.ID,
			Username:       u.Username,
			DisplayName:    u.DisplayName,
			ProfilePicture: u.ProfilePicture,
		}
	}
	if req.PostID != "" {
		n.Post = &notifications.PostRef{ID: req.PostID}
	}
	r.notifications[req.UserID] = append(r.notifications[req.UserID], n)
	return n.Clone()
}

func (r *memoryRepository) Notifications(userID string) []*notifications.Notification {
	r.mu.RLock()
	defer r.mu.RUnlock()

	held := r.notifications[userID]
	out := make([]*notifications.Notification, 0, len(held))
	for i := len(held) - 1; i >= 0; i-- {
		out = append(out, held[i].Clone())
	}
	return out
}

func (r *memoryRepository) MarkNotificationRead(userID, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notifications[userID] {
		if n.ID == id {
			n.IsRead = true
			return nil
		}
	}
	return ErrNotificationNotFound
}

func (r *memoryRepository) MarkAllNotificationsRead(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, n := range r.notifications[userID] {
		if !n.IsRead {
			n.IsRead = true
			count++
		}
	}
	return count
}
