// internal/messaging/models.go

package messaging

import (
	"strings"
	"time"
)

// UserPreview is the embedded user shape carried by conversations and messages
type UserPreview struct {
	ID             string  `json:"id" validate:"required"`
	Username       string  `json:"username,omitempty"`
	DisplayName    string  `json:"displayName,omitempty"`
	ProfilePicture *string `json:"profilePicture,omitempty"`
}

// Name returns the best human-readable label for the user
func (u UserPreview) Name() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if u.Username != "" {
		return u.Username
	}
	return u.ID
}

// ReadState is the tri-state read flag of a message
type ReadState int

const (
	ReadUnknown ReadState = iota
	ReadUnread
	ReadRead
)

func (s ReadState) String() string {
	switch s {
	case ReadUnread:
		return "unread"
	case ReadRead:
		return "read"
	default:
		return "unknown"
	}
}

// Message represents a chat message. Ids are assigned by the server; the
// client never fabricates one.
type Message struct {
	ID             string       `json:"id" validate:"required"`
	ConversationID string       `json:"conversationId" validate:"required"`
	SenderID       string       `json:"senderId,omitempty" validate:"required_without=Sender"`
	Sender         *UserPreview `json:"sender,omitempty"`
	ReceiverID     string       `json:"receiverId,omitempty"`
	Content        string       `json:"content"`
	ImageURL       *string      `json:"imageUrl,omitempty"`
	CreatedAt      time.Time    `json:"createdAt"`
	IsRead         *bool        `json:"isRead,omitempty"`
}

// AuthorID returns the sender id whether it came flat or embedded
func (m *Message) AuthorID() string {
	if m.SenderID != "" {
		return m.SenderID
	}
	if m.Sender != nil {
		return m.Sender.ID
	}
	return ""
}

// ReadState maps the optional isRead field onto the tri-state flag
func (m *Message) ReadState() ReadState {
	switch {
	case m.IsRead == nil:
		return ReadUnknown
	case *m.IsRead:
		return ReadRead
	default:
		return ReadUnread
	}
}

// SetRead sets the read flag
func (m *Message) SetRead(read bool) {
	m.IsRead = &read
}

// Counterpart returns the other side of a direct message from selfID's view
func (m *Message) Counterpart(selfID string) string {
	if author := m.AuthorID(); author != selfID {
		return author
	}
	return m.ReceiverID
}

// IsDirectBetween reports whether the message is a direct message between a
// and b. Group messages carry no receiver.
func (m *Message) IsDirectBetween(a, b string) bool {
	if m.ReceiverID == "" || a == b {
		return false
	}
	author := m.AuthorID()
	return (author == a && m.ReceiverID == b) || (author == b && m.ReceiverID == a)
}

// Clone returns a deep copy safe to hand to other goroutines
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Sender != nil {
		s := *m.Sender
		c.Sender = &s
	}
	if m.ImageURL != nil {
		u := *m.ImageURL
		c.ImageURL = &u
	}
	if m.IsRead != nil {
		r := *m.IsRead
		c.IsRead = &r
	}
	return &c
}

// before orders messages by creation time, ties broken by id
func before(a, b *Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// Conversation represents a chat conversation preview
type Conversation struct {
	ID           string        `json:"id" validate:"required"`
	Participants []UserPreview `json:"participants"`
	Name         string        `json:"name,omitempty"`
	IsGroup      bool          `json:"isGroup"`
	LastMessage  *Message      `json:"lastMessage,omitempty" validate:"-"`
	UpdatedAt    time.Time     `json:"updatedAt"`

	// Unread is local state: a message arrived while the conversation was not open
	Unread bool `json:"unread,omitempty"`
}

// OtherParticipant returns the first participant that is not selfID
func (c *Conversation) OtherParticipant(selfID string) *UserPreview {
	for i := range c.Participants {
		if c.Participants[i].ID != selfID {
			return &c.Participants[i]
		}
	}
	return nil
}

// HasParticipant reports whether userID takes part in the conversation
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

// DisplayName is the group name, or the other participant for direct chats
func (c *Conversation) DisplayName(selfID string) string {
	if c.IsGroup {
		if c.Name != "" {
			return c.Name
		}
		names := make([]string, 0, len(c.Participants))
		for _, p := range c.Participants {
			if p.ID != selfID {
				names = append(names, p.Name())
			}
		}
		return strings.Join(names, ", ")
	}
	if other := c.OtherParticipant(selfID); other != nil {
		return other.Name()
	}
	return c.Name
}

// LastActivity is the time used to order previews
func (c *Conversation) LastActivity() time.Time {
	if c.LastMessage != nil && c.LastMessage.CreatedAt.After(c.UpdatedAt) {
		return c.LastMessage.CreatedAt
	}
	return c.UpdatedAt
}

// Clone returns a deep copy safe to hand to other goroutines
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Participants = append([]UserPreview(nil), c.Participants...)
	cp.LastMessage = c.LastMessage.Clone()
	return &cp
}

// MessagePage is one page of history, ascending by creation time
type MessagePage struct {
	Messages []*Message `json:"messages"`
	HasMore  bool       `json:"hasMore"`
}

// SendMessageRequest is the payload of the outbound newMessage event
type SendMessageRequest struct {
	ReceiverID string  `json:"receiverId" validate:"required"`
	Content    string  `json:"content" validate:"required_without=ImageURL,max=4000"`
	ImageURL   *string `json:"imageUrl,omitempty" validate:"omitempty,url"`
}
