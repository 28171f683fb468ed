// internal/notifications/models.go

package notifications

import (
	"time"
)

// NotificationType represents different notification types
type NotificationType string

const (
	// Social notifications
	TypeLike       NotificationType = "like"
	TypeComment    NotificationType = "comment"
	TypeReply      NotificationType = "reply"
	TypeFollow     NotificationType = "follow"
	TypeMention    NotificationType = "mention"
	TypeMessage    NotificationType = "message"
	TypeStoryView  NotificationType = "story_view"
	TypeStoryReply NotificationType = "story_reply"

	// System notifications
	TypeWelcome  NotificationType = "welcome"
	TypeSecurity NotificationType = "security"
)

// Actor represents the user who triggered the notification
type Actor struct {
	ID             string  `json:"id" validate:"required"`
	Username       string  `json:"username,omitempty"`
	DisplayName    string  `json:"displayName,omitempty"`
	ProfilePicture *string `json:"profilePicture,omitempty"`
}

// PostRef points at the post a like or comment is about
type PostRef struct {
	ID    string  `json:"id" validate:"required"`
	Image *string `json:"image,omitempty"`
	Text  string  `json:"text,omitempty"`
}

// Notification represents a notification entity
type Notification struct {
	ID        string           `json:"id" validate:"required"`
	Type      NotificationType `json:"type" validate:"required"`
	Sender    *Actor           `json:"sender,omitempty"`
	Post      *PostRef         `json:"post,omitempty"`
	Message   string           `json:"message,omitempty"`
	IsRead    bool             `json:"isRead"`
	CreatedAt time.Time        `json:"createdAt"`
}

// HasSender reports whether the sender reference can be resolved. Live
// pushes without one mean the local copy may be stale.
func (n *Notification) HasSender() bool {
	return n.Sender != nil && n.Sender.ID != ""
}

func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}
	c := *n
	if n.Sender != nil {
		s := *n.Sender
		c.Sender = &s
	}
	if n.Post != nil {
		p := *n.Post
		c.Post = &p
	}
	return &c
}

// CreateNotificationRequest represents request to create a notification
type CreateNotificationRequest struct {
	UserID   string           `json:"userId" validate:"required"`
	Type     NotificationType `json:"type" validate:"required"`
	SenderID string           `json:"senderId,omitempty"`
	PostID   string           `json:"postId,omitempty"`
	Message  string           `json:"message,omitempty" validate:"max=200"`
}
