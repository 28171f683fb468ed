package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/imadgeboyega/kiekky-sync/internal/messaging"
	"github.com/imadgeboyega/kiekky-sync/internal/notifications"
)

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("API_BASE_URL", "http://env:8080")
	t.Setenv("SOCKET_URL", "")
	apiURL, userID, token = "http://flag:9000", "alice", "tok"
	defer func() { apiURL, userID, token = "", "", "" }()

	cfg := loadConfig()
	assert.Equal(t, "http://flag:9000", cfg.APIBaseURL)
	assert.Equal(t, "http://flag:9000", cfg.SocketURL, "socket follows the api unless set")
	assert.Equal(t, "alice", cfg.UserID)
	assert.Equal(t, "tok", cfg.AuthToken)
}

func TestPrintConversations(t *testing.T) {
	var buf bytes.Buffer
	printConversations(&buf, nil, "alice")
	assert.Equal(t, "no conversations\n", buf.String())

	buf.Reset()
	printConversations(&buf, []*messaging.Conversation{{
		ID:           "c1",
		Participants: []messaging.UserPreview{{ID: "alice"}, {ID: "bob", DisplayName: "Bob"}},
		LastMessage:  &messaging.Message{ID: "m1", Content: "hi"},
		Unread:       true,
	}}, "alice")
	out := buf.String()
	assert.Contains(t, out, "* c1")
	assert.Contains(t, out, "Bob")
	assert.Contains(t, out, "hi")
}

func TestDescribeNotification(t *testing.T) {
	liked := &notifications.Notification{
		ID:        "n1",
		Type:      notifications.TypeLike,
		Sender:    &notifications.Actor{ID: "bob", Username: "bob"},
		CreatedAt: time.Now(),
	}
	assert.Equal(t, "bob (like)", describe(liked))

	orphan := &notifications.Notification{ID: "n2", Type: notifications.TypeFollow, Message: "followed you"}
	assert.Equal(t, "someone: followed you", describe(orphan))
}
