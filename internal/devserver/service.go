// internal/devserver/service.go
// Business logic shared by the REST handlers and the socket events

package devserver

import (
	"context"
	"errors"
	"log/slog"

	pkgerrors "github.com/pkg/errors"

	"github.com/imadgeboyega/kiekky-sync/internal/common/utils"
	"github.com/imadgeboyega/kiekky-sync/internal/messaging"
	"github.com/imadgeboyega/kiekky-sync/internal/metrics"
	"github.com/imadgeboyega/kiekky-sync/internal/notifications"
	"github.com/imadgeboyega/kiekky-sync/internal/realtime"
)

var ErrSelfMessage = errors.New("cannot send a message to yourself")

type Service struct {
	repo   Repository
	hub    *Hub
	logger *slog.Logger
}

func NewService(repo Repository, hub *Hub, log *slog.Logger) *Service {
	return &Service{
		repo:   repo,
		hub:    hub,
		logger: log.With("component", "service"),
	}
}

// SendMessage stores a direct message and delivers it to every socket of
// both participants, the sender's echo included
func (s *Service) SendMessage(ctx context.Context, senderID string, req *messaging.SendMessageRequest) (*messaging.Message, error) {
	if err := utils.ValidateStruct(req); err != nil {
		metrics.RecordBackendMessage("invalid")
		return nil, err
	}
	if req.ReceiverID == senderID {
		metrics.RecordBackendMessage("invalid")
		return nil, ErrSelfMessage
	}

	msg, conv, created := s.repo.AddMessage(senderID, req.ReceiverID, req.Content, req.ImageURL)
	if created {
		s.logger.Info("conversation created on first message", "conversation_id", conv.ID, "sender_id", senderID)
	}

	if err := s.hub.SendToUser(ctx, realtime.EventMessage, msg, participantIDs(conv)...); err != nil {
		metrics.RecordBackendMessage("publish_failed")
		return msg, pkgerrors.Wrap(err, "publish message")
	}
	metrics.RecordBackendMessage("delivered")
	return msg, nil
}

// MarkSeen records that viewerID has seen messageID and echoes the signal
// to the conversation's participants
func (s *Service) MarkSeen(ctx context.Context, viewerID, messageID string) error {
	if messageID == "" {
		return ErrMessageNotFound
	}
	msg, conv, err := s.repo.MarkSeen(viewerID, messageID)
	if err != nil {
		return err
	}
	payload := realtime.SeenPayload{MessageID: msg.ID}
	return pkgerrors.Wrap(
		s.hub.SendToUser(ctx, realtime.EventMessageSeen, payload, participantIDs(conv)...),
		"publish message_seen",
	)
}

// CreateConversation creates a group and tells its creator
func (s *Service) CreateConversation(ctx context.Context, creatorID string, req *CreateConversationRequest) (*messaging.Conversation, error) {
	if err := utils.ValidateStruct(req); err != nil {
		return nil, err
	}
	ids := append([]string{creatorID}, req.ParticipantIDs...)
	conv := s.repo.CreateConversation(ids, req.Name, true)

	if err := s.hub.SendToUser(ctx, realtime.EventChatCreated, conv, creatorID); err != nil {
		return conv, pkgerrors.Wrap(err, "publish chat_created")
	}
	return conv, nil
}

// PushNotification stores a notification and pushes it to its recipient
func (s *Service) PushNotification(ctx context.Context, req *notifications.CreateNotificationRequest) (*notifications.Notification, error) {
	if err := utils.ValidateStruct(req); err != nil {
		return nil, err
	}
	n := s.repo.AddNotification(req)
	if err := s.hub.SendToUser(ctx, realtime.EventNotification, n, req.UserID); err != nil {
		return n, pkgerrors.Wrap(err, "publish notification")
	}
	return n, nil
}

func participantIDs(c *messaging.Conversation) []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}
