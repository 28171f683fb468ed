// internal/session/backend.go

package session

import (
	"context"
	"errors"

	"github.com/imadgeboyega/kiekky-sync/internal/api"
	"github.com/imadgeboyega/kiekky-sync/internal/messaging"
	"github.com/imadgeboyega/kiekky-sync/internal/notifications"
)

// authGuard reports every rejected REST call of a session, including the
// background ones of the notification feed. The report runs on its own
// goroutine so the hook may tear the session down.
type authGuard struct {
	Backend
	report func(reason string)
}

func (g *authGuard) check(err error) error {
	if errors.Is(err, api.ErrUnauthorized) {
		go g.report(err.Error())
	}
	return err
}

func (g *authGuard) FetchMessages(ctx context.Context, conversationID, before string) (*messaging.MessagePage, error) {
	page, err := g.Backend.FetchMessages(ctx, conversationID, before)
	return page, g.check(err)
}

func (g *authGuard) ListConversations(ctx context.Context) ([]*messaging.Conversation, error) {
	list, err := g.Backend.ListConversations(ctx)
	return list, g.check(err)
}

func (g *authGuard) FindConversationWithUser(ctx context.Context, userID string) (*messaging.Conversation, error) {
	conv, err := g.Backend.FindConversationWithUser(ctx, userID)
	return conv, g.check(err)
}

func (g *authGuard) ListNotifications(ctx context.Context) ([]*notifications.Notification, error) {
	list, err := g.Backend.ListNotifications(ctx)
	return list, g.check(err)
}

func (g *authGuard) MarkAllNotificationsRead(ctx context.Context) error {
	return g.check(g.Backend.MarkAllNotificationsRead(ctx))
}

func (g *authGuard) MarkNotificationRead(ctx context.Context, id string) error {
	return g.check(g.Backend.MarkNotificationRead(ctx, id))
}
