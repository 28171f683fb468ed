// internal/messaging/chat.go

package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"github.com/imadgeboyega/kiekky-sync/internal/common/logger"
	"github.com/imadgeboyega/kiekky-sync/internal/common/utils"
)

var ErrNoOpenConversation = errors.New("no conversation open")

// Channel is the part of the realtime channel the chat screen drives
type Channel interface {
	JoinConversation(conversationID string) error
	LeaveConversation(conversationID string) error
	SendMessage(receiverID, content string, imageURL *string) error
}

// ConversationFinder resolves the direct conversation with a user. It
// returns nil, nil when none exists yet.
type ConversationFinder interface {
	FindConversationWithUser(ctx context.Context, userID string) (*Conversation, error)
}

// Chat coordinates the open conversation across the channel, the store and
// the index.
type Chat struct {
	selfID  string
	channel Channel
	finder  ConversationFinder
	store   *Store
	index   *Index
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// switchMu serializes leave/join with the store reset
	switchMu sync.Mutex
	joined   string
}

func NewChat(selfID string, channel Channel, finder ConversationFinder, store *Store, index *Index, log *slog.Logger) *Chat {
	if log == nil {
		log = logger.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Chat{
		selfID:  selfID,
		channel: channel,
		finder:  finder,
		store:   store,
		index:   index,
		logger:  log,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Chat) Store() *Store { return c.store }
func (c *Chat) Index() *Index { return c.index }

// Open switches to conversationID and loads its newest page
func (c *Chat) Open(ctx context.Context, conversationID string) error {
	c.switchTo(conversationID)
	return c.loadNewest(ctx)
}

func (c *Chat) switchTo(conversationID string) {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	if prev := c.joined; prev != conversationID {
		if prev != "" {
			if err := c.channel.LeaveConversation(prev); err != nil {
				c.logger.Warn("leave conversation failed", "conversation_id", prev, "error", err)
			}
		}
		if err := c.channel.JoinConversation(conversationID); err != nil {
			c.logger.Warn("join conversation failed", "conversation_id", conversationID, "error", err)
		}
		c.joined = conversationID
	}
	c.store.Reset(conversationID)
	c.index.ClearUnread(conversationID)
}

func (c *Chat) loadNewest(ctx context.Context) error {
	_, err := c.store.LoadOlder(ctx, "")
	if errors.Is(err, ErrStaleResponse) {
		return nil
	}
	return err
}

// OpenWithUser opens the direct conversation with userID, or an empty draft
// when the two have never talked. The draft has no preview until the first
// message comes back from the server.
func (c *Chat) OpenWithUser(ctx context.Context, userID string) error {
	conv, err := c.finder.FindConversationWithUser(ctx, userID)
	if err != nil {
		return pkgerrors.Wrapf(err, "find conversation with %s", userID)
	}
	if conv != nil {
		return c.Open(ctx, conv.ID)
	}

	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	if c.joined != "" {
		if err := c.channel.LeaveConversation(c.joined); err != nil {
			c.logger.Warn("leave conversation failed", "conversation_id", c.joined, "error", err)
		}
		c.joined = ""
	}
	c.store.ResetDraft(userID)
	return nil
}

// LoadOlder pages back from the oldest loaded message
func (c *Chat) LoadOlder(ctx context.Context) (bool, error) {
	hasMore, err := c.store.LoadOlder(ctx, c.store.OldestID())
	if errors.Is(err, ErrStaleResponse) {
		return false, nil
	}
	return hasMore, err
}

// Send emits a new message. Nothing is added locally: the server echo is
// the only source of new messages.
func (c *Chat) Send(ctx context.Context, receiverID, content string, imageURL *string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	req := SendMessageRequest{ReceiverID: receiverID, Content: content, ImageURL: imageURL}
	if err := utils.ValidateStruct(req); err != nil {
		return err
	}
	c.store.RequestBottom()
	return c.channel.SendMessage(req.ReceiverID, req.Content, req.ImageURL)
}

// Reply sends to the other participant of the open conversation, or to the
// peer of the open draft.
func (c *Chat) Reply(ctx context.Context, content string, imageURL *string) error {
	if peer := c.store.DraftPeer(); peer != "" {
		return c.Send(ctx, peer, content, imageURL)
	}
	conv, ok := c.index.Get(c.store.ConversationID())
	if !ok {
		return ErrNoOpenConversation
	}
	other := conv.OtherParticipant(c.selfID)
	if other == nil {
		return ErrNoOpenConversation
	}
	return c.Send(ctx, other.ID, content, imageURL)
}

// HandleMessage routes a live message to the store and the index
func (c *Chat) HandleMessage(msg *Message) {
	if msg == nil || msg.ID == "" || msg.ConversationID == "" {
		return
	}

	if peer := c.store.DraftPeer(); peer != "" && msg.IsDirectBetween(c.selfID, peer) {
		if _, known := c.index.Get(msg.ConversationID); !known {
			c.adopt(msg.ConversationID, peer)
		}
	}

	open := c.store.AppendLive(msg)
	c.index.UpsertFromLiveMessage(msg, open)
}

func (c *Chat) adopt(conversationID, peer string) {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	if c.store.DraftPeer() != peer {
		return
	}
	if err := c.channel.JoinConversation(conversationID); err != nil {
		c.logger.Warn("join conversation failed", "conversation_id", conversationID, "error", err)
	}
	c.joined = conversationID
	c.store.Adopt(conversationID)
	c.logger.Debug("draft adopted", "conversation_id", conversationID, "peer_id", peer)
}

// HandleSeen applies a read receipt echo
func (c *Chat) HandleSeen(messageID string) {
	c.store.MarkRead(messageID)
	c.index.MarkMessageRead(messageID)
}

// HandleChatCreated shows a conversation the server created for this user
// and opens it. The page load runs in the background so event delivery is
// not held up.
func (c *Chat) HandleChatCreated(conv *Conversation) {
	if conv == nil || conv.ID == "" {
		return
	}
	c.index.InsertCreated(conv)
	c.switchTo(conv.ID)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.loadNewest(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("load created conversation failed", "conversation_id", conv.ID, "error", err)
		}
	}()
}

// HandleConnect re-joins the open conversation after a (re)connect
func (c *Chat) HandleConnect() {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()

	if c.joined == "" {
		return
	}
	if err := c.channel.JoinConversation(c.joined); err != nil {
		c.logger.Warn("rejoin conversation failed", "conversation_id", c.joined, "error", err)
	}
}

// Joined is the conversation the channel is scoped to
func (c *Chat) Joined() string {
	c.switchMu.Lock()
	defer c.switchMu.Unlock()
	return c.joined
}

// Close stops background loads and waits for them
func (c *Chat) Close() {
	c.cancel()
	c.wg.Wait()
}
