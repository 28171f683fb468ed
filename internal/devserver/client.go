// internal/devserver/client.go

package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/imadgeboyega/kiekky-sync/internal/common/utils"
	"github.com/imadgeboyega/kiekky-sync/internal/messaging"
	"github.com/imadgeboyega/kiekky-sync/internal/metrics"
	"github.com/imadgeboyega/kiekky-sync/internal/realtime"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Maximum frame size allowed from peer
	maxMessageSize = 512 * 1024 // 512KB

	sendBufferSize = 256
)

// Client is one Socket.IO connection. It is unauthenticated until the
// namespace connect packet carries a valid token.
type Client struct {
	srv     *Server
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	sid     string
	userID  string
	limiter *rate.Limiter
	logger  *slog.Logger

	registered chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once
	pumpDone   chan struct{}
}

func newClient(srv *Server, conn *websocket.Conn) *Client {
	sid := uuid.NewString()
	return &Client{
		srv:        srv,
		hub:        srv.hub,
		conn:       conn,
		send:       make(chan []byte, sendBufferSize),
		sid:        sid,
		limiter:    rate.NewLimiter(rate.Limit(srv.cfg.MessageRateLimit), srv.cfg.MessageRateBurst),
		logger:     srv.logger.With("sid", sid),
		registered: make(chan struct{}),
		closed:     make(chan struct{}),
		pumpDone:   make(chan struct{}),
	}
}

// serve runs the connection until either side closes it
func (c *Client) serve(ctx context.Context) {
	go c.writePump()
	c.readPump(ctx)
	<-c.pumpDone
}

// Close stops the write pump, which flushes queued frames and then closes
// the websocket
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// enqueue queues a frame. It reports false when the buffer is full.
func (c *Client) enqueue(frame []byte) bool {
	select {
	case <-c.closed:
		return true
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		select {
		case <-c.registered:
			c.hub.Unregister(c)
			metrics.SocketDisconnected()
		default:
		}
		c.Close()
	}()

	deadline := c.srv.pingInterval + c.srv.pingTimeout
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(deadline))

	open, err := json.Marshal(realtime.OpenPayload{
		SID:          c.sid,
		Upgrades:     []string{},
		PingInterval: int(c.srv.pingInterval / time.Millisecond),
		PingTimeout:  int(c.srv.pingTimeout / time.Millisecond),
		MaxPayload:   maxMessageSize,
	})
	if err != nil {
		return
	}
	c.enqueue(realtime.EncodeEngine(realtime.EngineOpen, open))

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket closed", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(deadline))

		typ, payload, err := realtime.DecodeEngine(frame)
		if err != nil {
			continue
		}
		switch typ {
		case realtime.EnginePing:
			c.enqueue(realtime.EncodeEngine(realtime.EnginePong, payload))
		case realtime.EngineClose:
			return
		case realtime.EngineMessage:
			if !c.handlePacket(ctx, payload) {
				return
			}
		}
	}
}

// handlePacket processes one Socket.IO packet. It reports false when the
// connection should end.
func (c *Client) handlePacket(ctx context.Context, payload []byte) bool {
	pkt, err := realtime.DecodeSocket(payload)
	if err != nil {
		c.logger.Debug("malformed packet", "error", err)
		return true
	}
	if pkt.Namespace != "/" {
		c.enqueue(realtime.EncodeConnectError("Invalid namespace"))
		return true
	}

	switch pkt.Type {
	case realtime.SocketConnect:
		return c.connect(pkt.Data)
	case realtime.SocketDisconnect:
		return false
	case realtime.SocketEvent:
		if c.userID == "" {
			return true
		}
		name, args, err := pkt.Event()
		if err != nil {
			c.logger.Debug("malformed event", "error", err)
			return true
		}
		c.handleEvent(ctx, name, args)
	}
	return true
}

func (c *Client) connect(data json.RawMessage) bool {
	if c.userID != "" {
		return true
	}

	var auth struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(data, &auth)

	claims, err := utils.ValidateJWT(auth.Token, c.srv.cfg.JWTSecret)
	if err != nil {
		message := "Unauthorized"
		if errors.Is(err, utils.ErrTokenExpired) {
			message = "Token expired"
		}
		c.logger.Info("socket connect refused", "reason", message)
		c.enqueue(realtime.EncodeConnectError(message))
		return false
	}

	c.userID = claims.UserID
	c.logger = c.logger.With("user_id", c.userID)
	if !c.hub.Register(c) {
		return false
	}
	metrics.SocketConnected()

	ack, err := realtime.EncodeConnect(map[string]string{"sid": c.sid})
	if err != nil {
		return false
	}
	c.enqueue(ack)
	return true
}

func (c *Client) handleEvent(ctx context.Context, name string, args []json.RawMessage) {
	switch name {
	case realtime.EventJoinChat:
		id, ok := stringArg(args)
		if !ok {
			c.emitError("Invalid conversation id")
			return
		}
		conv, err := c.srv.repo.Conversation(id)
		if err != nil || !conv.HasParticipant(c.userID) {
			c.emitError("Conversation not found")
			return
		}
		c.hub.Join(c, id)

	case realtime.EventLeaveChat:
		if id, ok := stringArg(args); ok {
			c.hub.Leave(c, id)
		}

	case realtime.EventNewMessage:
		if !c.limiter.Allow() {
			metrics.RecordBackendMessage("rate_limited")
			c.emitError("Rate limit exceeded")
			return
		}
		var req messaging.SendMessageRequest
		if len(args) == 0 || json.Unmarshal(args[0], &req) != nil {
			c.emitError("Invalid message payload")
			return
		}
		if _, err := c.srv.service.SendMessage(ctx, c.userID, &req); err != nil {
			c.emitError(err.Error())
		}

	case realtime.EventMessageSeen:
		var seen realtime.SeenPayload
		if len(args) == 0 || json.Unmarshal(args[0], &seen) != nil {
			return
		}
		if err := c.srv.service.MarkSeen(ctx, c.userID, seen.MessageID); err != nil {
			c.logger.Debug("mark seen ignored", "message_id", seen.MessageID, "error", err)
		}

	default:
		c.logger.Debug("unknown event", "event", name)
	}
}

func (c *Client) emitError(message string) {
	frame, err := realtime.EncodeEvent(realtime.EventErrorName, map[string]string{"message": message})
	if err != nil {
		return
	}
	c.enqueue(frame)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.srv.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.pumpDone)
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.write([]byte{realtime.EnginePing}); err != nil {
				c.Close()
				return
			}
		case <-c.closed:
			if err := c.drain(); err != nil {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// drain flushes frames queued before Close
func (c *Client) drain() error {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Client) write(frame []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func stringArg(args []json.RawMessage) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(args[0], &s); err != nil || s == "" {
		return "", false
	}
	return s, true
}
