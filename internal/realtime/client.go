// internal/realtime/client.go

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	pkgerrors "github.com/pkg/errors"

	"github.com/imadgeboyega/kiekky-sync/internal/common/logger"
	"github.com/imadgeboyega/kiekky-sync/internal/common/utils"
	"github.com/imadgeboyega/kiekky-sync/internal/messaging"
	"github.com/imadgeboyega/kiekky-sync/internal/metrics"
	"github.com/imadgeboyega/kiekky-sync/internal/notifications"
)

const (
	// Time allowed to write a frame to the server
	writeWait = 10 * time.Second

	// Time allowed for the Engine.IO open packet after dialing
	handshakeTimeout = 20 * time.Second

	// Maximum frame size accepted from the server
	maxMessageSize = 512 * 1024 // 512KB

	sendBuffer = 256
)

// Disconnect reasons, as Socket.IO names them
const (
	ReasonServerDisconnect = "io server disconnect"
	ReasonClientDisconnect = "io client disconnect"
	ReasonPingTimeout      = "ping timeout"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
)

// Outbound and inbound event names
const (
	EventJoinChat     = "join_chat"
	EventLeaveChat    = "leave_chat"
	EventNewMessage   = "newMessage"
	EventMessageSeen  = "message_seen"
	EventMessage      = "message"
	EventNotification = "notification"
	EventChatCreated  = "chat_created"
	EventErrorName    = "error"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Options configures a Client
type Options struct {
	BaseURL        string
	Path           string
	ReconnectDelay time.Duration
	ReconnectMax   time.Duration
	Dialer         *websocket.Dialer
	Logger         *slog.Logger
}

// Client is the realtime channel of one authenticated user. Events are
// delivered to subscribers through the embedded Dispatcher.
type Client struct {
	*Dispatcher

	opts   Options
	dialer *websocket.Dialer
	logger *slog.Logger

	mu     sync.Mutex
	state  State
	userID string
	cancel context.CancelFunc
	done   chan struct{}
	conn   *connection
}

func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.ReconnectMax < opts.ReconnectDelay {
		opts.ReconnectMax = 5 * opts.ReconnectDelay
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}
	return &Client{
		Dispatcher: NewDispatcher(opts.Logger),
		opts:       opts,
		dialer:     dialer,
		logger:     opts.Logger.With("component", "realtime"),
	}
}

// connection is one live websocket. The write pump is its only writer.
type connection struct {
	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newConnection() *connection {
	return &connection{
		send:   make(chan []byte, sendBuffer),
		closed: make(chan struct{}),
	}
}

func (c *connection) enqueue(frame []byte) error {
	select {
	case <-c.closed:
		return ErrNotConnected
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.closed:
		return ErrNotConnected
	default:
		return errors.New("realtime: send buffer full")
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// stopError ends the connection loop without a reconnect
type stopError struct {
	reason string
}

func (e *stopError) Error() string {
	return "realtime stopped: " + e.reason
}

// Connect starts the connection loop for userID. It is a no-op while the
// same user is connecting or connected; another user replaces the current
// connection. Failures reach subscribers as OnError, never as a return.
func (c *Client) Connect(userID, token string) {
	c.mu.Lock()
	if c.cancel != nil {
		if c.userID == userID {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		c.Disconnect()
		c.mu.Lock()
		if c.cancel != nil {
			c.mu.Unlock()
			return
		}
	}

	if claims, err := utils.PeekJWT(token); err == nil && claims.Expired(time.Now()) {
		c.mu.Unlock()
		c.logger.Warn("not connecting, token expired", "user_id", userID)
		c.EmitError(&EventError{Message: "token expired", Auth: true})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.userID, c.cancel, c.done, c.state = userID, cancel, done, Connecting
	c.mu.Unlock()

	go c.run(ctx, token, done)
}

// Disconnect leaves the namespace, closes the socket and stops the loop
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.cancel = nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	if conn != nil {
		_ = conn.enqueue(EncodeDisconnect())
	}
	cancel()
	<-done
}

// Close disconnects and stops event delivery
func (c *Client) Close() {
	c.Disconnect()
	c.Dispatcher.Close()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Connected() bool {
	return c.State() == Connected
}

// UserID is the user the channel was last connected for
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) JoinConversation(conversationID string) error {
	return c.emitEvent(EventJoinChat, conversationID)
}

func (c *Client) LeaveConversation(conversationID string) error {
	return c.emitEvent(EventLeaveChat, conversationID)
}

func (c *Client) SendMessage(receiverID, content string, imageURL *string) error {
	return c.emitEvent(EventNewMessage, messaging.SendMessageRequest{
		ReceiverID: receiverID,
		Content:    content,
		ImageURL:   imageURL,
	})
}

// MarkSeen reports a message as seen. It fails with ErrNotConnected rather
// than queueing while the channel is down.
func (c *Client) MarkSeen(messageID string) error {
	return c.emitEvent(EventMessageSeen, SeenPayload{MessageID: messageID})
}

// SeenPayload is the body of message_seen in both directions
type SeenPayload struct {
	MessageID string `json:"messageId" validate:"required"`
}

func (c *Client) emitEvent(name string, arg any) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if conn == nil || state != Connected {
		return ErrNotConnected
	}
	frame, err := EncodeEvent(name, arg)
	if err != nil {
		return pkgerrors.Wrapf(err, "encode %s", name)
	}
	return conn.enqueue(frame)
}

func (c *Client) run(ctx context.Context, token string, done chan struct{}) {
	defer func() {
		c.mu.Lock()
		if c.done == done {
			c.cancel = nil
			c.state = Disconnected
			c.conn = nil
		}
		c.mu.Unlock()
		close(done)
	}()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.ReconnectDelay
	b.MaxInterval = c.opts.ReconnectMax
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(b, ctx)

	for {
		connected, err := c.session(ctx, token)
		if ctx.Err() != nil {
			return
		}
		var stop *stopError
		if errors.As(err, &stop) {
			c.logger.Info("realtime loop stopped", "reason", stop.reason)
			return
		}
		if connected {
			policy.Reset()
		}

		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			return
		}
		metrics.RecordReconnectAttempt()
		c.logger.Info("reconnecting", "in", wait, "error", err)
		c.setState(Connecting)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// session runs one websocket from dial to close. It reports whether the
// namespace connect succeeded.
func (c *Client) session(ctx context.Context, token string) (bool, error) {
	endpoint, err := SocketURL(c.opts.BaseURL, c.opts.Path)
	if err != nil {
		c.EmitError(&EventError{Message: err.Error()})
		return false, &stopError{reason: "invalid url: " + err.Error()}
	}

	ws, resp, err := c.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			c.EmitError(&EventError{Message: "unauthorized", Auth: true})
			return false, &stopError{reason: "unauthorized"}
		}
		c.logger.Warn("dial failed", "error", err)
		c.EmitError(&EventError{Message: err.Error()})
		return false, err
	}
	ws.SetReadLimit(maxMessageSize)

	conn := newConnection()
	pumpDone := make(chan struct{})
	go c.writePump(ws, conn, pumpDone)

	sessionDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.close()
			select {
			case <-pumpDone:
			case <-time.After(writeWait):
			}
			ws.Close()
		case <-sessionDone:
		}
	}()

	connected := false
	reason, err := c.readLoop(ctx, ws, conn, token, &connected)

	close(sessionDone)
	conn.close()
	<-pumpDone
	ws.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	if c.state == Connected {
		c.state = Disconnected
	}
	c.mu.Unlock()

	if connected {
		metrics.RecordRealtimeEvent("disconnect")
		c.logger.Info("realtime disconnected", "reason", reason)
		c.EmitDisconnect(reason)
	}
	return connected, err
}

func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn, conn *connection, token string, connected *bool) (string, error) {
	ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	_, frame, err := ws.ReadMessage()
	if err != nil {
		return c.readFailure(ctx, err)
	}
	open, err := decodeOpen(frame)
	if err != nil {
		c.EmitError(&EventError{Message: err.Error()})
		return ReasonTransportError, err
	}
	pingTimeout := time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond
	ws.SetReadDeadline(time.Now().Add(pingTimeout))

	hello, err := EncodeConnect(map[string]string{"token": token})
	if err != nil {
		return ReasonTransportError, err
	}
	if err := conn.enqueue(hello); err != nil {
		return ReasonTransportError, err
	}

	for {
		_, frame, err := ws.ReadMessage()
		if err != nil {
			return c.readFailure(ctx, err)
		}
		typ, payload, err := DecodeEngine(frame)
		if err != nil {
			c.logger.Debug("skipping malformed frame", "error", err)
			continue
		}

		switch typ {
		case EnginePing:
			ws.SetReadDeadline(time.Now().Add(pingTimeout))
			_ = conn.enqueue(EncodeEngine(EnginePong, payload))
		case EngineClose:
			return ReasonTransportClose, errors.New("engine closed by server")
		case EngineMessage:
			pkt, err := DecodeSocket(payload)
			if err != nil {
				c.logger.Warn("skipping malformed packet", "error", err)
				continue
			}
			if pkt.Namespace != "/" {
				continue
			}
			if err := c.handlePacket(pkt, conn, connected); err != nil {
				var stop *stopError
				if errors.As(err, &stop) {
					return stop.reason, err
				}
				return ReasonTransportError, err
			}
		}
	}
}

func (c *Client) readFailure(ctx context.Context, err error) (string, error) {
	if ctx.Err() != nil {
		return ReasonClientDisconnect, ctx.Err()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonPingTimeout, err
	}
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		c.logger.Warn("websocket closed unexpectedly", "error", err)
	}
	return ReasonTransportClose, err
}

func decodeOpen(frame []byte) (*OpenPayload, error) {
	typ, payload, err := DecodeEngine(frame)
	if err != nil {
		return nil, err
	}
	if typ != EngineOpen {
		return nil, pkgerrors.Errorf("expected open packet, got %q", typ)
	}
	var open OpenPayload
	if err := json.Unmarshal(payload, &open); err != nil {
		return nil, pkgerrors.Wrap(err, "decode open packet")
	}
	if err := utils.ValidateStruct(open); err != nil {
		return nil, pkgerrors.Wrap(err, "invalid open packet")
	}
	return &open, nil
}

func (c *Client) handlePacket(pkt *Packet, conn *connection, connected *bool) error {
	switch pkt.Type {
	case SocketConnect:
		*connected = true
		c.mu.Lock()
		c.conn = conn
		c.state = Connected
		c.mu.Unlock()

		metrics.RecordRealtimeEvent("connect")
		c.logger.Info("realtime connected", "user_id", c.UserID())
		c.EmitConnect()

	case SocketConnectError:
		msg := errorMessage(pkt.Data)
		ev := &EventError{Message: msg, Auth: IsAuthMessage(msg)}
		c.logger.Warn("connect refused", "message", msg, "auth", ev.Auth)
		c.EmitError(ev)
		return &stopError{reason: "connect refused: " + msg}

	case SocketDisconnect:
		return &stopError{reason: ReasonServerDisconnect}

	case SocketEvent:
		name, args, err := pkt.Event()
		if err != nil {
			c.logger.Warn("skipping malformed event", "error", err)
			return nil
		}
		return c.handleEvent(name, args)
	}
	return nil
}

func (c *Client) handleEvent(name string, args []json.RawMessage) error {
	metrics.RecordRealtimeEvent(name)

	switch name {
	case EventMessage:
		var msg messaging.Message
		if c.decodeArg(name, args, &msg) {
			c.EmitMessage(&msg)
		}

	case EventMessageSeen:
		var seen SeenPayload
		if c.decodeArg(name, args, &seen) {
			c.EmitMessageSeen(seen.MessageID)
		}

	case EventNotification:
		var n notifications.Notification
		if c.decodeArg(name, args, &n) {
			c.EmitNotification(&n)
		}

	case EventChatCreated:
		var conv messaging.Conversation
		if c.decodeArg(name, args, &conv) {
			c.EmitChatCreated(&conv)
		}

	case EventErrorName:
		var raw json.RawMessage
		if len(args) > 0 {
			raw = args[0]
		}
		msg := errorMessage(raw)
		ev := &EventError{Message: msg, Auth: IsAuthMessage(msg)}
		c.logger.Warn("server error event", "message", msg, "auth", ev.Auth)
		c.EmitError(ev)
		if ev.Auth {
			return &stopError{reason: "auth error: " + msg}
		}

	default:
		c.logger.Debug("ignoring event", "event", name)
	}
	return nil
}

// decodeArg decodes and validates the first event argument into v
func (c *Client) decodeArg(event string, args []json.RawMessage, v any) bool {
	if len(args) == 0 {
		c.logger.Warn("event without payload", "event", event)
		return false
	}
	if err := json.Unmarshal(args[0], v); err != nil {
		c.logger.Warn("undecodable event payload", "event", event, "error", err)
		return false
	}
	if err := utils.ValidateStruct(v); err != nil {
		c.logger.Warn("invalid event payload", "event", event, "error", err)
		return false
	}
	return true
}

// writePump adapts frames queued on conn to the socket. On close it flushes
// what is queued and sends a close frame.
func (c *Client) writePump(ws *websocket.Conn, conn *connection, done chan struct{}) {
	defer close(done)

	write := func(frame []byte) error {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		return ws.WriteMessage(websocket.TextMessage, frame)
	}

	for {
		select {
		case frame := <-conn.send:
			if err := write(frame); err != nil {
				c.logger.Debug("write failed", "error", err)
				conn.close()
				ws.Close()
				return
			}
		case <-conn.closed:
			for {
				select {
				case frame := <-conn.send:
					if err := write(frame); err != nil {
						return
					}
				default:
					ws.SetWriteDeadline(time.Now().Add(writeWait))
					_ = ws.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}
