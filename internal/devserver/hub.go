// internal/devserver/hub.go

package devserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/imadgeboyega/kiekky-sync/internal/realtime"
)

// Envelope is one event addressed to users and/or a room. It is the unit
// that crosses instances when a fan-out is configured.
type Envelope struct {
	UserIDs []string        `json:"userIds,omitempty"`
	Room    string          `json:"room,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Fanout carries envelopes between backend instances
type Fanout interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe(ctx context.Context, deliver func(Envelope)) error
}

// Hub maintains the connected sockets, indexed by user and by room
type Hub struct {
	logger *slog.Logger
	fanout Fanout

	clients    map[string]map[*Client]struct{}
	rooms      map[string]map[*Client]struct{}
	clientsMux sync.RWMutex

	broadcast  chan Envelope
	register   chan *Client
	unregister chan *Client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewHub(fanout Fanout, log *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		logger:     log.With("component", "hub"),
		fanout:     fanout,
		clients:    make(map[string]map[*Client]struct{}),
		rooms:      make(map[string]map[*Client]struct{}),
		broadcast:  make(chan Envelope, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start subscribes to the fan-out, if any, and runs the hub loop until
// Shutdown. Call it before serving sockets.
func (h *Hub) Start() {
	if h.fanout != nil {
		if err := h.fanout.Subscribe(h.ctx, h.enqueue); err != nil {
			h.logger.Error("fan-out subscription failed, delivering locally only", "error", err)
			h.fanout = nil
		}
	}
	h.wg.Add(1)
	go h.run()
}

func (h *Hub) run() {
	defer h.wg.Done()
	defer h.cleanup()

	for {
		select {
		case client := <-h.register:
			h.registerClient(client)
			close(client.registered)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case env := <-h.broadcast:
			h.deliver(env)
		case <-h.ctx.Done():
			return
		}
	}
}

// Register adds an authenticated client. It returns once the hub has
// recorded it, so events published afterwards reach it.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
	case <-h.ctx.Done():
		return false
	}
	select {
	case <-c.registered:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

func (h *Hub) registerClient(c *Client) {
	h.clientsMux.Lock()
	defer h.clientsMux.Unlock()

	set, ok := h.clients[c.userID]
	if !ok {
		set = make(map[*Client]struct{})
		h.clients[c.userID] = set
	}
	set[c] = struct{}{}
	h.logger.Info("socket connected", "user_id", c.userID, "sid", c.sid, "sockets", len(set))
}

func (h *Hub) unregisterClient(c *Client) {
	h.clientsMux.Lock()
	defer h.clientsMux.Unlock()

	set, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
	for room, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	c.Close()
	h.logger.Info("socket disconnected", "user_id", c.userID, "sid", c.sid)
}

// Join scopes c to a conversation room
func (h *Hub) Join(c *Client, room string) {
	h.clientsMux.Lock()
	defer h.clientsMux.Unlock()

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
}

func (h *Hub) Leave(c *Client, room string) {
	h.clientsMux.Lock()
	defer h.clientsMux.Unlock()

	if members, ok := h.rooms[room]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Publish sends an event to every socket of the given users and to every
// member of room, on this instance and, with a fan-out, on the others.
func (h *Hub) Publish(ctx context.Context, env Envelope) error {
	if h.fanout != nil {
		return h.fanout.Publish(ctx, env)
	}
	h.enqueue(env)
	return nil
}

// SendToUser publishes event with payload to all sockets of userIDs
func (h *Hub) SendToUser(ctx context.Context, event string, payload any, userIDs ...string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return h.Publish(ctx, Envelope{UserIDs: userIDs, Event: event, Payload: data})
}

func (h *Hub) enqueue(env Envelope) {
	select {
	case h.broadcast <- env:
	case <-h.ctx.Done():
	}
}

func (h *Hub) deliver(env Envelope) {
	frame, err := realtime.EncodeEvent(env.Event, env.Payload)
	if err != nil {
		h.logger.Error("encode event failed", "event", env.Event, "error", err)
		return
	}

	h.clientsMux.RLock()
	targets := make(map[*Client]struct{})
	for _, userID := range env.UserIDs {
		for c := range h.clients[userID] {
			targets[c] = struct{}{}
		}
	}
	if env.Room != "" {
		for c := range h.rooms[env.Room] {
			targets[c] = struct{}{}
		}
	}
	h.clientsMux.RUnlock()

	for c := range targets {
		if !c.enqueue(frame) {
			h.logger.Warn("socket send buffer full, dropping socket", "user_id", c.userID, "sid", c.sid)
			c.Close()
		}
	}
}

// IsUserOnline reports whether userID has at least one socket
func (h *Hub) IsUserOnline(userID string) bool {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) GetActiveConnections() int {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

func (h *Hub) cleanup() {
	h.clientsMux.Lock()
	defer h.clientsMux.Unlock()
	for _, set := range h.clients {
		for c := range set {
			c.Close()
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.rooms = make(map[string]map[*Client]struct{})
}

// Shutdown stops the hub loop and closes every socket
func (h *Hub) Shutdown() {
	h.cancel()
	h.wg.Wait()
}
