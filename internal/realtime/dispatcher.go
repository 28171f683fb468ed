// internal/realtime/dispatcher.go

package realtime

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/imadgeboyega/kiekky-sync/internal/common/logger"
	"github.com/imadgeboyega/kiekky-sync/internal/messaging"
	"github.com/imadgeboyega/kiekky-sync/internal/notifications"
)

// Listener receives channel events. Nil callbacks are skipped.
type Listener struct {
	OnConnect      func()
	OnDisconnect   func(reason string)
	OnError        func(err *EventError)
	OnMessage      func(msg *messaging.Message)
	OnMessageSeen  func(messageID string)
	OnNotification func(n *notifications.Notification)
	OnChatCreated  func(conv *messaging.Conversation)
}

// Subscription is a registered Listener
type Subscription struct {
	ID       string
	listener Listener
	d        *Dispatcher

	mu     sync.Mutex
	active bool
}

// Unsubscribe stops delivery to this listener. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()
	s.d.remove(s.ID)
}

func (s *Subscription) isActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Dispatcher fans events out to subscribers from a single goroutine, in the
// order they were emitted.
type Dispatcher struct {
	logger *slog.Logger

	subsMu sync.RWMutex
	subs   []*Subscription

	sendMu sync.Mutex
	closed bool
	events chan item
	done   chan struct{}
}

type item struct {
	deliver func(*Listener)
	flushed chan struct{}
}

const eventBuffer = 256

func NewDispatcher(log *slog.Logger) *Dispatcher {
	if log == nil {
		log = logger.Discard()
	}
	d := &Dispatcher{
		logger: log,
		events: make(chan item, eventBuffer),
		done:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Subscribe registers l for every event emitted from now on
func (d *Dispatcher) Subscribe(l Listener) *Subscription {
	s := &Subscription{ID: uuid.NewString(), listener: l, d: d, active: true}
	d.subsMu.Lock()
	d.subs = append(d.subs, s)
	d.subsMu.Unlock()
	return s
}

func (d *Dispatcher) remove(id string) {
	d.subsMu.Lock()
	defer d.subsMu.Unlock()
	for i, s := range d.subs {
		if s.ID == id {
			d.subs = append(d.subs[:i:i], d.subs[i+1:]...)
			return
		}
	}
}

func (d *Dispatcher) Subscribers() int {
	d.subsMu.RLock()
	defer d.subsMu.RUnlock()
	return len(d.subs)
}

func (d *Dispatcher) EmitConnect() {
	d.emit(func(l *Listener) {
		if l.OnConnect != nil {
			l.OnConnect()
		}
	})
}

func (d *Dispatcher) EmitDisconnect(reason string) {
	d.emit(func(l *Listener) {
		if l.OnDisconnect != nil {
			l.OnDisconnect(reason)
		}
	})
}

func (d *Dispatcher) EmitError(err *EventError) {
	d.emit(func(l *Listener) {
		if l.OnError != nil {
			l.OnError(err)
		}
	})
}

// EmitMessage hands each subscriber its own copy
func (d *Dispatcher) EmitMessage(msg *messaging.Message) {
	d.emit(func(l *Listener) {
		if l.OnMessage != nil {
			l.OnMessage(msg.Clone())
		}
	})
}

func (d *Dispatcher) EmitMessageSeen(messageID string) {
	d.emit(func(l *Listener) {
		if l.OnMessageSeen != nil {
			l.OnMessageSeen(messageID)
		}
	})
}

func (d *Dispatcher) EmitNotification(n *notifications.Notification) {
	d.emit(func(l *Listener) {
		if l.OnNotification != nil {
			l.OnNotification(n.Clone())
		}
	})
}

func (d *Dispatcher) EmitChatCreated(conv *messaging.Conversation) {
	d.emit(func(l *Listener) {
		if l.OnChatCreated != nil {
			l.OnChatCreated(conv.Clone())
		}
	})
}

func (d *Dispatcher) emit(fn func(*Listener)) {
	d.enqueue(item{deliver: fn})
}

func (d *Dispatcher) enqueue(it item) bool {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	if d.closed {
		return false
	}
	d.events <- it
	return true
}

// Drain blocks until every event emitted before the call was delivered.
// It must not be called from a listener.
func (d *Dispatcher) Drain() {
	marker := make(chan struct{})
	if d.enqueue(item{flushed: marker}) {
		<-marker
	}
}

// Close delivers what is queued and stops the dispatch goroutine. Later
// emits are dropped.
func (d *Dispatcher) Close() {
	d.sendMu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.sendMu.Unlock()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for it := range d.events {
		if it.flushed != nil {
			close(it.flushed)
			continue
		}
		d.subsMu.RLock()
		subs := append([]*Subscription(nil), d.subs...)
		d.subsMu.RUnlock()

		for _, s := range subs {
			if s.isActive() {
				d.deliver(s, it.deliver)
			}
		}
	}
}

func (d *Dispatcher) deliver(s *Subscription, fn func(*Listener)) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("subscriber panicked", "subscription_id", s.ID, "panic", r)
		}
	}()
	fn(&s.listener)
}
