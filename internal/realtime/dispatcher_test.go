package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/imadgeboyega/kiekky-sync/internal/messaging"
)

func TestDispatcherPreservesOrder(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Close()

	var got []string
	d.Subscribe(Listener{
		OnConnect:     func() { got = append(got, "connect") },
		OnMessage:     func(m *messaging.Message) { got = append(got, "message:"+m.ID) },
		OnMessageSeen: func(id string) { got = append(got, "seen:"+id) },
		OnDisconnect:  func(reason string) { got = append(got, "disconnect:"+reason) },
	})

	d.EmitConnect()
	d.EmitMessage(&messaging.Message{ID: "m1"})
	d.EmitMessageSeen("m1")
	d.EmitMessage(&messaging.Message{ID: "m2"})
	d.EmitDisconnect("transport close")
	d.Drain()

	assert.Equal(t, []string{"connect", "message:m1", "seen:m1", "message:m2", "disconnect:transport close"}, got)
}

func TestDispatcherIndependentSubscribers(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Close()

	var a, b []string
	subA := d.Subscribe(Listener{OnMessage: func(m *messaging.Message) {
		a = append(a, m.ID)
		m.Content = "mutated by a"
	}})
	d.Subscribe(Listener{OnMessage: func(m *messaging.Message) { b = append(b, m.Content) }})
	assert.Equal(t, 2, d.Subscribers())

	d.EmitMessage(&messaging.Message{ID: "m1", Content: "hi"})
	d.Drain()
	subA.Unsubscribe()
	subA.Unsubscribe()
	d.EmitMessage(&messaging.Message{ID: "m2", Content: "yo"})
	d.Drain()

	assert.Equal(t, []string{"m1"}, a)
	assert.Equal(t, []string{"hi", "yo"}, b, "each subscriber gets its own copy")
	assert.Equal(t, 1, d.Subscribers())
}

func TestDispatcherSurvivesPanickingSubscriber(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Close()

	var errs []*EventError
	d.Subscribe(Listener{OnError: func(*EventError) { panic("boom") }})
	d.Subscribe(Listener{OnError: func(e *EventError) { errs = append(errs, e) }})

	d.EmitError(&EventError{Message: "x"})
	d.EmitError(&EventError{Message: "y"})
	d.Drain()

	assert.Len(t, errs, 2)
}

func TestDispatcherDropsAfterClose(t *testing.T) {
	d := NewDispatcher(nil)
	calls := 0
	d.Subscribe(Listener{OnConnect: func() { calls++ }})

	d.EmitConnect()
	d.Close()
	d.EmitConnect()
	d.Drain()

	assert.Equal(t, 1, calls)
}
