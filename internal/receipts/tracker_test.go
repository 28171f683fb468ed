package receipts

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/imadgeboyega/kiekky-sync/internal/messaging"
)

type fakeEmitter struct {
	mu        sync.Mutex
	connected bool
	err       error
	seen      []string
}

func (f *fakeEmitter) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeEmitter) MarkSeen(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, id)
	return f.err
}

func bubble(id, sender string) *messaging.Message {
	return &messaging.Message{ID: id, ConversationID: "c1", SenderID: sender}
}

func TestTrackerEmitsOncePerMount(t *testing.T) {
	em := &fakeEmitter{connected: true}
	tr := NewTracker(em, "me", 0, nil)

	assert.True(t, tr.Observe(bubble("m1", "u1")))
	tr.ReportVisibility("m1", 0.4)
	assert.Empty(t, em.seen)

	for i := 0; i < 5; i++ {
		tr.ReportVisibility("m1", 1)
	}
	assert.Equal(t, []string{"m1"}, em.seen)
	assert.Zero(t, tr.Observed())
}

func TestTrackerSkipsOwnAndReadMessages(t *testing.T) {
	em := &fakeEmitter{connected: true}
	tr := NewTracker(em, "me", 1, nil)

	read := bubble("m2", "u1")
	read.SetRead(true)
	unread := bubble("m3", "u1")
	unread.SetRead(false)

	assert.False(t, tr.Observe(bubble("m1", "me")))
	assert.False(t, tr.Observe(read))
	assert.True(t, tr.Observe(unread))
	assert.True(t, tr.Observe(bubble("m4", "u1")), "unknown read state counts as unread")

	tr.ReportVisibility("m1", 1)
	tr.ReportVisibility("m2", 1)
	assert.Empty(t, em.seen)
}

func TestTrackerDropsWhileDisconnected(t *testing.T) {
	em := &fakeEmitter{}
	tr := NewTracker(em, "me", 1, nil)
	tr.Observe(bubble("m1", "u1"))

	tr.ReportVisibility("m1", 1)
	assert.Empty(t, em.seen)

	// not queued for later
	em.connected = true
	tr.ReportVisibility("m1", 1)
	assert.Empty(t, em.seen)

	// a new mount gets a new attempt
	tr.Observe(bubble("m1", "u1"))
	tr.ReportVisibility("m1", 1)
	assert.Equal(t, []string{"m1"}, em.seen)
}

func TestTrackerEmitFailureIsNotRetried(t *testing.T) {
	em := &fakeEmitter{connected: true, err: errors.New("socket closed")}
	tr := NewTracker(em, "me", 1, nil)
	tr.Observe(bubble("m1", "u1"))

	tr.ReportVisibility("m1", 1)
	tr.ReportVisibility("m1", 1)
	assert.Len(t, em.seen, 1)
}

func TestTrackerThreshold(t *testing.T) {
	em := &fakeEmitter{connected: true}
	tr := NewTracker(em, "me", 0.5, nil)
	tr.Observe(bubble("m1", "u1"))

	tr.ReportVisibility("m1", 0.49)
	assert.Empty(t, em.seen)
	tr.ReportVisibility("m1", 0.5)
	assert.Equal(t, []string{"m1"}, em.seen)
}

func TestTrackerUnobserveAndReset(t *testing.T) {
	em := &fakeEmitter{connected: true}
	tr := NewTracker(em, "me", 1, nil)
	tr.Observe(bubble("m1", "u1"))
	tr.Observe(bubble("m2", "u1"))
	tr.Observe(bubble("m3", "u1"))

	tr.Unobserve("m1")
	tr.ReportVisibility("m1", 1)
	assert.Equal(t, 2, tr.Observed())

	tr.Reset()
	tr.ReportVisibility("m2", 1)
	assert.Zero(t, tr.Observed())
	assert.Empty(t, em.seen)
}

func TestTrackerConcurrentReports(t *testing.T) {
	em := &fakeEmitter{connected: true}
	tr := NewTracker(em, "me", 1, nil)
	tr.Observe(bubble("m1", "u1"))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.ReportVisibility("m1", 1)
		}()
	}
	wg.Wait()
	assert.Len(t, em.seen, 1)
}
