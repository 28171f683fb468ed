// internal/receipts/tracker.go
// Turns bubble visibility into at-most-once message_seen signals

package receipts

import (
	"log/slog"
	"sync"

	"github.com/imadgeboyega/kiekky-sync/internal/common/logger"
	"github.com/imadgeboyega/kiekky-sync/internal/messaging"
	"github.com/imadgeboyega/kiekky-sync/internal/metrics"
)

// DefaultThreshold is the visible fraction at which a bubble counts as seen
const DefaultThreshold = 1.0

// Emitter sends the seen signal over the realtime channel
type Emitter interface {
	Connected() bool
	MarkSeen(messageID string) error
}

// Tracker watches mounted message bubbles and reports each one as seen at
// most once per mount.
type Tracker struct {
	emitter   Emitter
	selfID    string
	threshold float64
	logger    *slog.Logger

	mu       sync.Mutex
	observed map[string]struct{}
}

func NewTracker(emitter Emitter, selfID string, threshold float64, log *slog.Logger) *Tracker {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Tracker{
		emitter:   emitter,
		selfID:    selfID,
		threshold: threshold,
		logger:    log,
		observed:  make(map[string]struct{}),
	}
}

// Observe starts watching a bubble. Own messages and messages already known
// to be read are ignored; an unknown read state is treated as unread.
func (t *Tracker) Observe(msg *messaging.Message) bool {
	if msg == nil || msg.ID == "" {
		return false
	}
	if msg.AuthorID() == t.selfID || msg.ReadState() == messaging.ReadRead {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.observed[msg.ID] = struct{}{}
	return true
}

// ReportVisibility feeds the visible fraction of a bubble. Crossing the
// threshold stops observation first, so the signal is attempted once even
// if it is dropped.
func (t *Tracker) ReportVisibility(messageID string, ratio float64) {
	if ratio < t.threshold {
		return
	}

	t.mu.Lock()
	if _, ok := t.observed[messageID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.observed, messageID)
	t.mu.Unlock()

	if !t.emitter.Connected() {
		metrics.RecordReceipt("dropped")
		t.logger.Debug("seen signal dropped, channel disconnected", "message_id", messageID)
		return
	}
	if err := t.emitter.MarkSeen(messageID); err != nil {
		metrics.RecordReceipt("failed")
		t.logger.Warn("seen signal failed", "message_id", messageID, "error", err)
		return
	}
	metrics.RecordReceipt("emitted")
}

// Unobserve stops watching a bubble that was unmounted
func (t *Tracker) Unobserve(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.observed, messageID)
}

// Reset forgets every bubble, e.g. when the open conversation changes
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observed = make(map[string]struct{})
}

func (t *Tracker) Observed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.observed)
}
