// internal/notifications/feed.go

package notifications

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/imadgeboyega/kiekky-sync/internal/common/logger"
	"github.com/imadgeboyega/kiekky-sync/internal/metrics"
)

// DefaultCloseGrace is how long Close lets background calls finish before
// cancelling them
const DefaultCloseGrace = 2 * time.Second

// Client is the REST surface the feed needs
type Client interface {
	ListNotifications(ctx context.Context) ([]*Notification, error)
	MarkAllNotificationsRead(ctx context.Context) error
	MarkNotificationRead(ctx context.Context, id string) error
}

// Feed holds the user's notifications, merged from REST batches and live
// pushes and deduplicated by id.
type Feed struct {
	client Client
	logger *slog.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closeGrace time.Duration

	mu         sync.Mutex
	items      []*Notification
	byID       map[string]*Notification
	fetching   int
	liveDuring map[string]*Notification

	// resyncPending is set when a partial push lands while a resync is in
	// flight; that fetch may predate the pushed item.
	resyncing     bool
	resyncPending bool
}

func NewFeed(client Client, log *slog.Logger) *Feed {
	if log == nil {
		log = logger.Discard()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		client:     client,
		logger:     log,
		ctx:        ctx,
		cancel:     cancel,
		closeGrace: DefaultCloseGrace,
		byID:       make(map[string]*Notification),
	}
}

// FetchAll replaces the held set with the server batch. Items pushed live
// while the request was in flight survive if the batch does not have them.
func (f *Feed) FetchAll(ctx context.Context) error {
	f.mu.Lock()
	if f.fetching == 0 {
		f.liveDuring = make(map[string]*Notification)
	}
	f.fetching++
	f.mu.Unlock()

	batch, err := f.client.ListNotifications(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()

	f.fetching--
	live := f.liveDuring
	if f.fetching == 0 {
		f.liveDuring = nil
	}
	if err != nil {
		return pkgerrors.Wrap(err, "fetch notifications")
	}

	items := make([]*Notification, 0, len(batch))
	byID := make(map[string]*Notification, len(batch))
	for _, n := range batch {
		if n == nil || n.ID == "" {
			continue
		}
		if _, dup := byID[n.ID]; dup {
			metrics.RecordDuplicate("notification")
			continue
		}
		n = n.Clone()
		byID[n.ID] = n
		items = append(items, n)
	}
	for id, n := range live {
		if _, ok := byID[id]; !ok {
			byID[id] = n
			items = append(items, n)
		}
	}
	f.items, f.byID = items, byID

	f.logger.Debug("notifications fetched", "count", len(items))
	return nil
}

// ApplyLive merges one pushed notification. A push without a resolvable
// sender triggers a background refetch instead of being inserted. It reports
// whether the item was added.
func (f *Feed) ApplyLive(n *Notification) bool {
	if n == nil || n.ID == "" {
		return false
	}
	if !n.HasSender() {
		f.resync()
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.byID[n.ID]; ok {
		metrics.RecordDuplicate("notification")
		return false
	}
	n = n.Clone()
	f.byID[n.ID] = n
	f.items = append(f.items, n)
	if f.liveDuring != nil {
		f.liveDuring[n.ID] = n
	}
	return true
}

func (f *Feed) resync() {
	f.mu.Lock()
	if f.resyncing {
		f.resyncPending = true
		f.mu.Unlock()
		return
	}
	f.resyncing = true
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for {
			metrics.RecordNotificationResync()
			if err := f.FetchAll(f.ctx); err != nil && !errors.Is(err, context.Canceled) {
				f.logger.Warn("notification resync failed", "error", err)
			}

			f.mu.Lock()
			again := f.resyncPending && f.ctx.Err() == nil
			f.resyncPending = false
			if !again {
				f.resyncing = false
			}
			f.mu.Unlock()
			if !again {
				return
			}
		}
	}()
}

// MarkAllRead flips every notification to read and tells the server with a
// single call. The local state is kept even if that call fails.
func (f *Feed) MarkAllRead() int {
	f.mu.Lock()
	flipped := 0
	for _, n := range f.items {
		if !n.IsRead {
			n.IsRead = true
			flipped++
		}
	}
	f.mu.Unlock()

	f.background("mark all read", func(ctx context.Context) error {
		return f.client.MarkAllNotificationsRead(ctx)
	})
	return flipped
}

// MarkOneRead flips one notification to read and tells the server. It
// reports whether the id is held.
func (f *Feed) MarkOneRead(id string) bool {
	f.mu.Lock()
	n, ok := f.byID[id]
	if ok {
		n.IsRead = true
	}
	f.mu.Unlock()

	if !ok {
		return false
	}
	f.background("mark read", func(ctx context.Context) error {
		return f.client.MarkNotificationRead(ctx, id)
	}, "notification_id", id)
	return true
}

func (f *Feed) background(op string, call func(ctx context.Context) error, attrs ...any) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		if err := call(f.ctx); err != nil {
			f.logger.Warn(op+" failed, keeping local state", append(attrs, "error", err)...)
		}
	}()
}

// View returns the notifications of category, newest first
func (f *Feed) View(category Category) []*Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Filter(f.items, category)
}

func (f *Feed) UnreadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	count := 0
	for _, n := range f.items {
		if !n.IsRead {
			count++
		}
	}
	return count
}

func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Close gives background calls up to the close grace to finish, cancels
// whatever is still running and waits for it to return.
func (f *Feed) Close() {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(f.closeGrace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		f.logger.Warn("notification calls still running, cancelling")
		f.cancel()
		<-done
	}
	f.cancel()
}
