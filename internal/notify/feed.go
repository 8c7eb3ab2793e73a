// Package notify keeps the notification feed and its unread count.
package notify

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-sync/internal/channel"
	"github.com/pelusa-v/pelusa-sync/internal/chat"
	"github.com/pelusa-v/pelusa-sync/internal/sched"
)

type Backend interface {
	Notifications(ctx context.Context, self chat.Identity, limit, offset int) (chat.NotificationPage, error)
	NotificationUnreadCount(ctx context.Context, self chat.Identity) (int, error)
	MarkNotificationRead(ctx context.Context, id string) error
	// MarkAllNotificationsRead returns an error matching
	// errors.ErrUnsupported when the backend has no bulk endpoint.
	MarkAllNotificationsRead(ctx context.Context, self chat.Identity) error
	DeleteNotification(ctx context.Context, id string) error
	DeleteAllNotifications(ctx context.Context, self chat.Identity) error
}

type Options struct {
	PageSize       int
	ResyncInterval time.Duration
	Logger         *zap.Logger
}

// State is a copy of the feed, newest first.
type State struct {
	Notifications []chat.Notification
	Unread        int
}

// edit is the latest local change to one notification.
type edit struct {
	seq     uint64
	read    bool
	deleted bool
	pushed  *chat.Notification
}

type Feed struct {
	self    chat.Identity
	backend Backend
	bus     channel.Bus
	log     *zap.Logger
	opts    Options
	tasks   *sched.Group

	mu        sync.Mutex
	items     []chat.Notification
	ids       map[string]struct{}
	unread    int
	gen       uint64 // bumped by every offset 0 refresh
	countGen  uint64
	seq       uint64 // bumped by every local change
	edits     map[string]edit
	listeners map[uint64]func(State)
	nextID    uint64

	unsubs []func()
}

func New(self chat.Identity, backend Backend, bus channel.Bus, opts Options) *Feed {
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.ResyncInterval <= 0 {
		opts.ResyncInterval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	f := &Feed{
		self:      self,
		backend:   backend,
		bus:       bus,
		log:       opts.Logger.Named("notify"),
		opts:      opts,
		tasks:     sched.NewGroup(),
		ids:       map[string]struct{}{},
		edits:     map[string]edit{},
		listeners: map[uint64]func(State){},
	}
	f.unsubs = append(f.unsubs,
		channel.On(bus, chat.NotificationReceived, f.OnPush),
		channel.On(bus, chat.NotificationRead, f.onNotificationRead),
	)
	return f
}

func (f *Feed) Close() {
	for _, u := range f.unsubs {
		u()
	}
	f.tasks.Close()
}

// Refresh loads one page. Offset 0 replaces the feed and its unread
// count; later offsets append what the feed does not hold yet. A page
// that resolves after a newer offset 0 refresh started is discarded.
// Local changes made while an offset 0 page was in flight are applied
// over it.
func (f *Feed) Refresh(ctx context.Context, limit, offset int) error {
	if limit <= 0 {
		limit = f.opts.PageSize
	}
	offset = max(offset, 0)
	f.mu.Lock()
	if offset == 0 {
		f.gen++
	}
	gen, start := f.gen, f.seq
	f.mu.Unlock()

	page, err := f.backend.Notifications(ctx, f.self, limit, offset)
	if err != nil {
		return fmt.Errorf("refresh notifications: %w", err)
	}

	f.mu.Lock()
	if f.gen != gen {
		f.mu.Unlock()
		return chat.ErrStale
	}
	if offset == 0 {
		f.items = f.items[:0]
		f.ids = map[string]struct{}{}
		f.unread = page.UnreadCount
		f.countGen++
	}
	for _, n := range page.Notifications {
		if n.Receiver.Valid() && n.Receiver != f.self {
			continue
		}
		if _, dup := f.ids[n.ID]; dup {
			continue
		}
		f.ids[n.ID] = struct{}{}
		f.items = append(f.items, n)
	}
	if offset == 0 {
		f.reapplyLocked(start)
	}
	f.mu.Unlock()
	f.notify()
	return nil
}

// recordLocked stores change as the latest local edit of id.
func (f *Feed) recordLocked(id string, change func(*edit)) {
	f.seq++
	e := f.edits[id]
	change(&e)
	e.seq = f.seq
	f.edits[id] = e
}

// reapplyLocked replays the edits made after start over a fresh page and
// forgets the older ones.
func (f *Feed) reapplyLocked(start uint64) {
	var pushed []chat.Notification
	for id, e := range f.edits {
		if e.seq <= start {
			delete(f.edits, id)
			continue
		}
		i := f.indexLocked(id)
		switch {
		case e.deleted:
			if i >= 0 {
				f.removeLocked(i)
			}
		case i >= 0:
			f.flipLocked(id, e.read)
		case e.pushed != nil:
			n := *e.pushed
			n.IsRead = e.read
			pushed = append(pushed, n)
		}
	}
	slices.SortFunc(pushed, func(a, b chat.Notification) int { return cmp.Compare(b.CreatedAt, a.CreatedAt) })
	for _, n := range pushed {
		f.ids[n.ID] = struct{}{}
		if !n.IsRead {
			f.unread++
		}
	}
	f.items = slices.Insert(f.items, 0, pushed...)
}

// LoadMore appends the page after what is already held.
func (f *Feed) LoadMore(ctx context.Context) error {
	f.mu.Lock()
	offset := len(f.items)
	f.mu.Unlock()
	return f.Refresh(ctx, f.opts.PageSize, offset)
}

// OnPush prepends a pushed notification addressed to self.
func (f *Feed) OnPush(n chat.Notification) error {
	if n.Receiver != f.self {
		return nil
	}
	f.mu.Lock()
	if _, dup := f.ids[n.ID]; dup {
		f.mu.Unlock()
		return nil
	}
	f.ids[n.ID] = struct{}{}
	f.items = slices.Insert(f.items, 0, n)
	if !n.IsRead {
		f.unread++
	}
	f.recordLocked(n.ID, func(e *edit) {
		e.pushed = &n
		e.read = n.IsRead
		e.deleted = false
	})
	f.mu.Unlock()
	f.notify()
	return nil
}

func (f *Feed) indexLocked(id string) int {
	return slices.IndexFunc(f.items, func(n chat.Notification) bool { return n.ID == id })
}

// flipLocked sets the read flag of id and adjusts the unread count. It
// reports whether anything changed.
func (f *Feed) flipLocked(id string, read bool) bool {
	i := f.indexLocked(id)
	if i < 0 || f.items[i].IsRead == read {
		return false
	}
	f.items[i].IsRead = read
	if read {
		f.unread = max(f.unread-1, 0)
	} else {
		f.unread++
	}
	return true
}

// markLocked flips id like flipLocked and records the change.
func (f *Feed) markLocked(id string, read bool) bool {
	if !f.flipLocked(id, read) {
		return false
	}
	f.recordLocked(id, func(e *edit) { e.read = read })
	return true
}

func (f *Feed) removeLocked(i int) {
	if !f.items[i].IsRead {
		f.unread = max(f.unread-1, 0)
	}
	delete(f.ids, f.items[i].ID)
	f.items = slices.Delete(f.items, i, i+1)
}

func (f *Feed) MarkRead(ctx context.Context, id string) error {
	f.mu.Lock()
	flipped := f.markLocked(id, true)
	f.mu.Unlock()
	if flipped {
		f.notify()
	}
	if err := f.backend.MarkNotificationRead(ctx, id); err != nil {
		if flipped {
			f.mu.Lock()
			f.markLocked(id, false)
			f.mu.Unlock()
			f.notify()
		}
		return fmt.Errorf("mark notification %s read: %w", id, err)
	}
	channel.Emit(f.bus, chat.NotificationRead, f.self)
	return nil
}

// MarkAllRead flips every unread notification, then confirms with the
// bulk endpoint or, when the backend has none, one call per item. Items
// whose call failed are flipped back.
func (f *Feed) MarkAllRead(ctx context.Context) error {
	f.mu.Lock()
	var ids []string
	for _, n := range f.items {
		if !n.IsRead {
			ids = append(ids, n.ID)
		}
	}
	for _, id := range ids {
		f.markLocked(id, true)
	}
	// Unread the backend knows about beyond the loaded page.
	beyond := f.unread
	f.unread = 0
	f.mu.Unlock()
	f.notify()

	err := f.backend.MarkAllNotificationsRead(ctx, f.self)
	switch {
	case err == nil:
		channel.Emit(f.bus, chat.NotificationRead, f.self)
		return nil
	case !errors.Is(err, errors.ErrUnsupported):
		f.mu.Lock()
		for _, id := range ids {
			f.markLocked(id, false)
		}
		f.unread += beyond
		f.mu.Unlock()
		f.notify()
		return fmt.Errorf("mark all notifications read: %w", err)
	}

	f.log.Debug("bulk mark-all unsupported, marking one by one", zap.Int("items", len(ids)))
	var result *multierror.Error
	var failed []string
	for _, id := range ids {
		if err := f.backend.MarkNotificationRead(ctx, id); err != nil {
			result = multierror.Append(result, fmt.Errorf("notification %s: %w", id, err))
			failed = append(failed, id)
		}
	}
	// Only the loaded items were marked; the rest stay unread.
	if len(failed) > 0 || beyond > 0 {
		f.mu.Lock()
		for _, id := range failed {
			f.markLocked(id, false)
		}
		f.unread += beyond
		f.mu.Unlock()
		f.notify()
	}
	if len(failed) < len(ids) {
		channel.Emit(f.bus, chat.NotificationRead, f.self)
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

func (f *Feed) Delete(ctx context.Context, id string) error {
	if err := f.backend.DeleteNotification(ctx, id); err != nil {
		return fmt.Errorf("delete notification %s: %w", id, err)
	}
	f.mu.Lock()
	i := f.indexLocked(id)
	if i >= 0 {
		f.removeLocked(i)
	}
	f.recordLocked(id, func(e *edit) { e.deleted = true })
	f.mu.Unlock()
	if i >= 0 {
		f.notify()
	}
	return nil
}

func (f *Feed) DeleteAll(ctx context.Context) error {
	if err := f.backend.DeleteAllNotifications(ctx, f.self); err != nil {
		return fmt.Errorf("delete all notifications: %w", err)
	}
	f.mu.Lock()
	f.gen++
	f.items = nil
	f.ids = map[string]struct{}{}
	clear(f.edits)
	f.unread = 0
	f.mu.Unlock()
	f.notify()
	return nil
}

// RefreshUnread replaces the unread count with the backend's.
func (f *Feed) RefreshUnread(ctx context.Context) error {
	f.mu.Lock()
	f.countGen++
	gen := f.countGen
	f.mu.Unlock()
	n, err := f.backend.NotificationUnreadCount(ctx, f.self)
	if err != nil {
		return fmt.Errorf("notification unread count: %w", err)
	}
	f.mu.Lock()
	if f.countGen != gen {
		f.mu.Unlock()
		return chat.ErrStale
	}
	changed := f.unread != n
	f.unread = n
	f.mu.Unlock()
	if changed {
		f.notify()
	}
	return nil
}

// onNotificationRead handles reads done by another session of self.
func (f *Feed) onNotificationRead(id chat.Identity) error {
	if id != f.self {
		return nil
	}
	f.tasks.Go(func(ctx context.Context) {
		if err := f.RefreshUnread(ctx); err != nil && !errors.Is(err, chat.ErrStale) && !errors.Is(err, context.Canceled) {
			f.log.Warn("unread recount failed", zap.Error(err))
		}
	})
	return nil
}

func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stateLocked()
}

func (f *Feed) stateLocked() State {
	return State{Notifications: slices.Clone(f.items), Unread: f.unread}
}

func (f *Feed) Subscribe(fn func(State)) func() {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.listeners[id] = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		delete(f.listeners, id)
		f.mu.Unlock()
	}
}

func (f *Feed) notify() {
	f.mu.Lock()
	if len(f.listeners) == 0 {
		f.mu.Unlock()
		return
	}
	st := f.stateLocked()
	fns := make([]func(State), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// Run recounts unread every ResyncInterval until ctx ends.
func (f *Feed) Run(ctx context.Context) {
	sched.Every(ctx, f.opts.ResyncInterval, func(ctx context.Context) {
		if err := f.RefreshUnread(ctx); err != nil && !errors.Is(err, chat.ErrStale) && !errors.Is(err, context.Canceled) {
			f.log.Warn("periodic unread recount failed", zap.Error(err))
		}
	})
}
