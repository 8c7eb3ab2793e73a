// Package unread keeps the global unread badge: counted up from live
// events, down from read receipts, and periodically replaced by the
// backend's authoritative count.
package unread

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/pelusa-v/pelusa-sync/internal/channel"
	"github.com/pelusa-v/pelusa-sync/internal/chat"
	"github.com/pelusa-v/pelusa-sync/internal/sched"
)

type Backend interface {
	UnreadCount(ctx context.Context, self chat.Identity) (int, error)
}

type Options struct {
	// DriftThreshold is the highest total the reconciler trusts its own
	// counting for. Past it, increments trigger a recount instead.
	DriftThreshold int
	DriftDelay     time.Duration
	ResyncInterval time.Duration
	RecountDelay   time.Duration
	DedupSize      int
	Logger         *zap.Logger
}

type Reconciler struct {
	self    chat.Identity
	backend Backend
	log     *zap.Logger
	opts    Options

	tasks   *sched.Group
	recount *sched.Debouncer
	flight  singleflight.Group
	guard   *rate.Limiter

	mu        sync.Mutex
	total     int
	tally     map[chat.Identity]int
	counted   *lru.Cache[string, struct{}]
	drifting  bool
	requested uint64 // resync requests started
	applied   uint64 // newest resync result applied
	listeners map[uint64]func(int)
	nextID    uint64

	unsubs []func()
}

func New(self chat.Identity, backend Backend, bus channel.Bus, opts Options) *Reconciler {
	if opts.DriftThreshold <= 0 {
		opts.DriftThreshold = 50
	}
	if opts.DriftDelay <= 0 {
		opts.DriftDelay = time.Second
	}
	if opts.ResyncInterval <= 0 {
		opts.ResyncInterval = 30 * time.Second
	}
	if opts.RecountDelay <= 0 {
		opts.RecountDelay = 500 * time.Millisecond
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = 1024
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	counted, _ := lru.New[string, struct{}](opts.DedupSize)
	r := &Reconciler{
		self:      self,
		backend:   backend,
		log:       opts.Logger.Named("unread"),
		opts:      opts,
		tasks:     sched.NewGroup(),
		guard:     rate.NewLimiter(rate.Every(opts.DriftDelay), 1),
		tally:     map[chat.Identity]int{},
		counted:   counted,
		listeners: map[uint64]func(int){},
	}
	r.recount = sched.NewDebouncer(r.tasks, opts.RecountDelay, func(ctx context.Context) {
		r.background("recount", r.resyncErr(ctx))
	})
	r.unsubs = append(r.unsubs,
		channel.On(bus, chat.MessageReceived, r.onMessage),
		channel.On(bus, chat.MarkAsRead, r.onReadReceipt),
		channel.On(bus, chat.ConversationUpdated, r.onConversationUpdated),
	)
	return r
}

func (r *Reconciler) Close() {
	for _, u := range r.unsubs {
		u()
	}
	r.recount.Stop()
	r.tasks.Close()
}

func (r *Reconciler) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Tally is the number of unread messages counted locally for peer since
// the last read receipt.
func (r *Reconciler) Tally(peer chat.Identity) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tally[peer]
}

// Subscribe calls fn with the current total and again on every change.
func (r *Reconciler) Subscribe(fn func(int)) func() {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.listeners[id] = fn
	total := r.total
	r.mu.Unlock()
	fn(total)
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners, id)
			r.mu.Unlock()
		})
	}
}

// setLocked must be called with r.mu held; it returns the listeners to
// notify once the lock is released.
func (r *Reconciler) setLocked(n int) []func(int) {
	n = max(n, 0)
	if n == r.total {
		return nil
	}
	r.total = n
	fns := make([]func(int), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	return fns
}

func fire(fns []func(int), n int) {
	for _, fn := range fns {
		fn(n)
	}
}

func (r *Reconciler) onMessage(m chat.Message) error {
	if m.Receiver != r.self || m.Sender == r.self || m.Seen || m.ID == "" {
		return nil
	}
	r.mu.Lock()
	if r.counted.Contains(m.ID) {
		r.mu.Unlock()
		return nil
	}
	r.counted.Add(m.ID, struct{}{})
	if r.total+1 > r.opts.DriftThreshold {
		r.scheduleDriftLocked()
		r.mu.Unlock()
		return nil
	}
	r.tally[m.Sender]++
	fns := r.setLocked(r.total + 1)
	n := r.total
	r.mu.Unlock()
	fire(fns, n)
	return nil
}

// scheduleDriftLocked queues one authoritative recount. Further calls do
// nothing until it has run.
func (r *Reconciler) scheduleDriftLocked() {
	if r.drifting || !r.guard.Allow() {
		return
	}
	r.drifting = true
	r.log.Info("unread count past drift threshold, scheduling recount", zap.Int("total", r.total))
	r.tasks.After(r.opts.DriftDelay, func(ctx context.Context) {
		err := r.resyncErr(ctx)
		r.mu.Lock()
		r.drifting = false
		r.mu.Unlock()
		r.background("drift recount", err)
	})
}

func (r *Reconciler) onReadReceipt(rc chat.ReadReceipt) error {
	if rc.Reader != r.self {
		return nil
	}
	r.mu.Lock()
	d := r.tally[rc.Peer]
	delete(r.tally, rc.Peer)
	fns := r.setLocked(r.total - d)
	n := r.total
	r.mu.Unlock()
	fire(fns, n)
	r.requestRecount()
	return nil
}

func (r *Reconciler) onConversationUpdated(id chat.Identity) error {
	if id == r.self {
		r.requestRecount()
	}
	return nil
}

// requestRecount schedules a recount that starts its own request instead
// of joining a resync already in flight.
func (r *Reconciler) requestRecount() {
	r.flight.Forget("resync")
	r.recount.Trigger()
}

// Decrement lowers the total by n, never below zero.
func (r *Reconciler) Decrement(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	fns := r.setLocked(r.total - n)
	total := r.total
	r.mu.Unlock()
	fire(fns, total)
}

type recount struct {
	n   int
	req uint64
}

// Resync replaces the total with the backend's count. Concurrent calls
// share one request; a result that resolves after a newer one was applied
// is dropped and the current total returned.
func (r *Reconciler) Resync(ctx context.Context) (int, error) {
	v, err, _ := r.flight.Do("resync", func() (any, error) {
		r.mu.Lock()
		r.requested++
		req := r.requested
		r.mu.Unlock()
		n, err := r.backend.UnreadCount(ctx, r.self)
		if err != nil {
			return nil, err
		}
		return recount{n: n, req: req}, nil
	})
	if err != nil {
		return r.Total(), fmt.Errorf("resync unread count: %w", err)
	}
	res := v.(recount)

	r.mu.Lock()
	if res.req < r.applied {
		total := r.total
		r.mu.Unlock()
		return total, nil
	}
	r.applied = res.req
	if res.n == 0 {
		clear(r.tally)
	} else {
		for peer, t := range r.tally {
			r.tally[peer] = min(t, res.n)
		}
	}
	fns := r.setLocked(res.n)
	total := r.total
	r.mu.Unlock()
	fire(fns, total)
	return total, nil
}

func (r *Reconciler) resyncErr(ctx context.Context) error {
	_, err := r.Resync(ctx)
	return err
}

func (r *Reconciler) background(op string, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn(op+" failed", zap.Error(err))
	}
}

// Run resyncs every ResyncInterval until ctx ends, whatever the channel
// state.
func (r *Reconciler) Run(ctx context.Context) {
	sched.Every(ctx, r.opts.ResyncInterval, func(ctx context.Context) {
		r.background("periodic resync", r.resyncErr(ctx))
	})
}
