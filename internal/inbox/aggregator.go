// Package inbox derives the conversation list from REST snapshots and
// live message events.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pelusa-v/pelusa-sync/internal/channel"
	"github.com/pelusa-v/pelusa-sync/internal/chat"
	"github.com/pelusa-v/pelusa-sync/internal/sched"
)

type Backend interface {
	Conversations(ctx context.Context, self chat.Identity) ([]chat.Conversation, error)
	Messages(ctx context.Context, self, peer chat.Identity) (chat.Snapshot, error)
}

// Profiles resolves display metadata of a peer.
type Profiles interface {
	Profile(ctx context.Context, peer chat.Identity) (chat.Profile, error)
}

type Options struct {
	PollInterval       time.Duration
	ProfileConcurrency int
	DedupSize          int
	Logger             *zap.Logger
}

type Listener func([]chat.Conversation)

type Aggregator struct {
	self     chat.Identity
	backend  Backend
	profiles Profiles
	log      *zap.Logger
	opts     Options
	tasks    *sched.Group

	mu        sync.Mutex
	rows      map[chat.Identity]*row
	known     map[chat.Identity]chat.Profile
	gen       uint64
	peerGen   map[chat.Identity]uint64
	seq       uint64 // bumped by every live event
	counted   *lru.Cache[string, struct{}]
	listeners map[uint64]Listener
	nextID    uint64

	unsubs []func()
}

type row struct {
	conv    chat.Conversation
	touched uint64
}

func New(self chat.Identity, backend Backend, profiles Profiles, bus channel.Bus, opts Options) *Aggregator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	if opts.ProfileConcurrency <= 0 {
		opts.ProfileConcurrency = 4
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = 1024
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	counted, _ := lru.New[string, struct{}](opts.DedupSize)
	a := &Aggregator{
		self:      self,
		backend:   backend,
		profiles:  profiles,
		log:       opts.Logger.Named("inbox"),
		opts:      opts,
		tasks:     sched.NewGroup(),
		rows:      map[chat.Identity]*row{},
		known:     map[chat.Identity]chat.Profile{},
		peerGen:   map[chat.Identity]uint64{},
		counted:   counted,
		listeners: map[uint64]Listener{},
	}
	a.unsubs = append(a.unsubs,
		channel.On(bus, chat.MessageReceived, a.OnMessageEvent),
		channel.On(bus, chat.ConversationUpdated, a.OnConversationUpdated),
		channel.On(bus, chat.MarkAsRead, a.onReadReceipt),
	)
	return a
}

func (a *Aggregator) Close() {
	for _, u := range a.unsubs {
		u()
	}
	a.tasks.Close()
}

// Refresh replaces the list with the REST snapshot, merged with whatever
// live events changed while it was in flight.
func (a *Aggregator) Refresh(ctx context.Context) error {
	a.mu.Lock()
	a.gen++
	gen, start := a.gen, a.seq
	a.mu.Unlock()

	convs, err := a.backend.Conversations(ctx, a.self)
	if err != nil {
		return fmt.Errorf("refresh conversations: %w", err)
	}
	profiles := a.resolveProfiles(ctx, convs)

	a.mu.Lock()
	if a.gen != gen {
		a.mu.Unlock()
		return chat.ErrStale
	}
	seen := make(map[chat.Identity]struct{}, len(convs))
	for i, snap := range convs {
		snap.Profile = profiles[i]
		a.known[snap.Peer] = snap.Profile
		seen[snap.Peer] = struct{}{}
		r, ok := a.rows[snap.Peer]
		if !ok {
			a.rows[snap.Peer] = &row{conv: snap}
			continue
		}
		r.conv = merge(r.conv, snap, r.touched > start)
	}
	for peer, r := range a.rows {
		if _, ok := seen[peer]; !ok && r.touched <= start {
			delete(a.rows, peer)
		}
	}
	a.mu.Unlock()
	a.notify()
	return nil
}

// merge applies a snapshot row over the local one. A row no live event
// touched since the fetch started takes the snapshot when it is at least as
// new. A touched row keeps its unread count, and its last message unless the
// snapshot's is strictly newer.
func merge(local, snap chat.Conversation, touched bool) chat.Conversation {
	if !touched {
		if snap.LastTimestamp >= local.LastTimestamp {
			return snap
		}
		local.UnreadCount = max(local.UnreadCount, snap.UnreadCount)
		local.Profile = snap.Profile
		return local
	}
	if snap.LastTimestamp > local.LastTimestamp {
		local.LastMessageText = snap.LastMessageText
		local.LastTimestamp = snap.LastTimestamp
	}
	local.Profile = snap.Profile
	return local
}

// resolveProfiles fetches every peer's profile concurrently. A failed
// fetch keeps the last known profile or falls back to a synthesized one.
func (a *Aggregator) resolveProfiles(ctx context.Context, convs []chat.Conversation) []chat.Profile {
	out := make([]chat.Profile, len(convs))
	a.mu.Lock()
	for i, c := range convs {
		if p, ok := a.known[c.Peer]; ok {
			out[i] = p
		} else {
			out[i] = chat.FallbackProfile(c.Peer)
		}
	}
	a.mu.Unlock()
	if a.profiles == nil {
		return out
	}

	var g errgroup.Group
	g.SetLimit(a.opts.ProfileConcurrency)
	for i, c := range convs {
		g.Go(func() error {
			p, err := a.profiles.Profile(ctx, c.Peer)
			if err != nil {
				a.log.Debug("profile fetch failed", zap.Stringer("peer", c.Peer), zap.Error(err))
				return nil
			}
			p.Peer = c.Peer
			out[i] = p
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (a *Aggregator) profileOf(ctx context.Context, peer chat.Identity) chat.Profile {
	a.mu.Lock()
	p, ok := a.known[peer]
	a.mu.Unlock()
	if ok {
		return p
	}
	return a.resolveProfiles(ctx, []chat.Conversation{{Peer: peer}})[0]
}

// RefreshPeer rebuilds one row from the peer's message thread.
func (a *Aggregator) RefreshPeer(ctx context.Context, peer chat.Identity) error {
	if !peer.Valid() {
		return chat.ErrInvalidIdentity
	}
	a.mu.Lock()
	a.peerGen[peer]++
	gen, start := a.peerGen[peer], a.seq
	a.mu.Unlock()

	snap, err := a.backend.Messages(ctx, a.self, peer)
	if err != nil {
		return fmt.Errorf("refresh conversation %s: %w", peer, err)
	}
	var last *chat.Message
	for i := range snap.Messages {
		if last == nil || snap.Messages[i].Timestamp >= last.Timestamp {
			last = &snap.Messages[i]
		}
	}
	profile := a.profileOf(ctx, peer)

	a.mu.Lock()
	if a.peerGen[peer] != gen {
		a.mu.Unlock()
		return chat.ErrStale
	}
	r, ok := a.rows[peer]
	if !ok {
		if last == nil {
			a.mu.Unlock()
			return nil
		}
		r = &row{conv: chat.Conversation{Peer: peer}}
		a.rows[peer] = r
	}
	a.known[peer] = profile
	r.conv.Profile = profile
	if last != nil && last.Timestamp >= r.conv.LastTimestamp {
		r.conv.LastMessageText = last.Text
		r.conv.LastTimestamp = last.Timestamp
	}
	if r.touched <= start {
		r.conv.UnreadCount = snap.UnreadCount
	}
	a.mu.Unlock()
	a.notify()
	return nil
}

// OnMessageEvent upserts the row of the message's peer.
func (a *Aggregator) OnMessageEvent(m chat.Message) error {
	peer, ok := m.PeerOf(a.self)
	if !ok {
		return nil
	}
	a.mu.Lock()
	a.seq++
	r, exists := a.rows[peer]
	if !exists {
		r = &row{conv: chat.Conversation{Peer: peer, Profile: chat.FallbackProfile(peer)}}
		if p, ok := a.known[peer]; ok {
			r.conv.Profile = p
		}
		a.rows[peer] = r
	}
	r.touched = a.seq
	if m.Timestamp >= r.conv.LastTimestamp {
		r.conv.LastMessageText = m.Text
		r.conv.LastTimestamp = m.Timestamp
	}
	if a.countsAsUnread(m) {
		r.conv.UnreadCount++
	}
	_, resolved := a.known[peer]
	a.mu.Unlock()

	if !resolved && a.profiles != nil {
		a.tasks.Go(func(ctx context.Context) { a.fillProfile(ctx, peer) })
	}
	a.notify()
	return nil
}

// countsAsUnread must be called with a.mu held. It records m as counted.
func (a *Aggregator) countsAsUnread(m chat.Message) bool {
	if m.Receiver != a.self || m.Sender == a.self || m.Seen || m.ID == "" {
		return false
	}
	if a.counted.Contains(m.ID) {
		return false
	}
	a.counted.Add(m.ID, struct{}{})
	return true
}

func (a *Aggregator) fillProfile(ctx context.Context, peer chat.Identity) {
	p, err := a.profiles.Profile(ctx, peer)
	if err != nil {
		a.log.Debug("profile fetch failed", zap.Stringer("peer", peer), zap.Error(err))
		return
	}
	p.Peer = peer
	a.mu.Lock()
	a.known[peer] = p
	if r, ok := a.rows[peer]; ok {
		r.conv.Profile = p
	}
	a.mu.Unlock()
	a.notify()
}

// OnConversationUpdated invalidates the named row, or the whole list when
// the identity is self.
func (a *Aggregator) OnConversationUpdated(id chat.Identity) error {
	switch {
	case id == a.self:
		a.tasks.Go(func(ctx context.Context) { a.background("refresh", a.Refresh(ctx)) })
	case id.Valid():
		a.tasks.Go(func(ctx context.Context) { a.background("refresh peer", a.RefreshPeer(ctx, id)) })
	}
	return nil
}

func (a *Aggregator) background(op string, err error) {
	switch {
	case err == nil, errors.Is(err, chat.ErrStale), errors.Is(err, context.Canceled):
	default:
		a.log.Warn(op+" failed", zap.Error(err))
	}
}

func (a *Aggregator) onReadReceipt(rc chat.ReadReceipt) error {
	if rc.Reader != a.self {
		return nil
	}
	a.mu.Lock()
	a.seq++
	r, ok := a.rows[rc.Peer]
	if ok {
		r.touched = a.seq
		r.conv.UnreadCount = 0
	}
	a.mu.Unlock()
	if ok {
		a.notify()
	}
	return nil
}

// List returns the rows, most recent first.
func (a *Aggregator) List() []chat.Conversation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listLocked()
}

func (a *Aggregator) listLocked() []chat.Conversation {
	out := make([]chat.Conversation, 0, len(a.rows))
	for _, r := range a.rows {
		out = append(out, r.conv)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastTimestamp != out[j].LastTimestamp {
			return out[i].LastTimestamp > out[j].LastTimestamp
		}
		return out[i].Peer.RoomKey() < out[j].Peer.RoomKey()
	})
	return out
}

func (a *Aggregator) Get(peer chat.Identity) (chat.Conversation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.rows[peer]
	if !ok {
		return chat.Conversation{}, false
	}
	return r.conv, true
}

func (a *Aggregator) Subscribe(fn Listener) func() {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	a.listeners[id] = fn
	a.mu.Unlock()
	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

func (a *Aggregator) notify() {
	a.mu.Lock()
	if len(a.listeners) == 0 {
		a.mu.Unlock()
		return
	}
	list := a.listLocked()
	fns := make([]Listener, 0, len(a.listeners))
	for _, fn := range a.listeners {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	for _, fn := range fns {
		fn(list)
	}
}

// Run polls while the channel is not open and catches up once each time
// it opens.
func (a *Aggregator) Run(ctx context.Context, states <-chan channel.State) {
	var (
		ticker *time.Ticker
		tick   <-chan time.Time
		prev   = channel.State(-1)
	)
	stopPolling := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tick = nil, nil
		}
	}
	defer stopPolling()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			if s == channel.StateOpen {
				stopPolling()
				if prev != channel.StateOpen && prev >= 0 {
					a.background("catch-up refresh", a.Refresh(ctx))
				}
			} else if ticker == nil {
				ticker = time.NewTicker(a.opts.PollInterval)
				tick = ticker.C
			}
			prev = s
		case <-tick:
			a.background("poll refresh", a.Refresh(ctx))
		}
	}
}
