// Package thread keeps the per-peer message logs: ordered by timestamp,
// deduplicated by id, with optimistic sends reconciled on confirmation.
package thread

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-sync/internal/channel"
	"github.com/pelusa-v/pelusa-sync/internal/chat"
)

var ErrEmptyText = errors.New("message text is empty")

type Backend interface {
	Messages(ctx context.Context, self, peer chat.Identity) (chat.Snapshot, error)
	SendMessage(ctx context.Context, out chat.Outgoing) (chat.Message, error)
	MarkRead(ctx context.Context, rc chat.ReadReceipt) error
}

type Options struct {
	// MatchWindow is how far apart an optimistic entry and its server
	// confirmation may be stamped and still be paired by content.
	MatchWindow time.Duration
	Logger      *zap.Logger
	Now         func() time.Time
}

type Listener func(peer chat.Identity, msgs []chat.Message)

type Store struct {
	self    chat.Identity
	backend Backend
	bus     channel.Bus
	log     *zap.Logger
	window  int64
	now     func() time.Time

	mu        sync.Mutex
	threads   map[chat.Identity]*thread
	active    chat.Identity
	cancel    context.CancelFunc
	seq       uint64
	listeners map[uint64]Listener
	nextID    uint64

	unsubs []func()
}

type thread struct {
	entries []entry
	byID    map[string]struct{}
	gen     uint64
	loading bool
	err     error
	unread  int
}

type entry struct {
	msg chat.Message
	seq uint64 // insertion order, breaks timestamp ties
}

func New(self chat.Identity, backend Backend, bus channel.Bus, opts Options) *Store {
	if opts.MatchWindow <= 0 {
		opts.MatchWindow = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		self:      self,
		backend:   backend,
		bus:       bus,
		log:       opts.Logger.Named("thread"),
		window:    opts.MatchWindow.Milliseconds(),
		now:       opts.Now,
		threads:   map[chat.Identity]*thread{},
		listeners: map[uint64]Listener{},
	}
	s.unsubs = append(s.unsubs,
		channel.On(bus, chat.MessageReceived, s.ReceivePush),
		channel.On(bus, chat.MarkAsRead, s.onReadReceipt),
	)
	return s
}

// Close detaches the store from the bus and cancels an in-flight load.
func (s *Store) Close() {
	for _, u := range s.unsubs {
		u()
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
}

func (s *Store) threadLocked(peer chat.Identity) *thread {
	t, ok := s.threads[peer]
	if !ok {
		t = &thread{byID: map[string]struct{}{}}
		s.threads[peer] = t
	}
	return t
}

// Load replaces the thread with the REST snapshot. A result that lost
// the race to a newer load, or to a switch away from the peer, is
// dropped and ErrStale returned.
func (s *Store) Load(ctx context.Context, peer chat.Identity) (int, error) {
	if !peer.Valid() {
		return 0, chat.ErrInvalidIdentity
	}
	s.mu.Lock()
	t := s.threadLocked(peer)
	t.gen++
	gen := t.gen
	t.loading = true
	s.mu.Unlock()

	snap, err := s.backend.Messages(ctx, s.self, peer)

	s.mu.Lock()
	if t.gen != gen {
		s.mu.Unlock()
		s.log.Debug("discarding stale load", zap.Stringer("peer", peer))
		return 0, chat.ErrStale
	}
	t.loading = false
	if err != nil {
		t.err = err
		s.mu.Unlock()
		s.notify(peer)
		return 0, fmt.Errorf("load messages with %s: %w", peer, err)
	}
	t.err = nil
	t.unread = snap.UnreadCount
	s.replaceLocked(t, snap.Messages)
	s.mu.Unlock()
	s.notify(peer)
	return snap.UnreadCount, nil
}

// replaceLocked installs a snapshot. Optimistic entries still in flight
// survive unless the snapshot already holds their confirmation.
func (s *Store) replaceLocked(t *thread, msgs []chat.Message) {
	var pending []entry
	for _, e := range t.entries {
		if e.msg.Pending {
			pending = append(pending, e)
		}
	}
	t.entries = t.entries[:0]
	t.byID = map[string]struct{}{}
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		if _, dup := t.byID[m.ID]; dup {
			continue
		}
		m.Pending = false
		s.insertLocked(t, m)
	}
	for _, p := range pending {
		if s.confirmedIn(t, p.msg) {
			continue
		}
		insertEntry(t, p)
	}
}

func (s *Store) confirmedIn(t *thread, opt chat.Message) bool {
	for _, e := range t.entries {
		if !e.msg.Pending && s.sameContent(e.msg, opt) {
			return true
		}
	}
	return false
}

// Open makes peer the displayed thread. The previous peer's in-flight
// load is cancelled and its result will be discarded.
func (s *Store) Open(ctx context.Context, peer chat.Identity) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	if s.active.Valid() && s.active != peer {
		if prev, ok := s.threads[s.active]; ok {
			prev.gen++
			prev.loading = false
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.active = peer
	s.cancel = cancel
	s.mu.Unlock()
	return s.Load(ctx, peer)
}

// Active returns the displayed peer and its messages.
func (s *Store) Active() (chat.Identity, []chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, s.messagesLocked(s.active)
}

func (s *Store) Messages(peer chat.Identity) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messagesLocked(peer)
}

func (s *Store) messagesLocked(peer chat.Identity) []chat.Message {
	t, ok := s.threads[peer]
	if !ok {
		return nil
	}
	out := make([]chat.Message, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.msg
	}
	return out
}

// Err is the last load failure for peer; it clears on a successful load.
func (s *Store) Err(peer chat.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.threads[peer]; ok {
		return t.err
	}
	return nil
}

func (s *Store) Loading(peer chat.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[peer]
	return ok && t.loading
}

// Unread is the unread count reported by the last snapshot, zeroed by
// MarkRead.
func (s *Store) Unread(peer chat.Identity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.threads[peer]; ok {
		return t.unread
	}
	return 0
}

// Subscribe registers fn for thread changes.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *Store) notify(peer chat.Identity) {
	s.mu.Lock()
	if len(s.listeners) == 0 {
		s.mu.Unlock()
		return
	}
	msgs := s.messagesLocked(peer)
	fns := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(peer, msgs)
	}
}

func (s *Store) insertLocked(t *thread, m chat.Message) {
	s.seq++
	insertEntry(t, entry{msg: m, seq: s.seq})
}

func insertEntry(t *thread, e entry) {
	i, _ := slices.BinarySearchFunc(t.entries, e, func(a, b entry) int {
		switch {
		case a.msg.Timestamp != b.msg.Timestamp:
			if a.msg.Timestamp < b.msg.Timestamp {
				return -1
			}
			return 1
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	t.entries = slices.Insert(t.entries, i, e)
	if e.msg.ID != "" {
		t.byID[e.msg.ID] = struct{}{}
	}
}

func (s *Store) indexOfTemp(t *thread, tempID string) int {
	return slices.IndexFunc(t.entries, func(e entry) bool {
		return e.msg.Pending && e.msg.TempID == tempID
	})
}

func (s *Store) sameContent(a, b chat.Message) bool {
	if a.Sender != b.Sender || a.Receiver != b.Receiver || a.Text != b.Text {
		return false
	}
	d := a.Timestamp - b.Timestamp
	if d < 0 {
		d = -d
	}
	return d <= s.window
}

// matchPendingLocked finds the optimistic entry m confirms: same
// participants and text, closest timestamp within the window.
func (s *Store) matchPendingLocked(t *thread, m chat.Message) int {
	best, bestDiff := -1, int64(-1)
	for i, e := range t.entries {
		if !e.msg.Pending || !s.sameContent(e.msg, m) {
			continue
		}
		d := e.msg.Timestamp - m.Timestamp
		if d < 0 {
			d = -d
		}
		if best < 0 || d < bestDiff {
			best, bestDiff = i, d
		}
	}
	return best
}

// replaceAtLocked swaps the optimistic entry at i for its confirmation,
// keeping its insertion order.
func (s *Store) replaceAtLocked(t *thread, i int, m chat.Message) {
	old := t.entries[i]
	t.entries = slices.Delete(t.entries, i, i+1)
	m.Pending = false
	m.TempID = old.msg.TempID
	insertEntry(t, entry{msg: m, seq: old.seq})
}

// Send appends an optimistic entry right away, then confirms it over
// REST. On failure the entry is removed and the error returned; there is
// no retry.
func (s *Store) Send(ctx context.Context, peer chat.Identity, text string) (chat.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return chat.Message{}, ErrEmptyText
	}
	if !peer.Valid() || !s.self.Valid() {
		return chat.Message{}, chat.ErrInvalidIdentity
	}
	opt := chat.Message{
		TempID:    uuid.NewString(),
		Sender:    s.self,
		Receiver:  peer,
		Text:      text,
		Timestamp: s.now().UnixMilli(),
		Pending:   true,
	}
	s.mu.Lock()
	t := s.threadLocked(peer)
	s.insertLocked(t, opt)
	s.mu.Unlock()
	s.notify(peer)

	confirmed, err := s.backend.SendMessage(ctx, chat.Outgoing{Sender: s.self, Receiver: peer, Text: text})
	if err != nil {
		s.mu.Lock()
		if i := s.indexOfTemp(t, opt.TempID); i >= 0 {
			t.entries = slices.Delete(t.entries, i, i+1)
		}
		s.mu.Unlock()
		s.notify(peer)
		return chat.Message{}, fmt.Errorf("send message to %s: %w", peer, err)
	}
	if !confirmed.Sender.Valid() || !confirmed.Receiver.Valid() {
		confirmed.Sender, confirmed.Receiver = s.self, peer
	}
	if confirmed.Text == "" {
		confirmed.Text = text
	}
	if confirmed.Timestamp == 0 {
		confirmed.Timestamp = opt.Timestamp
	}
	confirmed.Pending = false

	s.mu.Lock()
	i := s.indexOfTemp(t, opt.TempID)
	_, known := t.byID[confirmed.ID]
	switch {
	case i >= 0 && known:
		t.entries = slices.Delete(t.entries, i, i+1)
	case i >= 0:
		s.replaceAtLocked(t, i, confirmed)
	case !known:
		s.insertLocked(t, confirmed)
	}
	s.mu.Unlock()
	s.notify(peer)

	channel.Announce(s.bus, chat.MessageReceived, confirmed)
	channel.Emit(s.bus, chat.ConversationUpdated, peer)
	return confirmed, nil
}

// ReceivePush merges a pushed message. Duplicates are ignored, and a push
// that confirms an in-flight send replaces the optimistic entry.
func (s *Store) ReceivePush(m chat.Message) error {
	peer, ok := m.PeerOf(s.self)
	if !ok {
		return nil
	}
	if m.ID == "" {
		return fmt.Errorf("%w: pushed message without id", chat.ErrMalformed)
	}
	m.Pending = false
	s.mu.Lock()
	t := s.threadLocked(peer)
	if _, dup := t.byID[m.ID]; dup {
		s.mu.Unlock()
		return nil
	}
	if i := s.matchPendingLocked(t, m); i >= 0 {
		s.replaceAtLocked(t, i, m)
	} else {
		s.insertLocked(t, m)
	}
	s.mu.Unlock()
	s.notify(peer)
	return nil
}

// MarkRead marks what peer sent to self as seen, confirms over REST and
// announces mark_as_read. Seen flags roll back if the call fails.
func (s *Store) MarkRead(ctx context.Context, peer chat.Identity) error {
	if !peer.Valid() {
		return chat.ErrInvalidIdentity
	}
	s.mu.Lock()
	t := s.threadLocked(peer)
	flipped := s.markSeenLocked(t, peer, s.self)
	s.mu.Unlock()
	if len(flipped) > 0 {
		s.notify(peer)
	}

	rc := chat.ReadReceipt{Reader: s.self, Peer: peer}
	if err := s.backend.MarkRead(ctx, rc); err != nil {
		s.mu.Lock()
		for i := range t.entries {
			if _, ok := flipped[t.entries[i].seq]; ok {
				t.entries[i].msg.Seen = false
			}
		}
		s.mu.Unlock()
		if len(flipped) > 0 {
			s.notify(peer)
		}
		return fmt.Errorf("mark read %s: %w", peer, err)
	}
	s.mu.Lock()
	t.unread = 0
	s.mu.Unlock()
	channel.Announce(s.bus, chat.MarkAsRead, rc)
	return nil
}

func (s *Store) markSeenLocked(t *thread, from, to chat.Identity) map[uint64]struct{} {
	flipped := map[uint64]struct{}{}
	for i := range t.entries {
		m := &t.entries[i].msg
		if m.Sender == from && m.Receiver == to && !m.Seen {
			m.Seen = true
			flipped[t.entries[i].seq] = struct{}{}
		}
	}
	return flipped
}

// onReadReceipt applies receipts from other sessions of self and from
// peers who have read what self sent them.
func (s *Store) onReadReceipt(rc chat.ReadReceipt) error {
	var peer, from, to chat.Identity
	switch s.self {
	case rc.Reader:
		peer, from, to = rc.Peer, rc.Peer, s.self
	case rc.Peer:
		peer, from, to = rc.Reader, s.self, rc.Reader
	default:
		return nil
	}
	s.mu.Lock()
	t, ok := s.threads[peer]
	var flipped map[uint64]struct{}
	if ok {
		flipped = s.markSeenLocked(t, from, to)
		if to == s.self {
			t.unread = 0
		}
	}
	s.mu.Unlock()
	if len(flipped) > 0 {
		s.notify(peer)
	}
	return nil
}
