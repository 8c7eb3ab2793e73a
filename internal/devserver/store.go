package devserver

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pelusa-v/pelusa-sync/internal/chat"
)

// Store is the in-memory state behind the REST endpoints.
type Store struct {
	mu sync.RWMutex

	now      func() time.Time
	nextID   int64
	messages []*chat.Message
	notes    []*chat.Notification // newest last
	profiles map[chat.Identity]chat.Profile
}

func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{now: now, profiles: map[chat.Identity]chat.Profile{}}
}

func (s *Store) id() string {
	s.nextID++
	return strconv.FormatInt(s.nextID, 10)
}

func involves(m *chat.Message, a, b chat.Identity) bool {
	return (m.Sender == a && m.Receiver == b) || (m.Sender == b && m.Receiver == a)
}

// Send stores a message and returns it as confirmed.
func (s *Store) Send(out chat.Outgoing) chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := &chat.Message{
		ID:        s.id(),
		Sender:    out.Sender,
		Receiver:  out.Receiver,
		Text:      strings.TrimSpace(out.Text),
		Timestamp: s.now().UnixMilli(),
	}
	s.messages = append(s.messages, m)
	return *m
}

// Messages returns the thread between self and peer, oldest first, and
// how many of them self has not read.
func (s *Store) Messages(self, peer chat.Identity) ([]chat.Message, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []chat.Message
	unread := 0
	for _, m := range s.messages {
		if !involves(m, self, peer) {
			continue
		}
		out = append(out, *m)
		if m.Receiver == self && !m.Seen {
			unread++
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, unread
}

// Conversations lists one row per peer of self, most recent first.
func (s *Store) Conversations(self chat.Identity) []chat.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := map[chat.Identity]*chat.Conversation{}
	for _, m := range s.messages {
		peer, ok := m.PeerOf(self)
		if !ok {
			continue
		}
		r, ok := rows[peer]
		if !ok {
			r = &chat.Conversation{Peer: peer}
			rows[peer] = r
		}
		if m.Timestamp >= r.LastTimestamp {
			r.LastMessageText, r.LastTimestamp = m.Text, m.Timestamp
		}
		if m.Receiver == self && !m.Seen {
			r.UnreadCount++
		}
	}
	out := make([]chat.Conversation, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastTimestamp > out[j].LastTimestamp })
	return out
}

// MarkRead marks what rc.Peer sent to rc.Reader as seen.
func (s *Store) MarkRead(rc chat.ReadReceipt) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.Sender == rc.Peer && m.Receiver == rc.Reader && !m.Seen {
			m.Seen = true
			n++
		}
	}
	return n
}

func (s *Store) UnreadCount(self chat.Identity) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messages {
		if m.Receiver == self && !m.Seen {
			n++
		}
	}
	return n
}

func (s *Store) ConversationUnreadCount(self, peer chat.Identity) int {
	_, n := s.Messages(self, peer)
	return n
}

// CreateNotification stores n for its receiver, assigning id and time.
func (s *Store) CreateNotification(n chat.Notification) chat.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	n.ID = s.id()
	n.CreatedAt = s.now().UnixMilli()
	n.IsRead = false
	s.notes = append(s.notes, &n)
	return n
}

// Notifications pages self's notifications, newest first.
func (s *Store) Notifications(self chat.Identity, limit, offset int) chat.NotificationPage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var page chat.NotificationPage
	skipped := 0
	for i := len(s.notes) - 1; i >= 0; i-- {
		n := s.notes[i]
		if n.Receiver != self {
			continue
		}
		if !n.IsRead {
			page.UnreadCount++
		}
		if skipped < offset {
			skipped++
			continue
		}
		if limit <= 0 || len(page.Notifications) < limit {
			page.Notifications = append(page.Notifications, *n)
		}
	}
	return page
}

func (s *Store) NotificationUnreadCount(self chat.Identity) int {
	return s.Notifications(self, 0, 0).UnreadCount
}

func (s *Store) MarkNotificationRead(id string) (chat.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range s.notes {
		if n.ID == id {
			n.IsRead = true
			return *n, true
		}
	}
	return chat.Notification{}, false
}

func (s *Store) MarkAllNotificationsRead(self chat.Identity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.notes {
		if n.Receiver == self && !n.IsRead {
			n.IsRead = true
			count++
		}
	}
	return count
}

func (s *Store) DeleteNotification(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range s.notes {
		if n.ID == id {
			s.notes = append(s.notes[:i], s.notes[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Store) DeleteAllNotifications(self chat.Identity) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.notes[:0]
	removed := 0
	for _, n := range s.notes {
		if n.Receiver == self {
			removed++
			continue
		}
		kept = append(kept, n)
	}
	s.notes = kept
	return removed
}

func (s *Store) SetProfile(p chat.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.Peer] = p
}

func (s *Store) Profile(peer chat.Identity) (chat.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[peer]
	return p, ok
}
