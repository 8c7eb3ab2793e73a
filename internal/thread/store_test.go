package thread

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-sync/internal/channel/channeltest"
	"github.com/pelusa-v/pelusa-sync/internal/chat"
)

var (
	self = chat.NewIdentity(chat.Organization, "5")
	peer = chat.NewIdentity(chat.Individual, "1")
)

type fakeBackend struct {
	mu       sync.Mutex
	messages func(ctx context.Context, peer chat.Identity) (chat.Snapshot, error)
	send     func(ctx context.Context, out chat.Outgoing) (chat.Message, error)
	markRead func(ctx context.Context, rc chat.ReadReceipt) error
	reads    []chat.ReadReceipt
}

func (f *fakeBackend) Messages(ctx context.Context, _, p chat.Identity) (chat.Snapshot, error) {
	if f.messages == nil {
		return chat.Snapshot{}, nil
	}
	return f.messages(ctx, p)
}

func (f *fakeBackend) SendMessage(ctx context.Context, out chat.Outgoing) (chat.Message, error) {
	return f.send(ctx, out)
}

func (f *fakeBackend) MarkRead(ctx context.Context, rc chat.ReadReceipt) error {
	f.mu.Lock()
	f.reads = append(f.reads, rc)
	f.mu.Unlock()
	if f.markRead == nil {
		return nil
	}
	return f.markRead(ctx, rc)
}

func fixedNow() time.Time { return time.UnixMilli(1000) }

func newStore(t *testing.T, b *fakeBackend) (*Store, *channeltest.Bus) {
	t.Helper()
	bus := channeltest.NewBus()
	s := New(self, b, bus, Options{Now: fixedNow})
	t.Cleanup(s.Close)
	return s, bus
}

func incoming(id string, ts int64, text string) chat.Message {
	return chat.Message{ID: id, Sender: peer, Receiver: self, Text: text, Timestamp: ts}
}

func ids(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Key()
	}
	return out
}

func TestReceivePushTwiceKeepsOneCopy(t *testing.T) {
	s, bus := newStore(t, &fakeBackend{})
	m := incoming("1", 1000, "Xin chào")

	bus.PushValue("message_received", m)
	bus.PushValue("message_received", m)

	msgs := s.Messages(peer)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Xin chào", msgs[0].Text)
}

func TestOutOfOrderPushesStaySorted(t *testing.T) {
	s, _ := newStore(t, &fakeBackend{})
	for _, m := range []chat.Message{
		incoming("c", 30, "third"),
		incoming("a", 10, "first"),
		incoming("b", 20, "second"),
		incoming("a2", 10, "first tie"),
	} {
		require.NoError(t, s.ReceivePush(m))
	}
	assert.Equal(t, []string{"a", "a2", "b", "c"}, ids(s.Messages(peer)))
}

func TestReceivePushIgnoresOtherParticipants(t *testing.T) {
	s, _ := newStore(t, &fakeBackend{})
	other := chat.Message{ID: "9", Sender: peer, Receiver: chat.NewIdentity(chat.Individual, "5"), Text: "x"}
	require.NoError(t, s.ReceivePush(other))
	assert.Empty(t, s.Messages(peer))
}

func TestSendReconcilesWithPushThatBeatsTheResponse(t *testing.T) {
	release := make(chan struct{})
	confirmed := chat.Message{ID: "77", Sender: self, Receiver: peer, Text: "hello", Timestamp: 1200}
	b := &fakeBackend{send: func(ctx context.Context, out chat.Outgoing) (chat.Message, error) {
		<-release
		return confirmed, nil
	}}
	s, bus := newStore(t, b)

	done := make(chan error, 1)
	go func() {
		_, err := s.Send(context.Background(), peer, "  hello ")
		done <- err
	}()
	require.Eventually(t, func() bool {
		msgs := s.Messages(peer)
		return len(msgs) == 1 && msgs[0].Pending
	}, time.Second, 5*time.Millisecond)

	bus.PushValue("message_received", confirmed)
	close(release)
	require.NoError(t, <-done)

	msgs := s.Messages(peer)
	require.Len(t, msgs, 1)
	assert.Equal(t, "77", msgs[0].ID)
	assert.False(t, msgs[0].Pending)
	assert.Len(t, bus.Published("message_received"), 1)
	require.Len(t, bus.Published("conversation_updated"), 1)
	assert.JSONEq(t, `{"kind":"user","id":"1"}`, string(bus.Published("conversation_updated")[0].Data))
}

func TestSendThenLatePushKeepsOneCopy(t *testing.T) {
	confirmed := chat.Message{ID: "78", Sender: self, Receiver: peer, Text: "hello", Timestamp: 1000}
	s, bus := newStore(t, &fakeBackend{send: func(context.Context, chat.Outgoing) (chat.Message, error) {
		return confirmed, nil
	}})

	got, err := s.Send(context.Background(), peer, "hello")
	require.NoError(t, err)
	assert.Equal(t, "78", got.ID)

	bus.PushValue("message_received", confirmed)
	assert.Equal(t, []string{"78"}, ids(s.Messages(peer)))
}

func TestSendFailureRemovesOptimisticEntry(t *testing.T) {
	boom := errors.New("503 unavailable")
	s, bus := newStore(t, &fakeBackend{send: func(context.Context, chat.Outgoing) (chat.Message, error) {
		return chat.Message{}, boom
	}})

	_, err := s.Send(context.Background(), peer, "hello")
	require.ErrorIs(t, err, boom)
	assert.Empty(t, s.Messages(peer))
	assert.Empty(t, bus.Published(""))
}

func TestSendRejectsEmptyText(t *testing.T) {
	s, _ := newStore(t, &fakeBackend{})
	_, err := s.Send(context.Background(), peer, "   ")
	assert.ErrorIs(t, err, ErrEmptyText)
	assert.Empty(t, s.Messages(peer))
}

func TestSwitchingPeerDiscardsStaleLoad(t *testing.T) {
	other := chat.NewIdentity(chat.Organization, "9")
	gate := make(chan struct{})
	b := &fakeBackend{messages: func(ctx context.Context, p chat.Identity) (chat.Snapshot, error) {
		if p == peer {
			<-gate
			return chat.Snapshot{Messages: []chat.Message{incoming("old", 1, "stale")}}, nil
		}
		return chat.Snapshot{Messages: []chat.Message{{ID: "b1", Sender: other, Receiver: self, Text: "fresh", Timestamp: 2}}}, nil
	}}
	s, _ := newStore(t, b)

	errA := make(chan error, 1)
	go func() {
		_, err := s.Open(context.Background(), peer)
		errA <- err
	}()
	require.Eventually(t, func() bool { return s.Loading(peer) }, time.Second, 5*time.Millisecond)

	_, err := s.Open(context.Background(), other)
	require.NoError(t, err)
	close(gate)
	assert.ErrorIs(t, <-errA, chat.ErrStale)

	active, msgs := s.Active()
	assert.Equal(t, other, active)
	assert.Equal(t, []string{"b1"}, ids(msgs))
	assert.Empty(t, s.Messages(peer))
}

func TestLoadFailureIsRetryable(t *testing.T) {
	fail := true
	b := &fakeBackend{messages: func(context.Context, chat.Identity) (chat.Snapshot, error) {
		if fail {
			return chat.Snapshot{}, errors.New("timeout")
		}
		return chat.Snapshot{Messages: []chat.Message{incoming("1", 5, "hi")}, UnreadCount: 1}, nil
	}}
	s, _ := newStore(t, b)

	_, err := s.Load(context.Background(), peer)
	require.Error(t, err)
	assert.Error(t, s.Err(peer))

	fail = false
	n, err := s.Load(context.Background(), peer)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, s.Err(peer))
	assert.Len(t, s.Messages(peer), 1)
}

func TestLoadReplacesThreadButKeepsInflightSend(t *testing.T) {
	release := make(chan struct{})
	b := &fakeBackend{
		messages: func(context.Context, chat.Identity) (chat.Snapshot, error) {
			return chat.Snapshot{Messages: []chat.Message{incoming("1", 5, "hi")}}, nil
		},
		send: func(context.Context, chat.Outgoing) (chat.Message, error) {
			<-release
			return chat.Message{ID: "2", Sender: self, Receiver: peer, Text: "pending", Timestamp: 1000}, nil
		},
	}
	s, _ := newStore(t, b)
	require.NoError(t, s.ReceivePush(incoming("gone", 3, "not in snapshot")))

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Send(context.Background(), peer, "pending")
	}()
	require.Eventually(t, func() bool { return len(s.Messages(peer)) == 2 }, time.Second, 5*time.Millisecond)

	_, err := s.Load(context.Background(), peer)
	require.NoError(t, err)
	msgs := s.Messages(peer)
	require.Len(t, msgs, 2)
	assert.Equal(t, "1", msgs[0].ID)
	assert.True(t, msgs[1].Pending)

	close(release)
	<-done
	assert.Equal(t, []string{"1", "2"}, ids(s.Messages(peer)))
}

func TestMarkReadAnnouncesReceipt(t *testing.T) {
	b := &fakeBackend{}
	s, bus := newStore(t, b)
	require.NoError(t, s.ReceivePush(incoming("1", 10, "a")))
	require.NoError(t, s.ReceivePush(incoming("2", 20, "b")))

	require.NoError(t, s.MarkRead(context.Background(), peer))
	for _, m := range s.Messages(peer) {
		assert.True(t, m.Seen)
	}
	require.Len(t, b.reads, 1)
	assert.Equal(t, chat.ReadReceipt{Reader: self, Peer: peer}, b.reads[0])

	frames := bus.Published("mark_as_read")
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"selfKind":"company","selfId":"5","peerKind":"user","peerId":"1"}`, string(frames[0].Data))
}

func TestMarkReadRollsBackOnFailure(t *testing.T) {
	b := &fakeBackend{markRead: func(context.Context, chat.ReadReceipt) error { return errors.New("500") }}
	s, bus := newStore(t, b)
	require.NoError(t, s.ReceivePush(incoming("1", 10, "a")))

	require.Error(t, s.MarkRead(context.Background(), peer))
	assert.False(t, s.Messages(peer)[0].Seen)
	assert.Empty(t, bus.Published("mark_as_read"))
}

func TestPeerReadReceiptMarksSentMessagesSeen(t *testing.T) {
	s, bus := newStore(t, &fakeBackend{})
	require.NoError(t, s.ReceivePush(chat.Message{ID: "1", Sender: self, Receiver: peer, Text: "out", Timestamp: 1}))
	require.NoError(t, s.ReceivePush(incoming("2", 2, "in")))

	bus.PushValue("mark_as_read", chat.ReadReceipt{Reader: peer, Peer: self})

	msgs := s.Messages(peer)
	assert.True(t, msgs[0].Seen, "peer read what we sent")
	assert.False(t, msgs[1].Seen)
}
