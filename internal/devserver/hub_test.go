package devserver

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"

	"github.com/pelusa-v/pelusa-sync/internal/chat"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeConn struct {
	in     chan []byte
	out    chan []byte
	once   sync.Once
	closed chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), out: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case b := <-c.in:
		return 1, b, nil
	case <-c.closed:
		return 0, nil, errors.New("closed")
	}
}

func (c *fakeConn) WriteMessage(_ int, b []byte) error {
	select {
	case c.out <- b:
		return nil
	case <-c.closed:
		return errors.New("closed")
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) next(t *testing.T) gjson.Result {
	t.Helper()
	select {
	case b := <-c.out:
		return gjson.ParseBytes(b)
	case <-time.After(time.Second):
		t.Fatal("no frame delivered")
		return gjson.Result{}
	}
}

func (c *fakeConn) quiet(t *testing.T) {
	t.Helper()
	select {
	case b := <-c.out:
		t.Fatalf("unexpected frame %s", b)
	case <-time.After(30 * time.Millisecond):
	}
}

type testHub struct {
	*Hub
	t  *testing.T
	wg sync.WaitGroup
}

func startHub(t *testing.T) *testHub {
	th := &testHub{Hub: NewHub(nil), t: t}
	stop := th.Run(context.Background())
	t.Cleanup(func() {
		stop()
		th.wg.Wait()
	})
	return th
}

func (th *testHub) connect(rooms ...string) (*fakeConn, *Client) {
	conn := newFakeConn()
	c := th.NewClient(conn)
	th.wg.Add(1)
	go func() {
		defer th.wg.Done()
		c.Serve()
	}()
	for _, r := range rooms {
		conn.in <- encode("join_room", r)
	}
	for _, r := range rooms {
		require.Eventually(th.t, func() bool { return contains(th.Members(r), c.ID) }, time.Second, time.Millisecond)
	}
	return conn, c
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

var (
	alice = chat.NewIdentity(chat.Individual, "1")
	acme  = chat.NewIdentity(chat.Organization, "5")
)

func TestPublishReachesEveryRoomOnce(t *testing.T) {
	h := startHub(t)
	a, _ := h.connect(alice.RoomKey())
	both, _ := h.connect(alice.RoomKey(), acme.RoomKey())

	h.Publish("message_received", chat.Message{ID: "1", Sender: alice, Receiver: acme, Text: "Xin chào"}, alice.RoomKey(), acme.RoomKey())

	f := a.next(t)
	assert.Equal(t, "message_received", f.Get("event").String())
	assert.Equal(t, "Xin chào", f.Get("data.text").String())
	assert.Equal(t, "1", both.next(t).Get("data.id").String())
	both.quiet(t)
}

func TestJoinAcceptsObjectPayloadAndNormalizes(t *testing.T) {
	h := startHub(t)
	conn, c := h.connect()
	conn.in <- encode("join_room", map[string]string{"roomKey": " Company_5 "})
	require.Eventually(t, func() bool { return contains(h.Members("company_5"), c.ID) }, time.Second, time.Millisecond)

	conn.in <- encode("leave_room", "company_5")
	require.Eventually(t, func() bool { return len(h.Members("company_5")) == 0 }, time.Second, time.Millisecond)
}

func TestMarkAsReadIsRelayedToOthers(t *testing.T) {
	h := startHub(t)
	reader, _ := h.connect(acme.RoomKey())
	otherTab, _ := h.connect(acme.RoomKey())
	sender, _ := h.connect(alice.RoomKey())

	reader.in <- encode("mark_as_read", chat.ReadReceipt{Reader: acme, Peer: alice})

	for _, conn := range []*fakeConn{otherTab, sender} {
		f := conn.next(t)
		assert.Equal(t, "mark_as_read", f.Get("event").String())
		assert.Equal(t, "company", f.Get("data.selfKind").String())
		assert.Equal(t, "1", f.Get("data.peerId").String())
	}
	reader.quiet(t)
}

func TestClientMessageEchoIsIgnored(t *testing.T) {
	h := startHub(t)
	a, _ := h.connect(alice.RoomKey())
	b, _ := h.connect(alice.RoomKey())

	a.in <- encode("message_received", chat.Message{ID: "1", Sender: alice, Receiver: acme})
	a.in <- encode("conversation_updated", alice)

	assert.Equal(t, "conversation_updated", b.next(t).Get("event").String())
	b.quiet(t)
}

func TestDisconnectLeavesRooms(t *testing.T) {
	h := startHub(t)
	conn, _ := h.connect(alice.RoomKey(), acme.RoomKey())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		return len(h.Members(alice.RoomKey())) == 0 && len(h.Members(acme.RoomKey())) == 0
	}, time.Second, time.Millisecond)
}
