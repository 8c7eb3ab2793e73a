package unread

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
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
	calls atomic.Int32
	count atomic.Int32
	gate  chan struct{}
	err   error
	// answer, when set, replaces count and gate for each numbered call.
	answer func(call int32) int
}

func (f *fakeBackend) UnreadCount(ctx context.Context, _ chat.Identity) (int, error) {
	call := f.calls.Add(1)
	if f.answer != nil {
		return f.answer(call), nil
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return 0, f.err
	}
	return int(f.count.Load()), nil
}

func newReconciler(t *testing.T, b *fakeBackend, opts Options) (*Reconciler, *channeltest.Bus) {
	t.Helper()
	bus := channeltest.NewBus()
	if opts.RecountDelay == 0 {
		opts.RecountDelay = time.Hour
	}
	r := New(self, b, bus, opts)
	t.Cleanup(r.Close)
	return r, bus
}

func msg(id int, from chat.Identity) chat.Message {
	return chat.Message{ID: strconv.Itoa(id), Sender: from, Receiver: self, Text: "m", Timestamp: int64(id)}
}

func TestIncrementThenReadReturnsToZero(t *testing.T) {
	r, bus := newReconciler(t, &fakeBackend{}, Options{})

	bus.PushValue("message_received", chat.Message{ID: "1", Sender: peer, Receiver: self, Text: "Xin chào", Timestamp: 1000})
	assert.Equal(t, 1, r.Total())
	assert.Equal(t, 1, r.Tally(peer))

	bus.PushValue("mark_as_read", chat.ReadReceipt{Reader: self, Peer: peer})
	assert.Equal(t, 0, r.Total())
	assert.Equal(t, 0, r.Tally(peer))
}

func TestIncrementsSkipDuplicatesAndOwnMessages(t *testing.T) {
	r, bus := newReconciler(t, &fakeBackend{}, Options{})
	bus.PushValue("message_received", msg(1, peer))
	bus.PushValue("message_received", msg(1, peer))
	bus.PushValue("message_received", chat.Message{ID: "2", Sender: self, Receiver: peer, Text: "mine"})
	seen := msg(3, peer)
	seen.Seen = true
	bus.PushValue("message_received", seen)
	assert.Equal(t, 1, r.Total())
}

func TestTotalNeverGoesNegative(t *testing.T) {
	r, bus := newReconciler(t, &fakeBackend{}, Options{})
	other := chat.NewIdentity(chat.Organization, "9")

	bus.PushValue("message_received", msg(1, peer))
	r.Decrement(5)
	assert.Equal(t, 0, r.Total())

	bus.PushValue("mark_as_read", chat.ReadReceipt{Reader: self, Peer: peer})
	bus.PushValue("mark_as_read", chat.ReadReceipt{Reader: self, Peer: other})
	assert.Equal(t, 0, r.Total())

	bus.PushValue("message_received", msg(2, other))
	bus.PushValue("mark_as_read", chat.ReadReceipt{Reader: peer, Peer: self})
	assert.Equal(t, 1, r.Total(), "a peer reading our messages does not touch our badge")
}

func TestDriftGuardRecountsPastThreshold(t *testing.T) {
	b := &fakeBackend{}
	b.count.Store(7)
	r, bus := newReconciler(t, b, Options{DriftThreshold: 3, DriftDelay: 20 * time.Millisecond})

	for i := 1; i <= 6; i++ {
		bus.PushValue("message_received", msg(i, peer))
	}
	assert.Equal(t, 3, r.Total(), "increments past the threshold are held back")

	require.Eventually(t, func() bool { return r.Total() == 7 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), b.calls.Load(), "one recount for the whole burst")
	assert.LessOrEqual(t, r.Tally(peer), 7)
}

func TestConcurrentResyncsShareOneRequest(t *testing.T) {
	b := &fakeBackend{gate: make(chan struct{})}
	b.count.Store(4)
	r, _ := newReconciler(t, b, Options{})

	var wg sync.WaitGroup
	results := make([]int, 3)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := r.Resync(context.Background())
			assert.NoError(t, err)
			results[i] = n
		}()
	}
	require.Eventually(t, func() bool { return b.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(b.gate)
	wg.Wait()

	assert.Equal(t, []int{4, 4, 4}, results)
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestReadDuringResyncRecountsAfresh(t *testing.T) {
	gate := make(chan struct{})
	b := &fakeBackend{answer: func(call int32) int {
		if call == 1 {
			<-gate
			return 1
		}
		return 0
	}}
	r, bus := newReconciler(t, b, Options{RecountDelay: 10 * time.Millisecond})
	bus.PushValue("message_received", msg(1, peer))

	done := make(chan int, 1)
	go func() {
		n, _ := r.Resync(context.Background())
		done <- n
	}()
	require.Eventually(t, func() bool { return b.calls.Load() == 1 }, time.Second, time.Millisecond)

	bus.PushValue("mark_as_read", chat.ReadReceipt{Reader: self, Peer: peer})
	require.Eventually(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.applied == 2
	}, time.Second, time.Millisecond)

	close(gate)
	assert.Equal(t, 0, <-done, "the answer from before the read is dropped")
	assert.Equal(t, 0, r.Total())
}

func TestResyncClearsTalliesOnZero(t *testing.T) {
	b := &fakeBackend{}
	r, bus := newReconciler(t, b, Options{})
	bus.PushValue("message_received", msg(1, peer))
	bus.PushValue("message_received", msg(2, peer))

	n, err := r.Resync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, r.Tally(peer))
}

func TestResyncFailureKeepsLocalTotal(t *testing.T) {
	b := &fakeBackend{err: errors.New("502")}
	r, bus := newReconciler(t, b, Options{})
	bus.PushValue("message_received", msg(1, peer))

	n, err := r.Resync(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, r.Total())
}

func TestSelfConversationUpdateTriggersDebouncedRecount(t *testing.T) {
	b := &fakeBackend{}
	b.count.Store(2)
	r, bus := newReconciler(t, b, Options{RecountDelay: 20 * time.Millisecond})

	for range 3 {
		bus.PushValue("conversation_updated", self)
	}
	bus.PushValue("conversation_updated", peer)

	require.Eventually(t, func() bool { return r.Total() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(1), b.calls.Load())
}

func TestSubscribersSeeEveryChange(t *testing.T) {
	r, bus := newReconciler(t, &fakeBackend{}, Options{})
	var mu sync.Mutex
	var got []int
	unsubscribe := r.Subscribe(func(n int) {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})

	bus.PushValue("message_received", msg(1, peer))
	bus.PushValue("message_received", msg(2, peer))
	unsubscribe()
	bus.PushValue("message_received", msg(3, peer))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, got)
}

func TestRunResyncsPeriodically(t *testing.T) {
	b := &fakeBackend{}
	b.count.Store(3)
	r, _ := newReconciler(t, b, Options{ResyncInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
	require.Eventually(t, func() bool { return b.calls.Load() >= 2 && r.Total() == 3 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
