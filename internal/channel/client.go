// Package channel wraps the single persistent push connection: connection
// state, ref-counted rooms and an event bus shared by every store.
package channel

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"go.uber.org/zap"
)

type State int32

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// ConnLike is the part of a websocket connection the client uses.
type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (ConnLike, error)
}

// Handler receives the raw payload of an event. A returned error marks
// the payload as malformed; it is logged and the event is dropped for
// that handler only.
type Handler func(data json.RawMessage) error

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type Options struct {
	ReconnectDelay time.Duration
	SendBuffer     int
	Logger         *zap.Logger
}

type Client struct {
	dialer Dialer
	opts   Options
	log    *zap.Logger

	mu       sync.Mutex
	state    State
	send     chan []byte // outbound frames of the open connection
	rooms    map[string]int
	handlers map[string]map[uint64]Handler
	watchers map[uint64]chan State
	nextID   uint64

	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
	streams []func() // unwatch funcs of the Connect streams
}

func New(d Dialer, opts Options) *Client {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 3 * time.Second
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		dialer:   d,
		opts:     opts,
		log:      opts.Logger.Named("channel"),
		rooms:    map[string]int{},
		handlers: map[string]map[uint64]Handler{},
		watchers: map[uint64]chan State{},
	}
}

// Connect starts the connection loop and returns a state stream. Calling
// it again only returns another stream. The stream coalesces: a slow
// reader sees the latest state, never a stale one. Streams stop receiving
// once the loop exits.
func (c *Client) Connect(ctx context.Context) <-chan State {
	states, unwatch := c.Watch()
	c.mu.Lock()
	if c.done == nil {
		ctx, c.cancel = context.WithCancel(ctx)
		c.done = make(chan struct{})
		go c.run(ctx)
	}
	stopped := c.stopped
	if !stopped {
		c.streams = append(c.streams, unwatch)
	}
	c.mu.Unlock()
	if stopped {
		unwatch()
	}
	return states
}

func (c *Client) dropStreams() {
	c.mu.Lock()
	c.stopped = true
	streams := c.streams
	c.streams = nil
	c.mu.Unlock()
	for _, unwatch := range streams {
		unwatch()
	}
}

// Close stops the connection loop and waits for it to exit.
func (c *Client) Close() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Watch returns a state stream primed with the current state.
func (c *Client) Watch() (<-chan State, func()) {
	ch := make(chan State, 1)
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.watchers[id] = ch
	ch <- c.state
	c.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watchers, id)
			c.mu.Unlock()
		})
	}
}

// setStateLocked must be called with c.mu held; watchers only ever have
// one writer, so replacing a buffered value never blocks.
func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.log.Debug("channel state", zap.Stringer("state", s))
	for _, ch := range c.watchers {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- s
		}
	}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer c.dropStreams()
	for {
		c.mu.Lock()
		c.setStateLocked(StateConnecting)
		c.mu.Unlock()

		conn, err := c.dialer.Dial(ctx)
		if err != nil {
			c.log.Warn("dial failed", zap.Error(err))
			c.mu.Lock()
			c.setStateLocked(StateClosed)
			c.mu.Unlock()
		} else {
			c.serve(ctx, conn)
		}
		if !sleep(ctx, c.opts.ReconnectDelay) {
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// serve owns one live connection until it fails or ctx ends.
func (c *Client) serve(ctx context.Context, conn ConnLike) {
	c.mu.Lock()
	send := make(chan []byte, c.opts.SendBuffer+len(c.rooms))
	c.send = send
	for _, key := range c.roomKeysLocked() {
		c.enqueueLocked(frame("join_room", key))
	}
	c.setStateLocked(StateOpen)
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(conn, send)
	}()

	c.readPump(conn)

	stop()
	c.mu.Lock()
	c.send = nil
	c.setStateLocked(StateClosed)
	c.mu.Unlock()
	close(send)
	<-writerDone
	_ = conn.Close()
}

func (c *Client) readPump(conn ConnLike) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.log.Debug("read ended", zap.Error(err))
			return
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.log.Warn("dropping undecodable frame", zap.Int("bytes", len(data)))
			continue
		}
		c.dispatch(env.Event, env.Data)
	}
}

func (c *Client) writePump(conn ConnLike, send <-chan []byte) {
	for data := range send {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.log.Debug("write failed", zap.Error(err))
			_ = conn.Close()
			for range send {
			}
			return
		}
	}
}

func frame(event string, payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	b, _ := json.Marshal(envelope{Event: event, Data: data})
	return b
}

func (c *Client) enqueueLocked(b []byte) bool {
	if b == nil || c.send == nil {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		return false
	}
}

// Publish sends an event to the server. It never blocks: the event is
// dropped while the channel is not open or the outbound buffer is full.
func (c *Client) Publish(event string, payload any) {
	b := frame(event, payload)
	if b == nil {
		c.log.Warn("dropping unencodable event", zap.String("event", event))
		return
	}
	c.mu.Lock()
	ok := c.state == StateOpen && c.enqueueLocked(b)
	c.mu.Unlock()
	if !ok {
		c.log.Debug("publish dropped", zap.String("event", event))
	}
}

// Loopback delivers a locally originated event to local subscribers,
// through the same decode path as pushed events.
func (c *Client) Loopback(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.log.Warn("dropping unencodable event", zap.String("event", event), zap.Error(err))
		return
	}
	c.dispatch(event, data)
}

func (c *Client) Subscribe(event string, h Handler) func() {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	if c.handlers[event] == nil {
		c.handlers[event] = map[uint64]Handler{}
	}
	c.handlers[event][id] = h
	c.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.handlers[event], id)
			if len(c.handlers[event]) == 0 {
				delete(c.handlers, event)
			}
			c.mu.Unlock()
		})
	}
}

// dispatch runs handlers in subscription order. One bad payload or a
// panicking handler never stops delivery to the others.
func (c *Client) dispatch(event string, data json.RawMessage) {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.handlers[event]))
	for id := range c.handlers[event] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]Handler, len(ids))
	for i, id := range ids {
		hs[i] = c.handlers[event][id]
	}
	c.mu.Unlock()

	for _, h := range hs {
		c.invoke(event, h, data)
	}
}

func (c *Client) invoke(event string, h Handler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event handler panicked", zap.String("event", event), zap.Any("panic", r))
		}
	}()
	if err := h(data); err != nil {
		c.log.Warn("dropping malformed event", zap.String("event", event), zap.Error(err))
	}
}
