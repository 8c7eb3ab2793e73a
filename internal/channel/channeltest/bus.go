// Package channeltest provides an in-memory channel.Bus for store tests.
package channeltest

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/pelusa-v/pelusa-sync/internal/channel"
)

// Frame is one event handed to Publish.
type Frame struct {
	Event string
	Data  json.RawMessage
}

// Bus dispatches synchronously and records what would have been sent to
// the server.
type Bus struct {
	mu        sync.Mutex
	handlers  map[string]map[uint64]channel.Handler
	nextID    uint64
	published []Frame
}

func NewBus() *Bus {
	return &Bus{handlers: map[string]map[uint64]channel.Handler{}}
}

var _ channel.Bus = (*Bus)(nil)

func (b *Bus) Subscribe(event string, h channel.Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.handlers[event] == nil {
		b.handlers[event] = map[uint64]channel.Handler{}
	}
	b.handlers[event][id] = h
	return func() {
		b.mu.Lock()
		delete(b.handlers[event], id)
		b.mu.Unlock()
	}
}

func (b *Bus) Publish(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.published = append(b.published, Frame{Event: event, Data: data})
	b.mu.Unlock()
}

func (b *Bus) Loopback(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	b.Push(event, data)
}

// Push delivers raw data as if the server had sent it. Handler errors are
// returned in subscription order.
func (b *Bus) Push(event string, data json.RawMessage) []error {
	b.mu.Lock()
	ids := make([]uint64, 0, len(b.handlers[event]))
	for id := range b.handlers[event] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	hs := make([]channel.Handler, len(ids))
	for i, id := range ids {
		hs[i] = b.handlers[event][id]
	}
	b.mu.Unlock()

	var errs []error
	for _, h := range hs {
		if err := h(data); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// PushValue encodes v and pushes it.
func (b *Bus) PushValue(event string, v any) []error {
	data, err := json.Marshal(v)
	if err != nil {
		return []error{err}
	}
	return b.Push(event, data)
}

// Published returns the frames published for event, or all frames when
// event is empty.
func (b *Bus) Published(event string) []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Frame
	for _, f := range b.published {
		if event == "" || f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

// Subscribers counts the handlers registered for event.
func (b *Bus) Subscribers(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[event])
}
