// Package devserver is an in-memory stand-in for the messaging backend:
// REST state plus a room-based push hub, enough to run the sync engine
// end to end.
package devserver

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-sync/internal/chat"
)

type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encode(event string, payload any) []byte {
	b, err := json.Marshal(envelope{Event: event, Data: payload})
	if err != nil {
		return nil
	}
	return b
}

type inbound struct {
	from  *Client
	event string
	data  gjson.Result
}

type delivery struct {
	rooms  []string
	frame  []byte
	except string // client id left out, usually the publisher
}

// Hub owns the sockets and their rooms. All membership changes and
// deliveries run on the Start loop.
type Hub struct {
	mu sync.RWMutex

	Clients map[string]*Client // id -> client
	Subs    *Subscriptions

	RegisterChan   chan *Client
	UnregisterChan chan *Client
	InboundChan    chan inbound
	DeliverChan    chan delivery

	log  *zap.Logger
	done chan struct{}
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		Clients:        map[string]*Client{},
		Subs:           newSubscriptions(),
		RegisterChan:   make(chan *Client),
		UnregisterChan: make(chan *Client),
		InboundChan:    make(chan inbound, 64),
		DeliverChan:    make(chan delivery, 64),
		log:            log.Named("hub"),
		done:           make(chan struct{}),
	}
}

// Members lists the socket ids joined to room.
func (h *Hub) Members(room string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.Subs.Members(room)
}

// Publish queues event for every socket in rooms. It gives up once the
// hub has stopped.
func (h *Hub) Publish(event string, payload any, rooms ...string) {
	h.publish(delivery{rooms: rooms, frame: encode(event, payload)})
}

func (h *Hub) publish(d delivery) {
	if d.frame == nil {
		return
	}
	select {
	case h.DeliverChan <- d:
	case <-h.done:
	}
}

func (h *Hub) Start(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for id, c := range h.Clients {
			delete(h.Clients, id)
			close(c.Send)
		}
		h.mu.Unlock()
	}()
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.RegisterChan:
			h.mu.Lock()
			h.Clients[c.ID] = c
			h.mu.Unlock()
			h.log.Debug("socket registered", zap.String("client", c.ID))

		case c := <-h.UnregisterChan:
			h.mu.Lock()
			if _, ok := h.Clients[c.ID]; ok {
				delete(h.Clients, c.ID)
				h.Subs.Drop(c.ID)
				close(c.Send)
			}
			h.mu.Unlock()
			h.log.Debug("socket unregistered", zap.String("client", c.ID))

		case in := <-h.InboundChan:
			h.handle(in)

		case d := <-h.DeliverChan:
			h.deliver(d)
		}
	}
}

func (h *Hub) deliver(d delivery) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := map[string]bool{}
	for _, room := range d.rooms {
		for _, id := range h.Subs.Members(room) {
			if id == d.except || seen[id] {
				continue
			}
			seen[id] = true
			c := h.Clients[id]
			if c == nil {
				continue
			}
			select {
			case c.Send <- d.frame:
			default:
				h.log.Warn("socket buffer full, dropping frame", zap.String("client", id))
			}
		}
	}
}

// handle applies a frame a socket sent. Room changes are applied here;
// the client-published sync events are relayed to the rooms of the
// identities they name.
func (h *Hub) handle(in inbound) {
	switch in.event {
	case "join_room", "leave_room":
		room := in.data.String()
		if in.data.IsObject() {
			room = in.data.Get("roomKey").String()
		}
		h.mu.Lock()
		if in.event == "join_room" {
			h.Subs.Join(in.from.ID, room)
		} else {
			h.Subs.Leave(in.from.ID, room)
		}
		h.mu.Unlock()

	case chat.MarkAsRead.Name():
		var rc chat.ReadReceipt
		if err := rc.UnmarshalJSON([]byte(in.data.Raw)); err != nil {
			h.log.Warn("bad mark_as_read", zap.Error(err))
			return
		}
		h.deliver(delivery{rooms: []string{rc.Reader.RoomKey(), rc.Peer.RoomKey()}, frame: encode(in.event, rc), except: in.from.ID})

	case chat.ConversationUpdated.Name(), chat.NotificationRead.Name():
		var id chat.Identity
		if err := id.UnmarshalJSON([]byte(in.data.Raw)); err != nil {
			h.log.Warn("bad identity payload", zap.String("event", in.event), zap.Error(err))
			return
		}
		h.deliver(delivery{rooms: []string{id.RoomKey()}, frame: encode(in.event, id), except: in.from.ID})

	default:
		// message_received and notification_received originate here, a
		// client copy is an echo.
		h.log.Debug("ignoring client event", zap.String("event", in.event))
	}
}

// Run starts the hub loop in the background; the returned func stops it
// and waits.
func (h *Hub) Run(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		h.Start(ctx)
	}()
	return func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			h.log.Warn("hub did not stop in time")
		}
	}
}
