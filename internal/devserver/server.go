package devserver

import (
	"time"

	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-sync/internal/chat"
)

type Options struct {
	// NoBulkMarkAll makes the mark-all endpoint answer 404, like a
	// backend that only marks notifications one at a time.
	NoBulkMarkAll bool
	Now           func() time.Time
	Logger        *zap.Logger
}

// Server ties the store to the hub: REST writes that others must see
// are pushed to the rooms involved.
type Server struct {
	Store         *Store
	Hub           *Hub
	NoBulkMarkAll bool
	log           *zap.Logger
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Server{
		Store:         NewStore(opts.Now),
		Hub:           NewHub(opts.Logger),
		NoBulkMarkAll: opts.NoBulkMarkAll,
		log:           opts.Logger.Named("devserver"),
	}
}

// SendMessage stores the message and pushes message_received to both
// participants.
func (s *Server) SendMessage(out chat.Outgoing) chat.Message {
	m := s.Store.Send(out)
	s.Hub.Publish(chat.MessageReceived.Name(), m, m.Sender.RoomKey(), m.Receiver.RoomKey())
	s.log.Debug("message sent", zap.String("id", m.ID), zap.Stringer("from", m.Sender), zap.Stringer("to", m.Receiver))
	return m
}

// CreateNotification stores n and pushes it to its receiver.
func (s *Server) CreateNotification(n chat.Notification) chat.Notification {
	n = s.Store.CreateNotification(n)
	s.Hub.Publish(chat.NotificationReceived.Name(), n, n.Receiver.RoomKey())
	return n
}
