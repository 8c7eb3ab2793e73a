package handlers

import (
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/pelusa-v/pelusa-sync/internal/chat"
	"github.com/pelusa-v/pelusa-sync/internal/devserver"
)

// Handlers serves the messaging REST API and the push socket of a
// development backend.
type Handlers struct {
	srv *devserver.Server
}

func New(srv *devserver.Server) *Handlers {
	return &Handlers{srv: srv}
}

func fail(c *fiber.Ctx, status int, msg string) error {
	return c.Status(status).JSON(fiber.Map{"message": msg})
}

func ok(c *fiber.Ctx, data any) error {
	return c.JSON(fiber.Map{"data": data})
}

func queryIdentity(c *fiber.Ctx, kindKey, idKey string) (chat.Identity, bool) {
	kind, err := chat.ParseKind(c.Query(kindKey))
	if err != nil {
		return chat.Identity{}, false
	}
	id := chat.NewIdentity(kind, c.Query(idKey))
	return id, id.Valid()
}

// SocketHandler GET /socket
func (h *Handlers) SocketHandler(c *websocket.Conn) {
	h.srv.Hub.NewClient(c).Serve()
}

// MembersHandler GET /api/socket/members?room=
func (h *Handlers) MembersHandler(c *fiber.Ctx) error {
	room := strings.TrimSpace(c.Query("room"))
	if room == "" {
		return fail(c, fiber.StatusBadRequest, "missing room")
	}
	return ok(c, h.srv.Hub.Members(room))
}

// ConversationsHandler GET /api/message/conversations?userType=&userId=
func (h *Handlers) ConversationsHandler(c *fiber.Ctx) error {
	self, valid := queryIdentity(c, "userType", "userId")
	if !valid {
		return fail(c, fiber.StatusBadRequest, "invalid user")
	}
	return ok(c, h.srv.Store.Conversations(self))
}

// MessagesHandler GET /api/message/messages?userType=&userId=&otherType=&otherId=
func (h *Handlers) MessagesHandler(c *fiber.Ctx) error {
	self, valid := queryIdentity(c, "userType", "userId")
	peer, validPeer := queryIdentity(c, "otherType", "otherId")
	if !valid || !validPeer {
		return fail(c, fiber.StatusBadRequest, "invalid user or peer")
	}
	msgs, unread := h.srv.Store.Messages(self, peer)
	if msgs == nil {
		msgs = []chat.Message{}
	}
	return c.JSON(fiber.Map{"data": msgs, "unreadCount": unread})
}

// SendHandler POST /api/message/send
func (h *Handlers) SendHandler(c *fiber.Ctx) error {
	var out chat.Outgoing
	if err := out.UnmarshalJSON(c.Body()); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(out.Text) == "" {
		return fail(c, fiber.StatusBadRequest, "text is required")
	}
	return ok(c, h.srv.SendMessage(out))
}

// MarkReadHandler PUT /api/message/mark-read
func (h *Handlers) MarkReadHandler(c *fiber.Ctx) error {
	var rc chat.ReadReceipt
	if err := rc.UnmarshalJSON(c.Body()); err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	n := h.srv.Store.MarkRead(rc)
	return ok(c, fiber.Map{"updated": n})
}

// UnreadCountHandler GET /api/message/unread-count?userType=&userId=
func (h *Handlers) UnreadCountHandler(c *fiber.Ctx) error {
	self, valid := queryIdentity(c, "userType", "userId")
	if !valid {
		return fail(c, fiber.StatusBadRequest, "invalid user")
	}
	return ok(c, fiber.Map{"unreadCount": h.srv.Store.UnreadCount(self)})
}

// ConversationUnreadCountHandler GET /api/message/conversation-unread-count
func (h *Handlers) ConversationUnreadCountHandler(c *fiber.Ctx) error {
	self, valid := queryIdentity(c, "userType", "userId")
	peer, validPeer := queryIdentity(c, "otherType", "otherId")
	if !valid || !validPeer {
		return fail(c, fiber.StatusBadRequest, "invalid user or peer")
	}
	return ok(c, fiber.Map{"unreadCount": h.srv.Store.ConversationUnreadCount(self, peer)})
}

// UserHandler GET /api/user/find/:id
func (h *Handlers) UserHandler(c *fiber.Ctx) error {
	return h.profile(c, chat.Individual)
}

// CompanyHandler GET /api/company/:id
func (h *Handlers) CompanyHandler(c *fiber.Ctx) error {
	return h.profile(c, chat.Organization)
}

func (h *Handlers) profile(c *fiber.Ctx, kind chat.Kind) error {
	peer := chat.NewIdentity(kind, c.Params("id"))
	p, found := h.srv.Store.Profile(peer)
	if !found {
		return fail(c, fiber.StatusNotFound, "not found")
	}
	return ok(c, p)
}
