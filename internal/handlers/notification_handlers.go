package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/tidwall/gjson"

	"github.com/pelusa-v/pelusa-sync/internal/chat"
)

func bodyIdentity(c *fiber.Ctx) (chat.Identity, bool) {
	var id chat.Identity
	if err := id.UnmarshalJSON(c.Body()); err != nil {
		return chat.Identity{}, false
	}
	return id, true
}

// NotificationsHandler GET /api/notification/list?userType=&userId=&limit=&offset=
func (h *Handlers) NotificationsHandler(c *fiber.Ctx) error {
	self, valid := queryIdentity(c, "userType", "userId")
	if !valid {
		return fail(c, fiber.StatusBadRequest, "invalid user")
	}
	page := h.srv.Store.Notifications(self, c.QueryInt("limit", 20), c.QueryInt("offset", 0))
	if page.Notifications == nil {
		page.Notifications = []chat.Notification{}
	}
	return ok(c, fiber.Map{"notifications": page.Notifications, "unreadCount": page.UnreadCount})
}

// NotificationUnreadCountHandler GET /api/notification/unread-count?userType=&userId=
func (h *Handlers) NotificationUnreadCountHandler(c *fiber.Ctx) error {
	self, valid := queryIdentity(c, "userType", "userId")
	if !valid {
		return fail(c, fiber.StatusBadRequest, "invalid user")
	}
	return ok(c, fiber.Map{"unreadCount": h.srv.Store.NotificationUnreadCount(self)})
}

// MarkNotificationReadHandler PUT /api/notification/mark-read/:id
func (h *Handlers) MarkNotificationReadHandler(c *fiber.Ctx) error {
	n, found := h.srv.Store.MarkNotificationRead(c.Params("id"))
	if !found {
		return fail(c, fiber.StatusNotFound, "notification not found")
	}
	return ok(c, n)
}

// MarkAllNotificationsReadHandler PUT /api/notification/mark-all-read
func (h *Handlers) MarkAllNotificationsReadHandler(c *fiber.Ctx) error {
	if h.srv.NoBulkMarkAll {
		return fail(c, fiber.StatusNotFound, "Cannot PUT /api/notification/mark-all-read")
	}
	self, valid := bodyIdentity(c)
	if !valid {
		return fail(c, fiber.StatusBadRequest, "invalid user")
	}
	return ok(c, fiber.Map{"updated": h.srv.Store.MarkAllNotificationsRead(self)})
}

// DeleteNotificationHandler DELETE /api/notification/delete/:id
func (h *Handlers) DeleteNotificationHandler(c *fiber.Ctx) error {
	if !h.srv.Store.DeleteNotification(c.Params("id")) {
		return fail(c, fiber.StatusNotFound, "notification not found")
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// DeleteAllNotificationsHandler DELETE /api/notification/delete-all
func (h *Handlers) DeleteAllNotificationsHandler(c *fiber.Ctx) error {
	self, valid := bodyIdentity(c)
	if !valid {
		return fail(c, fiber.StatusBadRequest, "invalid user")
	}
	return ok(c, fiber.Map{"deleted": h.srv.Store.DeleteAllNotifications(self)})
}

// CreateNotificationHandler POST /api/notification/create
func (h *Handlers) CreateNotificationHandler(c *fiber.Ctx) error {
	r := gjson.ParseBytes(c.Body())
	kind, err := chat.ParseKind(r.Get("receiver_type").String())
	if err != nil {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	receiver := chat.NewIdentity(kind, r.Get("receiver_id").String())
	msg := strings.TrimSpace(r.Get("message").String())
	if !receiver.Valid() || msg == "" {
		return fail(c, fiber.StatusBadRequest, "receiver and message are required")
	}
	n := h.srv.CreateNotification(chat.Notification{Receiver: receiver, Type: r.Get("type").String(), Message: msg})
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"data": n})
}
