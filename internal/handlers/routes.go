package handlers

import (
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/pelusa-v/pelusa-sync/internal/devserver"
)

// NewApp mounts every route of the development backend.
func NewApp(srv *devserver.Server) *fiber.App {
	h := New(srv)
	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Use("/socket", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/socket", websocket.New(h.SocketHandler))

	api := app.Group("/api")
	api.Get("/socket/members", h.MembersHandler) // ?room=

	msg := api.Group("/message")
	msg.Get("/conversations", h.ConversationsHandler)
	msg.Get("/messages", h.MessagesHandler)
	msg.Post("/send", h.SendHandler)
	msg.Put("/mark-read", h.MarkReadHandler)
	msg.Get("/unread-count", h.UnreadCountHandler)
	msg.Get("/conversation-unread-count", h.ConversationUnreadCountHandler)

	notes := api.Group("/notification")
	notes.Get("/list", h.NotificationsHandler)
	notes.Get("/unread-count", h.NotificationUnreadCountHandler)
	notes.Put("/mark-read/:id", h.MarkNotificationReadHandler)
	notes.Put("/mark-all-read", h.MarkAllNotificationsReadHandler)
	notes.Delete("/delete/:id", h.DeleteNotificationHandler)
	notes.Delete("/delete-all", h.DeleteAllNotificationsHandler)
	notes.Post("/create", h.CreateNotificationHandler)

	api.Get("/user/find/:id", h.UserHandler)
	api.Get("/company/:id", h.CompanyHandler)
	return app
}
