package chat

import "github.com/pelusa-v/pelusa-sync/internal/channel"

// Push events exchanged over the channel.
var (
	MessageReceived      = channel.NewTopic[Message]("message_received")
	ConversationUpdated  = channel.NewTopic[Identity]("conversation_updated")
	MarkAsRead           = channel.NewTopic[ReadReceipt]("mark_as_read")
	NotificationReceived = channel.NewTopic[Notification]("notification_received")
	NotificationRead     = channel.NewTopic[Identity]("notification_read")
)
