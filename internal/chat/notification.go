package chat

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Notification is a system event (follow, application, status change)
// addressed to one receiver.
type Notification struct {
	ID        string
	Receiver  Identity
	Type      string
	Message   string
	CreatedAt int64
	IsRead    bool
}

func (n Notification) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID           string `json:"id"`
		ReceiverType string `json:"receiver_type"`
		ReceiverID   string `json:"receiver_id"`
		Type         string `json:"type,omitempty"`
		Message      string `json:"message"`
		CreatedAt    int64  `json:"created_at"`
		IsRead       bool   `json:"is_read"`
	}{n.ID, n.Receiver.Kind.String(), n.Receiver.ID, n.Type, n.Message, n.CreatedAt, n.IsRead})
}

func (n *Notification) UnmarshalJSON(b []byte) error {
	dec, err := DecodeNotification(gjson.ParseBytes(b))
	if err != nil {
		return err
	}
	*n = dec
	return nil
}

func DecodeNotification(r gjson.Result) (Notification, error) {
	if !r.IsObject() {
		return Notification{}, fmt.Errorf("%w: notification is not an object", ErrMalformed)
	}
	id := idString(field(r, "id", "notification_id", "notificationId"))
	if id == "" {
		return Notification{}, fmt.Errorf("%w: notification without id", ErrMalformed)
	}
	receiver, err := identityFrom(r,
		[]string{"receiver_type", "receiverType", "userType", "receiver.kind"},
		[]string{"receiver_id", "receiverId", "userId", "receiver.id"})
	if err != nil {
		return Notification{}, fmt.Errorf("notification receiver: %w", err)
	}
	ts, _ := timestampFrom(field(r, "created_at", "createdAt", "timestamp"))
	return Notification{
		ID:        id,
		Receiver:  receiver,
		Type:      field(r, "type", "kind").String(),
		Message:   field(r, "message", "content", "text").String(),
		CreatedAt: ts,
		IsRead:    field(r, "is_read", "isRead", "read").Bool(),
	}, nil
}

// NotificationPage is one REST page of the feed.
type NotificationPage struct {
	Notifications []Notification
	UnreadCount   int
}
