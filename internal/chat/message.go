package chat

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

type Message struct {
	ID        string // server id; empty while pending
	TempID    string // client id of an optimistic entry
	Sender    Identity
	Receiver  Identity
	Text      string
	Timestamp int64 // unix milliseconds
	Seen      bool
	Pending   bool // optimistic, not yet confirmed
}

// PeerOf returns the other participant when self takes part in m.
func (m Message) PeerOf(self Identity) (Identity, bool) {
	switch self {
	case m.Receiver:
		return m.Sender, true
	case m.Sender:
		return m.Receiver, true
	}
	return Identity{}, false
}

// Key is the dedup key: the server id, or the temp id while pending.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

type messageWire struct {
	ID           string `json:"id,omitempty"`
	SenderType   string `json:"senderType"`
	SenderID     string `json:"senderId"`
	ReceiverType string `json:"receiverType"`
	ReceiverID   string `json:"receiverId"`
	Text         string `json:"text"`
	Timestamp    int64  `json:"timestamp"`
	Seen         bool   `json:"seen"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageWire{
		ID:           m.ID,
		SenderType:   m.Sender.Kind.String(),
		SenderID:     m.Sender.ID,
		ReceiverType: m.Receiver.Kind.String(),
		ReceiverID:   m.Receiver.ID,
		Text:         m.Text,
		Timestamp:    m.Timestamp,
		Seen:         m.Seen,
	})
}

func (m *Message) UnmarshalJSON(b []byte) error {
	msg, err := decodeMessage(gjson.ParseBytes(b))
	if err != nil {
		return err
	}
	*m = msg
	return nil
}

func decodeMessage(r gjson.Result) (Message, error) {
	if !r.IsObject() {
		return Message{}, fmt.Errorf("%w: message is not an object", ErrMalformed)
	}
	sender, err := identityFrom(r,
		[]string{"senderType", "sender_type", "sender.kind", "sender.type"},
		[]string{"senderId", "sender_id", "sender.id"})
	if err != nil {
		return Message{}, fmt.Errorf("message sender: %w", err)
	}
	receiver, err := identityFrom(r,
		[]string{"receiverType", "receiver_type", "receiver.kind", "receiver.type"},
		[]string{"receiverId", "receiver_id", "receiver.id"})
	if err != nil {
		return Message{}, fmt.Errorf("message receiver: %w", err)
	}
	ts, _ := timestampFrom(field(r, "timestamp", "created_at", "createdAt", "time"))
	return Message{
		ID:        idString(field(r, "id", "_id", "message_id", "messageId")),
		Sender:    sender,
		Receiver:  receiver,
		Text:      field(r, "text", "message", "content").String(),
		Timestamp: ts,
		Seen:      field(r, "seen", "is_read", "isRead").Bool(),
	}, nil
}

// Outgoing is the body of a send request.
type Outgoing struct {
	Sender   Identity
	Receiver Identity
	Text     string
}

func (o Outgoing) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		SenderType   string `json:"senderType"`
		SenderID     string `json:"senderId"`
		ReceiverType string `json:"receiverType"`
		ReceiverID   string `json:"receiverId"`
		Text         string `json:"text"`
	}{o.Sender.Kind.String(), o.Sender.ID, o.Receiver.Kind.String(), o.Receiver.ID, o.Text})
}

func (o *Outgoing) UnmarshalJSON(b []byte) error {
	r := gjson.ParseBytes(b)
	sender, err := identityFrom(r, []string{"senderType", "sender_type"}, []string{"senderId", "sender_id"})
	if err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	receiver, err := identityFrom(r, []string{"receiverType", "receiver_type"}, []string{"receiverId", "receiver_id"})
	if err != nil {
		return fmt.Errorf("receiver: %w", err)
	}
	*o = Outgoing{Sender: sender, Receiver: receiver, Text: r.Get("text").String()}
	return nil
}

// Snapshot is the REST view of one thread.
type Snapshot struct {
	Messages    []Message
	UnreadCount int
}

// ReadReceipt says Reader has read everything Peer sent to it.
type ReadReceipt struct {
	Reader Identity
	Peer   Identity
}

func (rc ReadReceipt) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		SelfKind string `json:"selfKind"`
		SelfID   string `json:"selfId"`
		PeerKind string `json:"peerKind"`
		PeerID   string `json:"peerId"`
	}{rc.Reader.Kind.String(), rc.Reader.ID, rc.Peer.Kind.String(), rc.Peer.ID})
}

func (rc *ReadReceipt) UnmarshalJSON(b []byte) error {
	r := gjson.ParseBytes(b)
	reader, err := identityFrom(r,
		[]string{"selfKind", "userType", "user_type"},
		[]string{"selfId", "userId", "user_id"})
	if err != nil {
		return fmt.Errorf("read receipt reader: %w", err)
	}
	peer, err := identityFrom(r,
		[]string{"peerKind", "otherType", "other_type"},
		[]string{"peerId", "otherId", "other_id"})
	if err != nil {
		return fmt.Errorf("read receipt peer: %w", err)
	}
	*rc = ReadReceipt{Reader: reader, Peer: peer}
	return nil
}

func idString(r gjson.Result) string {
	if !r.Exists() {
		return ""
	}
	if r.Type == gjson.Number {
		return canonicalID(r.Raw)
	}
	return r.String()
}

// timestampFrom reads epoch numbers as milliseconds, and also accepts
// numeric strings, RFC3339 strings and {seconds, nanoseconds} objects.
func timestampFrom(r gjson.Result) (int64, bool) {
	switch r.Type {
	case gjson.Number:
		return r.Int(), true
	case gjson.String:
		s := r.String()
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UnixMilli(), true
			}
		}
	case gjson.JSON:
		if sec := field(r, "seconds", "_seconds"); sec.Exists() {
			return sec.Int()*1000 + field(r, "nanoseconds", "_nanoseconds").Int()/1e6, true
		}
	}
	return 0, false
}
