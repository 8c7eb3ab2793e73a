package chat

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Conversation is the derived list row for one peer.
type Conversation struct {
	Peer            Identity
	LastMessageText string
	LastTimestamp   int64
	UnreadCount     int
	Profile         Profile
}

type conversationWire struct {
	OtherType     string `json:"otherType"`
	OtherID       string `json:"otherId"`
	LastMessage   string `json:"lastMessage"`
	LastTimestamp int64  `json:"lastTimestamp"`
	UnreadCount   int    `json:"unreadCount"`
}

func (c Conversation) MarshalJSON() ([]byte, error) {
	return json.Marshal(conversationWire{
		OtherType:     c.Peer.Kind.String(),
		OtherID:       c.Peer.ID,
		LastMessage:   c.LastMessageText,
		LastTimestamp: c.LastTimestamp,
		UnreadCount:   c.UnreadCount,
	})
}

func (c *Conversation) UnmarshalJSON(b []byte) error {
	conv, err := DecodeConversation(gjson.ParseBytes(b))
	if err != nil {
		return err
	}
	*c = conv
	return nil
}

func DecodeConversation(r gjson.Result) (Conversation, error) {
	peer, err := identityFrom(r,
		[]string{"otherType", "other_type", "peerKind", "peer.kind"},
		[]string{"otherId", "other_id", "peerId", "peer.id"})
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation peer: %w", err)
	}
	ts, _ := timestampFrom(field(r, "lastTimestamp", "last_timestamp", "lastTime", "updated_at"))
	unread := int(field(r, "unreadCount", "unread_count", "unread").Int())
	if unread < 0 {
		unread = 0
	}
	return Conversation{
		Peer:            peer,
		LastMessageText: field(r, "lastMessage", "last_message", "lastMessageText").String(),
		LastTimestamp:   ts,
		UnreadCount:     unread,
	}, nil
}

// Profile is the display metadata of a peer.
type Profile struct {
	Peer     Identity
	Name     string
	Avatar   string
	Fallback bool // synthesized because the profile service gave nothing
}

// FallbackProfile is the display identity used when metadata is missing.
func FallbackProfile(peer Identity) Profile {
	label := "User"
	if peer.Kind == Organization {
		label = "Company"
	}
	return Profile{Peer: peer, Name: fmt.Sprintf("%s #%s", label, peer.ID), Fallback: true}
}

func (p Profile) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name      string `json:"name"`
		AvatarPic string `json:"avatarPic,omitempty"`
	}{p.Name, p.Avatar})
}

// DecodeProfile reads user and company records; both shapes use
// different name and avatar fields.
func DecodeProfile(peer Identity, r gjson.Result) Profile {
	name := field(r, "name", "fullName", "nameCompany", "full_name").String()
	if name == "" {
		return FallbackProfile(peer)
	}
	avatarFields := []string{"avatarPic", "avatar"}
	if peer.Kind == Organization {
		avatarFields = []string{"avatar", "avatarPic"}
	}
	return Profile{Peer: peer, Name: name, Avatar: field(r, avatarFields...).String()}
}
