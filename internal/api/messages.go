package api

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-sync/internal/chat"
)

func selfQuery(self chat.Identity) url.Values {
	return url.Values{"userType": {self.Kind.String()}, "userId": {self.ID}}
}

func pairQuery(self, peer chat.Identity) url.Values {
	q := selfQuery(self)
	q.Set("otherType", peer.Kind.String())
	q.Set("otherId", peer.ID)
	return q
}

func (c *Client) Conversations(ctx context.Context, self chat.Identity) ([]chat.Conversation, error) {
	r, err := c.do(ctx, "conversations", fasthttp.MethodGet, "/message/conversations", selfQuery(self), nil)
	if err != nil {
		return nil, err
	}
	var out []chat.Conversation
	for _, row := range data(r).Array() {
		conv, err := chat.DecodeConversation(row)
		if err != nil {
			c.log.Warn("skipping conversation row", zap.Error(err))
			continue
		}
		out = append(out, conv)
	}
	return out, nil
}

func (c *Client) Messages(ctx context.Context, self, peer chat.Identity) (chat.Snapshot, error) {
	r, err := c.do(ctx, "messages", fasthttp.MethodGet, "/message/messages", pairQuery(self, peer), nil)
	if err != nil {
		return chat.Snapshot{}, err
	}
	snap := chat.Snapshot{UnreadCount: count(r)}
	for _, row := range data(r).Array() {
		var m chat.Message
		if err := m.UnmarshalJSON([]byte(row.Raw)); err != nil {
			c.log.Warn("skipping message row", zap.Error(err))
			continue
		}
		snap.Messages = append(snap.Messages, m)
	}
	return snap, nil
}

func (c *Client) SendMessage(ctx context.Context, out chat.Outgoing) (chat.Message, error) {
	if !out.Sender.Valid() || !out.Receiver.Valid() || strings.TrimSpace(out.Text) == "" {
		return chat.Message{}, &RequestError{Op: "send message", Message: "missing sender, receiver or text"}
	}
	r, err := c.do(ctx, "send message", fasthttp.MethodPost, "/message/send", nil, out)
	if err != nil {
		return chat.Message{}, err
	}
	var m chat.Message
	if err := m.UnmarshalJSON([]byte(data(r).Raw)); err != nil {
		return chat.Message{}, fmt.Errorf("send message: decode response: %w", err)
	}
	return m, nil
}

func (c *Client) MarkRead(ctx context.Context, rc chat.ReadReceipt) error {
	body := map[string]string{
		"userType":  rc.Reader.Kind.String(),
		"userId":    rc.Reader.ID,
		"otherType": rc.Peer.Kind.String(),
		"otherId":   rc.Peer.ID,
	}
	_, err := c.do(ctx, "mark read", fasthttp.MethodPut, "/message/mark-read", nil, body)
	return err
}

func (c *Client) UnreadCount(ctx context.Context, self chat.Identity) (int, error) {
	r, err := c.do(ctx, "unread count", fasthttp.MethodGet, "/message/unread-count", selfQuery(self), nil)
	if err != nil {
		return 0, err
	}
	return count(r), nil
}

func (c *Client) ConversationUnreadCount(ctx context.Context, self, peer chat.Identity) (int, error) {
	r, err := c.do(ctx, "conversation unread count", fasthttp.MethodGet, "/message/conversation-unread-count", pairQuery(self, peer), nil)
	if err != nil {
		return 0, err
	}
	return count(r), nil
}

// Profile fetches display metadata from the user or company endpoint.
func (c *Client) Profile(ctx context.Context, peer chat.Identity) (chat.Profile, error) {
	var path string
	switch peer.Kind {
	case chat.Individual:
		path = "/user/find/" + url.PathEscape(peer.ID)
	case chat.Organization:
		path = "/company/" + url.PathEscape(peer.ID)
	default:
		return chat.Profile{}, chat.ErrInvalidIdentity
	}
	r, err := c.do(ctx, "profile", fasthttp.MethodGet, path, nil, nil)
	if err != nil {
		return chat.Profile{}, err
	}
	rec := data(r)
	if !rec.IsObject() {
		return chat.Profile{}, fmt.Errorf("profile %s: %w", peer, chat.ErrMalformed)
	}
	return chat.DecodeProfile(peer, rec), nil
}
