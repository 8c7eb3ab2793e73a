package api

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/pelusa-v/pelusa-sync/internal/chat"
)

func (c *Client) Notifications(ctx context.Context, self chat.Identity, limit, offset int) (chat.NotificationPage, error) {
	q := selfQuery(self)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	r, err := c.do(ctx, "notifications", fasthttp.MethodGet, "/notification/list", q, nil)
	if err != nil {
		return chat.NotificationPage{}, err
	}
	page := chat.NotificationPage{UnreadCount: count(r)}
	rows := r.Get("data.notifications")
	if !rows.Exists() {
		rows = r.Get("notifications")
	}
	for _, row := range rows.Array() {
		n, err := chat.DecodeNotification(row)
		if err != nil {
			c.log.Warn("skipping notification row", zap.Error(err))
			continue
		}
		page.Notifications = append(page.Notifications, n)
	}
	return page, nil
}

func (c *Client) NotificationUnreadCount(ctx context.Context, self chat.Identity) (int, error) {
	r, err := c.do(ctx, "notification unread count", fasthttp.MethodGet, "/notification/unread-count", selfQuery(self), nil)
	if err != nil {
		return 0, err
	}
	return count(r), nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	_, err := c.do(ctx, "mark notification read", fasthttp.MethodPut, "/notification/mark-read/"+url.PathEscape(id), nil, nil)
	return err
}

// MarkAllNotificationsRead calls the bulk endpoint. A backend without one
// yields an error matching errors.ErrUnsupported.
func (c *Client) MarkAllNotificationsRead(ctx context.Context, self chat.Identity) error {
	body := map[string]string{"userType": self.Kind.String(), "userId": self.ID}
	_, err := c.do(ctx, "mark all notifications read", fasthttp.MethodPut, "/notification/mark-all-read", nil, body)
	if unsupported(err) {
		return fmt.Errorf("%w: %w", errors.ErrUnsupported, err)
	}
	return err
}

func (c *Client) DeleteNotification(ctx context.Context, id string) error {
	_, err := c.do(ctx, "delete notification", fasthttp.MethodDelete, "/notification/delete/"+url.PathEscape(id), nil, nil)
	return err
}

func (c *Client) DeleteAllNotifications(ctx context.Context, self chat.Identity) error {
	body := map[string]string{"userType": self.Kind.String(), "userId": self.ID}
	_, err := c.do(ctx, "delete all notifications", fasthttp.MethodDelete, "/notification/delete-all", nil, body)
	return err
}
