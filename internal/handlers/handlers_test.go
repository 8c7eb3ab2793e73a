package handlers

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/pelusa-v/pelusa-sync/internal/chat"
	"github.com/pelusa-v/pelusa-sync/internal/devserver"
)

func call(t *testing.T, app *fiber.App, method, target, body string) (int, gjson.Result) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, gjson.ParseBytes(b)
}

func TestSendListAndMarkRead(t *testing.T) {
	app := NewApp(devserver.New(devserver.Options{}))

	status, r := call(t, app, http.MethodPost, "/api/message/send",
		`{"senderType":"user","senderId":1,"receiverType":"company","receiverId":"5","text":"Xin chào"}`)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "1", r.Get("data.id").String())

	status, r = call(t, app, http.MethodGet, "/api/message/messages?userType=company&userId=5&otherType=user&otherId=1", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "Xin chào", r.Get("data.0.text").String())
	assert.Equal(t, int64(1), r.Get("unreadCount").Int())

	_, r = call(t, app, http.MethodGet, "/api/message/conversations?userType=company&userId=5", "")
	assert.Equal(t, "user", r.Get("data.0.otherType").String())
	assert.Equal(t, int64(1), r.Get("data.0.unreadCount").Int())

	status, _ = call(t, app, http.MethodPut, "/api/message/mark-read",
		`{"userType":"company","userId":"5","otherType":"user","otherId":"1"}`)
	require.Equal(t, fiber.StatusOK, status)
	_, r = call(t, app, http.MethodGet, "/api/message/unread-count?userType=company&userId=5", "")
	assert.Equal(t, int64(0), r.Get("data.unreadCount").Int())
}

func TestBadRequests(t *testing.T) {
	app := NewApp(devserver.New(devserver.Options{}))

	status, r := call(t, app, http.MethodPost, "/api/message/send",
		`{"senderType":"user","senderId":1,"receiverType":"company","receiverId":"5","text":"  "}`)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "text is required", r.Get("message").String())

	status, _ = call(t, app, http.MethodGet, "/api/message/conversations?userType=robot&userId=5", "")
	assert.Equal(t, fiber.StatusBadRequest, status)

	status, _ = call(t, app, http.MethodGet, "/socket", "")
	assert.Equal(t, fiber.StatusUpgradeRequired, status)
}

func TestNotificationEndpoints(t *testing.T) {
	srv := devserver.New(devserver.Options{})
	app := NewApp(srv)

	status, r := call(t, app, http.MethodPost, "/api/notification/create",
		`{"receiver_type":"company","receiver_id":5,"message":"new applicant","type":"application"}`)
	require.Equal(t, fiber.StatusCreated, status)
	id := r.Get("data.id").String()
	require.NotEmpty(t, id)

	_, r = call(t, app, http.MethodGet, "/api/notification/list?userType=company&userId=5&limit=10", "")
	assert.Equal(t, "new applicant", r.Get("data.notifications.0.message").String())
	assert.Equal(t, int64(1), r.Get("data.unreadCount").Int())

	status, _ = call(t, app, http.MethodPut, "/api/notification/mark-all-read", `{"userType":"company","userId":"5"}`)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, 0, srv.Store.NotificationUnreadCount(chat.NewIdentity(chat.Organization, "5")))

	status, _ = call(t, app, http.MethodDelete, "/api/notification/delete/"+id, "")
	assert.Equal(t, fiber.StatusNoContent, status)
	status, _ = call(t, app, http.MethodDelete, "/api/notification/delete/"+id, "")
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestMarkAllCanBeDisabled(t *testing.T) {
	app := NewApp(devserver.New(devserver.Options{NoBulkMarkAll: true}))
	status, _ := call(t, app, http.MethodPut, "/api/notification/mark-all-read", `{"userType":"company","userId":"5"}`)
	assert.Equal(t, fiber.StatusNotFound, status)
}

func TestProfiles(t *testing.T) {
	srv := devserver.New(devserver.Options{})
	srv.Store.SetProfile(chat.Profile{Peer: chat.NewIdentity(chat.Organization, "5"), Name: "Acme", Avatar: "logo.png"})
	app := NewApp(srv)

	status, r := call(t, app, http.MethodGet, "/api/company/5", "")
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "Acme", r.Get("data.name").String())

	status, _ = call(t, app, http.MethodGet, "/api/user/find/1", "")
	assert.Equal(t, fiber.StatusNotFound, status)
}
