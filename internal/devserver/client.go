package devserver

import (
	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/pelusa-v/pelusa-sync/internal/channel"
)

// Client is one connected socket.
type Client struct {
	ID   string
	Conn channel.ConnLike
	Send chan []byte

	hub *Hub
}

func (h *Hub) NewClient(conn channel.ConnLike) *Client {
	return &Client{ID: uuid.NewString(), Conn: conn, Send: make(chan []byte, 64), hub: h}
}

// Serve registers c, pumps frames until the socket closes and unregisters.
func (c *Client) Serve() {
	select {
	case c.hub.RegisterChan <- c:
	case <-c.hub.done:
		return
	}
	go c.WritePump()
	c.ReadPump()
}

func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.UnregisterChan <- c:
		case <-c.hub.done:
		}
	}()
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			return
		}
		env := gjson.ParseBytes(data)
		event := env.Get("event").String()
		if event == "" {
			continue
		}
		select {
		case c.hub.InboundChan <- inbound{from: c, event: event, data: env.Get("data")}:
		case <-c.hub.done:
			return
		}
	}
}

func (c *Client) WritePump() {
	for data := range c.Send {
		if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
			_ = c.Conn.Close()
			for range c.Send {
			}
			return
		}
	}
	_ = c.Conn.Close()
}
