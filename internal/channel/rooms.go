package channel

import (
	"sort"

	"go.uber.org/zap"
)

// JoinRoom takes a reference on a room. Only the first reference sends
// join_room; later joins by other subscribers just count.
func (c *Client) JoinRoom(key string) {
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rooms[key]++
	if c.rooms[key] == 1 && c.state == StateOpen {
		c.enqueueLocked(frame("join_room", key))
	}
}

// LeaveRoom drops a reference. The room is left when the last one goes;
// leaving a room that was never joined is a no-op.
func (c *Client) LeaveRoom(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.rooms[key]
	if !ok {
		c.log.Debug("leave of unjoined room", zap.String("room", key))
		return
	}
	if n > 1 {
		c.rooms[key] = n - 1
		return
	}
	delete(c.rooms, key)
	if c.state == StateOpen {
		c.enqueueLocked(frame("leave_room", key))
	}
}

// Rooms lists the rooms currently held, sorted.
func (c *Client) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomKeysLocked()
}

func (c *Client) roomKeysLocked() []string {
	keys := make([]string, 0, len(c.rooms))
	for k := range c.rooms {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
