package channel

import (
	"encoding/json"
	"fmt"
)

// Bus is the publish/subscribe surface the stores depend on. *Client
// implements it.
type Bus interface {
	Subscribe(event string, h Handler) func()
	Publish(event string, payload any)
	Loopback(event string, payload any)
}

// Topic binds an event name to its payload type.
type Topic[T any] struct {
	name string
}

func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{name: name}
}

func (t Topic[T]) Name() string { return t.name }

// On subscribes h to t. Payloads that do not decode into T never reach h.
func On[T any](b Bus, t Topic[T], h func(T) error) func() {
	return b.Subscribe(t.name, func(data json.RawMessage) error {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return fmt.Errorf("decode %s: %w", t.name, err)
		}
		return h(v)
	})
}

// Emit publishes v to the server only.
func Emit[T any](b Bus, t Topic[T], v T) {
	b.Publish(t.name, v)
}

// Announce delivers v to local subscribers, then publishes it.
func Announce[T any](b Bus, t Topic[T], v T) {
	b.Loopback(t.name, v)
	b.Publish(t.name, v)
}
