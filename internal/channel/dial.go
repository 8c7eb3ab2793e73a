package channel

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fasthttp/websocket"
)

// WSDialer dials the push endpoint over websocket.
type WSDialer struct {
	URL     string
	Header  http.Header
	Timeout time.Duration
}

func (d WSDialer) Dial(ctx context.Context) (ConnLike, error) {
	dialer := *websocket.DefaultDialer
	if d.Timeout > 0 {
		dialer.HandshakeTimeout = d.Timeout
	}
	conn, _, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}
	return conn, nil
}
