package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"procworld/internal/protocol"
)

// Client is the replica side of the replication websocket. Send may be called
// from several goroutines; Receive must only be called from one.
type Client struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	seq          atomic.Uint64

	writeMu sync.Mutex
}

func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &Client{ws: ws, writeTimeout: 5 * time.Second}, nil
}

func (c *Client) Send(msgType protocol.MessageType, payload any) error {
	env, err := protocol.NewEnvelope(msgType, c.seq.Add(1), payload)
	if err != nil {
		return err
	}
	frame, err := protocol.Encode(env)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *Client) Receive() (protocol.Envelope, error) {
	_, frame, err := c.ws.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Decode(frame)
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
