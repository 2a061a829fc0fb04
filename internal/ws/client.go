// internal/ws/client.go
package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Client is one live WebSocket transport. Frames go through a buffered send
// channel drained by a single write pump, so any goroutine may emit.
type Client struct {
	Token string

	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newClient(token string, conn *websocket.Conn) *Client {
	return &Client{
		Token: token,
		conn:  conn,
		send:  make(chan []byte, 256),
	}
}

// Emit sends one outbound frame. Payload fields are flattened next to the
// type tag. A full buffer drops the frame rather than blocking the caller,
// and a closed transport drops it silently; a superseded transport can still
// receive emits from a turn that started before the reconnect.
func (c *Client) Emit(kind string, payload any) {
	data, err := encodeFrame(kind, payload)
	if err != nil {
		slog.Error("encoding outbound frame", "kind", kind, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		slog.Warn("client send buffer full, dropping frame", "kind", kind)
	}
}

// encodeFrame builds the flat wire form {"type": kind, ...payload}
func encodeFrame(kind string, payload any) ([]byte, error) {
	body := map[string]any{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &body); err != nil {
			return nil, err
		}
	}
	body["type"] = kind
	return json.Marshal(body)
}

// writePump drains the send channel onto the socket
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

// Close shuts the write pump down. Safe to call more than once and safe
// against concurrent Emit.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}
