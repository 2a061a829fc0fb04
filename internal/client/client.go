// internal/client/client.go

// Package client implements the client half of the wire protocol: a logical
// connection that survives transport drops. Every redial presents the same
// connection token, so the server rehomes the existing session state instead
// of starting over.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// DefaultInitialBackoff is the delay before the first redial
	DefaultInitialBackoff = 1 * time.Second

	// DefaultMaxBackoff caps the redial delay
	DefaultMaxBackoff = 30 * time.Second

	// DefaultMaxAttempts is how many consecutive failed dials are tolerated
	// before the connection gives up for good.
	DefaultMaxAttempts = 10
)

// ErrNotConnected means a send was attempted while the transport is down
var ErrNotConnected = errors.New("not connected")

// Options configures a Client
type Options struct {
	// URL is the ws:// endpoint
	URL string

	// AuthKey, when set, is sent as the key query parameter
	AuthKey string

	// Token identifies the logical connection. Generated when empty.
	Token string

	// OnFrame receives every inbound frame
	OnFrame func(kind string, raw []byte)

	// OnGiveUp fires once when reconnection is abandoned
	OnGiveUp func()

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
}

// Client is a reconnecting WebSocket client
type Client struct {
	opts Options

	mu    sync.Mutex
	conn  *websocket.Conn
	token string

	done chan struct{}
	once sync.Once
}

// Dial starts the connection loop. The returned client is usable
// immediately; sends fail with ErrNotConnected until the first dial lands.
func Dial(opts Options) *Client {
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultMaxBackoff
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Token == "" {
		opts.Token = uuid.New().String()
	}

	c := &Client{
		opts:  opts,
		token: opts.Token,
		done:  make(chan struct{}),
	}
	go c.run()
	return c
}

// Token returns the logical connection token
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Send writes one frame of the given kind
func (c *Client) Send(kind string, payload map[string]any) error {
	body := map[string]any{"type": kind}
	for k, v := range payload {
		body[k] = v
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears the connection down and stops reconnecting
func (c *Client) Close() {
	c.once.Do(func() { close(c.done) })

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

// run dials, reads until the transport drops, and redials with capped
// exponential backoff. Consecutive failures beyond the attempt budget end
// the loop for good.
func (c *Client) run() {
	backoff := c.opts.InitialBackoff
	failures := 0

	for {
		select {
		case <-c.done:
			return
		default:
		}

		conn, err := c.dialOnce()
		if err != nil {
			failures++
			if failures >= c.opts.MaxAttempts {
				slog.Error("giving up on server", "url", c.opts.URL, "attempts", failures)
				if c.opts.OnGiveUp != nil {
					c.opts.OnGiveUp()
				}
				return
			}

			slog.Warn("dial failed, retrying", "url", c.opts.URL, "backoff", backoff, "error", err)
			select {
			case <-c.done:
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > c.opts.MaxBackoff {
				backoff = c.opts.MaxBackoff
			}
			continue
		}

		failures = 0
		backoff = c.opts.InitialBackoff

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()

		c.readLoop(conn)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
	}
}

func (c *Client) dialOnce() (*websocket.Conn, error) {
	u, err := url.Parse(c.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	q := u.Query()
	q.Set("token", c.Token())
	if c.opts.AuthKey != "" {
		q.Set("key", c.opts.AuthKey)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	return conn, err
}

// readLoop forwards frames until the transport errors out
func (c *Client) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				slog.Warn("connection lost", "error", err)
			}
			return
		}

		var head struct {
			Type  string `json:"type"`
			Token string `json:"token"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			slog.Warn("dropping malformed frame", "error", err)
			continue
		}

		// The server may assign the token on first connect; later redials
		// must present it.
		if head.Type == "connected" && head.Token != "" {
			c.mu.Lock()
			c.token = head.Token
			c.mu.Unlock()
		}

		if c.opts.OnFrame != nil {
			c.opts.OnFrame(head.Type, data)
		}
	}
}
