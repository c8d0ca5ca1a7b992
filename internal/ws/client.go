package ws

import (
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
)

// writeWait bounds how long a slow log-stream consumer can block a send.
const writeWait = 10 * time.Second

// Client wraps one websocket log-stream subscriber.
type Client struct {
	conn *websocket.Conn
	log  *slog.Logger
}

// NewClient constructs a client wrapper around an upgraded connection.
func NewClient(conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{conn: conn, log: logger}
}

// Send writes one log payload to the subscriber. A failed or expired write
// closes the connection; the hub drops the subscriber on the returned error.
func (c *Client) Send(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Warn("websocket send failed", "error", err)
		_ = c.conn.Close()
		return err
	}
	return nil
}

// Close terminates the connection.
func (c *Client) Close() {
	_ = c.conn.Close()
}
