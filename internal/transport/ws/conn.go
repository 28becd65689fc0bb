// Package ws is the WebSocket edge of the gateway: the upgrade handler, the
// auth-first handshake and the per-connection read loop. Writes go through a
// small adapter so the registry, the sweeper and both queue consumers can
// push frames into the same socket safely.
package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	closeGrace   = time.Second
)

// conn adapts a gorilla connection to gateway.Conn. gorilla allows one
// concurrent writer per socket, so every write path funnels through mu.
type conn struct {
	mu  sync.Mutex
	raw *websocket.Conn
}

func newConn(raw *websocket.Conn) *conn { return &conn{raw: raw} }

func (c *conn) SendText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.raw.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.raw.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with code/reason and tears the socket down,
// which also unblocks the read loop.
func (c *conn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.raw.SetWriteDeadline(time.Now().Add(closeGrace))
	_ = c.raw.WriteMessage(websocket.CloseMessage, msg)
	return c.raw.Close()
}
