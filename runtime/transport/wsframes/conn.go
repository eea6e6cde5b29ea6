package wsframes

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection defaults.
const (
	DefaultWriteWait        = 10 * time.Second
	DefaultMaxFrameSize     = 8 * 1024 * 1024 // 8MB
	DefaultMaxEventSize     = 1024 * 1024     // 1MB
	DefaultCloseGracePeriod = time.Second
)

var errConnClosed = errors.New("websocket is closed")

// conn wraps an upgraded socket with serialized writes and a one-shot close.
type conn struct {
	ws        *websocket.Conn
	writeWait time.Duration

	writeMu sync.Mutex // gorilla/websocket allows one concurrent writer
	mu      sync.Mutex
	closed  bool
}

func newConn(ws *websocket.Conn, readLimit int64, writeWait time.Duration) *conn {
	ws.SetReadLimit(readLimit)
	return &conn{ws: ws, writeWait: writeWait}
}

// send writes env as a text message.
func (c *conn) send(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// sendPayload wraps payload in an envelope of type typ and sends it.
func (c *conn) sendPayload(typ string, payload any) error {
	env, err := newEnvelope(typ, payload)
	if err != nil {
		return err
	}
	return c.send(env)
}

// read returns the next text or binary message.
func (c *conn) read() (int, []byte, error) {
	return c.ws.ReadMessage()
}

// close writes a close frame with code and reason and closes the socket.
func (c *conn) close(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.SetWriteDeadline(time.Now().Add(DefaultCloseGracePeriod))
	_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
	c.writeMu.Unlock()

	return c.ws.Close()
}

// normalClose reports whether err is the peer closing the socket cleanly.
func normalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
		errors.Is(err, errConnClosed)
}
