// Package transport adapts the client-facing duplex socket (spec §6.1) to
// the minimal interface internal/session needs, following the teacher
// agent's Client.readPump/writePump split so a non-websocket transport can
// be substituted in tests without touching session logic.
package transport

import (
	"fmt"

	"github.com/gorilla/websocket"
)

// Conn is a framed duplex message stream. One frame in, one frame out;
// ordering is FIFO per connection (spec §4.5).
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(payload []byte) error
	Close() error
}

// wsConn adapts *websocket.Conn to Conn, sending every frame as a binary
// message.
type wsConn struct {
	conn *websocket.Conn
}

// NewWebsocketConn wraps an upgraded websocket connection.
func NewWebsocketConn(c *websocket.Conn) Conn {
	return &wsConn{conn: c}
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, payload, err := w.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return payload, nil
}

func (w *wsConn) WriteMessage(payload []byte) error {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (w *wsConn) Close() error { return w.conn.Close() }
