package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn wraps a gorilla WebSocket connection with write serialization.
// gorilla allows only one concurrent writer; the extension socket is written
// from the ping ticker, driver dispatch loops, and the event translator.
type Conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

// NewConn wraps an upgraded WebSocket.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// WriteJSON marshals v and writes it as one text frame.
func (c *Conn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return websocket.ErrCloseSent
	}
	return c.ws.WriteJSON(v)
}

// CloseWithCode sends a close frame with the given code and reason, then
// closes the underlying socket.
func (c *Conn) CloseWithCode(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	_ = c.ws.Close()
}

// Close closes the socket without a close frame.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return nil
	}
	return c.ws.Close()
}

// ReadMessage reads the next frame from the socket.
func (c *Conn) ReadMessage() (int, []byte, error) {
	return c.ws.ReadMessage()
}
