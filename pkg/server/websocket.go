package server

import (
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketConn adapts a WebSocket connection to net.Conn so it runs
// through the same session pipeline as TCP. Each text or binary message is
// a chunk of the client byte stream.
type WebSocketConn struct {
	*pumpReader
	ws *websocket.Conn

	closeMu sync.Mutex
	closed  bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Terminal and bot clients send no Origin worth checking
		return true
	},
}

// HandleWebSocket upgrades the HTTP connection and serves it as a session
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdown:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	ws.SetReadLimit(s.config.MaxFileSize + 64*1024)

	s.wg.Add(1)
	defer s.wg.Done()

	s.serveConn(NewWebSocketConn(ws), "websocket")
}

// NewWebSocketConn creates a new WebSocket connection adapter
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{
		pumpReader: newPumpReader(func() ([]byte, error) {
			messageType, data, err := ws.ReadMessage()
			if err != nil {
				return nil, err
			}
			if messageType != websocket.BinaryMessage && messageType != websocket.TextMessage {
				return nil, nil
			}
			return data, nil
		}),
		ws: ws,
	}
}

// Write sends b as one binary message
func (c *WebSocketConn) Write(b []byte) (int, error) {
	c.closeMu.Lock()
	closed := c.closed
	c.closeMu.Unlock()
	if closed {
		return 0, net.ErrClosed
	}

	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close implements net.Conn.Close
func (c *WebSocketConn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.stop()
	return c.ws.Close()
}

// LocalAddr implements net.Conn.LocalAddr
func (c *WebSocketConn) LocalAddr() net.Addr {
	return c.ws.LocalAddr()
}

// RemoteAddr implements net.Conn.RemoteAddr
func (c *WebSocketConn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

// SetDeadline implements net.Conn.SetDeadline
func (c *WebSocketConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

// SetWriteDeadline implements net.Conn.SetWriteDeadline
func (c *WebSocketConn) SetWriteDeadline(t time.Time) error {
	return c.ws.SetWriteDeadline(t)
}
