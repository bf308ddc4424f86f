package server

import (
	"net"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The relay has no cookie-based auth; admission is nickname negotiation.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrameConn adapts a WebSocket connection to the frame model: one
// WebSocket message per logical frame, same text protocol as TCP.
type wsFrameConn struct {
	conn *websocket.Conn
}

func (c *wsFrameConn) ReadFrame() (string, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if msgType != websocket.TextMessage || len(data) == 0 {
			continue
		}
		return string(data), nil
	}
}

func (c *wsFrameConn) WriteFrame(frame string) error {
	return c.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (c *wsFrameConn) Close() error {
	return c.conn.Close()
}

func (c *wsFrameConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// HandleWebSocket upgrades an HTTP request and runs the same nickname
// negotiation and session lifecycle as a TCP connection.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	go s.negotiate(NewSafeConn(&wsFrameConn{conn: conn}))
}
