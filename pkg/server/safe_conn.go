package server

import (
	"errors"
	"net"
	"sync"

	"github.com/mkoivu/chatrelay/pkg/protocol"
)

// frameConn carries one logical text frame per read or write. The TCP
// implementation maps one socket read to one frame; the WebSocket
// implementation maps one message to one frame.
type frameConn interface {
	ReadFrame() (string, error)
	WriteFrame(frame string) error
	Close() error
	RemoteAddr() net.Addr
}

var errFrameTooLarge = errors.New("frame exceeds maximum size")

// tcpFrameConn adapts a stream socket to the frame model. The wire protocol
// is newline-free: each client write is one frame, so a single read yields
// one frame.
type tcpFrameConn struct {
	conn net.Conn
	buf  []byte
}

func newTCPFrameConn(conn net.Conn) *tcpFrameConn {
	return &tcpFrameConn{
		conn: conn,
		buf:  make([]byte, protocol.MaxFrameSize),
	}
}

func (c *tcpFrameConn) ReadFrame() (string, error) {
	for {
		n, err := c.conn.Read(c.buf)
		if err != nil {
			return "", err
		}
		if n == len(c.buf) {
			return "", errFrameTooLarge
		}
		if n > 0 {
			return string(c.buf[:n]), nil
		}
	}
}

func (c *tcpFrameConn) WriteFrame(frame string) error {
	_, err := c.conn.Write([]byte(frame))
	return err
}

func (c *tcpFrameConn) Close() error {
	return c.conn.Close()
}

func (c *tcpFrameConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SafeConn wraps a frameConn with automatic write synchronization to prevent
// concurrent writers from interleaving frames on the wire.
//
// Under load, multiple goroutines (the session's receive loop answering
// queries and the room's broadcast loop) may write to the same connection
// simultaneously. SafeConn encapsulates both the connection and its write
// mutex, making it impossible to write without proper synchronization.
type SafeConn struct {
	conn frameConn
	mu   sync.Mutex // Protects writes to conn
}

// NewSafeConn wraps a frameConn with write synchronization.
func NewSafeConn(conn frameConn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WriteFrame sends one frame with automatic write synchronization. This is
// the only way to write to the connection - the raw conn is private.
func (sc *SafeConn) WriteFrame(frame string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteFrame(frame)
}

// ReadFrame reads one frame. Reads don't need write synchronization; there is
// exactly one reader per connection.
func (sc *SafeConn) ReadFrame() (string, error) {
	return sc.conn.ReadFrame()
}

// Close closes the underlying connection.
func (sc *SafeConn) Close() error {
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address.
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
