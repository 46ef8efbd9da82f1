package framed

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// MaxFrameSize bounds a single frame
const MaxFrameSize = 16 << 20

var ErrFrameTooLarge = errors.New("frame too large")

// FrameConn carries whole messages. Reads happen on one goroutine; writes
// must be serialized by the caller.
type FrameConn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// Dial opens a FrameConn for a tcp://, ws:// or wss:// URL
func Dial(ctx context.Context, rawURL string, timeout time.Duration) (FrameConn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "tcp":
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			return nil, fmt.Errorf("failed to connect: %w", err)
		}
		return NewTCPFrameConn(conn), nil
	case "ws", "wss":
		dialer := websocket.Dialer{HandshakeTimeout: timeout}
		conn, _, err := dialer.DialContext(ctx, rawURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to connect WebSocket: %w", err)
		}
		return NewWSFrameConn(conn), nil
	default:
		return nil, fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
}

// tcpFrameConn frames messages with a 4-byte big-endian length prefix
type tcpFrameConn struct {
	conn net.Conn
	r    *bufio.Reader
}

// NewTCPFrameConn wraps a stream connection
func NewTCPFrameConn(conn net.Conn) FrameConn {
	return &tcpFrameConn{conn: conn, r: bufio.NewReader(conn)}
}

func (c *tcpFrameConn) ReadFrame() ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(c.r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *tcpFrameConn) WriteFrame(data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(data))
	}
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)
	_, err := c.conn.Write(buf)
	return err
}

func (c *tcpFrameConn) Close() error {
	return c.conn.Close()
}

// wsFrameConn carries one message per binary WebSocket message
type wsFrameConn struct {
	conn *websocket.Conn
}

// NewWSFrameConn wraps a WebSocket connection
func NewWSFrameConn(conn *websocket.Conn) FrameConn {
	conn.SetReadLimit(MaxFrameSize)
	return &wsFrameConn{conn: conn}
}

func (c *wsFrameConn) ReadFrame() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsFrameConn) WriteFrame(data []byte) error {
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsFrameConn) Close() error {
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.conn.Close()
}
