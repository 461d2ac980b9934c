// Package transport abstracts the duplex connection to the
// orchestrator so the session layer can be tested against an in-memory
// fake.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one physical connection. ReadMessage blocks until a frame or
// error; Write is safe for concurrent use.
type Conn interface {
	ReadMessage() ([]byte, error)
	Write(data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

type WSDialer struct {
	HandshakeTimeout time.Duration
}

func NewWSDialer() *WSDialer {
	return &WSDialer{HandshakeTimeout: 10 * time.Second}
}

func (d *WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
