package channel

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write the close frame.
	writeWait = 5 * time.Second

	// Largest pushed payload accepted from the backend.
	maxMessageSize = 1 << 20
)

// Conn is one open channel. The real implementation wraps gorilla/websocket;
// tests substitute an in-process fake.
type Conn interface {
	// ReadMessage blocks until the next data message or an error.
	ReadMessage() ([]byte, error)
	// Close requests closure. It unblocks a pending ReadMessage.
	Close() error
}

// Dialer opens channels.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// WebsocketDialer dials gorilla/websocket connections. Header is sent with
// every handshake (the bearer token goes here).
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// NewWebsocketDialer returns a dialer that authenticates with token when non-empty.
func NewWebsocketDialer(token string, handshakeTimeout time.Duration) *WebsocketDialer {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return &WebsocketDialer{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		Header: h,
	}
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, address string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	// On a failed handshake gorilla returns the response too; its body does
	// not need closing.
	conn, _, err := dialer.DialContext(ctx, address, d.Header)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// expectedClose reports whether err is an orderly end of the channel.
func expectedClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
