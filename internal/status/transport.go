package status

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one live status stream connection.
type Transport interface {
	// ReadFrame blocks until the next text frame arrives.
	ReadFrame() ([]byte, error)
	Close() error
}

// Dialer opens status stream transports.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Transport, error)
}

// StreamURL derives the per-project stream address from the base endpoint.
func StreamURL(base, projectID string) string {
	return strings.TrimRight(strings.TrimSpace(base), "/") + "/" + url.PathEscape(projectID)
}

// WebsocketDialer dials status streams over websockets.
type WebsocketDialer struct {
	dialer       websocket.Dialer
	closeTimeout time.Duration
}

// NewWebsocketDialer returns a dialer with the given handshake timeout.
func NewWebsocketDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	d := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: handshakeTimeout,
	}
	if d.HandshakeTimeout <= 0 {
		d.HandshakeTimeout = websocket.DefaultDialer.HandshakeTimeout
	}
	return &WebsocketDialer{dialer: d, closeTimeout: time.Second}
}

// Dial opens a websocket to endpoint.
func (d *WebsocketDialer) Dial(ctx context.Context, endpoint string) (Transport, error) {
	conn, resp, err := d.dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn, closeTimeout: d.closeTimeout}, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	closeTimeout time.Duration
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close sends a normal closure frame before dropping the connection.
func (t *wsTransport) Close() error {
	deadline := time.Now().Add(t.closeTimeout)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return t.conn.Close()
}

// isCleanClose reports whether a read error is an orderly end of stream
// rather than a transport fault.
func isCleanClose(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
