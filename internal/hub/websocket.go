package hub

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// maxMessageSize bounds a single inbound frame (1MB). Larger frames
	// close the connection with ErrReadLimit.
	maxMessageSize = 1 << 20

	defaultHandshakeTimeout = 15 * time.Second
	defaultReadTimeout      = 90 * time.Second
	defaultControlWait      = 5 * time.Second
)

// WebSocketDialer dials the Hub over gorilla/websocket. The token, if any,
// is sent as a bearer Authorization header.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	// ReadTimeout closes the connection when nothing (including pongs)
	// arrives for this long. Should exceed the heartbeat interval.
	ReadTimeout time.Duration
	Header      http.Header
}

func (d WebSocketDialer) Dial(ctx context.Context, ep Endpoint) (Transport, error) {
	handshake := d.HandshakeTimeout
	if handshake <= 0 {
		handshake = defaultHandshakeTimeout
	}
	readTimeout := d.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}

	header := http.Header{}
	for k, v := range d.Header {
		header[k] = append([]string(nil), v...)
	}
	if ep.Token != "" {
		header.Set("Authorization", "Bearer "+ep.Token)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshake,
	}
	conn, resp, err := dialer.DialContext(ctx, ep.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", ep.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", ep.URL, err)
	}

	t := &wsTransport{conn: conn, readTimeout: readTimeout}
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	return t, nil
}

type wsTransport struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	writeMu     sync.Mutex
	closeOnce   sync.Once
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	t.conn.SetReadDeadline(time.Now().Add(t.readTimeout))
	return data, nil
}

func (t *wsTransport) WriteMessage(ctx context.Context, data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(10 * time.Second)
	}
	t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a WebSocket ping control frame. The pong, when it arrives,
// extends the read deadline.
func (t *wsTransport) Ping(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultControlWait)
	}
	return t.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}
