package hub

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/gorilla/websocket"
)

var (
	// ErrNotRegistered is returned by Send when there is no registered session.
	ErrNotRegistered = errors.New("hub session not registered")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connection manager closed")

	// ErrNoEndpoint is returned by Retry before any Connect.
	ErrNoEndpoint = errors.New("no hub endpoint configured")
)

// IsExpectedDisconnect reports whether err is a benign disconnect: a clean
// close handshake, the peer going away, or our own side closing the socket.
// Expected disconnects are not reported to error subscribers.
func IsExpectedDisconnect(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
