package hub

import "context"

// Transport is one open connection to the Hub. ReadMessage is only called
// from the receive goroutine; WriteMessage and Ping may be called
// concurrently with it and with each other. Close unblocks ReadMessage.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, ep Endpoint) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, ep Endpoint) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, ep Endpoint) (Transport, error) { return f(ctx, ep) }
