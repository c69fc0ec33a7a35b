// Package hubtest provides an in-memory Hub for exercising the connection
// manager without sockets.
package hubtest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/nextlevelbuilder/debugprobe/pkg/protocol"
)

// ErrOffline is returned by Dial while the server is offline.
var ErrOffline = errors.New("hubtest: server offline")

// Frame is one message the server received.
type Frame struct {
	Type string
	Raw  []byte
}

// Server records every message written by clients and replies to register
// with registered unless AutoRegister is turned off.
type Server struct {
	mu           sync.Mutex
	online       bool
	autoRegister bool
	writeErr     error
	pingErr      error
	dials        int
	sessions     int
	conns        []*Conn
	frames       []Frame
}

// NewServer returns an online server that auto-registers.
func NewServer() *Server {
	return &Server{online: true, autoRegister: true}
}

// SetOnline toggles whether Dial succeeds.
func (s *Server) SetOnline(online bool) {
	s.mu.Lock()
	s.online = online
	s.mu.Unlock()
}

// SetAutoRegister toggles the automatic registered reply.
func (s *Server) SetAutoRegister(on bool) {
	s.mu.Lock()
	s.autoRegister = on
	s.mu.Unlock()
}

// FailWrites makes every client write return err. nil restores writes.
func (s *Server) FailWrites(err error) {
	s.mu.Lock()
	s.writeErr = err
	s.mu.Unlock()
}

// FailPings makes every client ping return err. nil restores pings.
func (s *Server) FailPings(err error) {
	s.mu.Lock()
	s.pingErr = err
	s.mu.Unlock()
}

// Dial opens a new client connection.
func (s *Server) Dial(ctx context.Context) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if !s.online {
		return nil, ErrOffline
	}
	c := &Conn{
		srv:     s,
		inbound: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
	s.conns = append(s.conns, c)
	return c, nil
}

// Dials returns how many times Dial was called.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// DropAll closes every open connection from the server side.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, c := range conns {
		c.drop()
	}
}

// Push sends a message to the most recent connection.
func (s *Server) Push(msgType string, payload interface{}) error {
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	return s.PushRaw(data)
}

// PushRaw sends raw bytes to the most recent connection.
func (s *Server) PushRaw(data []byte) error {
	s.mu.Lock()
	var c *Conn
	if n := len(s.conns); n > 0 {
		c = s.conns[n-1]
	}
	s.mu.Unlock()
	if c == nil {
		return net.ErrClosed
	}
	select {
	case c.inbound <- data:
		return nil
	case <-c.closed:
		return net.ErrClosed
	}
}

// Frames returns the received messages of msgType, or all if msgType is empty.
func (s *Server) Frames(msgType string) []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Frame
	for _, f := range s.frames {
		if msgType == "" || f.Type == msgType {
			out = append(out, f)
		}
	}
	return out
}

// EventBatches returns the event ids of every events message, per message.
func (s *Server) EventBatches() [][]string {
	var out [][]string
	for _, f := range s.Frames(protocol.TypeEvents) {
		frame, err := protocol.ParseFrame(f.Raw)
		if err != nil {
			continue
		}
		var p protocol.EventsPayload
		if err := frame.Decode(&p); err != nil {
			continue
		}
		ids := make([]string, 0, len(p.Events))
		for _, raw := range p.Events {
			var ev struct {
				ID string `json:"id"`
			}
			if json.Unmarshal(raw, &ev) == nil {
				ids = append(ids, ev.ID)
			}
		}
		out = append(out, ids)
	}
	return out
}

// EventIDs flattens EventBatches.
func (s *Server) EventIDs() []string {
	var out []string
	for _, b := range s.EventBatches() {
		out = append(out, b...)
	}
	return out
}

func (s *Server) record(c *Conn, data []byte) error {
	s.mu.Lock()
	if s.writeErr != nil {
		err := s.writeErr
		s.mu.Unlock()
		return err
	}
	f, err := protocol.ParseFrame(data)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.frames = append(s.frames, Frame{Type: f.Type, Raw: append([]byte(nil), data...)})
	reply := f.Type == protocol.TypeRegister && s.autoRegister
	if reply {
		s.sessions++
	}
	session := "session-" + strconv.Itoa(s.sessions)
	s.mu.Unlock()

	if reply {
		data, _ := protocol.Encode(protocol.TypeRegistered, protocol.RegisteredPayload{SessionID: session})
		select {
		case c.inbound <- data:
		case <-c.closed:
		}
	}
	return nil
}

// Conn is one client connection. It satisfies the manager's Transport.
type Conn struct {
	srv     *Server
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once
	dropped bool
}

// ReadMessage blocks until the server pushes a message or the conn closes.
func (c *Conn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		if c.dropped {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, net.ErrClosed
	}
}

// WriteMessage records data on the server.
func (c *Conn) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.srv.record(c, data)
}

// Ping fails when the server was told to fail pings.
func (c *Conn) Ping(ctx context.Context) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	return c.srv.pingErr
}

// Close closes the connection from the client side.
func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *Conn) drop() {
	c.once.Do(func() {
		c.dropped = true
		close(c.closed)
	})
}
