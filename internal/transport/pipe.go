package transport

import (
	"errors"
	"sync"
)

// ErrClosedPipe is returned by PipeConn after Close.
var ErrClosedPipe = errors.New("pipe closed")

// PipeConn is an in-memory Conn used by tests to drive internal/session
// without a real socket, mirroring the fake transports the pack's repos
// use for handler-level unit tests.
type PipeConn struct {
	mu     sync.Mutex
	closed bool
	in     chan []byte
	out    chan []byte
}

// NewPipePair returns two PipeConns wired to each other: writes to one
// arrive as reads on the other.
func NewPipePair() (client *PipeConn, server *PipeConn) {
	a := make(chan []byte, 64)
	b := make(chan []byte, 64)
	client = &PipeConn{in: b, out: a}
	server = &PipeConn{in: a, out: b}
	return client, server
}

func (p *PipeConn) ReadMessage() ([]byte, error) {
	msg, ok := <-p.in
	if !ok {
		return nil, ErrClosedPipe
	}
	return msg, nil
}

func (p *PipeConn) WriteMessage(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosedPipe
	}
	p.out <- payload
	return nil
}

func (p *PipeConn) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.out)
	return nil
}
