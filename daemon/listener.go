package daemon

import (
	"context"
	"io"
	"net"
	"sync/atomic"
)

// InMemoryListener hands net.Pipe connections to an http.Server without opening a socket.
// Used by tests and by Daemon.Client() when Config.InMemoryListener is set.
type InMemoryListener struct {
	closed   chan struct{}
	connCh   chan net.Conn
	isClosed atomic.Bool
}

func NewInMemoryListener() *InMemoryListener {
	return &InMemoryListener{
		connCh: make(chan net.Conn),
		closed: make(chan struct{}),
	}
}

// ServeConn queues conn for the next Accept. It blocks until the server accepts the
// connection, the listener is closed or ctx is cancelled.
func (l *InMemoryListener) ServeConn(ctx context.Context, conn net.Conn) error {
	if l.isClosed.Load() {
		return net.ErrClosed
	}

	select {
	case l.connCh <- conn:
		return nil
	case <-l.closed:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *InMemoryListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.connCh:
		return c, nil
	case <-l.closed:
		return nil, io.EOF
	}
}

func (l *InMemoryListener) Close() error {
	if !l.isClosed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.closed)
	return nil
}

func (l *InMemoryListener) Addr() net.Addr {
	return pipeAddr("pixstream-inmemory")
}

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }
