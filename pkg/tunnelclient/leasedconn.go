package tunnelclient

import (
	"sync"

	"github.com/tunnelhub/tunneld/pkg/tunnel"
)

// leasedConn wraps a checked-out tunnel.Socket so that net/http's
// connection pooling (Close, when the request/response cycle is done) maps
// onto the agent's own Release/Discard instead of actually tearing down the
// TCP connection on every request.
type leasedConn struct {
	*tunnel.Socket
	agent *tunnel.Agent

	mu     sync.Mutex
	broken bool
	closed bool
}

func newLeasedConn(s *tunnel.Socket, agent *tunnel.Agent) *leasedConn {
	return &leasedConn{Socket: s, agent: agent}
}

// Read marks the connection broken on any error, including io.EOF. A
// tunnel socket is single-use-at-a-time and the remote client closes it
// once it has written its response; an EOF here is the backend's
// "connection done" signal, not benign end-of-body, so the socket must not
// be handed back to the pool for a later, unrelated request to inherit a
// connection that is already gone.
func (l *leasedConn) Read(p []byte) (int, error) {
	n, err := l.Socket.Read(p)
	if err != nil {
		l.markBroken()
	}
	return n, err
}

func (l *leasedConn) Write(p []byte) (int, error) {
	n, err := l.Socket.Write(p)
	if err != nil {
		l.markBroken()
	}
	return n, err
}

func (l *leasedConn) markBroken() {
	l.mu.Lock()
	l.broken = true
	l.mu.Unlock()
}

// Close returns the socket to the agent's pool unless a prior Read/Write
// marked it broken, in which case it is discarded outright. Safe to call
// more than once.
func (l *leasedConn) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	broken := l.broken
	l.mu.Unlock()

	if broken {
		l.agent.Discard(l.Socket)
	} else {
		l.agent.Release(l.Socket)
	}
	return nil
}
