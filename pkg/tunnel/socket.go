package tunnel

import (
	"net"
	"strings"
	"sync"
	"time"
)

// Socket wraps one raw TCP connection dialed in by a remote client to offer
// as a tunnel socket. It is either sitting in an Agent's available pool,
// handed out to a checkout caller, or closed.
type Socket struct {
	net.Conn

	remoteIP string // normalized, IPv4-mapped-IPv6 folded to plain IPv4

	mu        sync.Mutex
	idleTimer *time.Timer
	closed    bool
	onIdle    func(*Socket) // called at most once, off the timer goroutine

	watchGen  uint64        // bumped to invalidate an in-flight liveness watch
	watchDone chan struct{} // closed by the current watchLiveness goroutine, if any
}

// newSocket wraps conn and normalizes its remote address for bookkeeping.
func newSocket(conn net.Conn) *Socket {
	return &Socket{
		Conn:     conn,
		remoteIP: normalizeIP(conn.RemoteAddr()),
	}
}

// RemoteIP returns the normalized remote IP address of the underlying
// connection (never an IPv4-mapped-IPv6 form).
func (s *Socket) RemoteIP() string {
	return s.remoteIP
}

// armIdleTimer starts (or restarts) the idle timeout. If the timer fires
// before the socket is next used or closed, onIdle is invoked once.
func (s *Socket) armIdleTimer(d time.Duration, onIdle func(*Socket)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.onIdle = onIdle
	s.idleTimer = time.AfterFunc(d, func() {
		s.mu.Lock()
		fn := s.onIdle
		closed := s.closed
		s.mu.Unlock()
		if !closed && fn != nil {
			fn(s)
		}
	})
}

// disarmIdleTimer stops any pending idle timeout, e.g. because the socket
// was just checked out for active use.
func (s *Socket) disarmIdleTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
}

// armLivenessWatch starts a background peek-read: while the socket sits
// idle in a pool, nothing should arrive on it, so a read completing at all
// (peer FIN, RST, or genuinely unexpected data) means the socket is no
// longer usable. onClosed is invoked off the watcher goroutine, at most
// once, unless the watch is canceled first by stopLivenessWatch.
func (s *Socket) armLivenessWatch(onClosed func(*Socket)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.watchGen++
	gen := s.watchGen
	done := make(chan struct{})
	s.watchDone = done
	s.mu.Unlock()

	go s.watchLiveness(gen, done, onClosed)
}

func (s *Socket) watchLiveness(gen uint64, done chan struct{}, onClosed func(*Socket)) {
	defer close(done)

	buf := make([]byte, 1)
	s.Conn.SetReadDeadline(time.Time{})
	_, _ = s.Conn.Read(buf)

	s.mu.Lock()
	stale := gen != s.watchGen || s.closed
	if !stale {
		s.watchDone = nil
	}
	s.mu.Unlock()
	if stale {
		return
	}
	onClosed(s)
}

// stopLivenessWatch cancels any in-flight liveness watch and blocks until
// its goroutine has actually returned, so a handed-out socket's first real
// Read/Write never races the watcher's peek-read on the same net.Conn.
func (s *Socket) stopLivenessWatch() {
	s.mu.Lock()
	s.watchGen++
	done := s.watchDone
	s.mu.Unlock()
	if done == nil {
		return
	}
	s.Conn.SetReadDeadline(time.Now())
	<-done
	s.Conn.SetReadDeadline(time.Time{})
}

// Close stops the idle timer and closes the underlying connection. Safe to
// call more than once.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.watchGen++
	if s.idleTimer != nil {
		s.idleTimer.Stop()
		s.idleTimer = nil
	}
	s.mu.Unlock()
	return s.Conn.Close()
}

// normalizeIP strips the IPv4-mapped-IPv6 prefix (::ffff:a.b.c.d) so that
// distinct-client-IP accounting doesn't double count the same address under
// two textual forms.
func normalizeIP(addr net.Addr) string {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return foldV4InV6(host)
	}
	ip := tcpAddr.IP
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}

func foldV4InV6(host string) string {
	if !strings.Contains(host, ":") {
		return host
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return host
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	return ip.String()
}
