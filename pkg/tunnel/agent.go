package tunnel

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/tunnelhub/tunneld/pkg/logging"
)

// checkoutResult is delivered to a parked waiter once a socket becomes
// available for it, or once the wait is abandoned by the agent itself.
type checkoutResult struct {
	sock *Socket
	err  error
}

type waiter struct {
	resultCh chan checkoutResult
	matched  bool // guarded by Agent.mu; true once a socket has been handed to it
}

// Agent owns one remote client's pool of tunnel sockets: a listener that
// accepts raw TCP connections dialed in by that client, a bounded
// available/waiters pair of FIFO queues, and the bookkeeping needed to
// enforce 0 <= connectedSockets <= maxSockets at all times.
//
// available and waiters are never both non-empty: every admitted socket is
// matched to the oldest waiter before it is allowed to sit idle in
// available, and every Checkout call drains available before it parks a
// waiter.
type Agent struct {
	ID string

	maxSockets    int
	idleTimeout   time.Duration
	waiterTimeout time.Duration
	waiterCap     int

	mu               sync.Mutex
	listener         net.Listener
	available        []*Socket
	waiters          []*waiter
	connectedSockets int
	ips              map[string]int
	started          bool
	closed           bool

	observer Observer

	// OnAdmit and OnOverBudget are optional hooks for external metrics
	// collection; they are called synchronously from admit() and must not
	// block. Set once, before Listen.
	OnAdmit      func()
	OnOverBudget func()

	// PublicIPLookupURL and PublicIPLookupTimeout configure the best-effort
	// public IP lookup Listen performs before returning. Set once, before
	// Listen; an empty PublicIPLookupURL skips the lookup entirely.
	PublicIPLookupURL     string
	PublicIPLookupTimeout time.Duration

	publicIP string
}

// NewAgent constructs an Agent for a single client identifier. observer may
// be nil; if set, it is invoked synchronously on Online/Offline/End
// transitions and must not block.
func NewAgent(id string, maxSockets int, idleTimeout, waiterTimeout time.Duration, waiterCap int, observer Observer) *Agent {
	return &Agent{
		ID:            id,
		maxSockets:    maxSockets,
		idleTimeout:   idleTimeout,
		waiterTimeout: waiterTimeout,
		waiterCap:     waiterCap,
		ips:           make(map[string]int),
		observer:      observer,
	}
}

// Listen opens a new ephemeral TCP listener and starts the accept loop that
// feeds inbound tunnel sockets into the pool. It must be called at most
// once per Agent.
func (a *Agent) Listen() (net.Addr, error) {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	a.listener = ln
	a.started = true
	lookupURL := a.PublicIPLookupURL
	lookupTimeout := a.PublicIPLookupTimeout
	a.mu.Unlock()

	if lookupURL != "" {
		if ip, err := PublicIP(context.Background(), lookupURL, lookupTimeout); err != nil {
			logging.Logf("agent %s: public IP lookup failed, continuing without it: %v", a.ID, err)
		} else {
			a.mu.Lock()
			a.publicIP = ip
			a.mu.Unlock()
		}
	}

	go a.acceptLoop(ln)
	return ln.Addr(), nil
}

// PublicIP returns the best-effort public IP address discovered during
// Listen, or "" if none was configured or the lookup failed.
func (a *Agent) PublicIP() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.publicIP
}

func (a *Agent) acceptLoop(ln net.Listener) {
	defer func() {
		if r := recover(); r != nil {
			logging.Logf("agent %s: accept loop recovered from panic: %v", a.ID, r)
		}
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			a.mu.Lock()
			closed := a.closed
			a.mu.Unlock()
			if closed {
				return
			}
			logging.Logf("agent %s: accept error: %v", a.ID, err)
			return
		}
		a.admit(newSocket(conn))
	}
}

// admit registers a freshly dialed-in socket: hands it straight to the
// oldest waiter if one is parked, otherwise drops it in available, unless
// the agent is already at maxSockets, in which case the connection is
// refused.
func (a *Agent) admit(s *Socket) {
	a.mu.Lock()

	if a.closed {
		a.mu.Unlock()
		s.Close()
		return
	}
	if a.connectedSockets >= a.maxSockets {
		a.mu.Unlock()
		logging.Logf("agent %s: refusing socket from %s, over budget (%d/%d)", a.ID, s.RemoteIP(), a.connectedSockets, a.maxSockets)
		s.Close()
		if a.OnOverBudget != nil {
			a.OnOverBudget()
		}
		return
	}

	a.connectedSockets++
	a.ips[s.RemoteIP()]++
	wentOnline := a.connectedSockets == 1

	if len(a.waiters) > 0 {
		w := a.waiters[0]
		a.waiters = a.waiters[1:]
		w.matched = true
		a.mu.Unlock()
		w.resultCh <- checkoutResult{sock: s}
	} else {
		s.armIdleTimer(a.idleTimeout, a.reapSocket)
		s.armLivenessWatch(a.reapSocket)
		a.available = append(a.available, s)
		a.mu.Unlock()
	}

	if wentOnline {
		a.emit(Online)
	}
	if a.OnAdmit != nil {
		a.OnAdmit()
	}
}

// Checkout removes one socket from the pool, blocking until one becomes
// available, the waiter timeout elapses, the waiter queue is already full,
// or ctx is canceled.
func (a *Agent) Checkout(ctx context.Context) (*Socket, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	if len(a.available) > 0 {
		s := a.available[0]
		a.available = a.available[1:]
		a.mu.Unlock()
		s.disarmIdleTimer()
		s.stopLivenessWatch()
		return s, nil
	}
	if len(a.waiters) >= a.waiterCap {
		a.mu.Unlock()
		return nil, ErrOverloaded
	}

	w := &waiter{resultCh: make(chan checkoutResult, 1)}
	a.waiters = append(a.waiters, w)
	a.mu.Unlock()

	timer := time.NewTimer(a.waiterTimeout)
	defer timer.Stop()

	select {
	case res := <-w.resultCh:
		return res.sock, res.err
	case <-timer.C:
		if a.abandonWaiter(w) {
			return nil, ErrTimeout
		}
		res := <-w.resultCh
		return res.sock, res.err
	case <-ctx.Done():
		if a.abandonWaiter(w) {
			return nil, ctx.Err()
		}
		res := <-w.resultCh
		return res.sock, res.err
	}
}

// abandonWaiter removes w from the waiters queue if it hasn't already been
// matched to a socket. Returns true if the removal happened here (i.e. the
// caller owns the decision to give up), false if a concurrent admit() had
// already matched w and sent a result on its channel.
func (a *Agent) abandonWaiter(w *waiter) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if w.matched {
		return false
	}
	for i, cand := range a.waiters {
		if cand == w {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			break
		}
	}
	return true
}

// Release returns a socket borrowed via Checkout back to the pool: handed
// straight to a parked waiter if one exists, otherwise re-armed with the
// idle timer and pushed onto available. Callers that determine the socket
// is broken should call Discard instead.
func (a *Agent) Release(s *Socket) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.Discard(s)
		return
	}
	if len(a.waiters) > 0 {
		w := a.waiters[0]
		a.waiters = a.waiters[1:]
		w.matched = true
		a.mu.Unlock()
		w.resultCh <- checkoutResult{sock: s}
		return
	}
	s.armIdleTimer(a.idleTimeout, a.reapSocket)
	s.armLivenessWatch(a.reapSocket)
	a.available = append(a.available, s)
	a.mu.Unlock()
}

// Discard permanently removes a socket from the pool's accounting and
// closes it, e.g. because a read or write on it failed.
func (a *Agent) Discard(s *Socket) {
	a.mu.Lock()
	if a.connectedSockets > 0 {
		a.connectedSockets--
	}
	if n := a.ips[s.RemoteIP()]; n > 1 {
		a.ips[s.RemoteIP()] = n - 1
	} else {
		delete(a.ips, s.RemoteIP())
	}
	wentOffline := a.connectedSockets == 0 && !a.closed
	a.mu.Unlock()

	s.Close()
	if wentOffline {
		a.emit(Offline)
	}
}

// reapSocket is the idle-timer and liveness-watch callback: removes s from
// available (if it's still sitting there) and discards it. Shared by both
// triggers since either means the socket is no longer fit to hand out; a
// socket already claimed by a concurrent Checkout is simply no longer in
// available; this is a no-op.
func (a *Agent) reapSocket(s *Socket) {
	a.mu.Lock()
	found := false
	for i, cand := range a.available {
		if cand == s {
			a.available = append(a.available[:i], a.available[i+1:]...)
			found = true
			break
		}
	}
	a.mu.Unlock()
	if found {
		a.Discard(s)
	}
}

// Destroy permanently shuts the agent down: closes the listener, closes
// every available socket, fails every parked waiter with ErrClosed, and
// emits End exactly once.
func (a *Agent) Destroy() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	ln := a.listener
	available := a.available
	a.available = nil
	waiters := a.waiters
	a.waiters = nil
	a.connectedSockets = 0
	a.ips = make(map[string]int)
	a.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, s := range available {
		s.Close()
	}
	for _, w := range waiters {
		w.matched = true
		w.resultCh <- checkoutResult{err: ErrClosed}
	}

	a.emit(End)
}

// Stats is a point-in-time snapshot of an agent's pool state.
type Stats struct {
	ConnectedSockets int
	AvailableSockets int
	Waiters          int
	MaxSockets       int
	DistinctIPs      int
}

// Stats returns a snapshot of the current pool state.
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		ConnectedSockets: a.connectedSockets,
		AvailableSockets: len(a.available),
		Waiters:          len(a.waiters),
		MaxSockets:       a.maxSockets,
		DistinctIPs:      len(a.ips),
	}
}

func (a *Agent) emit(e Event) {
	if a.observer != nil {
		a.observer(e, a)
	}
}

