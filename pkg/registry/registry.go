package registry

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"regexp"
	"sync"
	"time"

	"github.com/tunnelhub/tunneld/pkg/logging"
	"github.com/tunnelhub/tunneld/pkg/metrics"
	"github.com/tunnelhub/tunneld/pkg/tunnel"
	"github.com/tunnelhub/tunneld/pkg/tunnelclient"
)

var identifierPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{3,62}$`)

var (
	// ErrInvalidID is returned when a requested identifier fails validation.
	ErrInvalidID = errors.New("registry: invalid identifier")
	// ErrFull is returned when the registry is at its configured
	// maximum client count.
	ErrFull = errors.New("registry: at capacity")
)

const randomIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Options configures newly created clients.
type Options struct {
	MaxTCPSockets int
	SocketTimeout time.Duration
	WaiterTimeout time.Duration
	WaiterCap     int
	MaxClients    int // 0 means unbounded
	Recorder      tunnelclient.MetricsRecorder
	Collector     *metrics.Collector // optional; wired to each agent's admission hooks

	// PublicIPLookupURL and PublicIPLookupTimeout configure each agent's
	// best-effort public IP lookup. An empty PublicIPLookupURL skips it.
	PublicIPLookupURL     string
	PublicIPLookupTimeout time.Duration
}

// Manager is the identifier -> Client registry: it validates or generates
// identifiers, creates the backing Agent + Client pair, starts the agent's
// listener, and releases the identifier immediately once the agent reports
// End (no grace period on disconnect).
type Manager struct {
	opts Options

	mu      sync.RWMutex
	clients map[string]*tunnelclient.Client
}

// NewManager constructs an empty registry.
func NewManager(opts Options) *Manager {
	if opts.MaxTCPSockets <= 0 {
		opts.MaxTCPSockets = 10
	}
	if opts.WaiterCap <= 0 {
		opts.WaiterCap = 64
	}
	return &Manager{
		opts:    opts,
		clients: make(map[string]*tunnelclient.Client),
	}
}

// SetMetrics wires a metrics collector into the registry after
// construction, breaking the construction cycle between Manager (which a
// Collector pulls stats from) and Collector (which new clients push
// counters into). Only affects clients registered after this call.
func (m *Manager) SetMetrics(collector *metrics.Collector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opts.Collector = collector
	m.opts.Recorder = collector
}

// NewClient validates (or generates) an identifier, creates its Agent and
// Client, starts the agent's listener, and registers it. The returned
// net.Addr is the ephemeral TCP address the remote client should dial
// tunnel sockets into.
func (m *Manager) NewClient(requestedID string) (*tunnelclient.Client, net.Addr, error) {
	id, err := m.reserveIdentifier(requestedID)
	if err != nil {
		return nil, nil, err
	}

	m.mu.RLock()
	opts := m.opts
	m.mu.RUnlock()

	agent := tunnel.NewAgent(id, opts.MaxTCPSockets, opts.SocketTimeout, opts.WaiterTimeout, opts.WaiterCap, func(e tunnel.Event, a *tunnel.Agent) {
		if e == tunnel.End {
			m.removeClient(id)
		}
		logging.Logf("client %s: %s", id, e)
	})

	if opts.Collector != nil {
		agent.OnAdmit = opts.Collector.IncAdmissions
		agent.OnOverBudget = opts.Collector.IncOverBudget
	}
	agent.PublicIPLookupURL = opts.PublicIPLookupURL
	agent.PublicIPLookupTimeout = opts.PublicIPLookupTimeout

	addr, err := agent.Listen()
	if err != nil {
		m.releaseIdentifier(id)
		return nil, nil, err
	}

	c := tunnelclient.NewClient(id, agent, opts.Recorder)

	m.mu.Lock()
	m.clients[id] = c
	m.mu.Unlock()

	logging.Logf("client %s: registered, listening on %s", id, addr)
	return c, addr, nil
}

// reserveIdentifier validates a caller-requested identifier, or generates a
// fresh random one if requestedID is empty, and claims a placeholder slot
// for it so two concurrent registrations can't race onto the same id. A
// requested identifier that is already live does not error: a fresh random
// identifier is generated in its place, same as if none had been requested.
func (m *Manager) reserveIdentifier(requestedID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.opts.MaxClients > 0 && len(m.clients) >= m.opts.MaxClients {
		return "", ErrFull
	}

	if requestedID != "" && !identifierPattern.MatchString(requestedID) {
		return "", ErrInvalidID
	}

	if requestedID != "" {
		if _, taken := m.clients[requestedID]; !taken {
			m.clients[requestedID] = nil
			return requestedID, nil
		}
	}

	for attempt := 0; attempt < 10; attempt++ {
		id, err := randomIdentifier()
		if err != nil {
			return "", err
		}
		if _, taken := m.clients[id]; !taken {
			m.clients[id] = nil
			return id, nil
		}
	}
	return "", fmt.Errorf("registry: failed to allocate a random identifier")
}

func (m *Manager) releaseIdentifier(id string) {
	m.mu.Lock()
	delete(m.clients, id)
	m.mu.Unlock()
}

func (m *Manager) removeClient(id string) {
	m.mu.Lock()
	delete(m.clients, id)
	m.mu.Unlock()
}

// GetClient looks up a registered client by identifier, whether or not it
// currently has any connected tunnel sockets.
func (m *Manager) GetClient(id string) (*tunnelclient.Client, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	return c, ok && c != nil
}

// Remove unregisters and tears down a client's agent immediately.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	c, ok := m.clients[id]
	delete(m.clients, id)
	m.mu.Unlock()
	if ok && c != nil {
		c.Close()
	}
}

// Count returns the number of currently registered clients (including ones
// mid-registration).
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// ClientCount implements metrics.StatsSource.
func (m *Manager) ClientCount() int {
	return m.Count()
}

// AgentStats implements metrics.StatsSource.
func (m *Manager) AgentStats() map[string]metrics.AgentSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]metrics.AgentSnapshot, len(m.clients))
	for id, c := range m.clients {
		if c == nil {
			continue
		}
		s := c.Agent.Stats()
		out[id] = metrics.AgentSnapshot{
			ConnectedSockets: s.ConnectedSockets,
			AvailableSockets: s.AvailableSockets,
			Waiters:          s.Waiters,
			MaxSockets:       s.MaxSockets,
			DistinctIPs:      s.DistinctIPs,
		}
	}
	return out
}

func randomIdentifier() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(3))
	if err != nil {
		return "", err
	}
	length := 4 + int(n.Int64())

	buf := make([]byte, length)
	for i := range buf {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(randomIDAlphabet))))
		if err != nil {
			return "", err
		}
		buf[i] = randomIDAlphabet[n.Int64()]
	}
	return string(buf), nil
}
