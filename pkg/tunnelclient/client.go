package tunnelclient

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"time"

	"github.com/tunnelhub/tunneld/pkg/logging"
	"github.com/tunnelhub/tunneld/pkg/tunnel"
)

// MetricsRecorder receives per-request observations. A *metrics.Collector
// satisfies this structurally; Client accepts the narrow interface instead
// of importing the metrics package directly.
type MetricsRecorder interface {
	ObserveProxyRequest(success bool, dur time.Duration)
	ObserveUpgrade()
}

// Client is the public-facing side of one registered remote client's
// tunnel: it owns the Agent's pool and turns checked-out tunnel sockets
// into HTTP round trips (or, for Upgrade: requests, a raw byte splice) on
// behalf of whoever dials the public listener for this identifier.
type Client struct {
	ID    string
	Agent *tunnel.Agent

	proxy    *httputil.ReverseProxy
	recorder MetricsRecorder

	mu     sync.Mutex
	closed bool
}

type proxyOutcome struct{ err error }

type proxyOutcomeKey struct{}

// NewClient wraps an already-listening Agent as the public HTTP-facing side
// of a tunnel. recorder may be nil.
func NewClient(id string, agent *tunnel.Agent, recorder MetricsRecorder) *Client {
	c := &Client{ID: id, Agent: agent, recorder: recorder}
	c.proxy = &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = id
		},
		Transport: &http.Transport{
			DialContext:         c.dialContext,
			MaxIdleConnsPerHost: -1,
		},
		ErrorHandler: c.handleProxyError,
	}
	return c
}

func (c *Client) dialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	s, err := c.Agent.Checkout(ctx)
	if err != nil {
		return nil, err
	}
	return newLeasedConn(s, c.Agent), nil
}

func (c *Client) handleProxyError(w http.ResponseWriter, r *http.Request, err error) {
	if outcome, ok := r.Context().Value(proxyOutcomeKey{}).(*proxyOutcome); ok {
		outcome.err = err
	}
	logging.Logf("client [%s] failed: %v", c.ID, err)

	switch err {
	case tunnel.ErrTimeout:
		http.Error(w, fmt.Sprintf("client [%s] failed: timed out waiting for a free tunnel socket", c.ID), http.StatusGatewayTimeout)
	case tunnel.ErrOverloaded:
		http.Error(w, fmt.Sprintf("client [%s] failed: too many pending requests", c.ID), http.StatusServiceUnavailable)
	case tunnel.ErrClosed:
		http.Error(w, fmt.Sprintf("client [%s] failed: disconnected", c.ID), http.StatusBadGateway)
	default:
		http.Error(w, fmt.Sprintf("client [%s] failed: %v", c.ID, err), http.StatusBadGateway)
	}
}

// ServeHTTP routes a public request onto this client's tunnel pool,
// splicing raw bytes for Upgrade: requests and reverse-proxying everything
// else.
func (c *Client) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isUpgrade(r) {
		c.handleUpgrade(w, r)
		if c.recorder != nil {
			c.recorder.ObserveUpgrade()
		}
		return
	}

	start := time.Now()
	outcome := &proxyOutcome{}
	r = r.WithContext(context.WithValue(r.Context(), proxyOutcomeKey{}, outcome))
	c.proxy.ServeHTTP(w, r)
	if c.recorder != nil {
		c.recorder.ObserveProxyRequest(outcome.err == nil, time.Since(start))
	}
}

func isUpgrade(r *http.Request) bool {
	if r.Header.Get("Upgrade") == "" {
		return false
	}
	for _, token := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
			return true
		}
	}
	return false
}

// handleUpgrade checks out one tunnel socket dedicated to this connection's
// entire lifetime, writes the original request (line, headers and any
// body) onto it, then
// splices bytes bidirectionally between the hijacked public connection and
// the tunnel socket until either side closes. The socket is never returned
// to the pool.
func (c *Client) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, fmt.Sprintf("client [%s] failed: upgrade not supported", c.ID), http.StatusBadGateway)
		return
	}

	sock, err := c.Agent.Checkout(r.Context())
	if err != nil {
		c.handleProxyError(w, r, err)
		return
	}

	publicConn, buf, err := hijacker.Hijack()
	if err != nil {
		c.Agent.Discard(sock)
		logging.Logf("client [%s] failed: hijack: %v", c.ID, err)
		return
	}
	defer publicConn.Close()
	defer c.Agent.Discard(sock)

	if err := r.Write(sock); err != nil {
		logging.Logf("client [%s] failed: writing upgrade request to tunnel socket: %v", c.ID, err)
		return
	}

	errCh := make(chan error, 2)
	go splice(sock, io.MultiReader(buf, publicConn), errCh)
	go splice(publicConn, sock, errCh)
	<-errCh
}

func splice(dst io.Writer, src io.Reader, errCh chan error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Logf("tunnelclient: splice recovered from panic: %v", r)
			errCh <- fmt.Errorf("splice panic: %v", r)
		}
	}()
	_, err := io.Copy(dst, src)
	errCh <- err
}

// Close tears down this client's underlying agent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.Agent.Destroy()
}
