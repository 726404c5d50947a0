package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tunnelhub/tunneld/pkg/config"
	"github.com/tunnelhub/tunneld/pkg/logging"
	"github.com/tunnelhub/tunneld/pkg/metrics"
	"github.com/tunnelhub/tunneld/pkg/registry"
)

// Server is the public-facing HTTP listener: it multiplexes tunnel-creation
// requests, status/diagnostics endpoints, and proxied tunnel traffic onto a
// single bind address, routed by the leftmost label of the Host header.
type Server struct {
	cfg       *config.Config
	manager   *registry.Manager
	collector *metrics.Collector

	httpServer *http.Server
}

// New constructs a Server. manager and collector must already be wired to
// each other (collector pulls stats from manager, manager's agents push
// counters into collector) before New is called.
func New(cfg *config.Config, manager *registry.Manager, collector *metrics.Collector) *Server {
	s := &Server{cfg: cfg, manager: manager, collector: collector}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/tunnels/", s.handleTunnelStatus)
	s.httpServer = &http.Server{
		Addr:    cfg.Server.BindAddr,
		Handler: mux,
	}
	return s
}

// ListenAndServe starts the public listener, optionally stripping HAProxy
// PROXY protocol headers on accept, and blocks until it returns an error
// (including on graceful Shutdown).
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}
	if s.cfg.Server.ProxyProtocol {
		ln = &proxyProtoListener{Listener: ln, readTimeout: 2 * time.Second}
	}
	logging.Logf("server: listening on %s (domain=%s secure=%v proxy_protocol=%v)",
		s.httpServer.Addr, s.cfg.Server.Domain, s.cfg.Server.Secure, s.cfg.Server.ProxyProtocol)
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully stops the public listener.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// proxyProtoListener wraps a net.Listener, applying stripProxyProtocol to
// every accepted connection before handing it to net/http.
type proxyProtoListener struct {
	net.Listener
	readTimeout time.Duration
}

func (l *proxyProtoListener) Accept() (net.Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	wrapped, err := stripProxyProtocol(conn, l.readTimeout)
	if err != nil {
		logging.Logf("server: dropping connection from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return l.Accept()
	}
	return wrapped, nil
}

// subdomain extracts the leftmost label of a Host header, e.g. "foo" from
// "foo.tunneld.example.com:443", or "" if host is the bare domain.
func subdomain(host, domain string) string {
	host = strings.ToLower(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	domain = strings.ToLower(domain)

	if host == domain {
		return ""
	}
	suffix := "." + domain
	if !strings.HasSuffix(host, suffix) {
		return ""
	}
	label := strings.TrimSuffix(host, suffix)
	if strings.Contains(label, ".") {
		// Only a single level of subdomain is a valid tunnel identifier.
		return ""
	}
	return label
}
