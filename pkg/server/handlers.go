package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/tunnelhub/tunneld/pkg/registry"
)

// tunnelResponse is the JSON body returned by a successful tunnel-creation
// request.
type tunnelResponse struct {
	ID           string `json:"id"`
	Port         int    `json:"port"`
	MaxConnCount int    `json:"max_conn_count"`
	URL          string `json:"url"`
	PublicIP     string `json:"public_ip,omitempty"`
}

// handleRoot is the single entry point for every request that arrives on
// the public listener: it either routes to a registered client by Host
// subdomain, or — for the bare domain — serves the control API (tunnel
// creation, landing page).
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	id := subdomain(r.Host, s.cfg.Server.Domain)
	if id == "" {
		s.handleControl(w, r)
		return
	}

	client, ok := s.manager.GetClient(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, "404")
		return
	}
	client.ServeHTTP(w, r)
}

// handleControl serves requests made directly against the bare domain:
// "/?new" creates a new tunnel with a random identifier, "/" does the same
// unless a landing URL is configured (then it redirects there), and "/<id>"
// requests that specific identifier.
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")

	if path == "" {
		if s.cfg.Server.Landing != "" && !r.URL.Query().Has("new") {
			http.Redirect(w, r, s.cfg.Server.Landing, http.StatusFound)
			return
		}
		s.createTunnel(w, r, "")
		return
	}

	// "/<id>" requests a specific identifier; anything with an extra path
	// segment isn't a control-API route.
	if strings.Contains(path, "/") {
		http.NotFound(w, r)
		return
	}
	s.createTunnel(w, r, path)
}

func (s *Server) createTunnel(w http.ResponseWriter, r *http.Request, requestedID string) {
	client, addr, err := s.manager.NewClient(requestedID)
	if err != nil {
		switch err {
		case registry.ErrInvalidID:
			http.Error(w, "invalid id", http.StatusForbidden)
		case registry.ErrFull:
			http.Error(w, "server at capacity", http.StatusServiceUnavailable)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	_, portStr, _ := net.SplitHostPort(addr.String())
	port, _ := strconv.Atoi(portStr)

	scheme := "http"
	if s.cfg.Server.Secure {
		scheme = "https"
	}

	resp := tunnelResponse{
		ID:           client.ID,
		Port:         port,
		MaxConnCount: client.Agent.Stats().MaxSockets,
		URL:          fmt.Sprintf("%s://%s.%s", scheme, client.ID, s.cfg.Server.Domain),
		PublicIP:     client.Agent.PublicIP(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleStatus reports aggregate server state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"tunnels": s.manager.Count(),
	})
}

// handleTunnelStatus reports a single client's pool state, at
// /api/tunnels/<id>/status.
func (s *Server) handleTunnelStatus(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tunnels/")
	id := strings.TrimSuffix(path, "/status")
	if id == path {
		http.NotFound(w, r)
		return
	}

	client, ok := s.manager.GetClient(id)
	if !ok {
		http.NotFound(w, r)
		return
	}

	stats := client.Agent.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"connected_sockets": stats.ConnectedSockets,
		"available_sockets": stats.AvailableSockets,
		"waiters":           stats.Waiters,
		"max_sockets":       stats.MaxSockets,
		"public_ip":         client.Agent.PublicIP(),
	})
}
