package tunnelclient

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/tunnelhub/tunneld/pkg/tunnel"
)

// backendOnAgent dials addr and serves a single canned HTTP response,
// standing in for a remote client's local backend.
func backendOnAgent(t *testing.T, addr net.Addr, body string) {
	t.Helper()
	conn, err := net.Dial("tcp", addr.String())
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}
	go func() {
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		req.Body.Close()
		resp := "HTTP/1.1 200 OK\r\nContent-Length: " +
			strconv.Itoa(len(body)) + "\r\nConnection: close\r\n\r\n" + body
		conn.Write([]byte(resp))
	}()
}

func TestClientServeHTTPProxiesThroughTunnelSocket(t *testing.T) {
	agent := tunnel.NewAgent("testclient", 2, time.Minute, time.Second, 4, nil)
	addr, err := agent.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	backendOnAgent(t, addr, "hello from backend")

	deadline := time.After(time.Second)
	for agent.Stats().ConnectedSockets != 1 {
		select {
		case <-deadline:
			t.Fatal("backend socket never admitted")
		case <-time.After(5 * time.Millisecond):
		}
	}

	c := NewClient("testclient", agent, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://testclient.example.com/", nil)
	c.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Body.String(); got != "hello from backend" {
		t.Fatalf("unexpected body: %q", got)
	}
}

func TestClientServeHTTPFailsWithoutAnySocket(t *testing.T) {
	agent := tunnel.NewAgent("testclient", 2, time.Minute, 20*time.Millisecond, 4, nil)
	if _, err := agent.Listen(); err != nil {
		t.Fatalf("listen: %v", err)
	}

	c := NewClient("testclient", agent, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "http://testclient.example.com/", nil)
	c.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d: %s", rec.Code, rec.Body.String())
	}
}

// TestClientHandlesUpgradeBidirectionally exercises handleUpgrade through a
// real hijacked connection: an httptest.NewServer in front of Client, and a
// raw TCP peer standing in for the remote client's backend on the other
// side of the tunnel socket. Bytes written on the public side must come
// back byte-exact, and closing the public side must cascade into the
// tunnel socket being discarded.
func TestClientHandlesUpgradeBidirectionally(t *testing.T) {
	agent := tunnel.NewAgent("testclient", 2, time.Minute, time.Second, 4, nil)
	addr, err := agent.Listen()
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	backendDone := make(chan struct{})
	go func() {
		defer close(backendDone)
		conn, err := net.Dial("tcp", addr.String())
		if err != nil {
			return
		}
		defer conn.Close()

		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		req.Body.Close()

		conn.Write([]byte("HTTP/1.1 101 Switching Protocols\r\nUpgrade: tunnel-echo\r\nConnection: Upgrade\r\n\r\n"))

		// Echo every byte the public side sends, byte for byte, until
		// either direction closes.
		io.Copy(conn, conn)
	}()

	deadline := time.After(time.Second)
	for agent.Stats().ConnectedSockets != 1 {
		select {
		case <-deadline:
			t.Fatal("backend socket never admitted")
		case <-time.After(5 * time.Millisecond):
		}
	}

	c := NewClient("testclient", agent, nil)
	srv := httptest.NewServer(http.HandlerFunc(c.ServeHTTP))
	defer srv.Close()

	conn, err := net.Dial("tcp", strings.TrimPrefix(srv.URL, "http://"))
	if err != nil {
		t.Fatalf("dial test server: %v", err)
	}
	defer conn.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/", nil)
	if err != nil {
		t.Fatalf("build upgrade request: %v", err)
	}
	req.Header.Set("Upgrade", "tunnel-echo")
	req.Header.Set("Connection", "Upgrade")
	if err := req.Write(conn); err != nil {
		t.Fatalf("write upgrade request: %v", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		t.Fatalf("read upgrade response: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	payload := []byte("round trip payload")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	echoed := make([]byte, len(payload))
	if _, err := io.ReadFull(br, echoed); err != nil {
		t.Fatalf("read echoed payload: %v", err)
	}
	if string(echoed) != string(payload) {
		t.Fatalf("expected byte-exact echo, got %q", echoed)
	}

	conn.Close()

	deadline = time.After(time.Second)
	for agent.Stats().ConnectedSockets != 0 {
		select {
		case <-deadline:
			t.Fatal("closing the public side never cascaded to the tunnel socket")
		case <-time.After(5 * time.Millisecond):
		}
	}

	<-backendDone
}

func TestIsUpgradeDetectsConnectionToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Connection", "Keep-Alive, Upgrade")
	if !isUpgrade(r) {
		t.Fatal("expected isUpgrade to detect the Upgrade connection token")
	}

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("Connection", "keep-alive")
	if isUpgrade(r2) {
		t.Fatal("expected isUpgrade to be false without an Upgrade header")
	}
}
