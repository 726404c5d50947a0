package server

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"
)

type fakeConn struct {
	net.Conn
	r *bytes.Reader
}

func (f *fakeConn) Read(p []byte) (int, error)  { return f.r.Read(p) }
func (f *fakeConn) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }
func (f *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 9999}
}

func TestStripProxyProtocolV1(t *testing.T) {
	header := "PROXY TCP4 203.0.113.7 10.0.0.2 51234 443\r\n"
	payload := "GET / HTTP/1.1\r\n\r\n"
	conn := &fakeConn{r: bytes.NewReader([]byte(header + payload))}

	wrapped, err := stripProxyProtocol(conn, time.Second)
	if err != nil {
		t.Fatalf("stripProxyProtocol: %v", err)
	}
	if got := wrapped.RemoteAddr().String(); got != "203.0.113.7:51234" {
		t.Fatalf("expected proxied remote addr, got %q", got)
	}

	rest := make([]byte, len(payload))
	if _, err := wrapped.Read(rest); err != nil {
		t.Fatalf("read remaining payload: %v", err)
	}
	if string(rest) != payload {
		t.Fatalf("expected payload %q, got %q", payload, rest)
	}
}

func TestStripProxyProtocolV2(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(proxyV2Signature)
	buf.WriteByte(0x21) // version 2, command PROXY
	buf.WriteByte(0x11) // AF_INET, STREAM
	addrLen := make([]byte, 2)
	binary.BigEndian.PutUint16(addrLen, 12)
	buf.Write(addrLen)
	buf.Write(net.ParseIP("203.0.113.7").To4())
	buf.Write(net.ParseIP("10.0.0.2").To4())
	port := make([]byte, 2)
	binary.BigEndian.PutUint16(port, 51234)
	buf.Write(port)
	dstPort := make([]byte, 2)
	binary.BigEndian.PutUint16(dstPort, 443)
	buf.Write(dstPort)
	buf.WriteString("payload-bytes")

	conn := &fakeConn{r: bytes.NewReader(buf.Bytes())}
	wrapped, err := stripProxyProtocol(conn, time.Second)
	if err != nil {
		t.Fatalf("stripProxyProtocol: %v", err)
	}
	if got := wrapped.RemoteAddr().String(); got != "203.0.113.7:51234" {
		t.Fatalf("expected proxied remote addr, got %q", got)
	}

	rest := make([]byte, len("payload-bytes"))
	if _, err := wrapped.Read(rest); err != nil {
		t.Fatalf("read remaining payload: %v", err)
	}
	if string(rest) != "payload-bytes" {
		t.Fatalf("expected trailing payload, got %q", rest)
	}
}

func TestStripProxyProtocolPassesThroughPlainTraffic(t *testing.T) {
	payload := "GET / HTTP/1.1\r\n\r\n"
	conn := &fakeConn{r: bytes.NewReader([]byte(payload))}

	wrapped, err := stripProxyProtocol(conn, time.Second)
	if err != nil {
		t.Fatalf("stripProxyProtocol: %v", err)
	}
	if got := wrapped.RemoteAddr().String(); got != "10.0.0.1:9999" {
		t.Fatalf("expected original remote addr for plain traffic, got %q", got)
	}

	rest := make([]byte, len(payload))
	if _, err := wrapped.Read(rest); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if string(rest) != payload {
		t.Fatalf("expected untouched payload, got %q", rest)
	}
}
