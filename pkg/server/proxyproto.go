package server

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

var proxyV2Signature = []byte{0x0d, 0x0a, 0x0d, 0x0a, 0x00, 0x0d, 0x0a, 0x51, 0x55, 0x49, 0x54, 0x0a}

// proxyProtoConn wraps a net.Conn so that its apparent RemoteAddr reflects
// the client address carried in a leading HAProxy PROXY protocol header,
// rather than the address of whatever load balancer terminated the TCP
// connection in front of this process.
type proxyProtoConn struct {
	net.Conn
	remoteAddr net.Addr
}

func (c *proxyProtoConn) RemoteAddr() net.Addr {
	if c.remoteAddr != nil {
		return c.remoteAddr
	}
	return c.Conn.RemoteAddr()
}

// stripProxyProtocol peeks at the first bytes of conn, and if they carry a
// PROXY protocol v1 or v2 header, consumes exactly that header and returns
// a conn reporting the original client address. If no PROXY header is
// present, the peeked bytes are replayed transparently and conn is
// returned unwrapped.
func stripProxyProtocol(conn net.Conn, readTimeout time.Duration) (net.Conn, error) {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	defer conn.SetReadDeadline(time.Time{})

	br := bufio.NewReader(conn)

	peek, err := br.Peek(len(proxyV2Signature))
	if err == nil && string(peek) == string(proxyV2Signature) {
		addr, err := readProxyV2(br)
		if err != nil {
			return nil, err
		}
		return &proxyProtoConn{Conn: &bufReaderConn{Conn: conn, r: br}, remoteAddr: addr}, nil
	}

	line, err := br.Peek(8)
	if err == nil && strings.HasPrefix(string(line), "PROXY ") {
		addr, err := readProxyV1(br)
		if err != nil {
			return nil, err
		}
		return &proxyProtoConn{Conn: &bufReaderConn{Conn: conn, r: br}, remoteAddr: addr}, nil
	}

	return &bufReaderConn{Conn: conn, r: br}, nil
}

// bufReaderConn lets a bufio.Reader's already-buffered (but unconsumed)
// bytes be replayed through the normal net.Conn Read path.
type bufReaderConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufReaderConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func readProxyV1(br *bufio.Reader) (net.Addr, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("proxyproto v1: %w", err)
	}
	fields := strings.Fields(strings.TrimRight(line, "\r\n"))
	// PROXY <proto> <src-ip> <dst-ip> <src-port> <dst-port>
	if len(fields) < 6 || fields[0] != "PROXY" {
		return nil, fmt.Errorf("proxyproto v1: malformed header %q", line)
	}
	port, err := strconv.Atoi(fields[4])
	if err != nil {
		return nil, fmt.Errorf("proxyproto v1: bad source port: %w", err)
	}
	ip := net.ParseIP(fields[2])
	if ip == nil {
		return nil, fmt.Errorf("proxyproto v1: bad source ip %q", fields[2])
	}
	return &net.TCPAddr{IP: ip, Port: port}, nil
}

func readProxyV2(br *bufio.Reader) (net.Addr, error) {
	header := make([]byte, 16)
	if _, err := readFull(br, header); err != nil {
		return nil, fmt.Errorf("proxyproto v2: header: %w", err)
	}

	verCmd := header[12]
	if verCmd>>4 != 2 {
		return nil, fmt.Errorf("proxyproto v2: unsupported version %d", verCmd>>4)
	}
	family := header[13] >> 4
	addrLen := int(binary.BigEndian.Uint16(header[14:16]))

	body := make([]byte, addrLen)
	if _, err := readFull(br, body); err != nil {
		return nil, fmt.Errorf("proxyproto v2: body: %w", err)
	}

	switch family {
	case 0x1: // AF_INET: src_addr(4) dst_addr(4) src_port(2) dst_port(2)
		if len(body) < 12 {
			return nil, fmt.Errorf("proxyproto v2: short ipv4 body")
		}
		ip := net.IPv4(body[0], body[1], body[2], body[3])
		port := binary.BigEndian.Uint16(body[8:10])
		return &net.TCPAddr{IP: ip, Port: int(port)}, nil
	case 0x2: // AF_INET6: src_addr(16) dst_addr(16) src_port(2) dst_port(2)
		if len(body) < 36 {
			return nil, fmt.Errorf("proxyproto v2: short ipv6 body")
		}
		ip := net.IP(body[0:16])
		port := binary.BigEndian.Uint16(body[32:34])
		return &net.TCPAddr{IP: ip, Port: int(port)}, nil
	default:
		// UNSPEC/UNIX: no usable address, keep the real peer address.
		return nil, nil
	}
}

func readFull(br *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := br.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
