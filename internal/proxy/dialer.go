// Package proxy implements the HTTP CONNECT tunnel used by outbound backend
// clients when a proxy is configured (§4.7). It exposes a small Dialer
// abstraction with a direct and a proxied implementation, so backends can
// be built against Dialer without caring whether a proxy is in play.
package proxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/matrixpush/gateway/pkg/backend"
)

// Dialer opens a connection to addr, optionally tunneling through a
// configured HTTP proxy. Backends build their transport's DialContext atop
// this rather than dialing net.Dial directly, so a proxy can be injected
// uniformly.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewDialer returns a DirectDialer when rawProxyURL is empty, or a
// ProxiedDialer configured from it otherwise.
func NewDialer(rawProxyURL string) (Dialer, error) {
	if rawProxyURL == "" {
		return NewDirectDialer(), nil
	}
	return NewProxiedDialer(rawProxyURL)
}

// DirectDialer dials the target directly, with no proxy involved.
type DirectDialer struct {
	dialer net.Dialer
}

func NewDirectDialer() *DirectDialer { return &DirectDialer{} }

func (d *DirectDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	return d.dialer.DialContext(ctx, network, addr)
}

// ProxiedDialer opens a TCP connection to an HTTP proxy and establishes a
// tunnel to the target via CONNECT before handing the raw socket back.
type ProxiedDialer struct {
	host string
	port string
	user string
	pass string

	dialer net.Dialer
}

// NewProxiedDialer parses rawProxyURL (scheme defaults to "http" if
// omitted) and returns a ProxiedDialer. Only the "http" scheme is
// supported; a missing hostname or any other scheme is a configuration
// error, per §4.7.
func NewProxiedDialer(rawProxyURL string) (*ProxiedDialer, error) {
	host, port, user, pass, err := decomposeProxyURL(rawProxyURL)
	if err != nil {
		return nil, err
	}
	return &ProxiedDialer{host: host, port: port, user: user, pass: pass}, nil
}

func decomposeProxyURL(raw string) (host, port, user, pass string, err error) {
	withScheme := raw
	if !strings.Contains(raw, "://") {
		withScheme = "http://" + raw
	}
	u, err := url.Parse(withScheme)
	if err != nil {
		return "", "", "", "", fmt.Errorf("invalid proxy URL %q: %w", raw, err)
	}
	if u.Scheme != "http" {
		return "", "", "", "", fmt.Errorf("proxy URL scheme must be http, got %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return "", "", "", "", errors.New("proxy URL is missing a hostname")
	}
	host = u.Hostname()
	port = u.Port()
	if port == "" {
		port = "80"
	}
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}
	return host, port, user, pass, nil
}

// DialContext opens a TCP connection to the proxy, performs the CONNECT
// handshake for addr, and returns the established socket. Any bytes
// buffered while reading the handshake response (beyond the header
// terminator) are preserved for the caller via a wrapping net.Conn.
func (p *ProxiedDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	targetHost, targetPort, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid target address %q: %w", addr, err)
	}

	conn, err := p.dialer.DialContext(ctx, "tcp", net.JoinHostPort(p.host, p.port))
	if err != nil {
		return nil, &backend.ProxyConnectError{Err: err}
	}

	br, err := p.connect(conn, targetHost, targetPort)
	if err != nil {
		conn.Close()
		return nil, &backend.ProxyConnectError{Err: err}
	}

	return &bufferedConn{Conn: conn, r: br}, nil
}

func (p *ProxiedDialer) connect(conn net.Conn, targetHost, targetPort string) (*bufio.Reader, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CONNECT %s:%s HTTP/1.0\r\n", targetHost, targetPort)
	fmt.Fprintf(&sb, "Host: %s:%s\r\n", p.host, p.port)
	if p.user != "" || p.pass != "" {
		cred := base64.StdEncoding.EncodeToString([]byte(p.user + ":" + p.pass))
		fmt.Fprintf(&sb, "Proxy-Authorization: basic %s\r\n", cred)
	}
	sb.WriteString("\r\n")

	if _, err := conn.Write([]byte(sb.String())); err != nil {
		return nil, fmt.Errorf("writing CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)

	statusLine, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading CONNECT status line: %w", err)
	}
	status, err := parseStatus(statusLine)
	if err != nil {
		return nil, err
	}

	// Consume the remaining response headers up to the blank line
	// terminator; any bytes the proxy coalesced after it stay buffered in
	// br for the tunneled protocol to read.
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("reading CONNECT headers: %w", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	if status != "200" {
		return nil, fmt.Errorf("proxy CONNECT rejected: %s", strings.TrimSpace(statusLine))
	}

	return br, nil
}

func parseStatus(statusLine string) (string, error) {
	fields := strings.Fields(statusLine)
	if len(fields) < 2 {
		return "", fmt.Errorf("malformed proxy status line: %q", statusLine)
	}
	return fields[1], nil
}

// bufferedConn wraps a net.Conn so that reads drain a bufio.Reader's
// internal buffer (populated during the CONNECT handshake) before falling
// through to the underlying socket.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }
