// Package httpproxy implements the Agent's plain-HTTP local handler
// (spec.md §4.5 C9): CONNECT tunneling and absolute-form/Host-header
// forwarding of any other method.
package httpproxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"shroudtun/internal/pool"
	"shroudtun/internal/relay"
	"shroudtun/internal/wire"

	"golang.org/x/net/idna"
)

// connectReplyTimeout bounds how long the Agent waits for the Proxy's
// ConnectResponse after sending ConnectTcp.
const connectReplyTimeout = 15 * time.Second

// Handler serves both CONNECT and plain-forward requests off one local
// listener, borrowing a tunnel per accepted connection.
type Handler struct {
	Pool *pool.Pool
}

// readWriteCloser pairs a buffered reader (which may still hold bytes
// pulled from conn ahead of a request parse) with conn for writes/close,
// so relay's Plain side never loses bytes the HTTP parser over-read.
type readWriteCloser struct {
	io.Reader
	net.Conn
}

// Serve handles one accepted local connection whose first byte has
// already been sniffed as non-SOCKS5. br must be the same bufio.Reader
// the sniff peeked from, so no bytes are lost.
func (h *Handler) Serve(ctx context.Context, conn net.Conn, br *bufio.Reader) {
	defer conn.Close()

	var captured bytes.Buffer
	teeReader := bufio.NewReader(io.TeeReader(br, &captured))
	req, err := http.ReadRequest(teeReader)
	if err != nil {
		writeStatusLine(conn, 400, "Bad Request")
		return
	}

	if req.Method == http.MethodConnect {
		// Bytes the parser buffered past the request head belong to the tunnel.
		raw := captured.Bytes()
		rest := bufio.NewReader(io.MultiReader(bytes.NewReader(raw[len(raw)-teeReader.Buffered():]), br))
		h.serveConnect(ctx, conn, rest, req)
		return
	}
	h.serveForward(ctx, conn, br, req, captured.Bytes())
}

func (h *Handler) serveConnect(ctx context.Context, conn net.Conn, br *bufio.Reader, req *http.Request) {
	host, port, err := hostPort(req.Host, 0)
	if err != nil {
		writeStatusLine(conn, 400, "Bad Request")
		return
	}

	tun, err := h.Pool.Checkout(ctx)
	if err != nil {
		writeStatusLine(conn, 502, "Bad Gateway")
		return
	}

	connectMsg, err := buildConnectTcp(host, port)
	if err != nil {
		h.Pool.Discard(tun)
		writeStatusLine(conn, 400, "Bad Request")
		return
	}
	if err := tun.Channel.Send(connectMsg); err != nil {
		h.Pool.Discard(tun)
		writeStatusLine(conn, 502, "Bad Gateway")
		return
	}

	resp, err := recvConnectResponse(tun)
	if err != nil {
		h.Pool.Discard(tun)
		writeStatusLine(conn, 502, "Bad Gateway")
		return
	}
	if resp.Status != wire.ConnectOK {
		h.Pool.Discard(tun)
		writeStatusLine(conn, statusForConnectFailure(resp.Status), statusText(statusForConnectFailure(resp.Status)))
		return
	}

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		h.Pool.Discard(tun)
		return
	}

	r := &relay.Relay{
		Channel:          tun.Channel,
		Plain:            readWriteCloser{Reader: br, Conn: conn},
		OwnHalfCloseDir:  wire.DirAgentToProxy,
		PeerHalfCloseDir: wire.DirProxyToAgent,
	}
	_ = r.Run(ctx)
	h.Pool.Discard(tun)
}

func (h *Handler) serveForward(ctx context.Context, conn net.Conn, br *bufio.Reader, req *http.Request, rawRequest []byte) {
	host, port, err := requestHostPort(req)
	if err != nil {
		writeStatusLine(conn, 400, "Bad Request")
		return
	}

	tun, err := h.Pool.Checkout(ctx)
	if err != nil {
		writeStatusLine(conn, 502, "Bad Gateway")
		return
	}

	connectMsg, err := buildConnectTcp(host, port)
	if err != nil {
		h.Pool.Discard(tun)
		writeStatusLine(conn, 400, "Bad Request")
		return
	}
	if err := tun.Channel.Send(connectMsg); err != nil {
		h.Pool.Discard(tun)
		writeStatusLine(conn, 502, "Bad Gateway")
		return
	}

	resp, err := recvConnectResponse(tun)
	if err != nil {
		h.Pool.Discard(tun)
		writeStatusLine(conn, 502, "Bad Gateway")
		return
	}
	if resp.Status != wire.ConnectOK {
		h.Pool.Discard(tun)
		writeStatusLine(conn, statusForConnectFailure(resp.Status), statusText(statusForConnectFailure(resp.Status)))
		return
	}

	// The request line and headers were already consumed off the wire
	// while parsing; forward them verbatim before relaying whatever
	// follows (spec.md §4.5: "forwards the original request (including
	// already-consumed bytes) as Data frames").
	if len(rawRequest) > 0 {
		if err := tun.Channel.Send(wire.Data{Payload: rawRequest}); err != nil {
			h.Pool.Discard(tun)
			return
		}
	}

	r := &relay.Relay{
		Channel:          tun.Channel,
		Plain:            readWriteCloser{Reader: br, Conn: conn},
		OwnHalfCloseDir:  wire.DirAgentToProxy,
		PeerHalfCloseDir: wire.DirProxyToAgent,
	}
	_ = r.Run(ctx)
	h.Pool.Discard(tun)
}

func recvConnectResponse(tun *pool.Tunnel) (wire.ConnectResponse, error) {
	type result struct {
		msg wire.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := tun.Channel.Recv()
		ch <- result{msg, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return wire.ConnectResponse{}, r.err
		}
		cr, ok := r.msg.(wire.ConnectResponse)
		if !ok {
			return wire.ConnectResponse{}, fmt.Errorf("httpproxy: expected ConnectResponse, got %T", r.msg)
		}
		return cr, nil
	case <-time.After(connectReplyTimeout):
		return wire.ConnectResponse{}, fmt.Errorf("httpproxy: timed out waiting for ConnectResponse")
	}
}

func statusForConnectFailure(s wire.ConnectStatus) int {
	switch s {
	case wire.ConnectTimeout:
		return 504
	case wire.ConnectForbidden:
		return 403
	default: // Refused, Unreachable
		return 502
	}
}

func statusText(code int) string {
	switch code {
	case 403:
		return "Forbidden"
	case 502:
		return "Bad Gateway"
	case 504:
		return "Gateway Timeout"
	default:
		return "Error"
	}
}

func writeStatusLine(w io.Writer, code int, reason string) {
	fmt.Fprintf(w, "HTTP/1.1 %d %s\r\n\r\n", code, reason)
}

// hostPort splits a "host" or "host:port" authority; defaultPort is
// used if no port is present. defaultPort=0 means a missing port is an
// error (CONNECT always specifies one).
func hostPort(authority string, defaultPort int) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(authority)
	if err != nil {
		if defaultPort == 0 {
			return "", 0, fmt.Errorf("httpproxy: missing port in %q", authority)
		}
		return authority, uint16(defaultPort), nil
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("httpproxy: bad port in %q", authority)
	}
	return host, uint16(port), nil
}

// requestHostPort extracts host+port from a non-CONNECT request, per
// spec.md §4.5: absolute-form URI, falling back to the Host header,
// defaulting to port 80.
func requestHostPort(req *http.Request) (string, uint16, error) {
	if req.URL.IsAbs() {
		return hostPort(req.URL.Host, 80)
	}
	if req.Host != "" {
		return hostPort(req.Host, 80)
	}
	return "", 0, fmt.Errorf("httpproxy: no Host header and no absolute-form URI")
}

// buildConnectTcp classifies host as IPv4/IPv6/domain and normalizes
// domain names via IDNA (spec.md §4.2 ConnectTcp body).
func buildConnectTcp(host string, port uint16) (wire.ConnectTcp, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return wire.ConnectTcp{HostKind: wire.HostIPv4, Host: []byte(v4), Port: port}, nil
		}
		return wire.ConnectTcp{HostKind: wire.HostIPv6, Host: []byte(ip.To16()), Port: port}, nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return wire.ConnectTcp{}, fmt.Errorf("httpproxy: invalid domain %q: %w", host, err)
	}
	return wire.ConnectTcp{HostKind: wire.HostDomain, Host: []byte(ascii), Port: port}, nil
}
