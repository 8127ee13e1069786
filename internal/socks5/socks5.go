// Package socks5 implements the Agent's local SOCKS5 handler (spec.md
// §4.5 C10, RFC 1928): greeting with NO AUTHENTICATION REQUIRED only,
// CONNECT and UDP ASSOCIATE; BIND is refused.
package socks5

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"shroudtun/internal/pool"
	"shroudtun/internal/relay"
	"shroudtun/internal/wire"

	"golang.org/x/net/idna"
)

const (
	ver5 = 0x05

	methodNoAuth      = 0x00
	methodNoAcceptable = 0xFF

	cmdConnect   = 0x01
	cmdBind      = 0x02
	cmdUDPAssoc  = 0x03

	atypIPv4   = 0x01
	atypDomain = 0x03
	atypIPv6   = 0x04

	replyOK                 = 0x00
	replyGeneralFailure     = 0x01
	replyForbidden          = 0x02
	replyUnreachable        = 0x04
	replyRefused            = 0x05
	replyCommandNotSupported = 0x07
	replyTimeout            = 0x06
)

const connectReplyTimeout = 15 * time.Second

// Handler serves SOCKS5 connections off the Agent's local listener,
// borrowing one tunnel per CONNECT or UDP ASSOCIATE request.
type Handler struct {
	Pool *pool.Pool
}

// Serve handles one accepted local connection whose first byte has
// already been sniffed as 0x05. br is the same bufio.Reader used for
// that sniff.
func (h *Handler) Serve(ctx context.Context, conn net.Conn, br *bufio.Reader) {
	defer conn.Close()

	if err := h.greet(br, conn); err != nil {
		return
	}

	cmd, target, err := h.readRequest(br)
	if err != nil {
		return
	}

	switch cmd {
	case cmdConnect:
		h.handleConnect(ctx, conn, br, target)
	case cmdUDPAssoc:
		h.handleUDPAssociate(ctx, conn, br, target)
	default:
		writeReply(conn, replyCommandNotSupported, net.IPv4zero, 0)
	}
}

func (h *Handler) greet(br *bufio.Reader, conn net.Conn) error {
	var g [2]byte
	if _, err := io.ReadFull(br, g[:]); err != nil {
		return err
	}
	if g[0] != ver5 {
		return fmt.Errorf("socks5: bad version 0x%02x", g[0])
	}
	n := int(g[1])
	methods := make([]byte, n)
	if _, err := io.ReadFull(br, methods); err != nil {
		return err
	}
	for _, m := range methods {
		if m == methodNoAuth {
			_, err := conn.Write([]byte{ver5, methodNoAuth})
			return err
		}
	}
	_, _ = conn.Write([]byte{ver5, methodNoAcceptable})
	return fmt.Errorf("socks5: no acceptable auth method offered")
}

type target struct {
	kind wire.HostKind
	host []byte
	port uint16
}

func (h *Handler) readRequest(br *bufio.Reader) (byte, target, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(br, hdr[:]); err != nil {
		return 0, target{}, err
	}
	if hdr[0] != ver5 {
		return 0, target{}, fmt.Errorf("socks5: bad request version")
	}
	cmd, atyp := hdr[1], hdr[3]

	t, err := readAddr(br, atyp)
	if err != nil {
		return 0, target{}, err
	}
	return cmd, t, nil
}

func readAddr(br *bufio.Reader, atyp byte) (target, error) {
	switch atyp {
	case atypIPv4:
		var ip [4]byte
		if _, err := io.ReadFull(br, ip[:]); err != nil {
			return target{}, err
		}
		port, err := readPort(br)
		if err != nil {
			return target{}, err
		}
		return target{kind: wire.HostIPv4, host: ip[:], port: port}, nil
	case atypIPv6:
		var ip [16]byte
		if _, err := io.ReadFull(br, ip[:]); err != nil {
			return target{}, err
		}
		port, err := readPort(br)
		if err != nil {
			return target{}, err
		}
		return target{kind: wire.HostIPv6, host: ip[:], port: port}, nil
	case atypDomain:
		var l [1]byte
		if _, err := io.ReadFull(br, l[:]); err != nil {
			return target{}, err
		}
		name := make([]byte, int(l[0]))
		if _, err := io.ReadFull(br, name); err != nil {
			return target{}, err
		}
		ascii, err := idna.Lookup.ToASCII(string(name))
		if err != nil {
			return target{}, fmt.Errorf("socks5: invalid domain: %w", err)
		}
		port, err := readPort(br)
		if err != nil {
			return target{}, err
		}
		return target{kind: wire.HostDomain, host: []byte(ascii), port: port}, nil
	default:
		return target{}, fmt.Errorf("socks5: bad address type 0x%02x", atyp)
	}
}

func readPort(br *bufio.Reader) (uint16, error) {
	var p [2]byte
	if _, err := io.ReadFull(br, p[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(p[:]), nil
}

func (h *Handler) handleConnect(ctx context.Context, conn net.Conn, br *bufio.Reader, t target) {
	tun, err := h.Pool.Checkout(ctx)
	if err != nil {
		writeReply(conn, replyGeneralFailure, net.IPv4zero, 0)
		return
	}

	if err := tun.Channel.Send(wire.ConnectTcp{HostKind: t.kind, Host: t.host, Port: t.port}); err != nil {
		h.Pool.Discard(tun)
		writeReply(conn, replyGeneralFailure, net.IPv4zero, 0)
		return
	}

	resp, err := recvConnectResponse(tun)
	if err != nil {
		h.Pool.Discard(tun)
		writeReply(conn, replyGeneralFailure, net.IPv4zero, 0)
		return
	}
	if resp.Status != wire.ConnectOK {
		h.Pool.Discard(tun)
		writeReply(conn, replyCodeFor(resp.Status), net.IPv4zero, 0)
		return
	}

	writeReply(conn, replyOK, bndIP(resp), resp.BndPort)

	r := &relay.Relay{
		Channel:          tun.Channel,
		Plain:            readWriteCloser{Reader: br, Conn: conn},
		OwnHalfCloseDir:  wire.DirAgentToProxy,
		PeerHalfCloseDir: wire.DirProxyToAgent,
	}
	_ = r.Run(ctx)
	h.Pool.Discard(tun)
}

// handleUDPAssociate opens a local UDP socket, tells the Proxy the
// client's advertised bind port, and relays datagrams as UdpPacket
// messages until the control connection (conn) closes (spec.md §4.7).
func (h *Handler) handleUDPAssociate(ctx context.Context, conn net.Conn, br *bufio.Reader, clientBind target) {
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		writeReply(conn, replyGeneralFailure, net.IPv4zero, 0)
		return
	}
	defer udpConn.Close()

	tun, err := h.Pool.Checkout(ctx)
	if err != nil {
		writeReply(conn, replyGeneralFailure, net.IPv4zero, 0)
		return
	}

	if err := tun.Channel.Send(wire.ConnectUdp{ClientBindPort: clientBind.port}); err != nil {
		h.Pool.Discard(tun)
		writeReply(conn, replyGeneralFailure, net.IPv4zero, 0)
		return
	}
	resp, err := recvConnectResponse(tun)
	if err != nil {
		h.Pool.Discard(tun)
		writeReply(conn, replyGeneralFailure, net.IPv4zero, 0)
		return
	}
	if resp.Status != wire.ConnectOK {
		h.Pool.Discard(tun)
		writeReply(conn, replyCodeFor(resp.Status), net.IPv4zero, 0)
		return
	}

	localAddr := udpConn.LocalAddr().(*net.UDPAddr)
	writeReply(conn, replyOK, localAddr.IP, uint16(localAddr.Port))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = tun.Channel.Close()
		_ = udpConn.Close()
	}()

	var clientAddr atomic.Pointer[net.Addr]
	go func() {
		buf := make([]byte, 64*1024)
		for {
			n, addr, err := udpConn.ReadFrom(buf)
			if err != nil {
				return
			}
			clientAddr.Store(&addr)
			t, payload, perr := parseUDPRequest(buf[:n])
			if perr != nil {
				continue
			}
			if serr := tun.Channel.Send(wire.UdpPacket{HostKind: t.kind, Host: t.host, Port: t.port, Payload: payload}); serr != nil {
				return
			}
		}
	}()

	go func() {
		// The control TCP connection staying open is what keeps the
		// association alive (spec.md §4.7); once it closes, tear down.
		_, _ = io.Copy(io.Discard, br)
		cancel()
	}()

	for {
		select {
		case <-ctx.Done():
			h.Pool.Discard(tun)
			return
		default:
		}
		msg, err := tun.Channel.Recv()
		if err != nil {
			h.Pool.Discard(tun)
			return
		}
		pkt, ok := msg.(wire.UdpPacket)
		addr := clientAddr.Load()
		if !ok || addr == nil {
			continue
		}
		reply := encodeUDPReply(pkt)
		_, _ = udpConn.WriteTo(reply, *addr)
	}
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
			return wire.ConnectResponse{}, fmt.Errorf("socks5: expected ConnectResponse, got %T", r.msg)
		}
		return cr, nil
	case <-time.After(connectReplyTimeout):
		return wire.ConnectResponse{}, fmt.Errorf("socks5: timed out waiting for ConnectResponse")
	}
}

func replyCodeFor(s wire.ConnectStatus) byte {
	switch s {
	case wire.ConnectRefused:
		return replyRefused
	case wire.ConnectUnreachable:
		return replyUnreachable
	case wire.ConnectForbidden:
		return replyForbidden
	case wire.ConnectTimeout:
		return replyTimeout
	default:
		return replyGeneralFailure
	}
}

func bndIP(resp wire.ConnectResponse) net.IP {
	switch resp.BndKind {
	case wire.HostIPv4, wire.HostIPv6:
		return net.IP(resp.BndHost)
	default:
		return net.IPv4zero
	}
}

func writeReply(w io.Writer, code byte, ip net.IP, port uint16) {
	v4 := ip.To4()
	var atyp byte
	var addr []byte
	if v4 != nil {
		atyp, addr = atypIPv4, v4
	} else {
		atyp, addr = atypIPv6, ip.To16()
		if addr == nil {
			atyp, addr = atypIPv4, net.IPv4zero.To4()
		}
	}
	reply := make([]byte, 0, 6+len(addr))
	reply = append(reply, ver5, code, 0x00, atyp)
	reply = append(reply, addr...)
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], port)
	reply = append(reply, p[:]...)
	_, _ = w.Write(reply)
}

// parseUDPRequest decodes a client UDP request datagram (RFC 1928 §7):
// RSV(2) FRAG(1) ATYP(1) ADDR PORT(2) DATA.
func parseUDPRequest(b []byte) (target, []byte, error) {
	if len(b) < 4 {
		return target{}, nil, fmt.Errorf("socks5: short UDP request")
	}
	frag := b[2]
	if frag != 0 {
		return target{}, nil, fmt.Errorf("socks5: fragmented UDP request not supported")
	}
	atyp := b[3]
	r := bufio.NewReader(bytes.NewReader(b[4:]))
	t, err := readAddr(r, atyp)
	if err != nil {
		return target{}, nil, err
	}
	rest, _ := io.ReadAll(r)
	return t, rest, nil
}

// encodeUDPReply re-wraps a UdpPacket as a client-facing SOCKS5 UDP
// reply datagram.
func encodeUDPReply(pkt wire.UdpPacket) []byte {
	var atyp byte
	switch pkt.HostKind {
	case wire.HostIPv4:
		atyp = atypIPv4
	case wire.HostIPv6:
		atyp = atypIPv6
	default:
		atyp = atypDomain
	}
	out := make([]byte, 0, 4+len(pkt.Host)+2+len(pkt.Payload)+1)
	out = append(out, 0x00, 0x00, 0x00, atyp)
	if atyp == atypDomain {
		out = append(out, byte(len(pkt.Host)))
	}
	out = append(out, pkt.Host...)
	var p [2]byte
	binary.BigEndian.PutUint16(p[:], pkt.Port)
	out = append(out, p[:]...)
	out = append(out, pkt.Payload...)
	return out
}

type readWriteCloser struct {
	io.Reader
	net.Conn
}
