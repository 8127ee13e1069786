// Package transport provides the pluggable byte-stream carriers a tunnel
// rides on. The wire protocol (internal/wire, internal/channel) is
// carrier-agnostic: it only needs a reliable, ordered, bidirectional
// byte stream per tunnel. This package supplies three: plain TCP
// (default), WebSocket (for traversing HTTP-aware middleboxes) and QUIC
// (for UDP-friendly egress paths).
package transport

import (
	"context"
	"fmt"
	"io"
	"net/url"
)

// Carrier names a transport scheme, selected by the scheme of a
// proxy_addr such as "tcp://proxy.example:8080", "ws://.../tunnel" or
// "quic://proxy.example:8443".
type Carrier string

const (
	CarrierTCP  Carrier = "tcp"
	CarrierWS   Carrier = "ws"
	CarrierQUIC Carrier = "quic"
)

// Dialer opens one fresh carrier connection per tunnel (spec.md §1
// non-goal: "reusing one transport connection for multiple logical
// sessions" — every pooled tunnel gets its own).
type Dialer interface {
	Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error)
}

// Listener accepts carrier connections on the Proxy side.
type Listener interface {
	Accept() (io.ReadWriteCloser, error)
	Close() error
	Addr() string
}

// ParseAddr splits a proxy_addr of the form "scheme://host:port[/path]"
// into its carrier and the address to use: the bare host:port for tcp
// and quic, the whole URL unchanged for ws. A bare
// "host:port" with no scheme defaults to CarrierTCP, matching the
// config package's documented default.
func ParseAddr(addr string) (Carrier, string, error) {
	u, err := url.Parse(addr)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return CarrierTCP, addr, nil
	}
	switch Carrier(u.Scheme) {
	case CarrierTCP:
		return CarrierTCP, u.Host, nil
	case CarrierWS:
		return CarrierWS, addr, nil
	case CarrierQUIC:
		return CarrierQUIC, u.Host, nil
	default:
		return "", "", fmt.Errorf("transport: unknown carrier scheme %q", u.Scheme)
	}
}

// NewDialer returns the Dialer for a carrier, pre-bound to nothing else;
// callers pass the resolved address to Dial.
func NewDialer(c Carrier) (Dialer, error) {
	switch c {
	case CarrierTCP:
		return tcpDialer{}, nil
	case CarrierWS:
		return wsDialer{}, nil
	case CarrierQUIC:
		return quicDialer{}, nil
	default:
		return nil, fmt.Errorf("transport: unknown carrier %q", c)
	}
}

// NewListener binds the Proxy-side listener for a carrier.
func NewListener(c Carrier, addr string) (Listener, error) {
	switch c {
	case CarrierTCP:
		return newTCPListener(addr)
	case CarrierWS:
		return newWSListener(addr)
	case CarrierQUIC:
		return newQUICListener(addr)
	default:
		return nil, fmt.Errorf("transport: unknown carrier %q", c)
	}
}
