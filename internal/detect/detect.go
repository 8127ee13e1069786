// Package detect implements the Agent's local-listener protocol sniff
// (spec.md §4.5): peek the first byte of a freshly accepted connection
// and route it to the HTTP or SOCKS5 handler without consuming it.
package detect

import "bufio"

// Protocol is the handler family a sniffed connection should be routed
// to.
type Protocol int

const (
	ProtocolHTTP Protocol = iota
	ProtocolSOCKS5
)

// socks5VersionByte is the first byte of every SOCKS5 client greeting
// (RFC 1928 §3).
const socks5VersionByte = 0x05

// Sniff peeks one byte from r without consuming it and classifies the
// connection. 0x05 routes to SOCKS5; any other byte routes to HTTP —
// the HTTP method set is wide and used only as documentation, not as a
// strict allow-list, so unrecognized leading bytes still fall through to
// HTTP per spec.md §4.5. If the peek fails (including EOF), Sniff
// returns ProtocolHTTP together with the error, and the Agent's accept
// loop closes the connection without calling either handler.
func Sniff(r *bufio.Reader) (Protocol, error) {
	b, err := r.Peek(1)
	if err != nil {
		return ProtocolHTTP, err
	}
	if b[0] == socks5VersionByte {
		return ProtocolSOCKS5, nil
	}
	return ProtocolHTTP, nil
}
