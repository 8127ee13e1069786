package transport

import (
	"context"
	"io"
	"net"
)

type tcpDialer struct{}

func (tcpDialer) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}

type tcpListener struct {
	ln net.Listener
}

func newTCPListener(addr string) (Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &tcpListener{ln: ln}, nil
}

func (l *tcpListener) Accept() (io.ReadWriteCloser, error) {
	return l.ln.Accept()
}

func (l *tcpListener) Close() error { return l.ln.Close() }

func (l *tcpListener) Addr() string { return l.ln.Addr().String() }
