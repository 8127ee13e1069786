package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"
)

// quicStream adapts a quic.Stream (a single stream per tunnel, matching
// spec.md's "multiplexed-free" non-goal) to io.ReadWriteCloser, closing
// both the write and read sides of the stream together.
type quicStream struct {
	quic.Stream
}

func (s quicStream) Close() error {
	s.Stream.CancelRead(0)
	return s.Stream.Close()
}

const alpn = "shroudtun"

type quicDialer struct{}

func (quicDialer) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	tlsConf := &tls.Config{
		InsecureSkipVerify: true, // application-layer RSA handshake (spec.md §4.3) is the real authentication
		NextProtos:         []string{alpn},
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: quic dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: quic open stream: %w", err)
	}
	return quicStream{stream}, nil
}

type quicListener struct {
	ln   *quic.Listener
	addr string
}

func newQUICListener(addr string) (Listener, error) {
	tlsConf, err := selfSignedTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: quic listen %s: %w", addr, err)
	}
	return &quicListener{ln: ln, addr: ln.Addr().String()}, nil
}

func (l *quicListener) Accept() (io.ReadWriteCloser, error) {
	ctx := context.Background()
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return quicStream{stream}, nil
}

func (l *quicListener) Close() error { return l.ln.Close() }

func (l *quicListener) Addr() string { return l.addr }

// selfSignedTLSConfig builds an ephemeral cert so the QUIC carrier can
// handshake without an operator-provisioned TLS certificate; the tunnel's
// real authentication is the RSA handshake carried inside it (spec.md
// §4.3), not this transport-layer TLS.
func selfSignedTLSConfig() (*tls.Config, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{alpn}}, nil
}
