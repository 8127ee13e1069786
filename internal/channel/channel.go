// Package channel implements the session channel (spec.md §4.4): a
// transport stream plus frame codec plus AEAD state, exposing typed
// send/recv of wire.Message. It is the component every other core piece
// (auth, relay, pool) is built on top of.
package channel

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"shroudtun/internal/cryptutil"
	"shroudtun/internal/metrics"
	"shroudtun/internal/wire"
)

// ErrNotAuthenticated is returned by Send/Recv if called before
// SetSessionKey, except during the two handshake frames which use
// SendPlain/RecvPlain instead.
var ErrNotAuthenticated = errors.New("channel: session key not yet established")

// Channel owns one tunnel's transport, codec and AEAD state. The two
// directions (send, recv) are independently nonce-counted per spec.md §3.
type Channel struct {
	rw io.ReadWriteCloser

	sendNonce *cryptutil.NonceCounter
	recvNonce *cryptutil.NonceCounter

	sendMu sync.Mutex
	aead   *cryptutil.AEAD // nil until SetSessionKey succeeds
}

// New constructs a Channel over a transport stream. sendDir/recvDir are
// the direction tags (0 = Agent→Proxy, 1 = Proxy→Agent) this side will
// use for its own sends and expect on its own receives.
func New(rw io.ReadWriteCloser, sendDir, recvDir uint32) *Channel {
	return &Channel{
		rw:        rw,
		sendNonce: cryptutil.NewNonceCounter(sendDir),
		recvNonce: cryptutil.NewNonceCounter(recvDir),
	}
}

// SetSessionKey activates AEAD encryption for every Send/Recv call after
// this point, per spec.md §4.3 step 4: "On OK, ... every subsequent frame
// is AEAD-encrypted."
func (c *Channel) SetSessionKey(key []byte) error {
	aead, err := cryptutil.NewAEAD(key)
	if err != nil {
		return err
	}
	c.aead = aead
	return nil
}

// Close closes the underlying transport. The AEAD key is dropped with
// this Channel value; callers must not retain a reference to it.
func (c *Channel) Close() error {
	return c.rw.Close()
}

// SendPlain writes a message as a bare, unencrypted frame. Only valid
// for the two handshake messages (AuthRequest, AuthResponse).
func (c *Channel) SendPlain(m wire.Message) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	body, err := wire.Encode(m)
	if err != nil {
		return fmt.Errorf("channel: encode %T: %w", m, err)
	}
	return wire.WriteFrame(c.rw, body)
}

// RecvPlain reads one unencrypted frame and decodes it.
func (c *Channel) RecvPlain() (wire.Message, error) {
	body, err := wire.ReadFrame(c.rw)
	if err != nil {
		metrics.FrameErrors.WithLabelValues("frame_read").Inc()
		return nil, fmt.Errorf("channel: read frame: %w", err)
	}
	msg, err := wire.Decode(body)
	if err != nil {
		metrics.FrameErrors.WithLabelValues("decode").Inc()
		return nil, fmt.Errorf("channel: decode: %w", err)
	}
	return msg, nil
}

// Send encrypts and writes m. Concurrent callers are serialized so that
// nonce allocation and frame emission happen atomically together,
// preserving per-direction ordering (spec.md §5).
func (c *Channel) Send(m wire.Message) error {
	if c.aead == nil {
		return ErrNotAuthenticated
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	body, err := wire.Encode(m)
	if err != nil {
		return fmt.Errorf("channel: encode %T: %w", m, err)
	}
	nonce, err := c.sendNonce.Next()
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	ct := c.aead.Seal(nonce, body)
	return wire.WriteFrame(c.rw, ct)
}

// Recv reads, opens and decodes the next encrypted message. Any failure
// here (bad tag, nonce overflow, truncated frame, AEAD open failure,
// decode failure) is fatal to the tunnel.
func (c *Channel) Recv() (wire.Message, error) {
	if c.aead == nil {
		return nil, ErrNotAuthenticated
	}
	raw, err := wire.ReadFrame(c.rw)
	if err != nil {
		metrics.FrameErrors.WithLabelValues("frame_read").Inc()
		return nil, fmt.Errorf("channel: read frame: %w", err)
	}
	nonce, err := c.recvNonce.Next()
	if err != nil {
		metrics.FrameErrors.WithLabelValues("nonce").Inc()
		return nil, fmt.Errorf("channel: %w", err)
	}
	pt, err := c.aead.Open(nonce, raw)
	if err != nil {
		metrics.FrameErrors.WithLabelValues("aead_open").Inc()
		return nil, fmt.Errorf("channel: %w", err)
	}
	msg, err := wire.Decode(pt)
	if err != nil {
		metrics.FrameErrors.WithLabelValues("decode").Inc()
		return nil, fmt.Errorf("channel: decode: %w", err)
	}
	return msg, nil
}
