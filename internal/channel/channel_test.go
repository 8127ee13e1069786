package channel

import (
	"net"
	"testing"

	"shroudtun/internal/wire"

	"github.com/stretchr/testify/require"
)

type pipeConn struct {
	net.Conn
}

func (p pipeConn) Close() error { return p.Conn.Close() }

func newPipePair() (io1, io2 pipeConn) {
	a, b := net.Pipe()
	return pipeConn{a}, pipeConn{b}
}

func TestChannelSendRecvRoundTrip(t *testing.T) {
	a, b := newPipePair()
	defer a.Close()
	defer b.Close()

	agentSide := New(a, 0, 1)
	proxySide := New(b, 1, 0)

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	require.NoError(t, agentSide.SetSessionKey(key))
	require.NoError(t, proxySide.SetSessionKey(key))

	done := make(chan error, 1)
	go func() {
		done <- agentSide.Send(wire.Data{TimestampMs: 42, Payload: []byte("hello")})
	}()

	msg, err := proxySide.Recv()
	require.NoError(t, err)
	require.NoError(t, <-done)

	data, ok := msg.(wire.Data)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), data.Payload)
}

func TestChannelRejectsUnauthenticatedSend(t *testing.T) {
	a, b := newPipePair()
	defer a.Close()
	defer b.Close()

	ch := New(a, 0, 1)
	err := ch.Send(wire.Ping{Cookie: 1})
	require.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestChannelPlainHandshakeRoundTrip(t *testing.T) {
	a, b := newPipePair()
	defer a.Close()
	defer b.Close()

	agentSide := New(a, 0, 1)
	proxySide := New(b, 1, 0)

	done := make(chan error, 1)
	go func() {
		done <- agentSide.SendPlain(wire.AuthRequest{Username: "alice", WrappedKey: []byte{1, 2}, Signature: []byte{3}})
	}()

	msg, err := proxySide.RecvPlain()
	require.NoError(t, err)
	require.NoError(t, <-done)

	req, ok := msg.(wire.AuthRequest)
	require.True(t, ok)
	require.Equal(t, "alice", req.Username)
}

func TestChannelOpenFailsOnDesyncedNonce(t *testing.T) {
	a, b := newPipePair()
	defer a.Close()
	defer b.Close()

	agentSide := New(a, 0, 1)
	proxySide := New(b, 1, 0)

	key := make([]byte, 32)
	require.NoError(t, agentSide.SetSessionKey(key))
	require.NoError(t, proxySide.SetSessionKey(key))

	// Burn one nonce on the receiver's expected counter by pretending a
	// frame was already consumed, desynchronizing it from the sender.
	_, err := proxySide.recvNonce.Next()
	require.NoError(t, err)

	go func() {
		_ = agentSide.Send(wire.Ping{Cookie: 7})
	}()

	_, err = proxySide.Recv()
	require.Error(t, err)
}
