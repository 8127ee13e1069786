package relay

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"shroudtun/internal/channel"
	"shroudtun/internal/wire"

	"github.com/stretchr/testify/require"
)

// memPipe is an in-memory io.ReadWriteCloser standing in for the
// "plain" side of a relay (local client on the Agent, target conn on
// the Proxy).
type memPipe struct {
	net.Conn
}

func newMemPipePair() (memPipe, memPipe) {
	a, b := net.Pipe()
	return memPipe{a}, memPipe{b}
}

// tcpPair returns both ends of a loopback TCP connection. Unlike net.Pipe
// it buffers writes and supports CloseWrite, so a relay can send its final
// Close after the peer has stopped reading, and a client can half-close.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		accepted <- c
	}()
	a, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	b := <-accepted
	require.NotNil(t, b)
	return a, b
}

func pairedChannels(t *testing.T) (agent, proxy *channel.Channel) {
	t.Helper()
	a, b := tcpPair(t)
	agent = channel.New(a, 0, 1)
	proxy = channel.New(b, 1, 0)
	key := make([]byte, 32)
	require.NoError(t, agent.SetSessionKey(key))
	require.NoError(t, proxy.SetSessionKey(key))
	return agent, proxy
}

// TestRelayCopiesBothDirections wires an agent-side Relay (plain =
// local client) against a proxy-side Relay (plain = target) and checks
// bytes written on one plain side arrive on the other, in both
// directions.
func TestRelayCopiesBothDirections(t *testing.T) {
	agentCh, proxyCh := pairedChannels(t)
	client, clientPeer := newMemPipePair() // clientPeer stands in for "the app" talking to the Agent
	target, targetPeer := newMemPipePair() // targetPeer stands in for "the real server"

	agentRelay := &Relay{
		Channel:          agentCh,
		Plain:            client,
		OwnHalfCloseDir:  wire.DirAgentToProxy,
		PeerHalfCloseDir: wire.DirProxyToAgent,
	}
	proxyRelay := &Relay{
		Channel:          proxyCh,
		Plain:            target,
		OwnHalfCloseDir:  wire.DirProxyToAgent,
		PeerHalfCloseDir: wire.DirAgentToProxy,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agentDone := make(chan error, 1)
	proxyDone := make(chan error, 1)
	go func() { agentDone <- agentRelay.Run(ctx) }()
	go func() { proxyDone <- proxyRelay.Run(ctx) }()

	_, err := clientPeer.Write([]byte("request"))
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, err := targetPeer.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "request", string(buf[:n]))

	_, err = targetPeer.Write([]byte("response"))
	require.NoError(t, err)
	n, err = clientPeer.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "response", string(buf[:n]))

	require.NoError(t, clientPeer.Close())
	require.NoError(t, targetPeer.Close())

	select {
	case err := <-agentDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("agent relay did not finish")
	}
	select {
	case err := <-proxyDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("proxy relay did not finish")
	}
}

func TestRelayPropagatesHalfClose(t *testing.T) {
	agentCh, proxyCh := pairedChannels(t)
	client, clientPeer := tcpPair(t)
	defer client.Close()
	defer clientPeer.Close()
	target, targetPeer := newMemPipePair()
	defer target.Close()
	defer targetPeer.Close()

	agentRelay := &Relay{
		Channel: agentCh, Plain: client,
		OwnHalfCloseDir: wire.DirAgentToProxy, PeerHalfCloseDir: wire.DirProxyToAgent,
	}
	proxyRelay := &Relay{
		Channel: proxyCh, Plain: target,
		OwnHalfCloseDir: wire.DirProxyToAgent, PeerHalfCloseDir: wire.DirAgentToProxy,
	}

	ctx := context.Background()
	proxyDone := make(chan error, 1)
	go func() { proxyDone <- proxyRelay.Run(ctx) }()
	agentDone := make(chan error, 1)
	go func() { agentDone <- agentRelay.Run(ctx) }()

	// Client stops sending: the agent's client-read side reaches EOF and
	// must half-close its own direction without tearing down the other.
	require.NoError(t, clientPeer.(*net.TCPConn).CloseWrite())

	// The target side should still be able to flow proxy->agent->client
	// until the app on the other end also closes; simulate that next.
	_, err := targetPeer.Write([]byte("late"))
	require.NoError(t, err)
	buf := make([]byte, 8)
	n, err := io.ReadFull(clientPeer, buf[:4])
	require.NoError(t, err)
	require.Equal(t, "late", string(buf[:n]))

	require.NoError(t, targetPeer.Close())

	select {
	case err := <-agentDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("agent relay did not finish")
	}
	select {
	case err := <-proxyDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("proxy relay did not finish")
	}
}
