package proxyserver

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"log/slog"
	"net"
	"testing"
	"time"

	"shroudtun/internal/auth"
	"shroudtun/internal/channel"
	"shroudtun/internal/config"
	"shroudtun/internal/cryptutil"
	"shroudtun/internal/ratelimit"
	"shroudtun/internal/userstore"
	"shroudtun/internal/wire"

	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) (*Server, *userstore.MemoryStore, *rsa.PrivateKey) {
	t.Helper()
	proxyPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	store := userstore.NewMemoryStore()
	cfg := config.DefaultProxyConfig()
	return &Server{
		Cfg:        cfg,
		Store:      store,
		ServerPriv: proxyPriv,
		Limiter:    ratelimit.NewManager(),
		Log:        slog.Default(),
	}, store, proxyPriv
}

// TestServeTCPRelaysAfterConnect wires a full tunnel (agent-side
// ClientHandshake + ConnectTcp against a local echo listener) through
// handleTunnel and checks bytes echo back through the relay.
func TestServeTCPRelaysAfterConnect(t *testing.T) {
	s, store, proxyPriv := newServer(t)
	userPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	store.AddUser(userstore.UserInfo{Username: "alice", PublicKey: &userPriv.PublicKey, MaxConcurrent: 10})

	echoLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer echoLn.Close()
	go func() {
		c, err := echoLn.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 256)
		n, _ := c.Read(buf)
		_, _ = c.Write(buf[:n])
	}()

	a, b := net.Pipe()
	agentCh := channel.New(a, uint32(wire.DirAgentToProxy), uint32(wire.DirProxyToAgent))

	go s.handleTunnel(context.Background(), b)

	key, err := auth.ClientHandshake(agentCh, "alice", userPriv, &proxyPriv.PublicKey, cryptutil.WrapSessionKey, cryptutil.SignAuthPayload)
	require.NoError(t, err)
	require.Len(t, key, auth.SessionKeySize)

	addr := echoLn.Addr().(*net.TCPAddr)
	require.NoError(t, agentCh.Send(wire.ConnectTcp{HostKind: wire.HostIPv4, Host: addr.IP.To4(), Port: uint16(addr.Port)}))

	msg, err := agentCh.Recv()
	require.NoError(t, err)
	resp, ok := msg.(wire.ConnectResponse)
	require.True(t, ok)
	require.Equal(t, wire.ConnectOK, resp.Status)

	require.NoError(t, agentCh.Send(wire.Data{Payload: []byte("ping")}))
	msg, err = agentCh.Recv()
	require.NoError(t, err)
	data, ok := msg.(wire.Data)
	require.True(t, ok)
	require.Equal(t, "ping", string(data.Payload))

	_ = agentCh.Close()
}

func TestServeTCPUnreachableTarget(t *testing.T) {
	s, store, proxyPriv := newServer(t)
	s.Cfg.DialTimeout = 2 * time.Second
	userPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	store.AddUser(userstore.UserInfo{Username: "alice", PublicKey: &userPriv.PublicKey, MaxConcurrent: 10})

	a, b := net.Pipe()
	agentCh := channel.New(a, uint32(wire.DirAgentToProxy), uint32(wire.DirProxyToAgent))
	go s.handleTunnel(context.Background(), b)

	_, err = auth.ClientHandshake(agentCh, "alice", userPriv, &proxyPriv.PublicKey, cryptutil.WrapSessionKey, cryptutil.SignAuthPayload)
	require.NoError(t, err)

	// Port 1 on loopback should refuse immediately.
	require.NoError(t, agentCh.Send(wire.ConnectTcp{HostKind: wire.HostIPv4, Host: net.IPv4(127, 0, 0, 1).To4(), Port: 1}))
	msg, err := agentCh.Recv()
	require.NoError(t, err)
	resp, ok := msg.(wire.ConnectResponse)
	require.True(t, ok)
	require.NotEqual(t, wire.ConnectOK, resp.Status)
	_ = agentCh.Close()
}
