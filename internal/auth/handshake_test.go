package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"net"
	"testing"
	"time"

	"shroudtun/internal/channel"
	"shroudtun/internal/cryptutil"
	"shroudtun/internal/userstore"
	"shroudtun/internal/wire"

	"github.com/stretchr/testify/require"
)

type harness struct {
	userPriv  *rsa.PrivateKey
	proxyPriv *rsa.PrivateKey
	store     *userstore.MemoryStore
}

func newHarness(t *testing.T, maxConcurrent int) harness {
	t.Helper()
	userPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	proxyPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	store := userstore.NewMemoryStore()
	store.AddUser(userstore.UserInfo{
		Username:          "alice",
		PublicKey:         &userPriv.PublicKey,
		BandwidthLimitBps: 0,
		MaxConcurrent:     maxConcurrent,
	})
	return harness{userPriv: userPriv, proxyPriv: proxyPriv, store: store}
}

func runHandshakePair(t *testing.T, h harness, username string, replayWindow time.Duration) (clientErr, serverErr error, result *Result) {
	t.Helper()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	agentCh := channel.New(a, 0, 1)
	proxyCh := channel.New(b, 1, 0)

	done := make(chan error, 1)
	go func() {
		_, err := ClientHandshake(agentCh, username, h.userPriv, &h.proxyPriv.PublicKey, cryptutil.WrapSessionKey, cryptutil.SignAuthPayload)
		done <- err
	}()

	result, serverErr = ServerHandshake(proxyCh, h.store, h.proxyPriv, replayWindow, cryptutil.VerifyAuthPayload, cryptutil.UnwrapSessionKey)
	clientErr = <-done
	return clientErr, serverErr, result
}

func TestHandshakeSuccess(t *testing.T) {
	h := newHarness(t, 10)
	clientErr, serverErr, result := runHandshakePair(t, h, "alice", 5*time.Minute)
	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	require.Equal(t, "alice", result.Username)
	require.Len(t, result.SessionKey, SessionKeySize)
	result.Permit.Release()
}

func TestHandshakeUnknownUser(t *testing.T) {
	h := newHarness(t, 10)
	clientErr, serverErr, _ := runHandshakePair(t, h, "ghost", 5*time.Minute)
	require.Error(t, clientErr)
	require.Error(t, serverErr)

	var af *ErrAuthFailed
	require.ErrorAs(t, serverErr, &af)
	require.Equal(t, wire.AuthUnknownUser, af.Status)
}

func TestHandshakeThrottled(t *testing.T) {
	h := newHarness(t, 1)
	permit, ok := h.store.AcquireSlot("alice")
	require.True(t, ok)
	defer permit.Release()

	_, serverErr, _ := runHandshakePair(t, h, "alice", 5*time.Minute)
	require.Error(t, serverErr)
	var af *ErrAuthFailed
	require.ErrorAs(t, serverErr, &af)
	require.Equal(t, wire.AuthThrottled, af.Status)
}

func TestHandshakeBadSignature(t *testing.T) {
	h := newHarness(t, 10)
	otherPriv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	agentCh := channel.New(a, 0, 1)
	proxyCh := channel.New(b, 1, 0)

	done := make(chan error, 1)
	go func() {
		// Sign with the wrong private key: the proxy verifies against
		// alice's registered public key and must reject this.
		_, err := ClientHandshake(agentCh, "alice", otherPriv, &h.proxyPriv.PublicKey, cryptutil.WrapSessionKey, cryptutil.SignAuthPayload)
		done <- err
	}()

	_, serverErr := ServerHandshake(proxyCh, h.store, h.proxyPriv, 5*time.Minute, cryptutil.VerifyAuthPayload, cryptutil.UnwrapSessionKey)
	require.Error(t, <-done)
	require.Error(t, serverErr)
	var af *ErrAuthFailed
	require.ErrorAs(t, serverErr, &af)
	require.Equal(t, wire.AuthBadKey, af.Status)
}

func TestHandshakeReplayRejected(t *testing.T) {
	h := newHarness(t, 10)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	agentCh := channel.New(a, 0, 1)
	proxyCh := channel.New(b, 1, 0)

	staleTs := uint64(time.Now().Add(-5*time.Minute - time.Second).UnixMilli())
	wrapped, err := cryptutil.WrapSessionKey(&h.proxyPriv.PublicKey, make([]byte, SessionKeySize))
	require.NoError(t, err)
	sig, err := cryptutil.SignAuthPayload(h.userPriv, signPayload("alice", wrapped, staleTs))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		err := agentCh.SendPlain(wire.AuthRequest{TimestampMs: staleTs, Username: "alice", WrappedKey: wrapped, Signature: sig})
		done <- err
		if err == nil {
			// Drain the AuthResponse the server sends on failure; net.Pipe
			// blocks its write until this side reads it.
			_, _ = agentCh.RecvPlain()
		}
	}()

	_, serverErr := ServerHandshake(proxyCh, h.store, h.proxyPriv, 5*time.Minute, cryptutil.VerifyAuthPayload, cryptutil.UnwrapSessionKey)
	require.NoError(t, <-done)
	require.Error(t, serverErr)
	var af *ErrAuthFailed
	require.ErrorAs(t, serverErr, &af)
	require.Equal(t, wire.AuthReplay, af.Status)
}
