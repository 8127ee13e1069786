// Package auth implements the RSA-wrapped session-key handshake
// (spec.md §4.3): client-side request construction and server-side
// verification, replay protection and per-user admission.
package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"shroudtun/internal/channel"
	"shroudtun/internal/userstore"
	"shroudtun/internal/wire"
)

// SessionKeySize is the length of the per-tunnel AES-256-GCM key
// (spec.md §3 SessionKey).
const SessionKeySize = 32

// ErrAuthFailed wraps the AuthResponse status the Proxy returned on a
// client-observed failure.
type ErrAuthFailed struct {
	Status wire.AuthStatus
	Msg    string
}

func (e *ErrAuthFailed) Error() string {
	return fmt.Sprintf("auth: handshake failed: %s: %s", e.Status, e.Msg)
}

func signPayload(username string, wrapped []byte, timestampMs uint64) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], timestampMs)
	buf := make([]byte, 0, len(username)+len(wrapped)+8)
	buf = append(buf, []byte(username)...)
	buf = append(buf, wrapped...)
	buf = append(buf, ts[:]...)
	return buf
}

// WrapFn, SignFn, VerifyFn and UnwrapFn are passed into the handshake
// functions so tests can substitute deterministic crypto where useful;
// internal/pool and internal/proxyserver pass the cryptutil package
// implementations explicitly.
type WrapFn func(pub *rsa.PublicKey, key []byte) ([]byte, error)
type SignFn func(priv *rsa.PrivateKey, payload []byte) ([]byte, error)
type VerifyFn func(pub *rsa.PublicKey, payload, sig []byte) error
type UnwrapFn func(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error)

// ClientHandshake performs the Agent side of spec.md §4.3: generate a
// fresh session key, wrap it to the Proxy's public key, sign the
// request with the user's private key, send it unencrypted, and wait
// for AuthResponse. On OK it arms ch's AEAD state with the new key.
func ClientHandshake(
	ch *channel.Channel,
	username string,
	userPriv *rsa.PrivateKey,
	proxyPub *rsa.PublicKey,
	wrap WrapFn,
	sign SignFn,
) ([]byte, error) {
	sessionKey := make([]byte, SessionKeySize)
	if _, err := rand.Read(sessionKey); err != nil {
		return nil, fmt.Errorf("auth: generate session key: %w", err)
	}

	wrapped, err := wrap(proxyPub, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("auth: wrap session key: %w", err)
	}

	tsMs := uint64(time.Now().UnixMilli())
	sig, err := sign(userPriv, signPayload(username, wrapped, tsMs))
	if err != nil {
		return nil, fmt.Errorf("auth: sign request: %w", err)
	}

	req := wire.AuthRequest{
		TimestampMs: tsMs,
		Username:    username,
		WrappedKey:  wrapped,
		Signature:   sig,
	}
	if err := ch.SendPlain(req); err != nil {
		return nil, fmt.Errorf("auth: send AuthRequest: %w", err)
	}

	respMsg, err := ch.RecvPlain()
	if err != nil {
		return nil, fmt.Errorf("auth: recv AuthResponse: %w", err)
	}
	resp, ok := respMsg.(wire.AuthResponse)
	if !ok {
		return nil, fmt.Errorf("auth: expected AuthResponse, got %T", respMsg)
	}
	if resp.Status != wire.AuthOK {
		return nil, &ErrAuthFailed{Status: resp.Status, Msg: resp.Msg}
	}

	if err := ch.SetSessionKey(sessionKey); err != nil {
		return nil, fmt.Errorf("auth: arm session key: %w", err)
	}
	return sessionKey, nil
}

// ErrTunnelClosed names a tunnel that closed during the handshake.
// Neither ClientHandshake nor ServerHandshake returns it; both wrap the
// underlying transport error instead.
var ErrTunnelClosed = errors.New("auth: tunnel closed during handshake")

// Result is what a successful ServerHandshake hands the caller.
type Result struct {
	Username   string
	SessionKey []byte
	Permit     userstore.Permit
}

// ServerHandshake performs the Proxy side of spec.md §4.3. Once an
// AuthRequest has been decoded, it always attempts to send an
// AuthResponse (even on failure) before returning, matching the
// protocol: the Agent is waiting for exactly one response frame
// regardless of outcome. If reading or decoding the request fails, it
// returns without sending anything.
func ServerHandshake(
	ch *channel.Channel,
	store userstore.UserStore,
	serverPriv *rsa.PrivateKey,
	replayWindow time.Duration,
	verify VerifyFn,
	unwrap UnwrapFn,
) (*Result, error) {
	msg, err := ch.RecvPlain()
	if err != nil {
		return nil, fmt.Errorf("auth: recv AuthRequest: %w", err)
	}
	req, ok := msg.(wire.AuthRequest)
	if !ok {
		return nil, fmt.Errorf("auth: expected AuthRequest, got %T", msg)
	}

	fail := func(status wire.AuthStatus, msg string) (*Result, error) {
		_ = ch.SendPlain(wire.AuthResponse{TimestampMs: uint64(time.Now().UnixMilli()), Status: status, Msg: msg})
		return nil, &ErrAuthFailed{Status: status, Msg: msg}
	}

	now := time.Now().UnixMilli()
	reqTime := int64(req.TimestampMs)
	delta := now - reqTime
	if delta < 0 {
		delta = -delta
	}
	if time.Duration(delta)*time.Millisecond > replayWindow {
		return fail(wire.AuthReplay, "timestamp outside replay window")
	}

	info, found := store.LookupUser(req.Username)
	if !found {
		return fail(wire.AuthUnknownUser, "unknown user")
	}

	payload := signPayload(req.Username, req.WrappedKey, req.TimestampMs)
	if err := verify(info.PublicKey, payload, req.Signature); err != nil {
		return fail(wire.AuthBadKey, "signature verification failed")
	}

	sessionKey, err := unwrap(serverPriv, req.WrappedKey)
	if err != nil || len(sessionKey) != SessionKeySize {
		return fail(wire.AuthBadKey, "session key unwrap failed")
	}

	permit, ok := store.AcquireSlot(req.Username)
	if !ok {
		return fail(wire.AuthThrottled, "concurrent session limit reached")
	}

	if err := ch.SendPlain(wire.AuthResponse{TimestampMs: uint64(time.Now().UnixMilli()), Status: wire.AuthOK}); err != nil {
		permit.Release()
		return nil, fmt.Errorf("auth: send AuthResponse: %w", err)
	}
	if err := ch.SetSessionKey(sessionKey); err != nil {
		permit.Release()
		return nil, fmt.Errorf("auth: arm session key: %w", err)
	}

	return &Result{Username: req.Username, SessionKey: sessionKey, Permit: permit}, nil
}
