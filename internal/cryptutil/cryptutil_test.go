package cryptutil

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRSAWrapUnwrapRoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	sessionKey := make([]byte, 32)
	_, err = rand.Read(sessionKey)
	require.NoError(t, err)

	wrapped, err := WrapSessionKey(&priv.PublicKey, sessionKey)
	require.NoError(t, err)

	unwrapped, err := UnwrapSessionKey(priv, wrapped)
	require.NoError(t, err)
	require.Equal(t, sessionKey, unwrapped)
}

func TestSignVerifyAuthPayload(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	payload := []byte("alice||wrapped-key-bytes||1234567890")
	sig, err := SignAuthPayload(priv, payload)
	require.NoError(t, err)
	require.NoError(t, VerifyAuthPayload(&priv.PublicKey, payload, sig))

	tampered := append([]byte(nil), payload...)
	tampered[0] ^= 0xFF
	require.Error(t, VerifyAuthPayload(&priv.PublicKey, tampered, sig))
}

func TestPublicKeySPKIRoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pemBytes, err := EncodePublicKeySPKI(&priv.PublicKey)
	require.NoError(t, err)

	parsed, err := ParsePublicKeySPKI(pemBytes)
	require.NoError(t, err)
	require.Equal(t, priv.PublicKey.N, parsed.N)
	require.Equal(t, priv.PublicKey.E, parsed.E)
}

func TestAEADSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	aead, err := NewAEAD(key)
	require.NoError(t, err)

	nc := NewNonceCounter(0)
	nonce, err := nc.Next()
	require.NoError(t, err)

	plaintext := []byte("session payload bytes")
	ct := aead.Seal(nonce, plaintext)

	pt, err := aead.Open(nonce, ct)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)
}

func TestAEADOpenFailsOnBitFlip(t *testing.T) {
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)

	aead, err := NewAEAD(key)
	require.NoError(t, err)

	nc := NewNonceCounter(0)
	nonce, err := nc.Next()
	require.NoError(t, err)

	ct := aead.Seal(nonce, []byte("authentic payload"))
	ct[0] ^= 0x01

	_, err = aead.Open(nonce, ct)
	require.Error(t, err)
}

func TestNonceCounterMonotonic(t *testing.T) {
	nc := NewNonceCounter(1)
	n1, err := nc.Next()
	require.NoError(t, err)
	n2, err := nc.Next()
	require.NoError(t, err)
	require.NotEqual(t, n1, n2)
	// direction tag occupies the high 4 bytes.
	require.Equal(t, byte(0), n1[0])
	require.Equal(t, byte(1), n1[3])
}

func TestNonceCounterOverflowBoundary(t *testing.T) {
	nc := &NonceCounter{dir: 0}
	nc.counter.Store(NonceMax - 1)

	_, err := nc.Next() // consumes NonceMax-1: must succeed
	require.NoError(t, err)

	_, err = nc.Next() // would consume NonceMax: must fail
	require.ErrorIs(t, err, ErrNonceOverflow)
}
