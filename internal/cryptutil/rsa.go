// Package cryptutil implements the crypto primitives the tunnel relies
// on: RSA-2048 key wrap/unwrap and signing for the handshake, and
// AES-256-GCM seal/open for the session channel.
package cryptutil

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// WrapSessionKey encrypts a session key under the recipient's RSA public
// key using OAEP (SHA-256), the modern replacement for PKCS#1 v1.5
// encryption the spec names as an acceptable alternative.
func WrapSessionKey(pub *rsa.PublicKey, sessionKey []byte) ([]byte, error) {
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
}

// UnwrapSessionKey reverses WrapSessionKey.
func UnwrapSessionKey(priv *rsa.PrivateKey, wrapped []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
}

// SignAuthPayload signs username || wrappedKey || timestamp_ms (big
// endian) with the user's private key, per spec.md §4.3 step 1: the
// AuthRequest is authenticated by signature, never by RSA-encryption of
// the username as a signature substitute.
func SignAuthPayload(priv *rsa.PrivateKey, payload []byte) ([]byte, error) {
	h := sha256.Sum256(payload)
	return rsa.SignPSS(rand.Reader, priv, crypto.SHA256, h[:], nil)
}

// VerifyAuthPayload verifies a signature produced by SignAuthPayload.
func VerifyAuthPayload(pub *rsa.PublicKey, payload, sig []byte) error {
	h := sha256.Sum256(payload)
	return rsa.VerifyPSS(pub, crypto.SHA256, h[:], sig, nil)
}

// ParsePublicKeySPKI decodes a PEM-encoded SPKI/PKIX RSA public key, the
// format the UserStore persists (spec.md §6).
func ParsePublicKeySPKI(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("cryptutil: no PEM block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("cryptutil: public key is not RSA")
	}
	return rsaPub, nil
}

// EncodePublicKeySPKI is the inverse of ParsePublicKeySPKI, used by the
// reference UserStore loader/writer and by tests.
func EncodePublicKeySPKI(pub *rsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePrivateKeyPKCS8 decodes a PEM-encoded PKCS#8 RSA private key, the
// format referenced by Agent config's private_key_path.
func ParsePrivateKeyPKCS8(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("cryptutil: no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("cryptutil: private key is not RSA")
	}
	return rsaKey, nil
}

// EncodePrivateKeyPKCS8 is the inverse of ParsePrivateKeyPKCS8.
func EncodePrivateKeyPKCS8(priv *rsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
