package cryptutil

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
)

// NonceMax bounds the counter values a direction may allocate (spec.md
// §3: "a tunnel exceeding 2^63 encrypted frames is closed"). NonceMax-1
// is the last valid counter; allocating NonceMax itself is refused.
const NonceMax = uint64(1) << 63

// ErrNonceOverflow is returned once a direction has exhausted its 2^63
// frame budget. The tunnel must be closed on receipt of this error.
var ErrNonceOverflow = errors.New("cryptutil: nonce counter overflow")

// NonceCounter allocates the 12-byte AEAD nonces for one direction of one
// tunnel: a 4-byte direction tag followed by an 8-byte big-endian,
// strictly increasing counter. One NonceCounter must never be shared
// across tunnels or reused after a tunnel closes (spec.md §3).
type NonceCounter struct {
	dir     uint32
	counter atomic.Uint64
}

// NewNonceCounter starts a counter at zero for the given direction tag
// (0 = Agent→Proxy, 1 = Proxy→Agent).
func NewNonceCounter(dir uint32) *NonceCounter {
	return &NonceCounter{dir: dir}
}

// Next allocates the next nonce. Safe for concurrent use; callers still
// serialize frame emission under a direction-local lock (spec.md §5) so
// that allocation order matches write order.
func (n *NonceCounter) Next() ([12]byte, error) {
	var nonce [12]byte
	v := n.counter.Add(1) - 1
	if v >= NonceMax {
		return nonce, ErrNonceOverflow
	}
	binary.BigEndian.PutUint32(nonce[0:4], n.dir)
	binary.BigEndian.PutUint64(nonce[4:12], v)
	return nonce, nil
}

// Peek returns the counter value that the next call to Next will try to
// allocate, without consuming it.
func (n *NonceCounter) Peek() uint64 {
	return n.counter.Load()
}

// AEAD wraps an AES-256-GCM cipher bound to one session key.
type AEAD struct {
	gcm cipher.AEAD
}

// NewAEAD constructs an AES-256-GCM AEAD from a 32-byte session key.
func NewAEAD(key []byte) (*AEAD, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("cryptutil: session key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AEAD{gcm: gcm}, nil
}

// Seal encrypts plaintext under the given explicit nonce, returning
// ciphertext||tag. No nonce is embedded in the output: both peers derive
// it independently from their direction counters (spec.md §4.2).
func (a *AEAD) Seal(nonce [12]byte, plaintext []byte) []byte {
	return a.gcm.Seal(nil, nonce[:], plaintext, nil)
}

// Open decrypts ciphertext||tag sealed by Seal with a matching nonce and
// key. Any bit-flip in the input causes this to fail (spec.md R3).
func (a *AEAD) Open(nonce [12]byte, ciphertext []byte) ([]byte, error) {
	pt, err := a.gcm.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: AEAD open failed: %w", err)
	}
	return pt, nil
}
