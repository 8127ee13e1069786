// Package wire implements the tunnel's frame codec and typed message
// encoding (the wire protocol between Agent and Proxy).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame size policy. HardCap is the absolute limit enforced on every
// frame; exceeding it is fatal to the tunnel. SoftCap is the recommended
// ceiling for payload-carrying frames (Data, UdpPacket) and is enforced
// by callers that chunk large writes, not by the codec itself.
const (
	HardCapBytes = 16 << 20 // 16 MiB
	SoftCapBytes = 64 << 10 // 64 KiB
)

// ErrFrameTooLarge is returned when a frame's declared length exceeds
// HardCapBytes. The tunnel must be closed on receipt of this error.
var ErrFrameTooLarge = errors.New("wire: frame exceeds hard cap")

// ErrTruncatedFrame is returned when EOF is hit mid-frame.
var ErrTruncatedFrame = errors.New("wire: truncated frame")

// ReadFrame reads one length-delimited frame: a uint32 big-endian length
// prefix followed by that many opaque bytes.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, ErrTruncatedFrame
		}
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > HardCapBytes {
		return nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return nil, ErrTruncatedFrame
		}
		return nil, err
	}
	return body, nil
}

// WriteFrame writes one length-delimited frame. It rejects payloads
// above HardCapBytes rather than emit a frame the peer would refuse.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > HardCapBytes {
		return fmt.Errorf("wire: refusing to emit %d byte frame: %w", len(body), ErrFrameTooLarge)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
