package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	cases := []Message{
		AuthRequest{TimestampMs: 111, Username: "alice", WrappedKey: []byte{1, 2, 3}, Signature: []byte{4, 5}},
		AuthResponse{TimestampMs: 222, Status: AuthThrottled, Msg: "too many sessions"},
		ConnectTcp{TimestampMs: 333, HostKind: HostDomain, Host: []byte("example.test"), Port: 443},
		ConnectUdp{TimestampMs: 444, ClientBindPort: 5353},
		ConnectResponse{TimestampMs: 555, Status: ConnectOK, BndPort: 8080, BndKind: HostIPv4, BndHost: []byte{127, 0, 0, 1}},
		Data{TimestampMs: 666, Payload: []byte("hello world")},
		Data{TimestampMs: 667, Payload: nil},
		UdpPacket{TimestampMs: 777, HostKind: HostIPv6, Host: bytes.Repeat([]byte{0xab}, 16), Port: 53, Payload: []byte("ping")},
		HalfClose{TimestampMs: 888, Dir: DirProxyToAgent},
		Close{TimestampMs: 999, Reason: CloseError},
		Ping{TimestampMs: 1000, Cookie: 0xdeadbeef},
		Pong{TimestampMs: 1001, Cookie: 0xfeedface},
	}

	for _, orig := range cases {
		enc, err := Encode(orig)
		require.NoError(t, err)
		dec, err := Decode(enc)
		require.NoError(t, err)
		require.Equal(t, orig, dec)
	}
}

func TestDecodeRejectsShortMessage(t *testing.T) {
	_, err := Decode([]byte{0x20})
	require.Error(t, err)
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	buf := make([]byte, 9)
	buf[0] = 0xEE
	_, err := Decode(buf)
	require.Error(t, err)
}
