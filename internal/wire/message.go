package wire

import (
	"encoding/binary"
	"fmt"
)

// Tag identifies a wire message variant.
type Tag uint8

const (
	TagAuthRequest    Tag = 0x01
	TagAuthResponse   Tag = 0x02
	TagConnectTcp     Tag = 0x10
	TagConnectUdp     Tag = 0x11
	TagConnectResp    Tag = 0x12
	TagData           Tag = 0x20
	TagUdpPacket      Tag = 0x21
	TagHalfClose      Tag = 0x30
	TagClose          Tag = 0x31
	TagPing           Tag = 0x40
	TagPong           Tag = 0x41
)

// HostKind discriminates the address encoding used by ConnectTcp,
// ConnectResponse and UdpPacket.
type HostKind uint8

const (
	HostIPv4   HostKind = 0
	HostIPv6   HostKind = 1
	HostDomain HostKind = 2
)

// AuthStatus is the result carried by AuthResponse.
type AuthStatus uint8

const (
	AuthOK          AuthStatus = 0
	AuthUnknownUser AuthStatus = 1
	AuthBadKey      AuthStatus = 2
	AuthReplay      AuthStatus = 3
	AuthThrottled   AuthStatus = 4
)

func (s AuthStatus) String() string {
	switch s {
	case AuthOK:
		return "OK"
	case AuthUnknownUser:
		return "UnknownUser"
	case AuthBadKey:
		return "BadKey"
	case AuthReplay:
		return "Replay"
	case AuthThrottled:
		return "Throttled"
	default:
		return fmt.Sprintf("AuthStatus(%d)", uint8(s))
	}
}

// ConnectStatus is the result carried by ConnectResponse.
type ConnectStatus uint8

const (
	ConnectOK          ConnectStatus = 0
	ConnectRefused     ConnectStatus = 1
	ConnectUnreachable ConnectStatus = 2
	ConnectForbidden   ConnectStatus = 3
	ConnectTimeout     ConnectStatus = 4
)

func (s ConnectStatus) String() string {
	switch s {
	case ConnectOK:
		return "OK"
	case ConnectRefused:
		return "Refused"
	case ConnectUnreachable:
		return "Unreachable"
	case ConnectForbidden:
		return "Forbidden"
	case ConnectTimeout:
		return "Timeout"
	default:
		return fmt.Sprintf("ConnectStatus(%d)", uint8(s))
	}
}

// Direction tags a half-close or a nonce's travel direction.
type Direction uint8

const (
	DirAgentToProxy Direction = 0
	DirProxyToAgent Direction = 1
)

// CloseReason annotates a Close message.
type CloseReason uint8

const (
	CloseNormal CloseReason = 0
	CloseError  CloseReason = 1
)

// Message is any decoded wire message variant. TimestampMs is populated
// on encode/decode but is not interpreted by the codec itself — callers
// (auth, replay checks) apply policy to it.
type Message interface {
	Tag() Tag
}

type envelope struct {
	Tag         Tag
	TimestampMs uint64
}

func (e envelope) GetTag() Tag { return e.Tag }

type AuthRequest struct {
	TimestampMs    uint64
	Username       string
	WrappedKey     []byte
	Signature      []byte
}

func (AuthRequest) Tag() Tag { return TagAuthRequest }

type AuthResponse struct {
	TimestampMs uint64
	Status      AuthStatus
	Msg         string
}

func (AuthResponse) Tag() Tag { return TagAuthResponse }

type ConnectTcp struct {
	TimestampMs uint64
	HostKind    HostKind
	Host        []byte // raw IP bytes (4/16) or domain UTF-8 bytes
	Port        uint16
}

func (ConnectTcp) Tag() Tag { return TagConnectTcp }

type ConnectUdp struct {
	TimestampMs    uint64
	ClientBindPort uint16
}

func (ConnectUdp) Tag() Tag { return TagConnectUdp }

type ConnectResponse struct {
	TimestampMs uint64
	Status      ConnectStatus
	BndPort     uint16
	BndKind     HostKind
	BndHost     []byte
}

func (ConnectResponse) Tag() Tag { return TagConnectResp }

type Data struct {
	TimestampMs uint64
	Payload     []byte
}

func (Data) Tag() Tag { return TagData }

type UdpPacket struct {
	TimestampMs uint64
	HostKind    HostKind
	Host        []byte
	Port        uint16
	Payload     []byte
}

func (UdpPacket) Tag() Tag { return TagUdpPacket }

type HalfClose struct {
	TimestampMs uint64
	Dir         Direction
}

func (HalfClose) Tag() Tag { return TagHalfClose }

type Close struct {
	TimestampMs uint64
	Reason      CloseReason
}

func (Close) Tag() Tag { return TagClose }

type Ping struct {
	TimestampMs uint64
	Cookie      uint64
}

func (Ping) Tag() Tag { return TagPing }

type Pong struct {
	TimestampMs uint64
	Cookie      uint64
}

func (Pong) Tag() Tag { return TagPong }

// --- encoding helpers ---

func putUint16Bytes(buf []byte, b []byte) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(b)))
	buf = append(buf, l[:]...)
	return append(buf, b...)
}

func putString16(buf []byte, s string) []byte {
	return putUint16Bytes(buf, []byte(s))
}

func readUint16Bytes(b []byte) (val []byte, rest []byte, err error) {
	if len(b) < 2 {
		return nil, nil, fmt.Errorf("wire: short length prefix")
	}
	n := binary.BigEndian.Uint16(b)
	b = b[2:]
	if len(b) < int(n) {
		return nil, nil, fmt.Errorf("wire: short body: want %d have %d", n, len(b))
	}
	return b[:n], b[n:], nil
}

// Encode renders a Message as the plaintext `tag | timestamp_ms | body`
// that either travels bare (the two handshake frames) or becomes the
// plaintext of an AEAD-sealed frame (everything after).
func Encode(m Message) ([]byte, error) {
	buf := make([]byte, 0, 64)
	buf = append(buf, byte(m.Tag()))

	var ts uint64
	switch v := m.(type) {
	case AuthRequest:
		ts = v.TimestampMs
	case AuthResponse:
		ts = v.TimestampMs
	case ConnectTcp:
		ts = v.TimestampMs
	case ConnectUdp:
		ts = v.TimestampMs
	case ConnectResponse:
		ts = v.TimestampMs
	case Data:
		ts = v.TimestampMs
	case UdpPacket:
		ts = v.TimestampMs
	case HalfClose:
		ts = v.TimestampMs
	case Close:
		ts = v.TimestampMs
	case Ping:
		ts = v.TimestampMs
	case Pong:
		ts = v.TimestampMs
	default:
		return nil, fmt.Errorf("wire: unknown message type %T", m)
	}
	var tsb [8]byte
	binary.BigEndian.PutUint64(tsb[:], ts)
	buf = append(buf, tsb[:]...)

	switch v := m.(type) {
	case AuthRequest:
		buf = putString16(buf, v.Username)
		buf = putUint16Bytes(buf, v.WrappedKey)
		buf = putUint16Bytes(buf, v.Signature)
	case AuthResponse:
		buf = append(buf, byte(v.Status))
		buf = putString16(buf, v.Msg)
	case ConnectTcp:
		buf = append(buf, byte(v.HostKind))
		buf = putUint16Bytes(buf, v.Host)
		var p [2]byte
		binary.BigEndian.PutUint16(p[:], v.Port)
		buf = append(buf, p[:]...)
	case ConnectUdp:
		var p [2]byte
		binary.BigEndian.PutUint16(p[:], v.ClientBindPort)
		buf = append(buf, p[:]...)
	case ConnectResponse:
		buf = append(buf, byte(v.Status))
		var p [2]byte
		binary.BigEndian.PutUint16(p[:], v.BndPort)
		buf = append(buf, p[:]...)
		buf = append(buf, byte(v.BndKind))
		buf = putUint16Bytes(buf, v.BndHost)
	case Data:
		buf = append(buf, v.Payload...)
	case UdpPacket:
		buf = append(buf, byte(v.HostKind))
		buf = putUint16Bytes(buf, v.Host)
		var p [2]byte
		binary.BigEndian.PutUint16(p[:], v.Port)
		buf = append(buf, p[:]...)
		var dl [2]byte
		binary.BigEndian.PutUint16(dl[:], uint16(len(v.Payload)))
		buf = append(buf, dl[:]...)
		buf = append(buf, v.Payload...)
	case HalfClose:
		buf = append(buf, byte(v.Dir))
	case Close:
		buf = append(buf, byte(v.Reason))
	case Ping:
		var c [8]byte
		binary.BigEndian.PutUint64(c[:], v.Cookie)
		buf = append(buf, c[:]...)
	case Pong:
		var c [8]byte
		binary.BigEndian.PutUint64(c[:], v.Cookie)
		buf = append(buf, c[:]...)
	}
	return buf, nil
}

// Decode parses a plaintext message body (as produced by Encode, or as
// recovered after AEAD opening) back into a typed Message.
func Decode(b []byte) (Message, error) {
	if len(b) < 9 {
		return nil, fmt.Errorf("wire: message too short (%d bytes)", len(b))
	}
	tag := Tag(b[0])
	ts := binary.BigEndian.Uint64(b[1:9])
	body := b[9:]

	switch tag {
	case TagAuthRequest:
		user, rest, err := readUint16Bytes(body)
		if err != nil {
			return nil, err
		}
		wrapped, rest, err := readUint16Bytes(rest)
		if err != nil {
			return nil, err
		}
		sig, _, err := readUint16Bytes(rest)
		if err != nil {
			return nil, err
		}
		return AuthRequest{TimestampMs: ts, Username: string(user), WrappedKey: append([]byte(nil), wrapped...), Signature: append([]byte(nil), sig...)}, nil

	case TagAuthResponse:
		if len(body) < 1 {
			return nil, fmt.Errorf("wire: short AuthResponse")
		}
		status := AuthStatus(body[0])
		msg, _, err := readUint16Bytes(body[1:])
		if err != nil {
			return nil, err
		}
		return AuthResponse{TimestampMs: ts, Status: status, Msg: string(msg)}, nil

	case TagConnectTcp:
		if len(body) < 1 {
			return nil, fmt.Errorf("wire: short ConnectTcp")
		}
		kind := HostKind(body[0])
		host, rest, err := readUint16Bytes(body[1:])
		if err != nil {
			return nil, err
		}
		if len(rest) < 2 {
			return nil, fmt.Errorf("wire: ConnectTcp missing port")
		}
		port := binary.BigEndian.Uint16(rest)
		return ConnectTcp{TimestampMs: ts, HostKind: kind, Host: append([]byte(nil), host...), Port: port}, nil

	case TagConnectUdp:
		if len(body) < 2 {
			return nil, fmt.Errorf("wire: short ConnectUdp")
		}
		return ConnectUdp{TimestampMs: ts, ClientBindPort: binary.BigEndian.Uint16(body)}, nil

	case TagConnectResp:
		if len(body) < 4 {
			return nil, fmt.Errorf("wire: short ConnectResponse")
		}
		status := ConnectStatus(body[0])
		port := binary.BigEndian.Uint16(body[1:3])
		kind := HostKind(body[3])
		host, _, err := readUint16Bytes(body[4:])
		if err != nil {
			return nil, err
		}
		return ConnectResponse{TimestampMs: ts, Status: status, BndPort: port, BndKind: kind, BndHost: append([]byte(nil), host...)}, nil

	case TagData:
		return Data{TimestampMs: ts, Payload: append([]byte(nil), body...)}, nil

	case TagUdpPacket:
		if len(body) < 1 {
			return nil, fmt.Errorf("wire: short UdpPacket")
		}
		kind := HostKind(body[0])
		host, rest, err := readUint16Bytes(body[1:])
		if err != nil {
			return nil, err
		}
		if len(rest) < 4 {
			return nil, fmt.Errorf("wire: UdpPacket missing port/len")
		}
		port := binary.BigEndian.Uint16(rest[0:2])
		dl := binary.BigEndian.Uint16(rest[2:4])
		rest = rest[4:]
		if len(rest) < int(dl) {
			return nil, fmt.Errorf("wire: UdpPacket short payload")
		}
		return UdpPacket{TimestampMs: ts, HostKind: kind, Host: append([]byte(nil), host...), Port: port, Payload: append([]byte(nil), rest[:dl]...)}, nil

	case TagHalfClose:
		if len(body) < 1 {
			return nil, fmt.Errorf("wire: short HalfClose")
		}
		return HalfClose{TimestampMs: ts, Dir: Direction(body[0])}, nil

	case TagClose:
		if len(body) < 1 {
			return nil, fmt.Errorf("wire: short Close")
		}
		return Close{TimestampMs: ts, Reason: CloseReason(body[0])}, nil

	case TagPing:
		if len(body) < 8 {
			return nil, fmt.Errorf("wire: short Ping")
		}
		return Ping{TimestampMs: ts, Cookie: binary.BigEndian.Uint64(body)}, nil

	case TagPong:
		if len(body) < 8 {
			return nil, fmt.Errorf("wire: short Pong")
		}
		return Pong{TimestampMs: ts, Cookie: binary.BigEndian.Uint64(body)}, nil

	default:
		return nil, fmt.Errorf("wire: unknown tag 0x%02x", byte(tag))
	}
}
