package wasproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// HeaderSize is the size in bytes of a packet's fixed framing header:
// a 16-bit kind, a 16-bit reserved field (always zero on the wire),
// and a 32-bit payload length (spec §4.1).
const HeaderSize = 8

// DefaultMaxPayloadSize is the payload length beyond which Decode
// rejects a frame as malformed, per spec §4.1's recommendation.
const DefaultMaxPayloadSize = 64 * 1024

// ErrPayloadTooLarge is returned by Decode when a frame's declared
// payload length exceeds the configured maximum.
var ErrPayloadTooLarge = errors.New("wasproto: payload exceeds maximum frame size")

// ErrMalformed is returned by the Packet accessors and Float32 when a payload's
// shape doesn't match what its Kind requires (e.g. a METHOD packet
// whose payload isn't exactly one byte).
var ErrMalformed = errors.New("wasproto: malformed packet payload")

// Packet is one framed message on the control channel.
//
// Payload holds the raw bytes following the 8-byte header; callers
// use the Kind-specific accessors (Pair, Method, Status, Length, and
// Float32 for a METRIC value) to interpret it, mirroring the payload
// shapes fixed by spec §4.1.
type Packet struct {
	Kind    Kind
	Payload []byte
}

// Encode appends the wire representation of p to dst and returns the
// extended slice.
func Encode(dst []byte, p Packet) []byte {
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(p.Kind))
	binary.LittleEndian.PutUint16(hdr[2:4], 0)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(p.Payload)))
	dst = append(dst, hdr[:]...)
	dst = append(dst, p.Payload...)
	return dst
}

// Decode attempts to parse one whole packet from the front of buf.
//
// It returns the packet and the number of bytes consumed; the count is
// 0 (with a nil error) when no complete frame is buffered yet. If the
// buffered bytes so far decode a
// header whose declared length exceeds maxPayload, it returns
// ErrPayloadTooLarge immediately instead of waiting for more bytes
// that will never form a legal frame.
func Decode(buf []byte, maxPayload int) (Packet, int, error) {
	if len(buf) < HeaderSize {
		return Packet{}, 0, nil
	}
	kind := Kind(binary.LittleEndian.Uint16(buf[0:2]))
	length := binary.LittleEndian.Uint32(buf[4:8])
	if maxPayload > 0 && length > uint32(maxPayload) {
		return Packet{}, 0, ErrPayloadTooLarge
	}
	total := HeaderSize + int(length)
	if len(buf) < total {
		return Packet{}, 0, nil
	}
	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:total])
	return Packet{Kind: kind, Payload: payload}, total, nil
}

// Pair interprets the payload as a (name, value) pair: a 4-byte
// little-endian name length followed by the name bytes, with the
// remainder taken as the value (spec §4.1).
func (p Packet) Pair() (name, value []byte, err error) {
	if len(p.Payload) < 4 {
		return nil, nil, fmt.Errorf("%w: pair payload shorter than name-length field", ErrMalformed)
	}
	nameLen := binary.LittleEndian.Uint32(p.Payload[0:4])
	rest := p.Payload[4:]
	if uint32(len(rest)) < nameLen {
		return nil, nil, fmt.Errorf("%w: pair name length exceeds payload", ErrMalformed)
	}
	return rest[:nameLen], rest[nameLen:], nil
}

// EncodePair builds the pair-shaped payload used by HEADER, PARAMETER
// and response METRIC packets.
func EncodePair(name, value []byte) []byte {
	buf := make([]byte, 4+len(name)+len(value))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(name)))
	copy(buf[4:], name)
	copy(buf[4+len(name):], value)
	return buf
}

// Method interprets the payload as a single HTTP method byte.
func (p Packet) Method() (Method, error) {
	if len(p.Payload) != 1 {
		return 0, fmt.Errorf("%w: METHOD payload must be 1 byte, got %d", ErrMalformed, len(p.Payload))
	}
	return Method(p.Payload[0]), nil
}

// EncodeMethod builds a METHOD packet payload.
func EncodeMethod(m Method) []byte {
	return []byte{byte(m)}
}

// Status interprets the payload as a 16-bit little-endian HTTP status
// code.
func (p Packet) Status() (uint16, error) {
	if len(p.Payload) != 2 {
		return 0, fmt.Errorf("%w: STATUS payload must be 2 bytes, got %d", ErrMalformed, len(p.Payload))
	}
	return binary.LittleEndian.Uint16(p.Payload), nil
}

// EncodeStatus builds a STATUS packet payload.
func EncodeStatus(code uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, code)
	return buf
}

// Length interprets the payload as a 64-bit little-endian length.
func (p Packet) Length() (uint64, error) {
	if len(p.Payload) != 8 {
		return 0, fmt.Errorf("%w: LENGTH payload must be 8 bytes, got %d", ErrMalformed, len(p.Payload))
	}
	return binary.LittleEndian.Uint64(p.Payload), nil
}

// EncodeLength builds a LENGTH packet payload.
func EncodeLength(n uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, n)
	return buf
}

// Float32 decodes a 4-byte IEEE-754 little-endian float, as used by
// the value half of a response METRIC pair.
func Float32(b []byte) (float32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("%w: metric value must be 4 bytes, got %d", ErrMalformed, len(b))
	}
	bits := binary.LittleEndian.Uint32(b)
	return math.Float32frombits(bits), nil
}

// EncodeFloat32 encodes f as a 4-byte IEEE-754 little-endian value.
func EncodeFloat32(f float32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(f))
	return buf
}

// String interprets the payload as a raw, unterminated byte string
// (used by URI, SCRIPT_NAME, PATH_INFO, QUERY_STRING, REMOTE_HOST).
func (p Packet) String() string {
	return string(p.Payload)
}
