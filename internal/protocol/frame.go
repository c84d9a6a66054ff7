package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrOverLength is returned when a header declares a payload longer
	// than MaxPayload.
	ErrOverLength = errors.New("protocol: frame length exceeds maximum")
	// ErrTruncated is returned by UnmarshalBinary when fewer bytes than the
	// header declares are present.
	ErrTruncated = errors.New("protocol: truncated frame")
)

// Frame is one on-wire unit: a 4-byte header plus payload. After
// UnmarshalBinary, Payload aliases the buffer it was parsed from; frames
// returned by Codec.Feed carry their own copy of the payload.
type Frame struct {
	Type    FrameType
	Pad     uint8
	Length  uint16
	Payload []byte
}

// MarshalBinary encodes f into a freshly allocated buffer.
func (f *Frame) MarshalBinary() ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, fmt.Errorf("protocol: marshal: %w", ErrOverLength)
	}
	buf := make([]byte, HeaderLen+len(f.Payload))
	f.marshalInto(buf)
	return buf, nil
}

// marshalInto writes the header and payload of f into buf, which must be at
// least HeaderLen+len(f.Payload) bytes. It does not allocate.
func (f *Frame) marshalInto(buf []byte) {
	buf[0] = byte(f.Type)
	buf[1] = f.Pad
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(f.Payload)))
	copy(buf[HeaderLen:], f.Payload)
}

// UnmarshalBinary parses a single frame from the head of buf. buf must
// contain at least HeaderLen+length bytes; use PeekLength to check first.
func (f *Frame) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderLen {
		return fmt.Errorf("protocol: unmarshal: %w", ErrTruncated)
	}
	length := binary.BigEndian.Uint16(buf[2:4])
	if length > MaxPayload {
		return fmt.Errorf("protocol: unmarshal: %w", ErrOverLength)
	}
	if len(buf) < HeaderLen+int(length) {
		return fmt.Errorf("protocol: unmarshal: %w", ErrTruncated)
	}
	f.Type = FrameType(buf[0])
	f.Pad = buf[1]
	f.Length = length
	f.Payload = buf[HeaderLen : HeaderLen+int(length)]
	return nil
}

// PeekLength reports the declared payload length of the frame header at the
// start of buf. ok is false if buf is shorter than HeaderLen.
func PeekLength(buf []byte) (length uint16, ok bool) {
	if len(buf) < HeaderLen {
		return 0, false
	}
	return binary.BigEndian.Uint16(buf[2:4]), true
}
