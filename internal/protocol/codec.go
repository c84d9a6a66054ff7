package protocol

import "fmt"

// Codec is a stateful byte-stream parser. It owns a single fixed buffer
// sized for exactly one maximum-size frame; callers append newly read bytes
// at Filled and call Feed to extract whole frames; any trailing partial
// frame is copied down to offset 0 in-place so the buffer never grows.
type Codec struct {
	buf    [MaxFrame]byte
	Filled int
}

// NewCodec returns a ready-to-use Codec.
func NewCodec() *Codec {
	return &Codec{}
}

// Buffer returns the writable tail of the scratch buffer, starting at
// Filled, for a caller's recv() to read into.
func (c *Codec) Buffer() []byte {
	return c.buf[c.Filled:]
}

// Advance records that n bytes were read into the slice returned by Buffer.
func (c *Codec) Advance(n int) {
	c.Filled += n
}

// Feed parses as many whole frames as are currently buffered, appending
// each to out, and compacts any trailing partial frame to the buffer head.
// It returns the extended slice. A malformed header (length > MaxPayload)
// returns ErrOverLength; the buffer state is left as-is, since the caller
// is expected to disconnect the peer rather than continue parsing.
func (c *Codec) Feed(out []Frame) ([]Frame, error) {
	offset := 0
	for {
		remaining := c.Filled - offset
		if remaining < HeaderLen {
			break
		}
		length, _ := PeekLength(c.buf[offset : offset+HeaderLen])
		if length > MaxPayload {
			return out, fmt.Errorf("codec: feed: %w", ErrOverLength)
		}
		frameLen := HeaderLen + int(length)
		if remaining < frameLen {
			break
		}
		var f Frame
		// UnmarshalBinary never fails here: the header was already
		// validated and the full frame is known to be present.
		if err := f.UnmarshalBinary(c.buf[offset : offset+frameLen]); err != nil {
			return out, err
		}
		payload := make([]byte, len(f.Payload))
		copy(payload, f.Payload)
		f.Payload = payload
		out = append(out, f)
		offset += frameLen
	}
	c.compact(offset)
	return out, nil
}

// compact moves the unparsed tail starting at consumed down to offset 0.
func (c *Codec) compact(consumed int) {
	if consumed == 0 {
		return
	}
	remaining := c.Filled - consumed
	if remaining > 0 {
		copy(c.buf[:remaining], c.buf[consumed:c.Filled])
	}
	c.Filled = remaining
}
