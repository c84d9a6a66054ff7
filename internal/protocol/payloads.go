package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Version is a major.minor.patch triplet as carried in BANNER frames.
type Version struct {
	Major, Minor, Patch uint8
}

// Banner is the SRV_BANNER payload: the server's supported protocol
// version range, as three version triplets (current, min, max).
type Banner struct {
	Cur, Min, Max Version
}

func (b Banner) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 9)
	buf[0], buf[1], buf[2] = b.Cur.Major, b.Cur.Minor, b.Cur.Patch
	buf[3], buf[4], buf[5] = b.Min.Major, b.Min.Minor, b.Min.Patch
	buf[6], buf[7], buf[8] = b.Max.Major, b.Max.Minor, b.Max.Patch
	return buf, nil
}

func (b *Banner) UnmarshalBinary(buf []byte) error {
	if len(buf) != 9 {
		return fmt.Errorf("protocol: banner: %w", ErrTruncated)
	}
	b.Cur = Version{buf[0], buf[1], buf[2]}
	b.Min = Version{buf[3], buf[4], buf[5]}
	b.Max = Version{buf[6], buf[7], buf[8]}
	return nil
}

// Credentials is the CLI_AUTH payload: two 255-byte NUL-padded ASCII
// fields.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) MarshalBinary() ([]byte, error) {
	buf := make([]byte, usernameLen+passwordLen)
	if err := putPadded(buf[:usernameLen], c.Username); err != nil {
		return nil, fmt.Errorf("protocol: credentials: username: %w", err)
	}
	if err := putPadded(buf[usernameLen:], c.Password); err != nil {
		return nil, fmt.Errorf("protocol: credentials: password: %w", err)
	}
	return buf, nil
}

func (c *Credentials) UnmarshalBinary(buf []byte) error {
	if len(buf) != usernameLen+passwordLen {
		return fmt.Errorf("protocol: credentials: %w", ErrTruncated)
	}
	c.Username = getPadded(buf[:usernameLen])
	c.Password = getPadded(buf[usernameLen:])
	return nil
}

// IfaceConfig is the interface assignment carried in the SRV_AUTH_OK
// payload: device name, IPv4 address, IPv4 netmask, MTU. These describe the
// peer's assigned tunnel address, sourced from the credential-lookup
// collaborator rather than the server's own listening interface.
type IfaceConfig struct {
	Dev     string
	IPv4    string
	Netmask string
	MTU     uint16
}

func (i IfaceConfig) MarshalBinary() ([]byte, error) {
	buf := make([]byte, devNameLen+4+4+2)
	if err := putPadded(buf[:devNameLen], i.Dev); err != nil {
		return nil, fmt.Errorf("protocol: iface config: dev: %w", err)
	}
	ip, err := parseIPv4(i.IPv4)
	if err != nil {
		return nil, fmt.Errorf("protocol: iface config: ipv4: %w", err)
	}
	copy(buf[devNameLen:devNameLen+4], ip[:])
	mask, err := parseIPv4(i.Netmask)
	if err != nil {
		return nil, fmt.Errorf("protocol: iface config: netmask: %w", err)
	}
	copy(buf[devNameLen+4:devNameLen+8], mask[:])
	binary.BigEndian.PutUint16(buf[devNameLen+8:], i.MTU)
	return buf, nil
}

func (i *IfaceConfig) UnmarshalBinary(buf []byte) error {
	const want = devNameLen + 4 + 4 + 2
	if len(buf) != want {
		return fmt.Errorf("protocol: iface config: %w", ErrTruncated)
	}
	i.Dev = getPadded(buf[:devNameLen])
	i.IPv4 = formatIPv4(buf[devNameLen : devNameLen+4])
	i.Netmask = formatIPv4(buf[devNameLen+4 : devNameLen+8])
	i.MTU = binary.BigEndian.Uint16(buf[devNameLen+8:])
	return nil
}

func putPadded(dst []byte, s string) error {
	if len(s) >= len(dst) {
		return fmt.Errorf("value %q exceeds %d-byte field", s, len(dst)-1)
	}
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, s)
	return nil
}

func getPadded(src []byte) string {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		src = src[:i]
	}
	return string(src)
}

func parseIPv4(s string) ([4]byte, error) {
	var out [4]byte
	var a, b, c, d int
	n, err := fmt.Sscanf(s, "%d.%d.%d.%d", &a, &b, &c, &d)
	if err != nil || n != 4 {
		return out, fmt.Errorf("invalid ipv4 %q", s)
	}
	for _, v := range []int{a, b, c, d} {
		if v < 0 || v > 255 {
			return out, fmt.Errorf("invalid ipv4 %q", s)
		}
	}
	out[0], out[1], out[2], out[3] = byte(a), byte(b), byte(c), byte(d)
	return out, nil
}

func formatIPv4(b []byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", b[0], b[1], b[2], b[3])
}
