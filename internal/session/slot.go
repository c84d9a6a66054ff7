// Package session implements the bounded pool of pre-allocated peer
// session slots and their free-index stack.
package session

import (
	"net"

	"teavpn2/internal/protocol"
)

// Slot is one pre-allocated per-peer session record. Slots are created
// once at pool construction and never reallocated; Idx is stable for the
// lifetime of the process.
type Slot struct {
	InUse bool
	State protocol.PeerState

	Conn net.Conn

	SrcIP   [4]byte
	SrcPort uint16
	Username string

	// Idx is this slot's own position in the pool's slot array.
	Idx uint16

	ErrCount   uint8
	SendCount  uint32
	RecvCount  uint32

	Codec *protocol.Codec
}

// reset restores a slot to its post-release zero state. idx is preserved
// by the caller; reset only clears session-scoped fields.
func (s *Slot) reset() {
	s.InUse = false
	s.State = protocol.StateDisconnected
	s.Conn = nil
	s.SrcIP = [4]byte{}
	s.SrcPort = 0
	s.Username = ""
	s.ErrCount = 0
	s.SendCount = 0
	s.RecvCount = 0
	s.Codec = nil
}
