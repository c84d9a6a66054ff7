// Package router bridges the TUN device and the session pool: TUN reads
// fan out to every AUTHENTICATED peer, and peer DATA frames write
// straight through to TUN.
package router

import (
	"fmt"
	"io"

	"teavpn2/internal/crypto"
	"teavpn2/internal/logging"
	"teavpn2/internal/protocol"
	"teavpn2/internal/session"
)

// Pool is the subset of *session.Pool the router needs: enumeration over
// slot storage. Defined here so router can be tested against a small
// fake instead of a real pool.
type Pool interface {
	Len() int
	Lookup(idx uint16) *session.Slot
}

// Router fans TUN reads out to authenticated peers and writes peer DATA
// frames through to TUN.
type Router struct {
	tun    io.Writer
	pool   Pool
	logger logging.Logger
	filter crypto.Filter
}

// New builds a Router writing TUN packets to tun and fanning out across
// pool's slots. filter seals every broadcast frame's payload the same way
// the engine seals unicast replies; pass crypto.NewNoop() when
// --disable-encryption is set.
func New(tun io.Writer, pool Pool, logger logging.Logger, filter crypto.Filter) *Router {
	return &Router{tun: tun, pool: pool, logger: logger, filter: filter}
}

// PeerSender is how the router hands a frame to one peer's transport; the
// engine supplies this per-slot since only the owning worker may write to
// a peer's connection.
type PeerSender func(idx uint16, frame []byte) error

// BroadcastFromTun constructs one SRV_DATA frame from a TUN read of
// payload and sends it to every peer whose state is AUTHENTICATED. The
// fan-out is broadcast, not routed by destination address (see non-goals:
// routing by assigned IP is an open question the source never resolved).
func (r *Router) BroadcastFromTun(payload []byte, send PeerSender) error {
	sealed, err := r.filter.Seal(payload)
	if err != nil {
		return fmt.Errorf("router: seal: %w", err)
	}
	f := protocol.Frame{Type: protocol.TypeServerData, Payload: sealed}
	wire, err := f.MarshalBinary()
	if err != nil {
		return fmt.Errorf("router: broadcast: %w", err)
	}

	for idx := uint16(0); int(idx) < r.pool.Len(); idx++ {
		slot := r.pool.Lookup(idx)
		if !slot.InUse || slot.State != protocol.StateAuthenticated {
			continue
		}
		if err := send(idx, wire); err != nil {
			r.logger.Warnf("router: send to peer %d failed: %v", idx, err)
			continue
		}
		slot.SendCount++
		r.logger.Debugf("router: sent frame %d (%d bytes) to peer %d", slot.SendCount, len(wire), idx)
	}
	return nil
}

// WriteToTun writes a peer's DATA payload straight to the TUN device.
// Partial writes are treated as fatal TUN errors: TUN writes are expected
// to be atomic per packet.
func (r *Router) WriteToTun(payload []byte) error {
	n, err := r.tun.Write(payload)
	if err != nil {
		return fmt.Errorf("router: write to tun: %w", err)
	}
	if n != len(payload) {
		return fmt.Errorf("router: partial write to tun: wrote %d of %d bytes", n, len(payload))
	}
	return nil
}
