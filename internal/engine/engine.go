// Package engine implements the server's connection and packet dispatch
// core: the peer dispatch logic shared by both I/O engine variants
// (readiness-based epoll, and the optional completion-based io_uring
// engine), plus the readiness variant itself.
package engine

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"teavpn2/internal/config"
	"teavpn2/internal/credentials"
	"teavpn2/internal/crypto"
	"teavpn2/internal/logging"
	"teavpn2/internal/protocol"
	"teavpn2/internal/router"
	"teavpn2/internal/session"
)

// ErrTransient marks a recv/send/accept failure expected to clear on
// retry (EAGAIN and friends); the caller does not count it against the
// peer's error budget beyond the normal transient path.
var ErrTransient = errors.New("engine: transient transport error")

// ErrResourceExhausted marks a resource-exhaustion condition (free-slot
// stack empty, submission queue full): the new connection is dropped,
// existing peers are undisturbed.
var ErrResourceExhausted = errors.New("engine: resource exhausted")

// IOWorker is the common surface every I/O engine variant (readiness,
// completion, UDP) exposes to the caller's startup/shutdown wiring.
type IOWorker interface {
	Run() error
	Wake()
	Close()
}

// SupportedVersion is advertised in SRV_BANNER.
var SupportedVersion = protocol.Version{Major: 0, Minor: 0, Patch: 1}

// Engine holds everything shared across worker threads: the session pool,
// TUN router, credential collaborator, optional crypto filter, and the
// cooperative stop flag.
type Engine struct {
	Cfg    config.Configuration
	Pool   *session.Pool
	Router *router.Router
	Auth   credentials.Authenticator
	Filter crypto.Filter
	Logger logging.Logger
	Iface  protocol.IfaceConfig

	stop atomic.Bool

	// trAssign is the round-robin thread-assignment counter behind
	// NextThread.
	trAssign atomic.Uint32
}

// New builds an Engine. iface is the single interface assignment handed
// out in SRV_AUTH_OK.
func New(cfg config.Configuration, pool *session.Pool, rt *router.Router, auth credentials.Authenticator, filter crypto.Filter, logger logging.Logger, iface protocol.IfaceConfig) *Engine {
	return &Engine{Cfg: cfg, Pool: pool, Router: rt, Auth: auth, Filter: filter, Logger: logger, Iface: iface}
}

// Stop sets the cooperative shutdown flag. Safe to call from a signal
// handler; it performs no blocking or allocating work.
func (e *Engine) Stop() {
	e.stop.Store(true)
}

// Stopped reports whether Stop has been called.
func (e *Engine) Stopped() bool {
	return e.stop.Load()
}

// NextThread returns the next worker index in round-robin order via an
// atomic counter. No worker calls it: every worker (readiness and
// completion alike) accepts on the shared listen socket itself, so a new
// peer is owned by whichever worker's accept picks it up, and there is no
// retry across workers when one worker's submission queue is full.
func (e *Engine) NextThread(threadCount uint32) uint32 {
	return e.trAssign.Add(1) % threadCount
}

// AcceptPeer allocates a slot for a newly accepted connection and
// initializes it to StateNew. It returns ErrResourceExhausted if the free
// stack is empty.
func (e *Engine) AcceptPeer(conn net.Conn) (uint16, error) {
	idx, err := e.Pool.Acquire()
	if err != nil {
		if errors.Is(err, session.ErrPoolExhausted) {
			return 0, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
		}
		return 0, err
	}
	slot := e.Pool.Lookup(idx)
	slot.Conn = conn
	slot.State = protocol.StateNew
	slot.Codec = protocol.NewCodec()

	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	if host, port, ok := splitHostPort(conn.RemoteAddr()); ok {
		slot.SrcIP = host
		slot.SrcPort = port
	}
	return idx, nil
}

// DisconnectPeer transitions idx to DISCONNECTED and releases its slot
// back to the pool, closing its transport exactly once.
func (e *Engine) DisconnectPeer(idx uint16) error {
	return e.Pool.Release(idx)
}

// fault applies the error-budget policy for a non-fatal fault on idx:
// increment err_count, and disconnect once it reaches MaxErrCount.
func (e *Engine) fault(idx uint16) (disconnected bool, err error) {
	slot := e.Pool.Lookup(idx)
	slot.ErrCount++
	if slot.ErrCount >= protocol.MaxErrCount {
		if relErr := e.DisconnectPeer(idx); relErr != nil {
			return true, relErr
		}
		return true, nil
	}
	return false, nil
}

// DispatchFrame applies one parsed frame to the peer at idx, running the
// peer state machine transition, performing the transition's side effect
// (reply, iface lookup, TUN write), and applying the error budget on
// recoverable faults. disconnected reports whether idx's slot has already
// been released by the time DispatchFrame returns (protocol violation,
// rejected auth, CLI_CLOSE, or a fatal TUN write failure); callers must
// not touch idx's slot again in that case. err is non-nil only for faults
// the caller should log; it does not imply the slot is still live.
func (e *Engine) DispatchFrame(idx uint16, f protocol.Frame, send func(wire []byte) error) (disconnected bool, err error) {
	slot := e.Pool.Lookup(idx)

	to, ok := protocol.Transition(slot.State, f.Type)
	if !ok {
		_ = e.DisconnectPeer(idx)
		return true, fmt.Errorf("engine: peer %d: %w", idx, protocol.ErrProtocolViolation)
	}

	opened, openErr := e.Filter.Open(f.Payload)
	if openErr != nil {
		_ = e.DisconnectPeer(idx)
		return true, fmt.Errorf("engine: peer %d: open frame: %w", idx, openErr)
	}
	f.Payload = opened

	switch f.Type {
	case protocol.TypeHello:
		banner := protocol.Banner{Cur: SupportedVersion, Min: SupportedVersion, Max: SupportedVersion}
		payload, err := banner.MarshalBinary()
		if err != nil {
			return false, fmt.Errorf("engine: marshal banner: %w", err)
		}
		if err := e.sendFrame(send, protocol.TypeBanner, payload); err != nil {
			return false, err
		}
		slot.State = to

	case protocol.TypeAuth:
		var creds protocol.Credentials
		if err := creds.UnmarshalBinary(f.Payload); err != nil {
			_ = e.DisconnectPeer(idx)
			return true, fmt.Errorf("engine: peer %d: auth payload: %w", idx, protocol.ErrProtocolViolation)
		}
		iface, authErr := e.Auth.Authenticate(creds.Username, creds.Password)
		if authErr != nil {
			if err := e.sendFrame(send, protocol.TypeAuthReject, nil); err != nil {
				return false, err
			}
			relErr := e.DisconnectPeer(idx)
			return true, relErr
		}
		payload, err := iface.MarshalBinary()
		if err != nil {
			return false, fmt.Errorf("engine: marshal iface config: %w", err)
		}
		if err := e.sendFrame(send, protocol.TypeAuthOK, payload); err != nil {
			return false, err
		}
		slot.State = protocol.StateAuthenticated
		slot.Username = creds.Username

	case protocol.TypeData:
		if err := e.Router.WriteToTun(f.Payload); err != nil {
			_ = e.DisconnectPeer(idx)
			return true, fmt.Errorf("engine: peer %d: %w", idx, err)
		}
		slot.RecvCount++
		slot.State = to

	case protocol.TypeReqSync:
		slot.State = to

	case protocol.TypeClose:
		relErr := e.DisconnectPeer(idx)
		return true, relErr
	}
	return false, nil
}

func (e *Engine) sendFrame(send func([]byte) error, t protocol.FrameType, payload []byte) error {
	sealed, err := e.Filter.Seal(payload)
	if err != nil {
		return fmt.Errorf("engine: seal %s: %w", t, err)
	}
	f := protocol.Frame{Type: t, Payload: sealed}
	wire, err := f.MarshalBinary()
	if err != nil {
		return fmt.Errorf("engine: marshal %s: %w", t, err)
	}
	if err := send(wire); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil
}

// Fault is the exported entry point workers call on a non-fatal transport
// fault (a recv error other than EAGAIN). It applies the error-budget
// policy; when it reports disconnected, the slot has already been released.
func (e *Engine) Fault(idx uint16) (disconnected bool, err error) {
	return e.fault(idx)
}

func splitHostPort(addr net.Addr) (ip [4]byte, port uint16, ok bool) {
	tcpAddr, isTCP := addr.(*net.TCPAddr)
	if !isTCP {
		return ip, 0, false
	}
	v4 := tcpAddr.IP.To4()
	if v4 == nil {
		return ip, 0, false
	}
	copy(ip[:], v4)
	return ip, uint16(tcpAddr.Port), true
}
