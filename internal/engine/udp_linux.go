//go:build linux

package engine

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"teavpn2/internal/protocol"
	"teavpn2/internal/sessiontable"
)

// UDPWorker is the UDP-mode counterpart to Worker: one datagram socket
// multiplexed with the shared TUN fd and a self-pipe, peer identity
// resolved per-datagram via the session table instead of a dedicated fd
// per peer.
type UDPWorker struct {
	idx       int
	eng       *Engine
	epfd      int
	sockFd    int
	tunFd     int
	selfPipeR int
	selfPipeW int
	table     *sessiontable.Table
	scratch   scratchBuf
}

// NewUDPWorker wires a UDP listener socket, the shared TUN fd, and a
// session table into one epoll-driven worker.
func NewUDPWorker(idx int, eng *Engine, sockFd, tunFd int, table *sessiontable.Table) (*UDPWorker, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("engine: udp worker %d: epoll_create1: %w", idx, err)
	}
	w := &UDPWorker{idx: idx, eng: eng, epfd: epfd, sockFd: sockFd, tunFd: tunFd, table: table}

	pr, pw, err := selfPipe()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("engine: udp worker %d: self-pipe: %w", idx, err)
	}
	w.selfPipeR, w.selfPipeW = pr, pw

	for _, fd := range []int{sockFd, tunFd, pr} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			w.Close()
			return nil, fmt.Errorf("engine: udp worker %d: register fd %d: %w", idx, fd, err)
		}
	}
	return w, nil
}

// Wake writes one byte to the self-pipe, waking epoll_wait for a prompt
// stop-flag check.
func (w *UDPWorker) Wake() {
	var b [1]byte
	_, _ = unix.Write(w.selfPipeW, b[:])
}

// Close releases this worker's own fds; sockFd and tunFd are shared and
// owned by the caller.
func (w *UDPWorker) Close() {
	_ = unix.Close(w.selfPipeR)
	_ = unix.Close(w.selfPipeW)
	_ = unix.Close(w.epfd)
}

// Run drains the socket and TUN fd in priority order on every wakeup
// until the engine's stop flag is set.
func (w *UDPWorker) Run() error {
	var events [32]unix.EpollEvent
	for !w.eng.Stopped() {
		n, err := unix.EpollWait(w.epfd, events[:], readinessTimeoutMillis)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("engine: udp worker %d: epoll_wait: %w", w.idx, err)
		}
		var sawSock, sawTun bool
		for i := 0; i < n; i++ {
			switch int(events[i].Fd) {
			case w.sockFd:
				sawSock = true
			case w.tunFd:
				sawTun = true
			case w.selfPipeR:
				w.drainSelfPipe()
			}
		}
		if sawSock {
			w.handleDatagram()
		}
		if sawTun {
			w.handleTunReadable()
		}
	}
	return nil
}

func (w *UDPWorker) drainSelfPipe() {
	var buf [64]byte
	for {
		if _, err := unix.Read(w.selfPipeR, buf[:]); err != nil {
			return
		}
	}
}

// handleDatagram reads one or more pending datagrams, resolving each to
// a session slot by source address, lazily acquiring one for addresses
// not yet seen.
func (w *UDPWorker) handleDatagram() {
	buf := w.scratch.aligned()
	for {
		n, from, err := unix.Recvfrom(w.sockFd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			w.eng.Logger.Warnf("engine: udp worker %d: recvfrom: %v", w.idx, err)
			return
		}
		sa4, ok := from.(*unix.SockaddrInet4)
		if !ok {
			continue
		}
		idx, isNew, err := w.resolveSlot(sa4)
		if err != nil {
			w.eng.Logger.Warnf("engine: udp worker %d: resolve slot: %v", w.idx, err)
			continue
		}
		slot := w.eng.Pool.Lookup(idx)
		if isNew {
			slot.Codec = protocol.NewCodec()
			slot.State = protocol.StateNew
			slot.SrcIP = sa4.Addr
			slot.SrcPort = uint16(sa4.Port)
		}
		copy(slot.Codec.Buffer(), buf[:n])
		slot.Codec.Advance(n)

		frames, feedErr := slot.Codec.Feed(nil)
		released := false
		for _, f := range frames {
			disconnected, dispatchErr := w.eng.DispatchFrame(idx, f, func(wire []byte) error {
				return unix.Sendto(w.sockFd, wire, 0, sa4)
			})
			if dispatchErr != nil {
				w.eng.Logger.Warnf("engine: udp worker %d: peer %d: %v", w.idx, idx, dispatchErr)
			}
			if disconnected {
				w.table.Remove(sa4.Addr, uint16(sa4.Port), idx, false)
				released = true
				break
			}
		}
		if feedErr != nil && !released {
			w.table.Remove(sa4.Addr, uint16(sa4.Port), idx, false)
			_ = w.eng.DisconnectPeer(idx)
		}
	}
}

func (w *UDPWorker) resolveSlot(sa4 *unix.SockaddrInet4) (idx uint16, isNew bool, err error) {
	if idx, ok := w.table.Find(sa4.Addr, uint16(sa4.Port)); ok {
		return idx, false, nil
	}
	idx, err = w.eng.Pool.Acquire()
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrResourceExhausted, err)
	}
	if err := w.table.Insert(sa4.Addr, uint16(sa4.Port), idx); err != nil {
		_ = w.eng.Pool.Release(idx)
		return 0, false, err
	}
	return idx, true, nil
}

func (w *UDPWorker) handleTunReadable() {
	buf := w.scratch.aligned()
	for {
		n, err := unix.Read(w.tunFd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			w.eng.Logger.Errorf("engine: udp worker %d: tun read: %v", w.idx, err)
			return
		}
		if n == 0 {
			return
		}
		payload := append([]byte(nil), buf[:n]...)
		if err := w.eng.Router.BroadcastFromTun(payload, w.sendToPeer); err != nil {
			w.eng.Logger.Warnf("engine: udp worker %d: broadcast: %v", w.idx, err)
		}
	}
}

func (w *UDPWorker) sendToPeer(idx uint16, frame []byte) error {
	slot := w.eng.Pool.Lookup(idx)
	dst := &unix.SockaddrInet4{Addr: slot.SrcIP, Port: int(slot.SrcPort)}
	return unix.Sendto(w.sockFd, frame, 0, dst)
}

// ListenUDP opens a non-blocking UDP socket bound to addr:port, the
// session-table counterpart to Listen's TCP socket setup.
func ListenUDP(addr string, port uint16) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return 0, fmt.Errorf("engine: udp socket: %w", err)
	}
	sa, err := sockaddr(addr, port)
	if err != nil {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("engine: udp resolve bind address: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return 0, fmt.Errorf("engine: udp bind: %w", err)
	}
	return fd, nil
}
