//go:build linux

package engine

import (
	"errors"
	"fmt"
	"net"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"

	"teavpn2/internal/protocol"
)

// readinessTimeoutMillis is the multiplexer wait timeout: long enough to
// be efficient, short enough to observe the stop flag promptly.
const readinessTimeoutMillis = 5000

// scratchBuf is one worker's per-thread scratch frame buffer. The first
// field is oversized so the usable region can be sliced to start at a
// 64-byte-aligned offset, approximating the original's alignas(64) for
// DMA-friendly TUN reads; Go exposes no alignment attribute for stack or
// heap allocations.
type scratchBuf struct {
	raw [protocol.MaxFrame + 64]byte
}

func (s *scratchBuf) aligned() []byte {
	off := (64 - (uintptr(unsafe.Pointer(&s.raw[0])) % 64)) % 64
	return s.raw[off : off+protocol.MaxFrame]
}

// Worker is one readiness-based I/O engine thread: a single epoll
// instance multiplexing the shared listen socket, the shared TUN fd, a
// private self-pipe, and the peer sockets this worker owns.
type Worker struct {
	idx   int
	eng   *Engine
	epfd  int
	tunFd int

	listenFd    int
	selfPipeR   int
	selfPipeW   int

	peers  map[int]uint16 // fd -> slot idx, owned solely by this worker
	scratch scratchBuf
}

// NewWorker creates worker number idx, registering listenFd and tunFd
// (both expected non-blocking already) and a fresh self-pipe for signal
// wakeup alongside them.
func NewWorker(idx int, eng *Engine, listenFd, tunFd int) (*Worker, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("engine: worker %d: epoll_create1: %w", idx, err)
	}
	w := &Worker{idx: idx, eng: eng, epfd: epfd, tunFd: tunFd, listenFd: listenFd, peers: make(map[int]uint16)}

	pr, pw, err := selfPipe()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("engine: worker %d: self-pipe: %w", idx, err)
	}
	w.selfPipeR, w.selfPipeW = pr, pw

	if err := w.register(listenFd, unix.EPOLLIN); err != nil {
		w.Close()
		return nil, fmt.Errorf("engine: worker %d: register listen fd: %w", idx, err)
	}
	if err := w.register(tunFd, unix.EPOLLIN); err != nil {
		w.Close()
		return nil, fmt.Errorf("engine: worker %d: register tun fd: %w", idx, err)
	}
	if err := w.register(pr, unix.EPOLLIN); err != nil {
		w.Close()
		return nil, fmt.Errorf("engine: worker %d: register self-pipe: %w", idx, err)
	}
	return w, nil
}

func (w *Worker) register(fd int, events uint32) error {
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(w.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Wake writes one byte to the self-pipe, waking this worker's epoll_wait
// so it re-examines the stop flag. Safe to call from a signal handler.
func (w *Worker) Wake() {
	var b [1]byte
	_, _ = unix.Write(w.selfPipeW, b[:])
}

// Close releases this worker's own fds. The shared listen/tun fds are
// owned by the caller, not by Worker.
func (w *Worker) Close() {
	_ = unix.Close(w.selfPipeR)
	_ = unix.Close(w.selfPipeW)
	_ = unix.Close(w.epfd)
}

// Run drives the readiness loop until the engine's stop flag is set.
// Events are drained in priority order within each wakeup: accept, then
// TUN read, then peer reads.
func (w *Worker) Run() error {
	var events [64]unix.EpollEvent
	for !w.eng.Stopped() {
		n, err := unix.EpollWait(w.epfd, events[:], readinessTimeoutMillis)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("engine: worker %d: epoll_wait: %w", w.idx, err)
		}

		var sawAccept, sawTun bool
		var peerEvents []unix.EpollEvent
		for i := 0; i < n; i++ {
			switch int(events[i].Fd) {
			case w.listenFd:
				sawAccept = true
			case w.tunFd:
				sawTun = true
			case w.selfPipeR:
				w.drainSelfPipe()
			default:
				peerEvents = append(peerEvents, events[i])
			}
		}

		if sawAccept {
			w.handleAccept()
		}
		if sawTun {
			w.handleTunReadable()
		}
		for _, ev := range peerEvents {
			w.handlePeerReadable(ev)
		}
	}
	return nil
}

func (w *Worker) drainSelfPipe() {
	var buf [64]byte
	for {
		_, err := unix.Read(w.selfPipeR, buf[:])
		if err != nil {
			return
		}
	}
}

// handleAccept accepts as many pending connections as are ready,
// non-blocking, returning cleanly on EAGAIN.
func (w *Worker) handleAccept() {
	for {
		fd, _, err := unix.Accept4(w.listenFd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			w.eng.Logger.Warnf("engine: worker %d: accept: %v", w.idx, err)
			return
		}
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)

		conn, connErr := fdToConn(fd)
		if connErr != nil {
			_ = unix.Close(fd)
			w.eng.Logger.Warnf("engine: worker %d: wrap accepted fd: %v", w.idx, connErr)
			continue
		}
		idx, err := w.eng.AcceptPeer(conn)
		if err != nil {
			w.eng.Logger.Warnf("engine: worker %d: accept: %v", w.idx, err)
			_ = conn.Close()
			continue
		}
		if err := w.register(fd, unix.EPOLLIN); err != nil {
			w.eng.Logger.Warnf("engine: worker %d: register peer fd: %v", w.idx, err)
			_ = w.eng.DisconnectPeer(idx)
			continue
		}
		w.peers[fd] = idx
	}
}

func (w *Worker) handleTunReadable() {
	buf := w.scratch.aligned()
	for {
		n, err := unix.Read(w.tunFd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			w.eng.Logger.Errorf("engine: worker %d: tun read: %v", w.idx, err)
			return
		}
		if n == 0 {
			return
		}
		payload := append([]byte(nil), buf[:n]...)
		if err := w.eng.Router.BroadcastFromTun(payload, w.sendToPeer); err != nil {
			w.eng.Logger.Warnf("engine: worker %d: broadcast: %v", w.idx, err)
		}
	}
}

func (w *Worker) sendToPeer(idx uint16, frame []byte) error {
	slot := w.eng.Pool.Lookup(idx)
	if slot.Conn == nil {
		return fmt.Errorf("peer %d: no connection", idx)
	}
	_, err := slot.Conn.Write(frame)
	return err
}

func (w *Worker) handlePeerReadable(ev unix.EpollEvent) {
	fd := int(ev.Fd)
	idx, ok := w.peers[fd]
	if !ok {
		return
	}
	slot := w.eng.Pool.Lookup(idx)

	if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		w.closePeer(fd, idx)
		return
	}

	n, err := unix.Read(fd, slot.Codec.Buffer())
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
			return
		}
		if disconnected, _ := w.eng.Fault(idx); disconnected {
			// Fault has already released the slot.
			delete(w.peers, fd)
			_ = unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		}
		return
	}
	if n == 0 {
		// Peer half-closed mid-frame or between frames; either way the
		// session ends.
		w.closePeer(fd, idx)
		return
	}
	slot.Codec.Advance(n)

	frames, feedErr := slot.Codec.Feed(nil)
	for _, f := range frames {
		disconnected, dispatchErr := w.eng.DispatchFrame(idx, f, func(wire []byte) error {
			return w.sendToPeer(idx, wire)
		})
		if dispatchErr != nil {
			w.eng.Logger.Warnf("engine: worker %d: peer %d: %v", w.idx, idx, dispatchErr)
		}
		if disconnected {
			delete(w.peers, fd)
			_ = unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, fd, nil)
			return
		}
	}
	if feedErr != nil {
		w.closePeer(fd, idx)
	}
}

func (w *Worker) closePeer(fd int, idx uint16) {
	delete(w.peers, fd)
	_ = unix.EpollCtl(w.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	_ = w.eng.DisconnectPeer(idx)
}

func selfPipe() (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		return 0, 0, err
	}
	return fds[0], fds[1], nil
}

func fdToConn(fd int) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), "peer")
	conn, err := net.FileConn(f)
	_ = f.Close()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

