//go:build linux && iouring

package engine

// The completion-based engine issues io_uring submissions directly via
// raw syscalls rather than cgo+liburing: the liburing C sources this
// port's reference uring wrapper links against are not available in this
// build environment, so the ring setup, SQE/CQE layouts, and the
// mmap-based queue access below are reimplemented in pure Go instead of
// bound through cgo.

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	sysIoUringSetup  = 425
	sysIoUringEnter  = 426
	sysIoUringRegister = 427

	ioUringOpRecv   = 27
	ioUringOpSend   = 26
	ioUringOpAccept = 13
	ioUringOpRead   = 22

	ioUringEnterGetEvents = 1 << 0

	ioUringOffSQRing = 0
	ioUringOffCQRing = 0x8000000
	ioUringOffSQEs   = 0x10000000
)

// ringTag identifies what a completion's user_data refers to, so one
// ring can multiplex the listen socket, the TUN fd, and every peer
// socket this worker owns without a side lookup table.
type ringTag uint8

const (
	tagAccept ringTag = 1
	tagTun    ringTag = 2
	tagPeer   ringTag = 3
	tagWake   ringTag = 4
)

func packUserData(tag ringTag, fd int32) uint64 {
	return uint64(tag)<<56 | uint64(uint32(fd))
}

func unpackUserData(v uint64) (ringTag, int32) {
	return ringTag(v >> 56), int32(uint32(v))
}

// sqRing and cqRing mirror the kernel-shared submission/completion queue
// headers (struct io_uring_params' array offsets), accessed through the
// mmap'd regions below; field order matches the kernel ABI, not Go
// struct-layout convenience.
type sqRing struct {
	head, tail               *uint32
	ringMask, ringEntries    *uint32
	flags, dropped           *uint32
	array                    []uint32
	sqes                     []ioUringSQE
	ring, sqesMem            []byte
}

type cqRing struct {
	head, tail            *uint32
	ringMask, ringEntries *uint32
	cqes                  []ioUringCQE
	ring                  []byte
}

type ioUringSQE struct {
	Opcode      uint8
	Flags       uint8
	IoPrio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpFlags     uint32
	UserData    uint64
	_           [24]byte // union tail (buf_index, personality, splice_fd_in, pad)
}

type ioUringCQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

type ioUringParams struct {
	SQEntries, CQEntries         uint32
	Flags, SQThreadCPU           uint32
	SQThreadIdle, Features       uint32
	WQFd                         uint32
	Resv                         [3]uint32
	SQOff                        ioSQRingOffsets
	CQOff                        ioCQRingOffsets
}

type ioSQRingOffsets struct {
	Head, Tail, RingMask, RingEntries uint32
	Flags, Dropped, Array            uint32
	Resv1                            uint32
	Resv2                            uint64
}

type ioCQRingOffsets struct {
	Head, Tail, RingMask, RingEntries uint32
	Overflow, CQEs                   uint32
	Flags                            uint32
	Resv1                            uint32
	Resv2                            uint64
}

// CompletionWorker is the io_uring-backed counterpart to Worker: one ring
// per thread, submissions tagged by fd kind instead of demultiplexed
// through a separate readiness notification.
type CompletionWorker struct {
	idx     int
	eng     *Engine
	ringFd  int
	sq      sqRing
	cq      cqRing
	tunFd   int
	wakeFd  int
	wakeBuf [8]byte
	peers   map[int32]uint16
	scratch scratchBuf
}

// NewCompletionWorker sets up a queue pair of the given depth and submits
// the initial single-shot accept, TUN-read and wake-read requests; each is
// re-armed after its completion is handled.
func NewCompletionWorker(idx int, eng *Engine, listenFd, tunFd int, depth uint32) (*CompletionWorker, error) {
	var params ioUringParams
	ringFd, _, errno := unix.Syscall(sysIoUringSetup, uintptr(depth), uintptr(unsafe.Pointer(&params)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("engine: worker %d: io_uring_setup: %w", idx, errno)
	}

	w := &CompletionWorker{idx: idx, eng: eng, ringFd: int(ringFd), tunFd: tunFd, peers: make(map[int32]uint16)}
	if err := w.mapRings(&params); err != nil {
		_ = unix.Close(w.ringFd)
		return nil, fmt.Errorf("engine: worker %d: map rings: %w", idx, err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(w.ringFd)
		_ = unix.Munmap(w.sq.ring)
		_ = unix.Munmap(w.sq.sqesMem)
		_ = unix.Munmap(w.cq.ring)
		return nil, fmt.Errorf("engine: worker %d: eventfd: %w", idx, err)
	}
	w.wakeFd = wakeFd

	if err := w.submitAccept(int32(listenFd)); err != nil {
		return nil, fmt.Errorf("engine: worker %d: arm accept: %w", idx, err)
	}
	if err := w.submitTunRead(); err != nil {
		return nil, fmt.Errorf("engine: worker %d: arm tun read: %w", idx, err)
	}
	if err := w.submitWakeRead(); err != nil {
		return nil, fmt.Errorf("engine: worker %d: arm wake read: %w", idx, err)
	}
	return w, nil
}

func (w *CompletionWorker) mapRings(p *ioUringParams) error {
	sqSize := p.SQOff.Array + p.SQEntries*4
	cqSize := p.CQOff.CQEs + p.CQEntries*uint32(unsafe.Sizeof(ioUringCQE{}))

	sqMem, err := unix.Mmap(w.ringFd, ioUringOffSQRing, int(sqSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sq ring: %w", err)
	}
	cqMem, err := unix.Mmap(w.ringFd, ioUringOffCQRing, int(cqSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap cq ring: %w", err)
	}
	sqesMem, err := unix.Mmap(w.ringFd, ioUringOffSQEs, int(p.SQEntries)*int(unsafe.Sizeof(ioUringSQE{})), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sqes: %w", err)
	}

	w.sq.ring, w.sq.sqesMem = sqMem, sqesMem
	w.sq.head = (*uint32)(unsafe.Pointer(&sqMem[p.SQOff.Head]))
	w.sq.tail = (*uint32)(unsafe.Pointer(&sqMem[p.SQOff.Tail]))
	w.sq.ringMask = (*uint32)(unsafe.Pointer(&sqMem[p.SQOff.RingMask]))
	w.sq.ringEntries = (*uint32)(unsafe.Pointer(&sqMem[p.SQOff.RingEntries]))
	w.sq.flags = (*uint32)(unsafe.Pointer(&sqMem[p.SQOff.Flags]))
	w.sq.dropped = (*uint32)(unsafe.Pointer(&sqMem[p.SQOff.Dropped]))
	w.sq.array = unsafe.Slice((*uint32)(unsafe.Pointer(&sqMem[p.SQOff.Array])), p.SQEntries)
	w.sq.sqes = unsafe.Slice((*ioUringSQE)(unsafe.Pointer(&sqesMem[0])), p.SQEntries)

	w.cq.ring = cqMem
	w.cq.head = (*uint32)(unsafe.Pointer(&cqMem[p.CQOff.Head]))
	w.cq.tail = (*uint32)(unsafe.Pointer(&cqMem[p.CQOff.Tail]))
	w.cq.ringMask = (*uint32)(unsafe.Pointer(&cqMem[p.CQOff.RingMask]))
	w.cq.ringEntries = (*uint32)(unsafe.Pointer(&cqMem[p.CQOff.RingEntries]))
	w.cq.cqes = unsafe.Slice((*ioUringCQE)(unsafe.Pointer(&cqMem[p.CQOff.CQEs])), p.CQEntries)
	return nil
}

// nextSQE claims the next free submission slot, returning false if the
// queue is currently full; the submit* callers report a full queue as
// ErrResourceExhausted.
func (w *CompletionWorker) nextSQE() (*ioUringSQE, bool) {
	tail := atomic.LoadUint32(w.sq.tail)
	head := atomic.LoadUint32(w.sq.head)
	if tail-head >= *w.sq.ringEntries {
		return nil, false
	}
	idx := tail & *w.sq.ringMask
	sqe := &w.sq.sqes[idx]
	*sqe = ioUringSQE{}
	w.sq.array[idx] = idx
	atomic.StoreUint32(w.sq.tail, tail+1)
	return sqe, true
}

func (w *CompletionWorker) submitAccept(listenFd int32) error {
	sqe, ok := w.nextSQE()
	if !ok {
		return ErrResourceExhausted
	}
	sqe.Opcode = ioUringOpAccept
	sqe.Fd = listenFd
	sqe.UserData = packUserData(tagAccept, listenFd)
	return nil
}

func (w *CompletionWorker) submitTunRead() error {
	sqe, ok := w.nextSQE()
	if !ok {
		return ErrResourceExhausted
	}
	buf := w.scratch.aligned()
	sqe.Opcode = ioUringOpRead
	sqe.Fd = int32(w.tunFd)
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	sqe.Len = uint32(len(buf))
	sqe.UserData = packUserData(tagTun, int32(w.tunFd))
	return nil
}

// submitWakeRead arms a read of the wakeup eventfd, the completion
// engine's analogue of the readiness engine's self-pipe: Wake writes to
// wakeFd, which completes this read and lets Run re-check the stop flag
// without waiting out the rest of the current io_uring_enter call.
func (w *CompletionWorker) submitWakeRead() error {
	sqe, ok := w.nextSQE()
	if !ok {
		return ErrResourceExhausted
	}
	sqe.Opcode = ioUringOpRead
	sqe.Fd = int32(w.wakeFd)
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&w.wakeBuf[0])))
	sqe.Len = uint32(len(w.wakeBuf))
	sqe.UserData = packUserData(tagWake, int32(w.wakeFd))
	return nil
}

func (w *CompletionWorker) submitPeerRecv(fd int32, buf []byte) error {
	sqe, ok := w.nextSQE()
	if !ok {
		return ErrResourceExhausted
	}
	sqe.Opcode = ioUringOpRecv
	sqe.Fd = fd
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&buf[0])))
	sqe.Len = uint32(len(buf))
	sqe.UserData = packUserData(tagPeer, fd)
	return nil
}

// Run submits queued SQEs and waits for at least one completion per
// iteration, dispatching by tag, until the engine's stop flag is set.
func (w *CompletionWorker) Run() error {
	for !w.eng.Stopped() {
		_, _, errno := unix.Syscall6(sysIoUringEnter, uintptr(w.ringFd), 0, 1, ioUringEnterGetEvents, 0, 0)
		if errno != 0 {
			if errors.Is(errno, unix.EINTR) {
				continue
			}
			return fmt.Errorf("engine: worker %d: io_uring_enter: %w", w.idx, errno)
		}
		w.drainCompletions()
	}
	return nil
}

func (w *CompletionWorker) drainCompletions() {
	head := atomic.LoadUint32(w.cq.head)
	tail := atomic.LoadUint32(w.cq.tail)
	for head != tail {
		cqe := w.cq.cqes[head&*w.cq.ringMask]
		w.handleCompletion(cqe)
		head++
	}
	atomic.StoreUint32(w.cq.head, head)
}

func (w *CompletionWorker) handleCompletion(cqe ioUringCQE) {
	tag, fd := unpackUserData(cqe.UserData)
	switch tag {
	case tagAccept:
		if cqe.Res >= 0 {
			w.onAccept(int32(cqe.Res))
		}
		_ = w.submitAccept(fd)

	case tagTun:
		if cqe.Res > 0 {
			buf := w.scratch.aligned()
			payload := append([]byte(nil), buf[:cqe.Res]...)
			if err := w.eng.Router.BroadcastFromTun(payload, w.sendToPeer); err != nil {
				w.eng.Logger.Warnf("engine: worker %d: broadcast: %v", w.idx, err)
			}
		}
		_ = w.submitTunRead()

	case tagPeer:
		w.onPeerRecv(fd, cqe.Res)

	case tagWake:
		_ = w.submitWakeRead()
	}
}

func (w *CompletionWorker) onAccept(fd int32) {
	conn, err := fdToConn(int(fd))
	if err != nil {
		_ = unix.Close(int(fd))
		w.eng.Logger.Warnf("engine: worker %d: wrap accepted fd: %v", w.idx, err)
		return
	}
	idx, err := w.eng.AcceptPeer(conn)
	if err != nil {
		_ = conn.Close()
		w.eng.Logger.Warnf("engine: worker %d: accept: %v", w.idx, err)
		return
	}
	w.peers[fd] = idx
	slot := w.eng.Pool.Lookup(idx)
	buf := slot.Codec.Buffer()
	if err := w.submitPeerRecv(fd, buf); err != nil {
		w.eng.Logger.Warnf("engine: worker %d: arm peer recv: %v", w.idx, err)
	}
}

func (w *CompletionWorker) onPeerRecv(fd int32, res int32) {
	idx, ok := w.peers[fd]
	if !ok {
		return
	}
	slot := w.eng.Pool.Lookup(idx)

	if res <= 0 {
		delete(w.peers, fd)
		_ = w.eng.DisconnectPeer(idx)
		return
	}
	slot.Codec.Advance(int(res))

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
			return
		}
	}
	if feedErr != nil {
		delete(w.peers, fd)
		_ = w.eng.DisconnectPeer(idx)
		return
	}
	if err := w.submitPeerRecv(fd, slot.Codec.Buffer()); err != nil {
		w.eng.Logger.Warnf("engine: worker %d: rearm peer %d: %v", w.idx, idx, err)
	}
}

func (w *CompletionWorker) sendToPeer(idx uint16, frame []byte) error {
	slot := w.eng.Pool.Lookup(idx)
	if slot.Conn == nil {
		return fmt.Errorf("peer %d: no connection", idx)
	}
	_, err := slot.Conn.Write(frame)
	return err
}

// Wake writes to the wakeup eventfd, completing the armed read on the
// ring and pulling Run out of io_uring_enter so it re-checks the
// engine's stop flag promptly. Safe to call from a signal handler.
func (w *CompletionWorker) Wake() {
	var v [8]byte
	v[0] = 1
	_, _ = unix.Write(w.wakeFd, v[:])
}

func (w *CompletionWorker) Close() {
	_ = unix.Close(w.wakeFd)
	_ = unix.Close(w.ringFd)
	_ = unix.Munmap(w.sq.ring)
	_ = unix.Munmap(w.sq.sqesMem)
	_ = unix.Munmap(w.cq.ring)
}
