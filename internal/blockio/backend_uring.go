package blockio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// uring-related constants and struct layouts, matching linux/io_uring.h.
const (
	uringOffSQRing = 0
	uringOffCQRing = 0x8000000
	uringOffSQEs   = 0x10000000

	uringEnterGetEvents = 1
	uringFeatSingleMmap = 1 << 0

	uringOpReadv  = 1
	uringOpWritev = 2
	uringOpFsync  = 3
)

type sqringOffsets struct {
	Head, Tail, RingMask, RingEntries, Flags, Dropped, Array, Resv1 uint32
	UserAddr                                                        uint64
}

type cqringOffsets struct {
	Head, Tail, RingMask, RingEntries, Overflow, CQEs, Flags, Resv1 uint32
	UserAddr                                                        uint64
}

type uringParams struct {
	SQEntries, CQEntries, Flags, SQThreadCPU, SQThreadIdle, Features, WQFd uint32
	Resv                                                                   [3]uint32
	SQOff                                                                  sqringOffsets
	CQOff                                                                  cqringOffsets
}

// sqe is a 64-byte submission queue entry.
type sqe struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64
	Addr        uint64
	Len         uint32
	OpcodeFlags uint32
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	Addr3       uint64
	_pad2       [1]uint64
}

type cqe struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

// RingBackend is the "completion-ring I/O" AIO mode: requests are submitted
// through a single shared io_uring instance and completions are drained
// on-demand by the owning iothread (no separate completion eventfd — the
// iothread calls Drain after each SubmitAndWait it performs, or after
// polling the ring fd for readability if IORING_SETUP_SQPOLL/CQ_FD were
// configured, which this minimal wrapper does not use).
type RingBackend struct {
	fd      int
	sqMem   []byte
	cqMem   []byte
	sqesMem []byte

	sqHead, sqTail *uint32
	sqMask         uint32
	sqArray        unsafe.Pointer

	cqHead, cqTail *uint32
	cqMask         uint32
	cqes           unsafe.Pointer

	sqes    unsafe.Pointer
	entries uint32

	mu        sync.Mutex
	inflight  map[uint64]*AioCb
	keepAlive map[uint64][]unix.Iovec
	token     uint64
}

// NewRingBackend creates an io_uring instance with the given submission
// queue depth (rounded up to a power of two by the kernel).
func NewRingBackend(entries uint32) (*RingBackend, error) {
	var p uringParams
	fd, _, errno := unix.Syscall(unix.SYS_IO_URING_SETUP, uintptr(entries), uintptr(unsafe.Pointer(&p)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("blockio: io_uring_setup: %w", errno)
	}
	r := &RingBackend{
		fd:        int(fd),
		entries:   p.SQEntries,
		inflight:  make(map[uint64]*AioCb),
		keepAlive: make(map[uint64][]unix.Iovec),
	}
	if err := r.mmapRings(&p); err != nil {
		unix.Close(r.fd)
		return nil, err
	}
	return r, nil
}

func (r *RingBackend) mmapRings(p *uringParams) error {
	sqRingSize := p.SQOff.Array + p.SQEntries*4
	sqMem, err := syscall.Mmap(r.fd, uringOffSQRing, int(sqRingSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("blockio: mmap sq ring: %w", err)
	}
	r.sqMem = sqMem

	if p.Features&uringFeatSingleMmap != 0 {
		r.cqMem = sqMem
	} else {
		cqRingSize := p.CQOff.CQEs + p.CQEntries*uint32(unsafe.Sizeof(cqe{}))
		cqMem, err := syscall.Mmap(r.fd, uringOffCQRing, int(cqRingSize),
			syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE)
		if err != nil {
			syscall.Munmap(sqMem)
			return fmt.Errorf("blockio: mmap cq ring: %w", err)
		}
		r.cqMem = cqMem
	}

	sqeSize := p.SQEntries * uint32(unsafe.Sizeof(sqe{}))
	sqesMem, err := syscall.Mmap(r.fd, uringOffSQEs, int(sqeSize),
		syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED|syscall.MAP_POPULATE)
	if err != nil {
		if r.cqMem != nil && &r.cqMem[0] != &r.sqMem[0] {
			syscall.Munmap(r.cqMem)
		}
		syscall.Munmap(r.sqMem)
		return fmt.Errorf("blockio: mmap sqes: %w", err)
	}
	r.sqesMem = sqesMem

	base := unsafe.Pointer(&sqMem[0])
	r.sqHead = (*uint32)(unsafe.Add(base, p.SQOff.Head))
	r.sqTail = (*uint32)(unsafe.Add(base, p.SQOff.Tail))
	r.sqMask = *(*uint32)(unsafe.Add(base, p.SQOff.RingMask))
	r.sqArray = unsafe.Add(base, p.SQOff.Array)

	cqBase := unsafe.Pointer(&r.cqMem[0])
	r.cqHead = (*uint32)(unsafe.Add(cqBase, p.CQOff.Head))
	r.cqTail = (*uint32)(unsafe.Add(cqBase, p.CQOff.Tail))
	r.cqMask = *(*uint32)(unsafe.Add(cqBase, p.CQOff.RingMask))
	r.cqes = unsafe.Add(cqBase, p.CQOff.CQEs)

	r.sqes = unsafe.Pointer(&sqesMem[0])
	return nil
}

// Close releases the ring's mmap'd memory and file descriptor.
func (r *RingBackend) Close() error {
	if r.sqesMem != nil {
		syscall.Munmap(r.sqesMem)
	}
	if r.cqMem != nil && (r.sqMem == nil || &r.cqMem[0] != &r.sqMem[0]) {
		syscall.Munmap(r.cqMem)
	}
	if r.sqMem != nil {
		syscall.Munmap(r.sqMem)
	}
	return unix.Close(r.fd)
}

func (r *RingBackend) getSQE(index uint32) *sqe {
	idx := index & r.sqMask
	return (*sqe)(unsafe.Add(r.sqes, uintptr(idx)*unsafe.Sizeof(sqe{})))
}

// Submit enqueues cb and immediately submits+waits for it (and drains any
// other completions that arrived in the meantime). This mirrors the
// reference wrapper's SubmitAndWait contract rather than batching multiple
// requests per io_uring_enter call.
func (r *RingBackend) Submit(cb *AioCb) error {
	r.mu.Lock()
	r.token++
	token := r.token
	r.inflight[token] = cb
	r.mu.Unlock()

	tail := atomic.LoadUint32(r.sqTail)
	slot := tail & r.sqMask
	e := r.getSQE(slot)
	*e = sqe{UserData: token, Fd: int32(cb.Fd), Off: uint64(cb.Offset)}

	var iovArray []unix.Iovec
	switch cb.Opcode {
	case OpPreadv, OpPwritev:
		iovArray = toUnixIovecs(cb.Iovecs)
		if cb.Opcode == OpPreadv {
			e.Opcode = uringOpReadv
		} else {
			e.Opcode = uringOpWritev
		}
		e.Addr = uint64(uintptr(unsafe.Pointer(&iovArray[0])))
		e.Len = uint32(len(iovArray))
		r.mu.Lock()
		r.keepAlive[token] = iovArray
		r.mu.Unlock()
	case OpFdsync:
		e.Opcode = uringOpFsync
	default:
		r.mu.Lock()
		delete(r.inflight, token)
		r.mu.Unlock()
		return fmt.Errorf("blockio: ring backend does not submit opcode %d directly", cb.Opcode)
	}

	*(*uint32)(unsafe.Add(r.sqArray, uintptr(slot)*4)) = slot
	atomic.StoreUint32(r.sqTail, tail+1)

	_, _, errno := unix.Syscall6(unix.SYS_IO_URING_ENTER, uintptr(r.fd), 1, 1, uringEnterGetEvents, 0, 0)
	if errno != 0 {
		return fmt.Errorf("blockio: io_uring_enter: %w", errno)
	}
	return r.drainLocked()
}

// Drain processes any completions currently available without blocking.
func (r *RingBackend) Drain() error {
	return r.drainLocked()
}

func (r *RingBackend) drainLocked() error {
	head := atomic.LoadUint32(r.cqHead)
	tail := atomic.LoadUint32(r.cqTail)
	for head != tail {
		idx := head & r.cqMask
		c := (*cqe)(unsafe.Add(r.cqes, uintptr(idx)*unsafe.Sizeof(cqe{})))
		r.mu.Lock()
		cb := r.inflight[c.UserData]
		delete(r.inflight, c.UserData)
		delete(r.keepAlive, c.UserData)
		r.mu.Unlock()
		if cb != nil && cb.Complete != nil {
			cb.Complete(int64(c.Res))
		}
		head++
	}
	atomic.StoreUint32(r.cqHead, head)
	return nil
}
