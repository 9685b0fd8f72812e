package blockio

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// nativeInFlightWindow bounds concurrent submissions to the kernel AIO ring
// (spec §4.2); requests beyond the window are pushed back to the pending
// list by the caller.
const nativeInFlightWindow = 128

// iocb matches struct iocb from linux/aio_abi.h (64 bytes).
type iocb struct {
	data       uint64
	key        uint32
	rwFlags    uint32
	lioOpcode  uint16
	reqPrio    int16
	fd         uint32
	buf        uint64
	nbytes     uint64
	offset     int64
	reserved2  uint64
	flags      uint32
	resfd      uint32
}

// ioEvent matches struct io_event (32 bytes).
type ioEvent struct {
	data uint64
	obj  uint64
	res  int64
	res2 int64
}

const (
	iocbCmdPreadv  = 7
	iocbCmdPwritev = 8
	iocbCmdFdsync  = 3
	iocbFlagResfd  = 1 << 0
)

// NativeBackend submits requests through the kernel's native AIO ring
// (io_setup/io_submit/io_getevents), completing via an eventfd that the
// owning iothread's event loop polls alongside its other descriptors.
type NativeBackend struct {
	ctx      uintptr // aio_context_t
	resfd    int
	mu        sync.Mutex
	inflight  map[uint64]*AioCb
	keepAlive map[uint64][]unix.Iovec // pins iovec arrays the kernel still references
	token     uint64
}

// NewNativeBackend creates an AIO context sized to the in-flight window and
// an eventfd completions are delivered on.
func NewNativeBackend() (*NativeBackend, error) {
	var ctx uintptr
	_, _, errno := unix.Syscall(unix.SYS_IO_SETUP, uintptr(nativeInFlightWindow), uintptr(unsafe.Pointer(&ctx)), 0)
	if errno != 0 {
		return nil, fmt.Errorf("blockio: io_setup: %w", errno)
	}
	resfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		destroyAIOContext(ctx)
		return nil, fmt.Errorf("blockio: eventfd: %w", err)
	}
	return &NativeBackend{
		ctx:       ctx,
		resfd:     resfd,
		inflight:  make(map[uint64]*AioCb),
		keepAlive: make(map[uint64][]unix.Iovec),
	}, nil
}

func destroyAIOContext(ctx uintptr) {
	unix.Syscall(unix.SYS_IO_DESTROY, ctx, 0, 0)
}

// EventFD is the completion-notification descriptor the owning event loop
// should poll for readability.
func (n *NativeBackend) EventFD() int { return n.resfd }

// Close tears down the AIO context and its eventfd.
func (n *NativeBackend) Close() error {
	destroyAIOContext(n.ctx)
	return unix.Close(n.resfd)
}

// InFlight reports how many submissions are outstanding.
func (n *NativeBackend) InFlight() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.inflight)
}

// Submit enqueues cb with the kernel. It returns an error only for
// submission-time failures (e.g. the in-flight window is full); the caller
// is expected to requeue cb in that case. Completion is delivered later via
// Reap, called after the event loop observes EventFD() become readable.
func (n *NativeBackend) Submit(cb *AioCb) error {
	n.mu.Lock()
	if len(n.inflight) >= nativeInFlightWindow {
		n.mu.Unlock()
		return fmt.Errorf("blockio: native AIO in-flight window full")
	}
	n.token++
	token := n.token
	n.inflight[token] = cb
	n.mu.Unlock()

	c := iocb{
		data:    token,
		fd:      uint32(cb.Fd),
		flags:   iocbFlagResfd,
		resfd:   uint32(n.resfd),
		offset:  cb.Offset,
	}
	var iovArray []unix.Iovec
	switch cb.Opcode {
	case OpPreadv, OpPwritev:
		iovArray = toUnixIovecs(cb.Iovecs)
		if cb.Opcode == OpPreadv {
			c.lioOpcode = iocbCmdPreadv
		} else {
			c.lioOpcode = iocbCmdPwritev
		}
		c.buf = uint64(uintptr(unsafe.Pointer(&iovArray[0])))
		c.nbytes = uint64(len(iovArray))
		n.mu.Lock()
		n.keepAlive[token] = iovArray
		n.mu.Unlock()
	case OpFdsync:
		c.lioOpcode = iocbCmdFdsync
	default:
		n.mu.Lock()
		delete(n.inflight, token)
		n.mu.Unlock()
		return fmt.Errorf("blockio: native backend does not submit opcode %d directly", cb.Opcode)
	}

	cps := [1]*iocb{&c}
	_, _, errno := unix.Syscall(unix.SYS_IO_SUBMIT, n.ctx, 1, uintptr(unsafe.Pointer(&cps[0])))
	if errno != 0 {
		n.mu.Lock()
		delete(n.inflight, token)
		delete(n.keepAlive, token)
		n.mu.Unlock()
		return fmt.Errorf("blockio: io_submit: %w", errno)
	}
	return nil
}

// Reap drains completed events and invokes each one's Complete callback.
// Call after EventFD() signals readable.
func (n *NativeBackend) Reap() error {
	var buf [8]byte
	if _, err := unix.Read(n.resfd, buf[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("blockio: read eventfd: %w", err)
	}

	events := make([]ioEvent, nativeInFlightWindow)
	var zero unix.Timespec
	n2, _, errno := unix.Syscall6(unix.SYS_IO_GETEVENTS, n.ctx, 0, uintptr(len(events)),
		uintptr(unsafe.Pointer(&events[0])), uintptr(unsafe.Pointer(&zero)), 0)
	if errno != 0 {
		return fmt.Errorf("blockio: io_getevents: %w", errno)
	}

	n.mu.Lock()
	completed := make([]struct {
		cb  *AioCb
		res int64
	}, 0, n2)
	for i := 0; i < int(n2); i++ {
		ev := events[i]
		cb, ok := n.inflight[ev.data]
		if !ok {
			continue
		}
		delete(n.inflight, ev.data)
		delete(n.keepAlive, ev.data)
		completed = append(completed, struct {
			cb  *AioCb
			res int64
		}{cb, ev.res})
	}
	n.mu.Unlock()

	for _, c := range completed {
		if c.cb.Complete != nil {
			c.cb.Complete(c.res)
		}
	}
	return nil
}

func toUnixIovecs(iovs []HostIovec) []unix.Iovec {
	out := make([]unix.Iovec, len(iovs))
	for i, iov := range iovs {
		out[i] = unix.Iovec{Base: &iov.Base[0]}
		out[i].SetLen(len(iov.Base))
	}
	return out
}
