package blockio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SyncBackend is the "off" AIO mode: every AioCb is executed inline via a
// direct syscall, with the status computed before returning. It is the
// fallback used when neither the native nor the completion-ring backend is
// configured.
type SyncBackend struct{}

// Submit executes cb synchronously and calls cb.Complete once.
func (SyncBackend) Submit(cb *AioCb) {
	res := execSync(cb)
	if cb.Complete != nil {
		cb.Complete(res)
	}
}

func execSync(cb *AioCb) int64 {
	switch cb.Opcode {
	case OpPreadv:
		bufs := toByteSlices(cb.Iovecs)
		n, err := unix.Preadv(cb.Fd, bufs, cb.Offset)
		if err != nil {
			return negErrno(err)
		}
		return int64(n)
	case OpPwritev:
		bufs := toByteSlices(cb.Iovecs)
		n, err := unix.Pwritev(cb.Fd, bufs, cb.Offset)
		if err != nil {
			return negErrno(err)
		}
		return int64(n)
	case OpFdsync:
		if err := unix.Fdatasync(cb.Fd); err != nil {
			return negErrno(err)
		}
		return 0
	case OpDiscard:
		mode := uint32(unix.FALLOC_FL_PUNCH_HOLE | unix.FALLOC_FL_KEEP_SIZE)
		if err := unix.Fallocate(cb.Fd, mode, cb.Offset, cb.Length); err != nil {
			return negErrno(err)
		}
		return 0
	case OpWriteZeroes:
		return execWriteZeroes(cb)
	default:
		return negErrno(fmt.Errorf("blockio: unknown opcode %d", cb.Opcode))
	}
}

// execWriteZeroes implements the UNMAP-then-fallback-to-zero-fill policy
// from spec §4.2.
func execWriteZeroes(cb *AioCb) int64 {
	if cb.ZeroesPolicy.Unmap && cb.ZeroesPolicy.DiscardEnabled {
		mode := uint32(unix.FALLOC_FL_PUNCH_HOLE | unix.FALLOC_FL_KEEP_SIZE)
		if err := unix.Fallocate(cb.Fd, mode, cb.Offset, cb.Length); err == nil {
			return 0
		}
		// fall through to zero-fill
	}
	if err := unix.Fallocate(cb.Fd, unix.FALLOC_FL_ZERO_RANGE, cb.Offset, cb.Length); err != nil {
		return negErrno(err)
	}
	return 0
}

func toByteSlices(iovs []HostIovec) [][]byte {
	out := make([][]byte, len(iovs))
	for i, iov := range iovs {
		out[i] = iov.Base
	}
	return out
}

func negErrno(err error) int64 {
	if errno, ok := err.(unix.Errno); ok {
		return -int64(errno)
	}
	return -1
}
