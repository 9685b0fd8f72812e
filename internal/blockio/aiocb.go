package blockio

import "github.com/novavisor/novavisor/internal/virtio"

// Opcode is the AIO submission-record operation.
type Opcode int

const (
	OpNoop Opcode = iota
	OpPreadv
	OpPwritev
	OpFdsync
	OpDiscard
	OpWriteZeroes
)

// WriteZeroesPolicy controls whether a WRITE_ZEROES request tries to unmap
// the range.
type WriteZeroesPolicy struct {
	Unmap          bool // UNMAP flag from the wire segment
	DiscardEnabled bool // BLK_F_DISCARD negotiated and configured on
}

// AioCb is the submission record handed to an I/O backend.
type AioCb struct {
	Fd     int
	Opcode Opcode

	// Iovecs are host-memory buffers for preadv/pwritev; for discard and
	// write-zeroes they are unused (Offset/Length describe the range
	// directly).
	Iovecs []HostIovec
	Offset int64
	Length int64

	ReqAlign  int // required request (length/offset) alignment, 0 = none
	BufAlign  int // required buffer address alignment, 0 = none
	DirectIO  bool
	ZeroesPolicy WriteZeroesPolicy

	// Complete is invoked exactly once with the syscall result. A negative
	// result is a negated errno.
	Complete func(result int64)
}

// HostIovec is a host-memory buffer (already translated from guest
// addresses), as opposed to virtio.Iovec which is guest-addressed.
type HostIovec struct {
	Base []byte
}

// TranslateIovecs resolves guest iovecs to host-memory slices via mem.
func TranslateIovecs(mem interface {
	ReadGuest(addr uint64, length uint32) ([]byte, error)
}, guestIovs []virtio.Iovec, forWrite bool) ([]HostIovec, error) {
	// forWrite is accepted for symmetry with callers that need to
	// distinguish read-target vs write-source iovecs; this engine always
	// materializes a host-addressable buffer either way because there is no
	// real guest memory to pin directly from Go.
	_ = forWrite
	out := make([]HostIovec, len(guestIovs))
	for i, iov := range guestIovs {
		buf, err := mem.ReadGuest(iov.Addr, iov.Length)
		if err != nil {
			return nil, err
		}
		out[i] = HostIovec{Base: buf}
	}
	return out, nil
}
