package blockio

import "unsafe"

// maxBounceBuffer caps a single bounce allocation at 1 MiB (spec §4.2).
const maxBounceBuffer = 1 << 20

// alignUp rounds n up to the next multiple of align (align must be a power
// of two).
func alignUp(n, align int) int {
	if align <= 0 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

func alignDown(n, align int) int {
	if align <= 0 {
		return n
	}
	return n &^ (align - 1)
}

// isAligned reports whether offset, length and every iovec's length satisfy
// align. Iovec base addresses are not checked. A zero align always reports
// true (no direct-I/O alignment requirement in effect).
func isAligned(offset, length int64, iovecs []HostIovec, align int) bool {
	if align <= 0 {
		return true
	}
	if int(offset)%align != 0 || int(length)%align != 0 {
		return false
	}
	for _, iov := range iovecs {
		if len(iov.Base)%align != 0 {
			return false
		}
	}
	return true
}

// BounceBuffer is an aligned scratch buffer used to satisfy a direct-I/O
// backend's alignment requirement when the guest's request is not itself
// aligned.
type BounceBuffer struct {
	buf        []byte
	alignedOff int64 // host file offset the buffer covers
}

// NewBounceBuffer allocates a buffer whose start address is aligned to align
// (not to the host page size), covering [offset, offset+length) rounded out
// to align, capped at maxBounceBuffer.
func NewBounceBuffer(offset, length int64, align int) *BounceBuffer {
	if align <= 0 {
		align = 512
	}
	start := alignDown(int(offset), align)
	end := alignUp(int(offset+length), align)
	size := end - start
	if size > maxBounceBuffer {
		size = maxBounceBuffer
	}
	if size <= 0 {
		size = align
	}
	return &BounceBuffer{
		buf:        makeAligned(size, align),
		alignedOff: int64(start),
	}
}

// makeAligned returns a size-byte slice whose start address is a multiple of
// align, by over-allocating and slicing. True page alignment for O_DIRECT
// would use mmap/unix.Mmap; the slice-offset trick here guarantees a
// byte-aligned boundary suitable for all alignments this engine deals with
// (512..4096) without an extra syscall per buffer.
func makeAligned(size, align int) []byte {
	buf := make([]byte, size+align)
	off := 0
	if r := int(uintptr(unsafe.Pointer(&buf[0]))) % align; r != 0 {
		off = align - r
	}
	return buf[off : off+size : off+size]
}

// Offset is the host file offset the buffer's first byte corresponds to.
func (b *BounceBuffer) Offset() int64 { return b.alignedOff }

// Bytes returns the backing buffer.
func (b *BounceBuffer) Bytes() []byte { return b.buf }

// CopyOut copies the exact [reqOffset, reqOffset+len(dst)) slice of the
// bounce window into dst, for a misaligned read completion.
func (b *BounceBuffer) CopyOut(reqOffset int64, dst []byte) {
	start := int(reqOffset - b.alignedOff)
	copy(dst, b.buf[start:start+len(dst)])
}

// CopyIn overlays src at [reqOffset, reqOffset+len(src)) into the bounce
// window, for a misaligned write's read-modify-write step.
func (b *BounceBuffer) CopyIn(reqOffset int64, src []byte) {
	start := int(reqOffset - b.alignedOff)
	copy(b.buf[start:start+len(src)], src)
}
