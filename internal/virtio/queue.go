// Package virtio implements the transport-agnostic contract between guest
// virtio drivers and in-process device backends: virtqueue parsing, feature
// negotiation, notification policy, and the memory-mapped transport.
package virtio

import (
	"encoding/binary"
	"fmt"

	"github.com/novavisor/novavisor/internal/guestmem"
)

const (
	descSize = 16 // bytes per descriptor table entry

	virtqDescFNext     = 1 << 0
	virtqDescFWrite    = 1 << 1
	virtqDescFIndirect = 1 << 2

	virtqAvailFNoInterrupt = 1 << 0
	virtqUsedFNoNotify     = 1 << 0

	// MaxQueueSize is the device-wide cap on a queue's negotiated size; it
	// must be a power of two.
	MaxQueueSize = 1024

	maxChainLength = 1 << 32 // total descriptor-chain byte length cap (2^32)
)

// FeatureVersion1 (bit 32) is mandatory for the modern (non-legacy) MMIO and
// PCI transports this package implements.
const FeatureVersion1 = 1 << 32

// FeatureRingEventIdx enables the avail_event/used_event notification
// suppression scheme in place of the simple NO_INTERRUPT/NO_NOTIFY flags.
const FeatureRingEventIdx = 1 << 29

// FeatureRingIndirectDesc allows a descriptor to point at an out-of-ring
// table of further descriptors.
const FeatureRingIndirectDesc = 1 << 28

// Descriptor is one raw entry from the descriptor table.
type Descriptor struct {
	Addr   uint64
	Length uint32
	Flags  uint16
	Next   uint16
}

// Iovec is one guest-memory buffer within a descriptor chain, already
// classified as device-readable (out) or device-writable (in).
type Iovec struct {
	Addr   uint64
	Length uint32
}

// Element is the result of popping one entry from the available ring: a
// fully walked descriptor chain split into out-iovecs (guest-to-device) and
// in-iovecs (device-to-guest), in chain order. Out-iovecs always precede
// in-iovecs, matching the wire convention every virtio device type relies
// on.
type Element struct {
	Head      uint16
	Out       []Iovec
	In        []Iovec
	DescCount int
}

// OutLen returns the total byte length of the out-iovecs.
func (e *Element) OutLen() uint32 {
	var n uint32
	for _, iov := range e.Out {
		n += iov.Length
	}
	return n
}

// InLen returns the total byte length of the in-iovecs.
func (e *Element) InLen() uint32 {
	var n uint32
	for _, iov := range e.In {
		n += iov.Length
	}
	return n
}

// Queue is a single virtqueue: descriptor table, available ring, used ring,
// plus the event-idx shadow fields. A Queue is owned by the virtio
// transport and borrowed short-term by device I/O handlers; callers are
// responsible for serializing access (per spec, via a per-queue mutex).
type Queue struct {
	mem guestmem.Space

	MaxSize uint16
	Size    uint16
	Ready   bool

	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64

	EventIdx bool // negotiated RING_EVENT_IDX

	lastAvailIdx uint16
	usedIdx      uint16
}

// NewQueue creates a queue capped at maxSize, which must be a power of two.
func NewQueue(mem guestmem.Space, maxSize uint16) *Queue {
	return &Queue{mem: mem, MaxSize: maxSize}
}

// Reset clears all queue state, as happens on a device reset or when the
// driver clears QUEUE_READY.
func (q *Queue) Reset() {
	q.Size = 0
	q.Ready = false
	q.DescAddr = 0
	q.AvailAddr = 0
	q.UsedAddr = 0
	q.lastAvailIdx = 0
	q.usedIdx = 0
}

// SetSize validates and applies a driver-requested queue size. Size must be
// a nonzero power of two not exceeding MaxSize.
func (q *Queue) SetSize(size uint16) error {
	if size == 0 {
		return fmt.Errorf("virtio: queue size cannot be zero")
	}
	if size > q.MaxSize {
		return fmt.Errorf("virtio: queue size %d exceeds max %d", size, q.MaxSize)
	}
	if size&(size-1) != 0 {
		return fmt.Errorf("virtio: queue size %d is not a power of two", size)
	}
	q.Size = size
	return nil
}

// SetAddresses configures the three ring addresses. Activation-time callers
// must validate these are nonzero and aligned before marking Ready.
func (q *Queue) SetAddresses(desc, avail, used uint64) {
	q.DescAddr = desc
	q.AvailAddr = avail
	q.UsedAddr = used
}

func (q *Queue) readInto(addr uint64, buf []byte) error {
	n, err := q.mem.ReadAt(buf, int64(addr))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest read (want %d, got %d)", len(buf), n)
	}
	return nil
}

func (q *Queue) writeFrom(addr uint64, buf []byte) error {
	n, err := q.mem.WriteAt(buf, int64(addr))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("virtio: short guest write (want %d, got %d)", len(buf), n)
	}
	return nil
}

func (q *Queue) readDescriptor(table uint64, idx uint16) (Descriptor, error) {
	var buf [descSize]byte
	if err := q.readInto(table+uint64(idx)*descSize, buf[:]); err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:   binary.LittleEndian.Uint64(buf[0:8]),
		Length: binary.LittleEndian.Uint32(buf[8:12]),
		Flags:  binary.LittleEndian.Uint16(buf[12:14]),
		Next:   binary.LittleEndian.Uint16(buf[14:16]),
	}, nil
}

// availEntry reads ring[idx mod size] from the available ring.
func (q *Queue) availEntry(idx uint16) (uint16, error) {
	var buf [2]byte
	off := q.AvailAddr + 4 + uint64(idx%q.Size)*2
	if err := q.readInto(off, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *Queue) availFlags() (uint16, error) {
	var buf [2]byte
	if err := q.readInto(q.AvailAddr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// availIdx reads the published available-ring index.
func (q *Queue) availIdx() (uint16, error) {
	var buf [2]byte
	if err := q.readInto(q.AvailAddr+2, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// avail_event shadow register, located right after the used ring's entries
// when VIRTIO_F_RING_EVENT_IDX is negotiated.
func (q *Queue) setAvailEvent(val uint16) error {
	off := q.UsedAddr + 4 + uint64(q.Size)*8
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], val)
	return q.writeFrom(off, buf[:])
}

// used_event, written by the driver right after the available ring's entries.
func (q *Queue) usedEvent() (uint16, error) {
	off := q.AvailAddr + 4 + uint64(q.Size)*2
	var buf [2]byte
	if err := q.readInto(off, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

// Pop returns the next available descriptor chain, or ok=false if the
// driver has published nothing new. Indirect descriptors (when negotiated)
// are expanded transparently.
func (q *Queue) Pop(indirectNegotiated bool) (elem Element, ok bool, err error) {
	if !q.Ready || q.Size == 0 {
		return Element{}, false, fmt.Errorf("virtio: queue not ready")
	}
	avIdx, err := q.availIdx()
	if err != nil {
		return Element{}, false, err
	}
	if q.lastAvailIdx == avIdx {
		return Element{}, false, nil
	}
	head, err := q.availEntry(q.lastAvailIdx)
	if err != nil {
		return Element{}, false, err
	}
	q.lastAvailIdx++

	e := Element{Head: head}
	if err := q.walkChain(q.DescAddr, head, &e, indirectNegotiated, 0); err != nil {
		return Element{}, false, err
	}
	return e, true, nil
}

// walkChain appends every descriptor in the chain rooted at idx (within
// table) to e, recursing once into an indirect table. depth guards against
// a chain that points into itself.
func (q *Queue) walkChain(table uint64, idx uint16, e *Element, indirectNegotiated bool, depth int) error {
	if depth > 2 {
		return fmt.Errorf("virtio: indirect descriptor nesting too deep")
	}
	var total uint64
	seen := 0
	maxSteps := int(q.Size)
	if maxSteps == 0 {
		maxSteps = 1
	}
	for {
		if seen >= maxSteps {
			return fmt.Errorf("virtio: descriptor chain cycle detected")
		}
		seen++
		desc, err := q.readDescriptor(table, idx)
		if err != nil {
			return err
		}
		if desc.Flags&virtqDescFIndirect != 0 {
			if !indirectNegotiated {
				return fmt.Errorf("virtio: indirect descriptor used without negotiation")
			}
			if desc.Length%descSize != 0 {
				return fmt.Errorf("virtio: indirect table length %d not a multiple of %d", desc.Length, descSize)
			}
			if err := q.walkChain(desc.Addr, 0, e, indirectNegotiated, depth+1); err != nil {
				return err
			}
			if desc.Flags&virtqDescFNext == 0 {
				return nil
			}
			idx = desc.Next
			continue
		}

		total += uint64(desc.Length)
		if total > maxChainLength {
			return fmt.Errorf("virtio: descriptor chain exceeds %d bytes", maxChainLength)
		}
		e.DescCount++
		iov := Iovec{Addr: desc.Addr, Length: desc.Length}
		if desc.Flags&virtqDescFWrite != 0 {
			e.In = append(e.In, iov)
		} else {
			if len(e.In) > 0 {
				return fmt.Errorf("virtio: out-iovec follows in-iovec in chain")
			}
			e.Out = append(e.Out, iov)
		}
		if desc.Flags&virtqDescFNext == 0 {
			return nil
		}
		idx = desc.Next
	}
}

// UsedIdx returns the queue's current used-ring index, for callers that need
// to snapshot it before a batch of PushUsed calls (e.g. to compute
// ShouldNotify afterward).
func (q *Queue) UsedIdx() uint16 { return q.usedIdx }

// PushUsed records head as having written length bytes and advances the
// used index.
func (q *Queue) PushUsed(head uint16, length uint32) error {
	idx := q.usedIdx % q.Size
	base := q.UsedAddr + 4 + uint64(idx)*8
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(head))
	binary.LittleEndian.PutUint32(buf[4:8], length)
	if err := q.writeFrom(base, buf[:]); err != nil {
		return err
	}
	old := q.usedIdx
	q.usedIdx++
	var idxBuf [2]byte
	binary.LittleEndian.PutUint16(idxBuf[:], q.usedIdx)
	if err := q.writeFrom(q.UsedAddr+2, idxBuf[:]); err != nil {
		return err
	}
	_ = old
	return nil
}

// ShouldNotify reports whether the device should raise an interrupt after
// having advanced the used index from oldUsed to the queue's current used
// index, per the negotiated notification policy (spec §4.1).
func (q *Queue) ShouldNotify(oldUsed uint16) (bool, error) {
	if q.EventIdx {
		event, err := q.usedEvent()
		if err != nil {
			return false, err
		}
		// raise iff old_used_idx < used_event <= new_used_idx (mod 2^16)
		return uint16(q.usedIdx-event-1) < uint16(q.usedIdx-oldUsed), nil
	}
	flags, err := q.availFlags()
	if err != nil {
		return false, err
	}
	return flags&virtqAvailFNoInterrupt == 0, nil
}

// SetAvailEventIdx publishes the device's used_event-equivalent for the
// opposite direction: when event-idx is negotiated, the device tells the
// driver which avail index to notify on next, used for notification
// suppression on the driver->device leg. Devices that never suppress their
// own notifications may leave this at the default (notify on every avail
// update) by not calling it.
func (q *Queue) SetAvailEventIdx(idx uint16) error {
	if !q.EventIdx {
		return nil
	}
	return q.setAvailEvent(idx)
}

// ReadGuest reads length bytes at addr.
func (q *Queue) ReadGuest(addr uint64, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	buf := make([]byte, length)
	if err := q.readInto(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteGuest writes data at addr.
func (q *Queue) WriteGuest(addr uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return q.writeFrom(addr, data)
}
