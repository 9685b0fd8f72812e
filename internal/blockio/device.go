package blockio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/novavisor/novavisor/internal/driveregistry"
	"github.com/novavisor/novavisor/internal/guestmem"
	"github.com/novavisor/novavisor/internal/virtio"
)

// Virtio block feature bits (spec §4.2).
const (
	featSizeMax       = 1 << 1
	featSegMax        = 1 << 2
	featGeometry      = 1 << 4
	featReadOnly      = 1 << 5
	featBlkSize       = 1 << 6
	featFlush         = 1 << 9
	featTopology      = 1 << 10
	featConfigWCE     = 1 << 11
	featDiscard       = 1 << 13
	featWriteZeroes   = 1 << 14
	featMultiQueue    = 1 << 12
)

const blkDeviceID = 2

const blkQueueRequest = 0

// configLayout byte offsets, in negotiated-feature order (spec §6).
const (
	cfgCapacity          = 0  // u64
	cfgSizeMax           = 8  // u32
	cfgSegMax            = 12 // u32
	cfgGeometry          = 16 // u16+u8+u8 = 4 bytes
	cfgBlkSize           = 20 // u32
	cfgTopology          = 24 // physical_block_exp(u8) align_offset(u8) min_io_size(u16) opt_io_size(u32) = 8
	cfgWCE               = 32 // u8 + 1 reserved
	cfgNumQueues         = 34 // u16
	cfgMaxDiscardSectors = 36 // u32
	cfgMaxDiscardSeg     = 40 // u32
	cfgDiscardAlign      = 44 // u32
	cfgMaxWZSectors      = 48 // u32
	cfgMaxWZSeg          = 52 // u32
	cfgWZMayUnmap        = 56 // u8 + 3 reserved
	cfgTotalLen          = 60
)

// Backend selects which AIO execution strategy a Blk device submits
// through.
type Backend int

const (
	BackendOff Backend = iota
	BackendNative
	BackendRing
)

// Format selects how the drive-registry handle's bytes are interpreted.
type Format int

const (
	FormatRaw Format = iota
	FormatQCOW2
)

// maxCachedL2Tables bounds how many QCOW2 L2 tables stay resident per image;
// one entry per image's working set of hot clusters.
const maxCachedL2Tables = 32

// Options configures a Blk device at realize time.
type Options struct {
	Path          string
	ReadOnly      bool
	Direct        bool
	DiscardEnable bool
	WriteZeroes   bool
	MultiQueue    bool
	IOPSLimit     int
	Backend       Backend
	Format        Format
	ReqAlign      int // required alignment for direct I/O; 0 defaults to 512
}

// Blk is the virtio-blk device backend.
type Blk struct {
	log *slog.Logger
	reg *driveregistry.Registry

	handle *driveregistry.Handle
	opts   Options

	diskSectors uint64
	config      [cfgTotalLen]byte
	configLen   uint32
	features    uint64
	negotiated  uint64

	mem   guestmem.Space
	raise virtio.InterruptFunc
	queue *virtio.Queue

	sync   SyncBackend
	native *NativeBackend
	ring   *RingBackend

	qcow2 *qcow2Image

	throttle *Throttle

	mu      sync.Mutex
	pending []*Request
	broken  bool

	markBroken func()
}

// NewBlk constructs an unrealized block device.
func NewBlk(reg *driveregistry.Registry, opts Options, log *slog.Logger) *Blk {
	if log == nil {
		log = slog.Default()
	}
	return &Blk{log: log, reg: reg, opts: opts, throttle: NewThrottle(opts.IOPSLimit)}
}

// Realize opens the backing file via the drive registry, stats its size,
// and populates config space (spec §4.2 "Lifecycle").
func (b *Blk) Realize() error {
	h, err := b.reg.Open(b.opts.Path, b.opts.ReadOnly, b.opts.Direct)
	if err != nil {
		return fmt.Errorf("blockio: realize: %w", err)
	}
	b.handle = h

	if b.opts.Format == FormatQCOW2 {
		img, err := openQcow2Image(h.File, maxCachedL2Tables, b.log)
		if err != nil {
			return fmt.Errorf("blockio: %s: %w", b.opts.Path, err)
		}
		b.qcow2 = img
		b.diskSectors = img.virtualDiskSize() / SectorSize
	} else {
		fi, err := h.File.Stat()
		if err != nil {
			return fmt.Errorf("blockio: stat %s: %w", b.opts.Path, err)
		}
		b.diskSectors = uint64(fi.Size()) / SectorSize
	}

	b.features = virtio.FeatureVersion1 | virtio.FeatureRingIndirectDesc | virtio.FeatureRingEventIdx |
		featFlush | featSizeMax | featSegMax | featBlkSize
	if b.opts.ReadOnly {
		b.features |= featReadOnly
	}
	if b.opts.MultiQueue {
		b.features |= featMultiQueue
	}
	if b.opts.DiscardEnable {
		b.features |= featDiscard
	}
	if b.opts.WriteZeroes {
		b.features |= featWriteZeroes
	}

	b.buildConfig()

	switch b.opts.Backend {
	case BackendNative:
		nb, err := NewNativeBackend()
		if err != nil {
			return fmt.Errorf("blockio: native backend: %w", err)
		}
		b.native = nb
	case BackendRing:
		rb, err := NewRingBackend(nativeInFlightWindow)
		if err != nil {
			return fmt.Errorf("blockio: ring backend: %w", err)
		}
		b.ring = rb
	}

	return nil
}

func (b *Blk) buildConfig() {
	var cfg [cfgTotalLen]byte
	binary.LittleEndian.PutUint64(cfg[cfgCapacity:], b.diskSectors)
	binary.LittleEndian.PutUint32(cfg[cfgSizeMax:], 1<<20)
	binary.LittleEndian.PutUint32(cfg[cfgSegMax:], uint32(virtio.MaxQueueSize-2))
	binary.LittleEndian.PutUint32(cfg[cfgBlkSize:], SectorSize)
	if b.opts.DiscardEnable {
		binary.LittleEndian.PutUint32(cfg[cfgMaxDiscardSectors:], MaxRequestSectors)
		binary.LittleEndian.PutUint32(cfg[cfgMaxDiscardSeg:], 1)
		binary.LittleEndian.PutUint32(cfg[cfgDiscardAlign:], SectorSize)
	}
	if b.opts.WriteZeroes {
		binary.LittleEndian.PutUint32(cfg[cfgMaxWZSectors:], MaxRequestSectors)
		binary.LittleEndian.PutUint32(cfg[cfgMaxWZSeg:], 1)
		if b.opts.DiscardEnable {
			cfg[cfgWZMayUnmap] = 1
		}
	}
	binary.LittleEndian.PutUint16(cfg[cfgNumQueues:], 1)
	b.config = cfg
	b.configLen = b.computeConfigLen()
}

// computeConfigLen truncates config space to the offset of the first field
// gated by a feature bit that was not advertised. Capacity is unconditional;
// every field after it is checked in layout order, and the walk stops at the
// first missing gate.
func (b *Blk) computeConfigLen() uint32 {
	length := uint32(cfgSizeMax)
	if b.features&featSizeMax == 0 {
		return length
	}
	length = cfgSegMax
	if b.features&featSegMax == 0 {
		return length
	}
	length = cfgGeometry
	if b.features&featGeometry == 0 {
		return length
	}
	length = cfgBlkSize
	if b.features&featBlkSize == 0 {
		return length
	}
	length = cfgTopology
	if b.features&featTopology == 0 {
		return length
	}
	length = cfgWCE
	if b.features&featConfigWCE == 0 {
		return length
	}
	length = cfgNumQueues
	if b.features&featMultiQueue == 0 {
		return length
	}
	length = cfgMaxDiscardSectors
	if b.features&featDiscard == 0 {
		return length
	}
	length = cfgMaxWZSectors
	if b.features&featWriteZeroes == 0 {
		return length
	}
	return cfgTotalLen
}

// DeviceID implements virtio.Device.
func (b *Blk) DeviceID() uint32 { return blkDeviceID }

// QueueNum implements virtio.Device.
func (b *Blk) QueueNum() int {
	if b.opts.MultiQueue {
		return 4
	}
	return 1
}

// QueueSizeMax implements virtio.Device.
func (b *Blk) QueueSizeMax(int) uint16 { return virtio.MaxQueueSize }

// DeviceFeatures implements virtio.Device.
func (b *Blk) DeviceFeatures() uint64 { return b.features }

// CheckedDriverFeatures implements virtio.Device.
func (b *Blk) CheckedDriverFeatures(driver uint64) uint64 { return driver & b.features }

// SetDriverFeatures implements virtio.Device.
func (b *Blk) SetDriverFeatures(f uint64) { b.negotiated = f }

// ReadConfig implements virtio.Device.
func (b *Blk) ReadConfig(offset uint16, data []byte) {
	copy(data, b.config[offset:])
}

// WriteConfig implements virtio.Device. Block config space is read-only
// except for the (unimplemented) writeback-cache-enable toggle.
func (b *Blk) WriteConfig(uint16, []byte) {}

// ConfigLen implements virtio.Device.
func (b *Blk) ConfigLen() uint32 { return b.configLen }

// Activate implements virtio.Device.
func (b *Blk) Activate(mem guestmem.Space, raise virtio.InterruptFunc, queues []*virtio.Queue) error {
	b.mem = mem
	b.raise = raise
	b.queue = queues[blkQueueRequest]
	b.broken = false
	return nil
}

// Deactivate implements virtio.Device.
func (b *Blk) Deactivate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = nil
	if b.native != nil {
		b.native.Close()
	}
	if b.ring != nil {
		b.ring.Close()
	}
}

// Reset implements virtio.Device.
func (b *Blk) Reset() {
	b.Deactivate()
	b.broken = false
}

// SetMarkBroken wires the escalation callback the owning transport exposes
// (virtio.MMIODevice.MarkBroken), invoked when a queue-handler failure is
// fatal.
func (b *Blk) SetMarkBroken(fn func()) { b.markBroken = fn }

// notifyBudget bounds how long one ProcessQueue call may run before
// re-signalling itself for a later turn of the event loop (spec §4.2
// "Notification suppression").
const notifyBudget = 100 * time.Millisecond

// ProcessQueue drains every available request, merges contiguous ones,
// submits them, and raises an interrupt per the negotiated policy. It
// returns selfRenotify=true if the wall-clock budget was exhausted with
// more work left, in which case the caller should re-signal its own
// event-fd to be re-entered.
func (b *Blk) ProcessQueue() (selfRenotify bool, err error) {
	if b.broken {
		return false, nil
	}
	deadline := time.Now().Add(notifyBudget)
	oldUsed := b.queue.UsedIdx()

	for {
		if time.Now().After(deadline) {
			return true, nil
		}
		e, ok, err := b.queue.Pop(b.negotiated&virtio.FeatureRingIndirectDesc != 0)
		if err != nil {
			b.escalate(err)
			return false, err
		}
		if !ok {
			break
		}
		req, err := ParseRequest(b.queue, e)
		if err != nil {
			if IsUnsupported(err) {
				b.completeStatus(req, StatusUnsupp)
				continue
			}
			b.escalate(err)
			return false, err
		}
		if err := b.validate(req); err != nil {
			b.completeStatus(req, StatusIOErr)
			continue
		}

		b.mu.Lock()
		b.pending = append(b.pending, req)
		b.mu.Unlock()
	}

	b.drainPending()

	notify, err := b.queue.ShouldNotify(oldUsed)
	if err != nil {
		return false, err
	}
	if notify && b.raise != nil {
		b.raise(virtio.InterruptVring, b.queue)
	}
	return false, nil
}

func (b *Blk) validate(req *Request) error {
	switch req.Type {
	case TypeIn:
		return ValidateRange(req.Sector, req.InLen, b.diskSectors)
	case TypeOut:
		return ValidateRange(req.Sector, req.DataLen, b.diskSectors)
	case TypeDiscard:
		if req.SegUnmap {
			return fmt.Errorf("blockio: UNMAP set on a discard request")
		}
		return b.validateSegment(req)
	case TypeWriteZeroes:
		return b.validateSegment(req)
	default:
		return nil
	}
}

func (b *Blk) validateSegment(req *Request) error {
	if req.SegCount > MaxRequestSectors {
		return fmt.Errorf("blockio: segment exceeds max request sectors")
	}
	if req.SegSector > b.diskSectors || uint64(req.SegCount) > b.diskSectors-req.SegSector {
		return fmt.Errorf("blockio: segment range exceeds disk size")
	}
	return nil
}

func (b *Blk) drainPending() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	for _, req := range MergeRequests(batch) {
		b.submit(req)
	}
}

func (b *Blk) submit(req *Request) {
	switch req.Type {
	case TypeDiscard, TypeWriteZeroes:
		b.submitSegment(req)
		return
	case TypeFlush:
		b.submitFlush(req)
		return
	}

	if ok, retry := b.throttle.Admit(); !ok {
		b.mu.Lock()
		b.pending = append([]*Request{req}, b.pending...)
		b.mu.Unlock()
		time.AfterFunc(retry, func() { b.drainPending() })
		return
	}

	hostIovs, err := TranslateIovecs(b.queue, MergedIovecs(req), req.Type == TypeIn)
	if err != nil {
		b.completeChain(req, StatusIOErr)
		return
	}

	offset := int64(req.Sector) * SectorSize
	length := int64(MergedDataLen(req))

	if b.qcow2 != nil {
		b.submitQcow2(req, hostIovs, offset, length)
		return
	}

	if req.Type == TypeOut && b.shouldPromoteToWriteZeroes(hostIovs) {
		b.promoteAndSubmit(req, offset, length)
		return
	}

	align := b.opts.ReqAlign
	if align == 0 {
		align = SectorSize
	}
	if b.opts.Direct && !isAligned(offset, length, hostIovs, align) {
		b.submitBounced(req, offset, length, align, hostIovs)
		return
	}

	cb := &AioCb{
		Fd:       b.handle.Fd(),
		Offset:   offset,
		Length:   length,
		Iovecs:   hostIovs,
		DirectIO: b.opts.Direct,
		ReqAlign: align,
	}
	if req.Type == TypeIn {
		cb.Opcode = OpPreadv
	} else {
		cb.Opcode = OpPwritev
	}
	cb.Complete = func(res int64) { b.onComplete(req, res, length) }
	b.dispatch(cb)
}

// shouldPromoteToWriteZeroes implements the PWRITEV->WRITE_ZEROES promotion
// rule (spec §4.2): an all-zero write payload gets rewritten as a
// WRITE_ZEROES when the feature is not Off.
func (b *Blk) shouldPromoteToWriteZeroes(iovs []HostIovec) bool {
	if !b.opts.WriteZeroes {
		return false
	}
	for _, iov := range iovs {
		for _, by := range iov.Base {
			if by != 0 {
				return false
			}
		}
	}
	return true
}

func (b *Blk) promoteAndSubmit(req *Request, offset, length int64) {
	cb := &AioCb{
		Fd:     b.handle.Fd(),
		Offset: offset,
		Length: length,
		Opcode: OpWriteZeroes,
		ZeroesPolicy: WriteZeroesPolicy{
			Unmap:          b.opts.DiscardEnable,
			DiscardEnabled: b.opts.DiscardEnable,
		},
	}
	cb.Complete = func(res int64) { b.onComplete(req, res, length) }
	b.sync.Submit(cb)
}

func (b *Blk) submitSegment(req *Request) {
	offset := int64(req.SegSector) * SectorSize
	length := int64(req.SegCount) * SectorSize
	opcode := OpDiscard
	if req.Type == TypeWriteZeroes {
		opcode = OpWriteZeroes
	}
	cb := &AioCb{
		Fd:     b.handle.Fd(),
		Offset: offset,
		Length: length,
		Opcode: opcode,
		ZeroesPolicy: WriteZeroesPolicy{
			Unmap:          req.SegUnmap,
			DiscardEnabled: b.opts.DiscardEnable,
		},
	}
	cb.Complete = func(res int64) { b.onComplete(req, res, 0) }
	// Discard/write-zeroes always go through the synchronous fallocate path
	// regardless of AIO backend mode, matching the original's treatment of
	// these as metadata operations rather than data-plane I/O.
	b.sync.Submit(cb)
}

// submitQcow2 walks offset..offset+length through the image's L1/L2 tables
// (qcow2Image.translate) and issues one AioCb per cluster-aligned run,
// gathering a write's source bytes (or scattering a read's result bytes)
// through a single flat buffer shaped like the merged request. A read that
// lands on a hole is zero-filled without touching the backend; a write
// that lands on a hole fails, since cluster allocation is not implemented.
func (b *Blk) submitQcow2(req *Request, hostIovs []HostIovec, offset, length int64) {
	runs, err := b.qcow2.translate(offset, length)
	if err != nil {
		b.completeChain(req, StatusIOErr)
		return
	}

	var flat []byte
	if req.Type == TypeOut {
		flat = flattenIovecs(hostIovs, length)
	} else {
		flat = make([]byte, length)
	}

	pending := int64(0)
	for _, r := range runs {
		if req.Type == TypeOut && r.hole {
			b.completeChain(req, StatusIOErr)
			return
		}
		if req.Type == TypeIn && r.hole {
			continue // flat is already zero-valued
		}
		pending++
	}
	if pending == 0 {
		b.finishQcow2(req, hostIovs, flat, length)
		return
	}

	var remaining atomic.Int64
	remaining.Store(pending)
	var failed atomic.Bool
	for _, r := range runs {
		if r.hole {
			continue
		}
		cb := &AioCb{
			Fd:     b.handle.Fd(),
			Offset: r.hostOff,
			Length: r.length,
			Iovecs: []HostIovec{{Base: flat[r.guestOff : r.guestOff+r.length]}},
		}
		if req.Type == TypeIn {
			cb.Opcode = OpPreadv
		} else {
			cb.Opcode = OpPwritev
		}
		cb.Complete = func(res int64) {
			if res < 0 || res != r.length {
				failed.Store(true)
			}
			if remaining.Add(-1) == 0 {
				if failed.Load() {
					b.completeChain(req, StatusIOErr)
					return
				}
				b.finishQcow2(req, hostIovs, flat, length)
			}
		}
		b.dispatch(cb)
	}
}

// finishQcow2 delivers a completed translation's bytes and acknowledges the
// request through onComplete, so a write still gets the flush-before-ack
// step (spec §4.2) when FLUSH was not negotiated.
func (b *Blk) finishQcow2(req *Request, hostIovs []HostIovec, flat []byte, length int64) {
	if req.Type == TypeIn {
		scatterIovecs(hostIovs, flat)
	}
	b.onComplete(req, length, length)
}

// flattenIovecs concatenates iovs into one buffer of the given total
// length, for gathering a write's source bytes ahead of a cluster split.
func flattenIovecs(iovs []HostIovec, length int64) []byte {
	buf := make([]byte, length)
	pos := 0
	for _, iov := range iovs {
		pos += copy(buf[pos:], iov.Base)
	}
	return buf
}

// scatterIovecs copies buf back out across iovs' Base slices, reversing
// flattenIovecs, for delivering a read's result bytes to the guest.
func scatterIovecs(iovs []HostIovec, buf []byte) {
	pos := 0
	for _, iov := range iovs {
		pos += copy(iov.Base, buf[pos:])
	}
}

func (b *Blk) submitFlush(req *Request) {
	cb := &AioCb{Fd: b.handle.Fd(), Opcode: OpFdsync}
	cb.Complete = func(res int64) { b.onComplete(req, res, 0) }
	b.dispatch(cb)
}

func (b *Blk) submitBounced(req *Request, offset, length int64, align int, hostIovs []HostIovec) {
	bb := NewBounceBuffer(offset, length, align)
	if req.Type == TypeOut {
		// Read-modify-write: read the aligned window first, overlay the
		// guest-supplied bytes, then write the whole aligned buffer back.
		readCb := &AioCb{
			Fd:     b.handle.Fd(),
			Offset: bb.Offset(),
			Length: int64(len(bb.Bytes())),
			Iovecs: []HostIovec{{Base: bb.Bytes()}},
			Opcode: OpPreadv,
		}
		readCb.Complete = func(int64) {
			var pos int64 = offset
			for _, iov := range hostIovs {
				bb.CopyIn(pos, iov.Base)
				pos += int64(len(iov.Base))
			}
			writeCb := &AioCb{
				Fd:     b.handle.Fd(),
				Offset: bb.Offset(),
				Length: int64(len(bb.Bytes())),
				Iovecs: []HostIovec{{Base: bb.Bytes()}},
				Opcode: OpPwritev,
			}
			writeCb.Complete = func(res int64) { b.onComplete(req, res, length) }
			b.dispatch(writeCb)
		}
		b.dispatch(readCb)
		return
	}

	readCb := &AioCb{
		Fd:     b.handle.Fd(),
		Offset: bb.Offset(),
		Length: int64(len(bb.Bytes())),
		Iovecs: []HostIovec{{Base: bb.Bytes()}},
		Opcode: OpPreadv,
	}
	readCb.Complete = func(res int64) {
		var pos int64 = offset
		for _, iov := range hostIovs {
			bb.CopyOut(pos, iov.Base)
			pos += int64(len(iov.Base))
		}
		b.onComplete(req, int64(length), length)
	}
	b.dispatch(readCb)
}

// nativeRetryDelay is how long dispatch waits before retrying a submission
// that failed because the native AIO in-flight window was full.
const nativeRetryDelay = time.Millisecond

// dispatch routes cb to the configured AIO backend. A full in-flight window
// on the native backend is transient backpressure, not a request failure:
// the submission is retried rather than completed with an error.
func (b *Blk) dispatch(cb *AioCb) {
	switch b.opts.Backend {
	case BackendNative:
		if err := b.native.Submit(cb); err != nil {
			time.AfterFunc(nativeRetryDelay, func() { b.dispatch(cb) })
		}
	case BackendRing:
		if err := b.ring.Submit(cb); err != nil {
			cb.Complete(-1)
		}
	default:
		b.sync.Submit(cb)
	}
}

// onComplete translates an AIO result into a request-level status and, for
// writes without FLUSH negotiated, performs the flush-before-ack step
// before touching the used ring (spec §4.2, §5 ordering guarantee).
func (b *Blk) onComplete(req *Request, res int64, wantLen int64) {
	status := uint8(StatusOK)
	if res < 0 || (wantLen > 0 && res != wantLen) {
		status = StatusIOErr
	}

	if status == StatusOK && req.Type == TypeOut && b.negotiated&featFlush == 0 {
		fcb := &AioCb{Fd: b.handle.Fd(), Opcode: OpFdsync}
		fcb.Complete = func(res int64) {
			if res < 0 {
				status = StatusIOErr
			}
			b.completeChain(req, status)
		}
		b.dispatch(fcb)
		return
	}

	b.completeChain(req, status)
}

// completeChain acknowledges req and every merged sibling, in submission
// order, writing each one's status byte and advancing the used ring.
func (b *Blk) completeChain(req *Request, status uint8) {
	for _, r := range Flatten(req) {
		b.completeStatus(r, status)
	}
}

// completeStatus writes req's one-byte status reply and pushes its chain
// head onto the used ring. Called exactly once per original (pre-merge)
// request, never per merged AioCb.
func (b *Blk) completeStatus(req *Request, status uint8) {
	if err := b.queue.WriteGuest(req.StatusAddr, []byte{status}); err != nil {
		b.escalate(err)
		return
	}
	if err := b.queue.PushUsed(req.Head, 1); err != nil {
		b.escalate(err)
	}
}

func (b *Blk) escalate(err error) {
	b.log.Warn("block device broken", "error", err)
	b.broken = true
	if b.markBroken != nil {
		b.markBroken()
	}
}
