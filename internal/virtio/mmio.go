package virtio

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/novavisor/novavisor/internal/guestmem"
)

// Register offsets for the memory-mapped transport (spec §6). The window is
// 4 KiB; offsets at or above ConfigBase are the device-specific config
// space.
const (
	RegMagic           = 0x000
	RegVersion         = 0x004
	RegDeviceID        = 0x008
	RegVendorID        = 0x00c
	RegDeviceFeatures  = 0x010
	RegDeviceFeatSel   = 0x014
	RegDriverFeatures  = 0x020
	RegDriverFeatSel   = 0x024
	RegQueueSel        = 0x030
	RegQueueNumMax     = 0x034
	RegQueueNum        = 0x038
	RegQueueReady      = 0x044
	RegQueueNotify     = 0x050
	RegInterruptStatus = 0x060
	RegInterruptAck    = 0x064
	RegStatus          = 0x070
	RegQueueDescLow    = 0x080
	RegQueueDescHigh   = 0x084
	RegQueueAvailLow   = 0x090
	RegQueueAvailHigh  = 0x094
	RegQueueUsedLow    = 0x0a0
	RegQueueUsedHigh   = 0x0a4
	RegConfigGen       = 0x0fc
	ConfigBase         = 0x100

	mmioMagic   = 0x74726976 // "virt"
	mmioVersion = 2
)

// MMIODevice is the 4 KiB register window transport: the bridge between a
// guest driver performing MMIO accesses and a Device backend.
type MMIODevice struct {
	log *slog.Logger

	dev      Device
	vendorID uint32

	mem   guestmem.Space
	raise InterruptFunc

	status          uint32
	deviceFeatSel   uint32
	driverFeatSel   uint32
	driverFeatures  uint64
	queueSel        uint32
	queues          []*Queue
	interruptStatus atomic.Uint32
	configGen       uint32

	activated bool
	broken    bool

	// OnNotify, when set, is invoked synchronously for a QUEUE_NOTIFY
	// register write. Devices whose iothread instead watches an ioeventfd
	// directly may leave this nil.
	OnNotify func(queueIdx int)
}

// NewMMIODevice wires dev behind an MMIO transport. Each queue is created
// up front at its device-declared max size.
func NewMMIODevice(dev Device, mem guestmem.Space, raise InterruptFunc, log *slog.Logger) *MMIODevice {
	if log == nil {
		log = slog.Default()
	}
	n := dev.QueueNum()
	queues := make([]*Queue, n)
	for i := range queues {
		queues[i] = NewQueue(mem, dev.QueueSizeMax(i))
	}
	return &MMIODevice{
		log:     log,
		dev:     dev,
		mem:     mem,
		raise:   raise,
		queues:  queues,
	}
}

func (m *MMIODevice) currentQueue() *Queue {
	if int(m.queueSel) >= len(m.queues) {
		return nil
	}
	return m.queues[m.queueSel]
}

// driverFeatureWindowOpen reports whether the driver-features register may
// currently be written, per spec §4.1: only in the window after DRIVER and
// before FEATURES_OK/FAILED.
func (m *MMIODevice) driverFeatureWindowOpen() bool {
	return m.status&StatusDriver != 0 && m.status&(StatusFeaturesOK|StatusFailed) == 0
}

// ReadRegister implements a 4-byte register read at offset.
func (m *MMIODevice) ReadRegister(offset uint32) (uint32, error) {
	switch {
	case offset == RegMagic:
		return mmioMagic, nil
	case offset == RegVersion:
		return mmioVersion, nil
	case offset == RegDeviceID:
		return m.dev.DeviceID(), nil
	case offset == RegVendorID:
		return m.vendorID, nil
	case offset == RegDeviceFeatures:
		features := m.dev.DeviceFeatures()
		if m.deviceFeatSel == 1 {
			return uint32(features >> 32), nil
		}
		return uint32(features), nil
	case offset == RegQueueNumMax:
		return uint32(m.queueMaxForSel()), nil
	case offset == RegQueueReady:
		if q := m.currentQueue(); q != nil && q.Ready {
			return 1, nil
		}
		return 0, nil
	case offset == RegInterruptStatus:
		return m.interruptStatus.Load(), nil
	case offset == RegStatus:
		return m.status, nil
	case offset == RegConfigGen:
		return m.configGen, nil
	case offset >= ConfigBase:
		rel := offset - ConfigBase
		if rel >= m.dev.ConfigLen() {
			return 0, nil
		}
		n := m.dev.ConfigLen() - rel
		if n > 4 {
			n = 4
		}
		buf := make([]byte, 4)
		m.dev.ReadConfig(uint16(rel), buf[:n])
		return leUint32(buf), nil
	default:
		return 0, nil
	}
}

func (m *MMIODevice) queueMaxForSel() uint16 {
	if int(m.queueSel) >= len(m.queues) {
		return 0
	}
	return m.queues[m.queueSel].MaxSize
}

// WriteRegister implements a 4-byte register write at offset.
func (m *MMIODevice) WriteRegister(offset uint32, value uint32) error {
	switch {
	case offset == RegDeviceFeatSel:
		m.deviceFeatSel = value
	case offset == RegDriverFeatSel:
		m.driverFeatSel = value
	case offset == RegDriverFeatures:
		if !m.driverFeatureWindowOpen() {
			return nil
		}
		if m.driverFeatSel == 1 {
			m.driverFeatures = (m.driverFeatures & 0xffffffff) | uint64(value)<<32
		} else {
			m.driverFeatures = (m.driverFeatures &^ 0xffffffff) | uint64(value)
		}
	case offset == RegQueueSel:
		m.queueSel = value
	case offset == RegQueueNum:
		q := m.currentQueue()
		if q == nil {
			return fmt.Errorf("virtio-mmio: queue_num write with no queue selected")
		}
		return q.SetSize(uint16(value))
	case offset == RegQueueReady:
		q := m.currentQueue()
		if q == nil {
			return fmt.Errorf("virtio-mmio: queue_ready write with no queue selected")
		}
		q.Ready = value != 0
		if q.Ready {
			q.EventIdx = m.driverFeatures&FeatureRingEventIdx != 0
		} else {
			q.Reset()
		}
	case offset == RegQueueDescLow:
		m.withQueue(func(q *Queue) { q.DescAddr = setLow(q.DescAddr, value) })
	case offset == RegQueueDescHigh:
		m.withQueue(func(q *Queue) { q.DescAddr = setHigh(q.DescAddr, value) })
	case offset == RegQueueAvailLow:
		m.withQueue(func(q *Queue) { q.AvailAddr = setLow(q.AvailAddr, value) })
	case offset == RegQueueAvailHigh:
		m.withQueue(func(q *Queue) { q.AvailAddr = setHigh(q.AvailAddr, value) })
	case offset == RegQueueUsedLow:
		m.withQueue(func(q *Queue) { q.UsedAddr = setLow(q.UsedAddr, value) })
	case offset == RegQueueUsedHigh:
		m.withQueue(func(q *Queue) { q.UsedAddr = setHigh(q.UsedAddr, value) })
	case offset == RegQueueNotify:
		return m.handleNotify(int(value))
	case offset == RegInterruptAck:
		m.interruptStatus.Store(m.interruptStatus.Load() &^ value)
	case offset == RegStatus:
		return m.writeStatus(value)
	case offset >= ConfigBase:
		rel := offset - ConfigBase
		if rel >= m.dev.ConfigLen() {
			return nil
		}
		n := m.dev.ConfigLen() - rel
		if n > 4 {
			n = 4
		}
		buf := make([]byte, 4)
		putLEUint32(buf, value)
		m.dev.WriteConfig(uint16(rel), buf[:n])
	}
	return nil
}

func (m *MMIODevice) withQueue(fn func(q *Queue)) {
	if q := m.currentQueue(); q != nil {
		fn(q)
	}
}

func (m *MMIODevice) writeStatus(value uint32) error {
	if value == 0 {
		m.log.Debug("virtio device reset via status register")
		m.dev.Reset()
		for _, q := range m.queues {
			q.Reset()
		}
		m.status = 0
		m.broken = false
		m.activated = false
		return nil
	}
	if m.status&StatusFailed != 0 {
		// FAILED is sticky; only a reset (handled above) clears it.
		m.status = value | StatusFailed
		return nil
	}
	prevOK := m.status&StatusDriverOK != 0
	m.status = value
	if value&StatusFailed != 0 {
		m.dev.Deactivate()
		m.activated = false
		return nil
	}
	if !prevOK && value&StatusDriverOK != 0 {
		return m.activate()
	}
	return nil
}

func (m *MMIODevice) activate() error {
	negotiated := m.dev.CheckedDriverFeatures(m.driverFeatures)
	m.dev.SetDriverFeatures(negotiated)
	if err := m.dev.Activate(m.mem, m.injectInterrupt, m.queues); err != nil {
		m.status |= StatusNeedsReset
		m.raiseConfig()
		return fmt.Errorf("virtio-mmio: activate: %w", err)
	}
	m.activated = true
	return nil
}

func (m *MMIODevice) handleNotify(queueIdx int) error {
	if m.broken {
		return nil
	}
	if queueIdx < 0 || queueIdx >= len(m.queues) {
		return fmt.Errorf("virtio-mmio: notify for out-of-range queue %d", queueIdx)
	}
	// Draining normally happens on the device's iothread in response to the
	// ioeventfd this register is paired with; OnNotify exists for transports
	// or tests without ioeventfd wiring.
	if m.OnNotify != nil {
		m.OnNotify(queueIdx)
	}
	return nil
}

// injectInterrupt is the InterruptFunc handed to the device backend.
func (m *MMIODevice) injectInterrupt(kind InterruptKind, _ *Queue) {
	var bit uint32
	switch kind {
	case InterruptVring:
		bit = 0x1
	case InterruptConfig:
		bit = 0x2
	}
	for {
		old := m.interruptStatus.Load()
		if m.interruptStatus.CompareAndSwap(old, old|bit) {
			break
		}
	}
	if m.raise != nil {
		m.raise(kind, nil)
	}
}

func (m *MMIODevice) raiseConfig() {
	m.configGen++
	m.injectInterrupt(InterruptConfig, nil)
	m.injectInterrupt(InterruptVring, nil)
}

// MarkBroken escalates a fatal queue-handler failure: sets NEEDS_RESET,
// raises both interrupt kinds (a lone Config interrupt has been observed to
// leave some guests wedged), and causes subsequent notifications to be
// ignored until reset.
func (m *MMIODevice) MarkBroken() {
	if m.broken {
		return
	}
	m.broken = true
	m.status |= StatusNeedsReset
	m.raiseConfig()
}

func leUint32(b []byte) uint32 {
	var v uint32
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint32(b[i])
	}
	return v
}

func putLEUint32(b []byte, v uint32) {
	for i := range b {
		if i < len(b) {
			b[i] = byte(v)
			v >>= 8
		}
	}
}

func setLow(addr uint64, low uint32) uint64  { return (addr &^ 0xffffffff) | uint64(low) }
func setHigh(addr uint64, high uint32) uint64 { return (addr & 0xffffffff) | uint64(high)<<32 }
