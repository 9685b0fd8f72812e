package virtio

import (
	"testing"

	"github.com/novavisor/novavisor/internal/guestmem"
)

// stubDevice is a minimal Device double for exercising the MMIO register
// contract independent of any real backend.
type stubDevice struct {
	id         uint32
	queueNum   int
	queueSize  uint16
	features   uint64
	negotiated uint64
	config     []byte

	activated  bool
	deactivated bool
	resetCount int
	activateErr error
}

func (d *stubDevice) DeviceID() uint32          { return d.id }
func (d *stubDevice) QueueNum() int             { return d.queueNum }
func (d *stubDevice) QueueSizeMax(int) uint16   { return d.queueSize }
func (d *stubDevice) DeviceFeatures() uint64    { return d.features }
func (d *stubDevice) CheckedDriverFeatures(f uint64) uint64 {
	return f & d.features
}
func (d *stubDevice) SetDriverFeatures(f uint64) { d.negotiated = f }
func (d *stubDevice) ReadConfig(offset uint16, data []byte) {
	copy(data, d.config[offset:])
}
func (d *stubDevice) WriteConfig(offset uint16, data []byte) {
	copy(d.config[offset:], data)
}
func (d *stubDevice) ConfigLen() uint32 { return uint32(len(d.config)) }
func (d *stubDevice) Activate(guestmem.Space, InterruptFunc, []*Queue) error {
	if d.activateErr != nil {
		return d.activateErr
	}
	d.activated = true
	return nil
}
func (d *stubDevice) Deactivate() { d.deactivated = true }
func (d *stubDevice) Reset()      { d.resetCount++ }

func newStubMMIO() (*MMIODevice, *stubDevice) {
	dev := &stubDevice{
		id:        2,
		queueNum:  1,
		queueSize: 64,
		features:  FeatureVersion1 | FeatureRingEventIdx,
		config:    make([]byte, 8),
	}
	mem := newMockMem()
	var raised []InterruptKind
	raise := func(kind InterruptKind, _ *Queue) { raised = append(raised, kind) }
	m := NewMMIODevice(dev, mem, raise, nil)
	return m, dev
}

func TestMMIOMagicVersionAndID(t *testing.T) {
	m, dev := newStubMMIO()

	if v, _ := m.ReadRegister(RegMagic); v != mmioMagic {
		t.Fatalf("magic = 0x%x", v)
	}
	if v, _ := m.ReadRegister(RegVersion); v != mmioVersion {
		t.Fatalf("version = %d", v)
	}
	if v, _ := m.ReadRegister(RegDeviceID); v != dev.id {
		t.Fatalf("device id = %d", v)
	}
}

func TestMMIOFeatureSelectorWindow(t *testing.T) {
	m, _ := newStubMMIO()

	lo, _ := m.ReadRegister(RegDeviceFeatures)
	if lo != uint32(FeatureRingEventIdx) {
		t.Fatalf("low features = 0x%x", lo)
	}

	m.WriteRegister(RegDeviceFeatSel, 1)
	hi, _ := m.ReadRegister(RegDeviceFeatures)
	if hi != uint32(FeatureVersion1>>32) {
		t.Fatalf("high features = 0x%x", hi)
	}
}

func TestMMIODriverFeaturesGatedByStatusWindow(t *testing.T) {
	m, dev := newStubMMIO()

	// DRIVER not yet set: write should be silently ignored.
	m.WriteRegister(RegDriverFeatures, uint32(FeatureRingEventIdx))
	if m.driverFeatures != 0 {
		t.Fatal("driver features accepted outside the negotiation window")
	}

	m.WriteRegister(RegStatus, StatusAcknowledge|StatusDriver)
	m.WriteRegister(RegDriverFeatures, uint32(FeatureRingEventIdx))
	if m.driverFeatures&FeatureRingEventIdx == 0 {
		t.Fatal("driver features not accepted inside the negotiation window")
	}

	m.WriteRegister(RegStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK)
	m.WriteRegister(RegDriverFeatures, uint32(1))
	if m.driverFeatures&1 != 0 {
		t.Fatal("driver features accepted after FEATURES_OK")
	}
	_ = dev
}

func TestMMIOActivateOnDriverOK(t *testing.T) {
	m, dev := newStubMMIO()

	m.WriteRegister(RegStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK)
	if err := m.WriteRegister(RegStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK); err != nil {
		t.Fatalf("status write: %v", err)
	}
	if !dev.activated {
		t.Fatal("expected Activate to be called when DRIVER_OK is first set")
	}
}

func TestMMIOFailedStatusIsSticky(t *testing.T) {
	m, dev := newStubMMIO()

	m.WriteRegister(RegStatus, StatusAcknowledge|StatusFailed)
	m.WriteRegister(RegStatus, StatusAcknowledge)
	v, _ := m.ReadRegister(RegStatus)
	if v&StatusFailed == 0 {
		t.Fatal("FAILED should remain set until an explicit reset")
	}
	if !dev.deactivated {
		t.Fatal("expected Deactivate on transition into FAILED")
	}

	m.WriteRegister(RegStatus, 0)
	v, _ = m.ReadRegister(RegStatus)
	if v != 0 {
		t.Fatalf("status after reset = 0x%x, want 0", v)
	}
	if dev.resetCount != 1 {
		t.Fatalf("reset count = %d, want 1", dev.resetCount)
	}
}

func TestMMIOQueueReadySetsEventIdx(t *testing.T) {
	m, _ := newStubMMIO()

	m.WriteRegister(RegQueueSel, 0)
	m.WriteRegister(RegStatus, StatusAcknowledge|StatusDriver)
	m.WriteRegister(RegDriverFeatures, uint32(FeatureRingEventIdx))
	m.WriteRegister(RegQueueNum, 64)
	m.WriteRegister(RegQueueReady, 1)

	if !m.queues[0].EventIdx {
		t.Fatal("expected queue EventIdx to be set from negotiated driver features")
	}

	readyVal, _ := m.ReadRegister(RegQueueReady)
	if readyVal != 1 {
		t.Fatal("expected QUEUE_READY register to read back 1")
	}
}

func TestMMIOConfigSpaceReadWrite(t *testing.T) {
	m, dev := newStubMMIO()
	dev.config[0] = 0xAB

	v, _ := m.ReadRegister(ConfigBase)
	if byte(v) != 0xAB {
		t.Fatalf("config byte 0 = 0x%x, want 0xab", byte(v))
	}

	m.WriteRegister(ConfigBase+4, 0x11223344)
	if dev.config[4] != 0x44 {
		t.Fatalf("config byte 4 = 0x%x", dev.config[4])
	}
}

func TestMMIOMarkBrokenSetsNeedsReset(t *testing.T) {
	m, _ := newStubMMIO()
	m.MarkBroken()

	v, _ := m.ReadRegister(RegStatus)
	if v&StatusNeedsReset == 0 {
		t.Fatal("expected NEEDS_RESET after MarkBroken")
	}

	if err := m.handleNotify(0); err != nil {
		t.Fatalf("handleNotify after broken: %v", err)
	}
}

func TestMMIONotifyInvokesOnNotifyHook(t *testing.T) {
	m, _ := newStubMMIO()
	var got = -1
	m.OnNotify = func(queueIdx int) { got = queueIdx }

	if err := m.WriteRegister(RegQueueNotify, 0); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if got != 0 {
		t.Fatalf("OnNotify called with queue %d, want 0", got)
	}
}
