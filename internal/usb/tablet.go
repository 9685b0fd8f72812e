package usb

import (
	"log/slog"
)

// Tablet coordinate clamp, matching the wire format's signed 15-bit usable
// range for an absolute pointer axis.
const tabletCoordinateMax = 0x7fff

const (
	inputButtonMask      = 0x7
	inputButtonWheelUp   = 0x08
	inputButtonWheelDown = 0x10
)

var tabletStrings = []string{"novavisor", "novavisor USB Tablet", "HID Tablet", "1"}

// tabletDeviceDescriptor is the 18-byte USB device descriptor for the
// emulated tablet: vendor/product ids borrowed from the original HID
// tablet this core is grounded on (idVendor 0x0627, idProduct 0x0001).
var tabletDeviceDescriptor = []byte{
	18, 1, // bLength, bDescriptorType=DEVICE
	0x00, 0x01, // bcdUSB 1.00
	0, 0, 0, // class/subclass/protocol: defined at interface level
	8,          // bMaxPacketSize0
	0x27, 0x06, // idVendor 0x0627
	0x01, 0x00, // idProduct 0x0001
	0x00, 0x00, // bcdDevice
	1, 2, 3, // iManufacturer, iProduct, iSerialNumber
	1, // bNumConfigurations
}

// tabletConfigDescriptor concatenates the configuration, interface, HID
// class, and endpoint descriptors the tablet's single configuration
// presents.
var tabletConfigDescriptor = buildTabletConfig()

func buildTabletConfig() []byte {
	const totalLen = 9 + 9 + 9 + 7
	b := make([]byte, 0, totalLen)
	b = append(b,
		9, 2, // bLength, bDescriptorType=CONFIGURATION
		byte(totalLen), 0, // wTotalLength
		1,           // bNumInterfaces
		1,           // bConfigurationValue
		4,           // iConfiguration
		0x80|0x40,   // bmAttributes: one, self-powered
		50,          // bMaxPower (100mA)
	)
	b = append(b,
		9, 4, // bLength, bDescriptorType=INTERFACE
		0, 0, // bInterfaceNumber, bAlternateSetting
		1,    // bNumEndpoints
		3,    // bInterfaceClass=HID
		0, 0, // bInterfaceSubClass, bInterfaceProtocol
		0, // iInterface
	)
	// HID class descriptor: bcdHID 1.00, country 0, 1 report descriptor of
	// type Report (0x22), length 74.
	b = append(b, 0x09, 0x21, 0x01, 0x00, 0x00, 0x01, 0x22, 74, 0x00)
	b = append(b,
		7, 5, // bLength, bDescriptorType=ENDPOINT
		0x81,       // bEndpointAddress: IN, endpoint 1
		0x03,       // bmAttributes: interrupt
		8, 0,       // wMaxPacketSize
		0x0a, // bInterval
	)
	return b
}

// Tablet is an absolute-pointer HID device: one interrupt IN endpoint
// delivering PointerReport entries, clamped to tabletCoordinateMax.
type Tablet struct {
	id     string
	dev    *Device
	queue  pointerQueue
	reg    *Registry
}

// NewTablet builds a tablet adapter with id used for its device registry
// key and USB device identity.
func NewTablet(id string, reg *Registry) *Tablet {
	t := &Tablet{id: id, dev: NewDevice(), reg: reg}
	t.dev.Speed = SpeedFull
	t.dev.Descriptors = NewDescriptor(tabletDeviceDescriptor, []Config{{
		Raw:           tabletConfigDescriptor,
		Value:         1,
		Attributes:    configAttrSelfPowered,
		NumInterfaces: 1,
	}}, tabletStrings)
	t.dev.In[0].Type = EndpointInterrupt
	return t
}

// PointEvent records a pointer-event click/move: button is the pressed
// button bitmask (bit 3 = wheel up, bit 4 = wheel down, bits 0-2 = button
// state), x/y are absolute coordinates clamped to tabletCoordinateMax.
// Enqueuing into a full queue is a no-op, matching the HID wakeup
// property. On success the controller is notified so it can service the
// new report.
func (t *Tablet) PointEvent(button, x, y uint32) error {
	var posZ int8
	switch button {
	case inputButtonWheelUp:
		posZ = 1
	case inputButtonWheelDown:
		posZ = -1
	}

	report := PointerReport{
		PosX:        clampUint16(x, tabletCoordinateMax),
		PosY:        clampUint16(y, tabletCoordinateMax),
		PosZ:        posZ,
		ButtonState: uint8(button) & inputButtonMask,
	}
	t.queue.push(report)

	if t.reg == nil {
		return nil
	}
	return NotifyController(t.reg, t)
}

func clampUint16(v uint32, max uint16) uint16 {
	if v > uint32(max) {
		return max
	}
	return uint16(v)
}

// Reset implements DeviceOps.
func (t *Tablet) Reset() {
	slog.Debug("usb: tablet reset", "device", t.id)
	t.dev.RemoteWakeup = false
	t.dev.Addr = 0
}

// HandleControl implements DeviceOps: it first offers the request to the
// shared descriptor logic, then stalls anything left unclaimed (the HID
// report-descriptor class request is out of scope for this core).
func (t *Tablet) HandleControl(pkt *Packet, req DeviceRequest) {
	handled, err := t.dev.HandleControlForDescriptor(pkt, req)
	if err != nil {
		slog.Debug("usb: tablet descriptor request failed", "device", t.id, "error", err)
		return
	}
	if handled {
		return
	}
	pkt.Status = StatusStall
}

// HandleData implements DeviceOps: the interrupt IN endpoint drains the
// pointer report queue, one report per transfer.
func (t *Tablet) HandleData(pkt *Packet) {
	report, ok := t.queue.pop()
	if !ok {
		pkt.Status = StatusNak
		return
	}
	encoded := encodePointerReport(report)
	pkt.TransferPacket(encoded, len(encoded))
}

func encodePointerReport(r PointerReport) []byte {
	return []byte{
		r.ButtonState,
		byte(r.PosX), byte(r.PosX >> 8),
		byte(r.PosY), byte(r.PosY >> 8),
		byte(r.PosZ),
	}
}

// DeviceID implements DeviceOps.
func (t *Tablet) DeviceID() string { return t.id }

// UsbDevice implements DeviceOps.
func (t *Tablet) UsbDevice() *Device { return t.dev }

// WakeupEndpoint implements DeviceOps: the tablet wakes its interrupt IN
// endpoint (endpoint 1).
func (t *Tablet) WakeupEndpoint() Endpoint { return t.dev.In[0] }
