package usb

import "log/slog"

var keyboardStrings = []string{"novavisor", "novavisor USB Keyboard", "HID Keyboard", "2"}

// keyboardDeviceDescriptor mirrors tabletDeviceDescriptor's layout with a
// distinct product id so the two adapters enumerate as separate devices.
var keyboardDeviceDescriptor = []byte{
	18, 1,
	0x00, 0x01,
	0, 0, 0,
	8,
	0x27, 0x06,
	0x02, 0x00, // idProduct 0x0002
	0x00, 0x00,
	1, 2, 3,
	1,
}

var keyboardConfigDescriptor = buildKeyboardConfig()

func buildKeyboardConfig() []byte {
	const totalLen = 9 + 9 + 9 + 7
	b := make([]byte, 0, totalLen)
	b = append(b,
		9, 2,
		byte(totalLen), 0,
		1,
		1,
		4,
		0x80|0x40,
		50,
	)
	b = append(b,
		9, 4,
		0, 0,
		1,
		3, // HID
		1, // boot subclass
		1, // keyboard protocol
		0,
	)
	// Boot-keyboard HID report descriptor is a fixed 63 bytes in the
	// ecosystem's reference implementations.
	b = append(b, 0x09, 0x21, 0x01, 0x00, 0x00, 0x01, 0x22, 63, 0x00)
	b = append(b,
		7, 5,
		0x81,
		0x03,
		8, 0,
		0x0a,
	)
	return b
}

// Keyboard is a boot-protocol USB HID keyboard: one interrupt IN endpoint
// delivering KeyReport entries.
type Keyboard struct {
	id    string
	dev   *Device
	queue keyQueue
	reg   *Registry
}

// NewKeyboard builds a keyboard adapter with id used for its device
// registry key and USB device identity.
func NewKeyboard(id string, reg *Registry) *Keyboard {
	k := &Keyboard{id: id, dev: NewDevice(), reg: reg}
	k.dev.Speed = SpeedFull
	k.dev.Descriptors = NewDescriptor(keyboardDeviceDescriptor, []Config{{
		Raw:           keyboardConfigDescriptor,
		Value:         1,
		Attributes:    configAttrSelfPowered,
		NumInterfaces: 1,
	}}, keyboardStrings)
	k.dev.In[0].Type = EndpointInterrupt
	return k
}

// KeyEvent enqueues a boot-protocol key report. Enqueuing into a full
// queue is a no-op, matching the tablet adapter's HID wakeup property.
func (k *Keyboard) KeyEvent(modifiers byte, keys [6]byte) error {
	k.queue.push(KeyReport{Modifiers: modifiers, Keys: keys})
	if k.reg == nil {
		return nil
	}
	return NotifyController(k.reg, k)
}

// Reset implements DeviceOps.
func (k *Keyboard) Reset() {
	slog.Debug("usb: keyboard reset", "device", k.id)
	k.dev.RemoteWakeup = false
	k.dev.Addr = 0
}

// HandleControl implements DeviceOps: it first offers the request to the
// shared descriptor logic, then stalls anything left unclaimed
// (boot-protocol/report-protocol class requests are out of scope for this
// core).
func (k *Keyboard) HandleControl(pkt *Packet, req DeviceRequest) {
	handled, err := k.dev.HandleControlForDescriptor(pkt, req)
	if err != nil {
		slog.Debug("usb: keyboard descriptor request failed", "device", k.id, "error", err)
		return
	}
	if handled {
		return
	}
	pkt.Status = StatusStall
}

// HandleData implements DeviceOps: the interrupt IN endpoint drains the
// key report queue, one report per transfer.
func (k *Keyboard) HandleData(pkt *Packet) {
	report, ok := k.queue.pop()
	if !ok {
		pkt.Status = StatusNak
		return
	}
	encoded := []byte{report.Modifiers, 0,
		report.Keys[0], report.Keys[1], report.Keys[2],
		report.Keys[3], report.Keys[4], report.Keys[5],
	}
	pkt.TransferPacket(encoded, len(encoded))
}

// DeviceID implements DeviceOps.
func (k *Keyboard) DeviceID() string { return k.id }

// UsbDevice implements DeviceOps.
func (k *Keyboard) UsbDevice() *Device { return k.dev }

// WakeupEndpoint implements DeviceOps.
func (k *Keyboard) WakeupEndpoint() Endpoint { return k.dev.In[0] }
