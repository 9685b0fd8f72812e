package usb

import "fmt"

// Descriptor types, per the USB 2.0 spec, used as the high byte of
// GET_DESCRIPTOR's wValue.
const (
	descTypeDevice        = 1
	descTypeConfiguration = 2
	descTypeString        = 3
)

const configAttrSelfPowered = 1 << 6

// Config is one configuration descriptor: its raw on-wire bytes (already
// including any interface/endpoint sub-descriptors concatenated after the
// configuration header, matching wTotalLength), its bConfigurationValue,
// and the number of interfaces it exposes.
type Config struct {
	Raw            []byte
	Value          uint8
	Attributes     uint8
	NumInterfaces  int
}

// Descriptor is the descriptor tree a device answers GET_DESCRIPTOR,
// GET_CONFIGURATION, SET_CONFIGURATION, GET_INTERFACE and SET_INTERFACE
// against.
type Descriptor struct {
	Device  []byte
	Configs []Config
	Strings []string

	selected    int // index into Configs, -1 = none selected
	altSettings []uint8
}

// NewDescriptor builds a descriptor tree from a raw device descriptor, its
// configurations, and a string table indexed by descriptor string index
// (index 0 is reserved for the language-ID list and is never read from
// Strings).
func NewDescriptor(device []byte, configs []Config, strings []string) Descriptor {
	return Descriptor{Device: device, Configs: configs, Strings: strings, selected: -1}
}

// Get serializes the descriptor selected by value (high byte = type, low
// byte = index) into its wire bytes.
func (d *Descriptor) Get(value uint32) ([]byte, error) {
	typ := byte(value >> 8)
	index := byte(value)
	switch typ {
	case descTypeDevice:
		return d.Device, nil
	case descTypeConfiguration:
		if int(index) >= len(d.Configs) {
			return nil, fmt.Errorf("usb: no configuration descriptor at index %d", index)
		}
		return d.Configs[index].Raw, nil
	case descTypeString:
		return d.stringDescriptor(index)
	default:
		return nil, fmt.Errorf("usb: unsupported descriptor type %d", typ)
	}
}

func (d *Descriptor) stringDescriptor(index byte) ([]byte, error) {
	if index == 0 {
		// Language ID list: one supported language, 0x0409 (English US).
		return []byte{4, descTypeString, 0x09, 0x04}, nil
	}
	if int(index) > len(d.Strings) || index == 0 {
		return nil, fmt.Errorf("usb: no string descriptor at index %d", index)
	}
	s := d.Strings[index-1]
	raw := make([]byte, 2+2*len(s))
	raw[0] = byte(len(raw))
	raw[1] = descTypeString
	for i, r := range []byte(s) {
		putUint16LE(raw[2+2*i:], uint16(r))
	}
	return raw, nil
}

// SelectedConfig returns the active configuration's bConfigurationValue,
// or 0 if none is selected.
func (d *Descriptor) SelectedConfig() uint8 {
	if d.selected < 0 {
		return 0
	}
	return d.Configs[d.selected].Value
}

// SelfPowered reports the active (or, absent one, the first) configuration's
// self-powered attribute bit.
func (d *Descriptor) SelfPowered() bool {
	idx := d.selected
	if idx < 0 {
		if len(d.Configs) == 0 {
			return false
		}
		idx = 0
	}
	return d.Configs[idx].Attributes&configAttrSelfPowered != 0
}

// SelectConfig activates the configuration whose bConfigurationValue
// matches value and resets every interface's alt-setting to 0. value 0
// deselects the active configuration (the device returns to Address state).
func (d *Descriptor) SelectConfig(value uint8) error {
	if value == 0 {
		d.selected = -1
		d.altSettings = nil
		return nil
	}
	for i, c := range d.Configs {
		if c.Value == value {
			d.selected = i
			d.altSettings = make([]uint8, c.NumInterfaces)
			return nil
		}
	}
	return fmt.Errorf("usb: no configuration with bConfigurationValue %d", value)
}

// AltSetting returns interface iface's current alt-setting.
func (d *Descriptor) AltSetting(iface uint16) (uint8, bool) {
	if int(iface) >= len(d.altSettings) {
		return 0, false
	}
	return d.altSettings[iface], true
}

// SetAltSetting records interface iface's alt-setting.
func (d *Descriptor) SetAltSetting(iface uint16, alt uint8) error {
	if int(iface) >= len(d.altSettings) {
		return fmt.Errorf("usb: no interface %d in the active configuration", iface)
	}
	d.altSettings[iface] = alt
	return nil
}
