// Package usb implements the XHCI-centric device-side USB emulation core:
// common per-device state, control-transfer decoding, the device-to-
// controller wakeup path, and the packet truncation primitive shared by
// every adapter (tablet, keyboard, host pass-through).
package usb

import (
	"encoding/binary"
	"fmt"
)

// Speed is the negotiated USB link speed.
type Speed int

const (
	SpeedLow Speed = iota
	SpeedFull
	SpeedHigh
	SpeedSuper
)

// EndpointType mirrors the USB endpoint attribute transfer-type bits, plus
// an Invalid marker for endpoints that have not been claimed by a
// configuration yet.
type EndpointType uint8

const (
	EndpointControl     EndpointType = 0
	EndpointIsochronous EndpointType = 1
	EndpointBulk        EndpointType = 2
	EndpointInterrupt   EndpointType = 3
	EndpointInvalid     EndpointType = 0xff
)

const maxEndpoints = 15

// Endpoint is one data transmission channel.
type Endpoint struct {
	Num  uint8
	In   bool
	Type EndpointType
}

// DeviceRequest is a decoded USB control setup packet.
type DeviceRequest struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// Standard bmRequestType values the dispatch table keys on.
const (
	reqTypeDeviceIn     = 0x80
	reqTypeDeviceOut    = 0x00
	reqTypeInterfaceIn  = 0x81
	reqTypeInterfaceOut = 0x01
)

// Standard bRequest values.
const (
	reqGetStatus        = 0x00
	reqClearFeature     = 0x01
	reqSetFeature       = 0x03
	reqSetAddress       = 0x05
	reqGetDescriptor    = 0x06
	reqGetConfiguration = 0x08
	reqSetConfiguration = 0x09
	reqGetInterface     = 0x0a
	reqSetInterface     = 0x0b
)

const (
	featureRemoteWakeup = 1
	maxUsbAddress       = 127
	selfPoweredBit      = 6
	remoteWakeupBit     = 5
)

// ParseSetupFromParameter decodes a setup packet out of the packed 64-bit
// control-transfer parameter: byte 0 is request_type, byte 1 is request,
// bytes [2:4) are value, bytes [4:6) are index, bytes [6:8) are length, all
// little-endian within their field.
func ParseSetupFromParameter(parameter uint64) DeviceRequest {
	return DeviceRequest{
		RequestType: uint8(parameter),
		Request:     uint8(parameter >> 8),
		Value:       uint16(parameter >> 16),
		Index:       uint16(parameter >> 32),
		Length:      uint16(parameter >> 48),
	}
}

// Device is the state every USB device backend shares: bus address,
// negotiated speed, the pre-allocated endpoint set, a scratch buffer for
// control-transfer replies, and the descriptor tree used to answer
// standard requests.
type Device struct {
	Addr         uint8
	Speed        Speed
	RemoteWakeup bool

	Control Endpoint
	In      [maxEndpoints]Endpoint
	Out     [maxEndpoints]Endpoint

	Scratch [4096]byte

	Descriptors Descriptor

	// PortKey and ControllerKey are lookup keys into process-wide port and
	// controller registries, never raw pointers: the device never owns its
	// controller or port, only a relation to look one up by identifier.
	PortKey       string
	ControllerKey string

	UnplugID string
}

// NewDevice returns a device with its control endpoint and 15 IN/15 OUT
// data endpoints pre-allocated as type Invalid, numbered 1..15, matching
// the state a device presents the instant it is attached.
func NewDevice() *Device {
	d := &Device{}
	d.ResetEndpoints()
	return d
}

// ResetEndpoints restores every endpoint to its just-attached state.
func (d *Device) ResetEndpoints() {
	d.Control = Endpoint{Num: 0, In: false, Type: EndpointControl}
	for i := 0; i < maxEndpoints; i++ {
		d.In[i] = Endpoint{Num: uint8(i + 1), In: true, Type: EndpointInvalid}
		d.Out[i] = Endpoint{Num: uint8(i + 1), In: false, Type: EndpointInvalid}
	}
}

// Endpoint returns the endpoint numbered ep in the given direction; ep 0
// is always the control endpoint regardless of direction.
func (d *Device) Endpoint(in bool, ep uint8) *Endpoint {
	if ep == 0 {
		return &d.Control
	}
	if in {
		return &d.In[ep-1]
	}
	return &d.Out[ep-1]
}

// HandleControlForDescriptor answers the subset of control requests that
// are purely descriptor/address/configuration bookkeeping. It reports
// handled=false for any (request_type, request) pair it does not own, so
// device-specific logic (HID class requests, vendor-specific requests) may
// claim it instead.
func (d *Device) HandleControlForDescriptor(pkt *Packet, req DeviceRequest) (handled bool, err error) {
	switch req.RequestType {
	case reqTypeDeviceIn:
		switch req.Request {
		case reqGetDescriptor:
			data, err := d.Descriptors.Get(uint32(req.Value))
			if err != nil {
				return false, err
			}
			n := len(data)
			if int(req.Length) < n {
				n = int(req.Length)
			}
			copy(d.Scratch[:n], data[:n])
			pkt.ActualLength = uint32(n)
		case reqGetConfiguration:
			d.Scratch[0] = d.Descriptors.SelectedConfig()
			pkt.ActualLength = 1
		case reqGetStatus:
			var status byte
			if d.Descriptors.SelfPowered() {
				status |= 1 << 0
			}
			if d.RemoteWakeup {
				status |= 1 << 1
			}
			d.Scratch[0] = status
			d.Scratch[1] = 0
			pkt.ActualLength = 2
		default:
			return false, nil
		}
	case reqTypeDeviceOut:
		switch req.Request {
		case reqSetAddress:
			if req.Value > maxUsbAddress {
				pkt.Status = StatusStall
				return false, fmt.Errorf("usb: invalid device address %d", req.Value)
			}
			d.Addr = uint8(req.Value)
		case reqSetConfiguration:
			if err := d.Descriptors.SelectConfig(uint8(req.Value)); err != nil {
				return false, err
			}
		case reqClearFeature:
			if req.Value == featureRemoteWakeup {
				d.RemoteWakeup = false
			}
		case reqSetFeature:
			if req.Value == featureRemoteWakeup {
				d.RemoteWakeup = true
			}
		default:
			return false, nil
		}
	case reqTypeInterfaceIn:
		switch req.Request {
		case reqGetInterface:
			alt, ok := d.Descriptors.AltSetting(req.Index)
			if !ok {
				return false, nil
			}
			d.Scratch[0] = alt
			pkt.ActualLength = 1
		default:
			return false, nil
		}
	case reqTypeInterfaceOut:
		switch req.Request {
		case reqSetInterface:
			if err := d.Descriptors.SetAltSetting(req.Index, uint8(req.Value)); err != nil {
				return false, err
			}
		default:
			return false, nil
		}
	default:
		return false, nil
	}
	return true, nil
}

// putUint16LE is a tiny helper descriptor builders use to assemble
// wTotalLength-style fields without reaching for encoding/binary at every
// call site.
func putUint16LE(b []byte, v uint16) {
	binary.LittleEndian.PutUint16(b, v)
}
