package usb

import (
	"fmt"
	"log/slog"
)

// DeviceOps is the interface every concrete USB device adapter (tablet,
// keyboard, host pass-through) implements. It is the Go analog of the
// attach/detach/transfer contract a controller drives a device through.
type DeviceOps interface {
	// Reset returns the device to its just-attached state.
	Reset()

	// HandleControl answers a control-transfer request the shared
	// descriptor logic in Device.HandleControlForDescriptor did not claim
	// (HID class requests, vendor-specific requests, ...).
	HandleControl(pkt *Packet, req DeviceRequest)

	// HandleData services a data-stage transfer on a non-zero endpoint.
	HandleData(pkt *Packet)

	// DeviceID returns the adapter's unique id, for logging and the
	// process-wide device registry.
	DeviceID() string

	// UsbDevice returns the adapter's embedded common state.
	UsbDevice() *Device

	// WakeupEndpoint returns the endpoint the controller should service
	// when this device requests a wakeup.
	WakeupEndpoint() Endpoint
}

// HandlePacket is the controller's single entry point for delivering a
// packet to a device: endpoint 0 carries control transfers, any other
// endpoint carries data.
func HandlePacket(dev DeviceOps, pkt *Packet) {
	pkt.Status = StatusSuccess
	if pkt.EpNumber == 0 {
		if err := DoParameter(dev, pkt); err != nil {
			slog.Warn("usb: control packet failed", "device", dev.DeviceID(), "error", err)
		}
		return
	}
	dev.HandleData(pkt)
}

// DoParameter decodes pkt's control-transfer parameter into a setup packet,
// moves any OUT-stage data into the device's scratch buffer, dispatches to
// HandleControl, and for an IN-stage request copies the reply back out
// through the packet's iovecs.
func DoParameter(dev DeviceOps, pkt *Packet) error {
	usbDev := dev.UsbDevice()
	req := ParseSetupFromParameter(pkt.Parameter)

	if int(req.Length) > len(usbDev.Scratch) {
		pkt.Status = StatusStall
		return fmt.Errorf("usb: control transfer length %d exceeds the scratch buffer", req.Length)
	}

	if pkt.Pid == TokenOut {
		pkt.TransferPacket(usbDev.Scratch[:], int(req.Length))
	}

	dev.HandleControl(pkt, req)

	if pkt.Async {
		return nil
	}

	length := req.Length
	if uint32(length) > pkt.ActualLength {
		length = uint16(pkt.ActualLength)
	}
	if pkt.Pid == TokenIn {
		pkt.ActualLength = 0
		pkt.TransferPacket(usbDev.Scratch[:], int(length))
	}
	return nil
}
