// Package hostusb is the USB host pass-through backend: it binds libusb-1.0
// without cgo, via purego's dlopen/dlsym, and exposes a Device that drives
// a real host USB device through the same DeviceOps contract the emulated
// tablet and keyboard adapters implement.
package hostusb

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/novavisor/novavisor/internal/usb"
)

var (
	loadOnce sync.Once
	loadErr  error
	libusb   uintptr
)

var (
	libusb_init                     func(ctx *uintptr) int32
	libusb_exit                     func(ctx uintptr)
	libusb_open_device_with_vid_pid func(ctx uintptr, vendorID, productID uint16) uintptr
	libusb_close                    func(handle uintptr)
	libusb_claim_interface          func(handle uintptr, iface int32) int32
	libusb_release_interface        func(handle uintptr, iface int32) int32
	libusb_control_transfer         func(handle uintptr, requestType, request uint8, value, index uint16, data uintptr, length uint16, timeout uint32) int32
	libusb_bulk_transfer            func(handle uintptr, endpoint uint8, data uintptr, length int32, transferred *int32, timeout uint32) int32
	libusb_interrupt_transfer       func(handle uintptr, endpoint uint8, data uintptr, length int32, transferred *int32, timeout uint32) int32
)

// Load binds the libusb-1.0 shared library. It is safe to call repeatedly;
// only the first call does the real work.
func Load(libPath string) error {
	loadOnce.Do(func() {
		lib, err := purego.Dlopen(libPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			loadErr = fmt.Errorf("hostusb: dlopen %s: %w", libPath, err)
			return
		}
		libusb = lib

		purego.RegisterLibFunc(&libusb_init, libusb, "libusb_init")
		purego.RegisterLibFunc(&libusb_exit, libusb, "libusb_exit")
		purego.RegisterLibFunc(&libusb_open_device_with_vid_pid, libusb, "libusb_open_device_with_vid_pid")
		purego.RegisterLibFunc(&libusb_close, libusb, "libusb_close")
		purego.RegisterLibFunc(&libusb_claim_interface, libusb, "libusb_claim_interface")
		purego.RegisterLibFunc(&libusb_release_interface, libusb, "libusb_release_interface")
		purego.RegisterLibFunc(&libusb_control_transfer, libusb, "libusb_control_transfer")
		purego.RegisterLibFunc(&libusb_bulk_transfer, libusb, "libusb_bulk_transfer")
		purego.RegisterLibFunc(&libusb_interrupt_transfer, libusb, "libusb_interrupt_transfer")
	})
	return loadErr
}

// Transfer timeouts, matching host_usblib.rs's BULK_TIMEOUT/INTERRUPT_TIMEOUT
// (0 = block until completion).
const (
	bulkTimeoutMs      = 0
	interruptTimeoutMs = 0
)

// libusb error codes this backend distinguishes, mirroring the subset
// host_usblib.rs maps in from_libusb.
const (
	errIO           = -1
	errInvalidParam = -2
	errAccess       = -3
	errNoDevice     = -4
	errNotFound     = -5
	errBusy         = -6
	errTimeout      = -7
	errOverflow     = -8
	errPipe         = -9
	errInterrupted  = -10
	errNoMem        = -11
	errNotSupported = -12
)

// mapLibusbStatus turns a libusb return code (0 = success, negative =
// LIBUSB_ERROR_*) into the packet status a synchronous transfer completes
// with, the same classification req_complete_data applies to asynchronous
// transfer results.
func mapLibusbStatus(code int32) usb.Status {
	switch {
	case code >= 0:
		return usb.StatusSuccess
	case code == errPipe:
		return usb.StatusStall
	case code == errNoDevice:
		return usb.StatusNoDev
	case code == errTimeout, code == errInterrupted, code == errIO:
		return usb.StatusIOError
	default:
		return usb.StatusBabble
	}
}

// Context owns one libusb session. A process normally opens one.
type Context struct {
	handle uintptr
}

// NewContext initializes a fresh libusb context. Load must have succeeded
// first.
func NewContext() (*Context, error) {
	if loadErr != nil {
		return nil, loadErr
	}
	var ctx uintptr
	if rc := libusb_init(&ctx); rc != 0 {
		return nil, fmt.Errorf("hostusb: libusb_init: error %d", rc)
	}
	return &Context{handle: ctx}, nil
}

// Close tears down the libusb context.
func (c *Context) Close() {
	if c.handle != 0 {
		libusb_exit(c.handle)
		c.handle = 0
	}
}

// Device is a host USB device opened by vendor/product id, driven through
// the shared usb.DeviceOps contract so it can sit behind the same
// controller wakeup path as the emulated adapters.
type Device struct {
	id         string
	ctx        *Context
	handle     uintptr
	dev        *usb.Device
	reg        *usb.Registry
	claimedIfs map[int32]bool
}

// Open opens the host device matching vendorID/productID and wraps it.
func Open(ctx *Context, id string, vendorID, productID uint16, reg *usb.Registry) (*Device, error) {
	handle := libusb_open_device_with_vid_pid(ctx.handle, vendorID, productID)
	if handle == 0 {
		return nil, fmt.Errorf("hostusb: no device %04x:%04x found", vendorID, productID)
	}
	return &Device{
		id:         id,
		ctx:        ctx,
		handle:     handle,
		dev:        usb.NewDevice(),
		reg:        reg,
		claimedIfs: make(map[int32]bool),
	}, nil
}

// Close releases every claimed interface and the device handle.
func (d *Device) Close() {
	for iface := range d.claimedIfs {
		libusb_release_interface(d.handle, iface)
	}
	if d.handle != 0 {
		libusb_close(d.handle)
		d.handle = 0
	}
}

// ClaimInterface claims iface for exclusive host access.
func (d *Device) ClaimInterface(iface int32) error {
	if rc := libusb_claim_interface(d.handle, iface); rc != 0 {
		return fmt.Errorf("hostusb: claim interface %d: error %d", iface, rc)
	}
	d.claimedIfs[iface] = true
	return nil
}

// Reset implements usb.DeviceOps.
func (d *Device) Reset() {}

// DeviceID implements usb.DeviceOps.
func (d *Device) DeviceID() string { return d.id }

// UsbDevice implements usb.DeviceOps.
func (d *Device) UsbDevice() *usb.Device { return d.dev }

// WakeupEndpoint implements usb.DeviceOps: the host device always wakes
// its first data IN endpoint, matching the emulated adapters' convention.
func (d *Device) WakeupEndpoint() usb.Endpoint { return d.dev.In[0] }

// HandleControl implements usb.DeviceOps by forwarding the setup packet to
// the real host device via a synchronous control transfer.
func (d *Device) HandleControl(pkt *usb.Packet, req usb.DeviceRequest) {
	buf := d.dev.Scratch[:req.Length]
	var dataPtr uintptr
	if len(buf) > 0 {
		dataPtr = uintptr(unsafe.Pointer(&buf[0]))
	}
	rc := libusb_control_transfer(d.handle, req.RequestType, req.Request, req.Value, req.Index, dataPtr, req.Length, controlTimeoutMs)
	pkt.Status = mapLibusbStatus(rc)
	if rc > 0 {
		pkt.ActualLength = uint32(rc)
	}
}

const controlTimeoutMs = 1000

// HandleData implements usb.DeviceOps by forwarding a data-stage transfer
// to the real host device's bulk or interrupt endpoint, selected by the
// endpoint's configured type.
func (d *Device) HandleData(pkt *usb.Packet) {
	ep := d.dev.Endpoint(pkt.Pid == usb.TokenIn, pkt.EpNumber)
	size := pkt.IovecsSize()
	if size == 0 {
		return
	}
	buf := make([]byte, size)

	addr := ep.Num
	if ep.In {
		addr |= 0x80
	}

	if ep.In == false {
		pkt.TransferPacket(buf, len(buf))
	}

	var dataPtr uintptr
	if len(buf) > 0 {
		dataPtr = uintptr(unsafe.Pointer(&buf[0]))
	}

	var transferred int32
	var rc int32
	switch ep.Type {
	case usb.EndpointBulk:
		rc = libusb_bulk_transfer(d.handle, addr, dataPtr, int32(len(buf)), &transferred, bulkTimeoutMs)
	case usb.EndpointInterrupt:
		rc = libusb_interrupt_transfer(d.handle, addr, dataPtr, int32(len(buf)), &transferred, interruptTimeoutMs)
	default:
		pkt.Status = usb.StatusStall
		return
	}

	pkt.Status = mapLibusbStatus(rc)
	if ep.In && rc == 0 {
		pkt.TransferPacket(buf[:transferred], int(transferred))
	} else if rc == 0 {
		pkt.ActualLength = uint32(transferred)
	}
}
