package virtio

import "github.com/novavisor/novavisor/internal/guestmem"

// Status bits for the virtio device status register (spec §4.1, §6).
const (
	StatusAcknowledge = 1 << 0
	StatusDriver      = 1 << 1
	StatusDriverOK    = 1 << 2
	StatusFeaturesOK  = 1 << 3
	StatusNeedsReset  = 1 << 6
	StatusFailed      = 1 << 7
)

// InterruptKind distinguishes the two causes a transport can signal.
type InterruptKind int

const (
	// InterruptVring signals a used-ring update.
	InterruptVring InterruptKind = 1 << iota
	// InterruptConfig signals a device configuration change.
	InterruptConfig
)

// InterruptFunc raises a guest interrupt of the given kind, optionally tied
// to a specific queue (packed-vring / MSI-X transports route per queue;
// legacy MMIO ORs a single status bitmask and ignores q). It is safe to copy
// by value and to hold across blocking operations — transports close over
// whatever device-specific signalling primitive (ioeventfd, MSI-X vector,
// bitmask register) the kind implies.
type InterruptFunc func(kind InterruptKind, q *Queue)

// Device is the contract every virtio device backend implements, independent
// of transport (spec §4.1 "Device contract").
type Device interface {
	// DeviceID is the virtio device type id (2 = block, 3 = console, 4 = rng, ...).
	DeviceID() uint32

	// QueueNum is the number of virtqueues this device exposes.
	QueueNum() int

	// QueueSizeMax is the maximum size permitted for queue index idx.
	QueueSizeMax(idx int) uint16

	// DeviceFeatures returns the device's full 64-bit feature mask.
	DeviceFeatures() uint64

	// CheckedDriverFeatures masks the driver's proposal against the
	// device's advertised features, rejecting any bit not in DeviceFeatures
	// rather than storing it.
	CheckedDriverFeatures(driverFeatures uint64) uint64

	// SetDriverFeatures records the (already masked) negotiated feature set.
	SetDriverFeatures(features uint64)

	// ReadConfig reads a byte window from the device-specific config space.
	// offset+len must be bounds-checked against ConfigLen() by the caller.
	ReadConfig(offset uint16, data []byte)

	// WriteConfig writes a byte window to the device-specific config space.
	WriteConfig(offset uint16, data []byte)

	// ConfigLen is the current length of the config space, truncated to the
	// offset of the first field gated by an unnegotiated feature.
	ConfigLen() uint32

	// Activate is called once all queues reach DRIVER_OK. mem is the guest
	// address space, raise is the interrupt injector, queues is indexed by
	// queue number.
	Activate(mem guestmem.Space, raise InterruptFunc, queues []*Queue) error

	// Deactivate unregisters everything Activate set up. Called on reset or
	// on a driver-initiated FAILED transition.
	Deactivate()

	// Reset returns the device to its post-realize state.
	Reset()
}

// Realizer is implemented by devices needing setup before they are wired
// into a transport (opening backing files, computing config-space layout).
// Not every device needs it.
type Realizer interface {
	Realize() error
}
