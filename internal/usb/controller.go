package usb

import (
	"fmt"
	"log/slog"
	"sync"
)

// LinkState is a USB3 port's link state, as tracked in the PORTSC register.
type LinkState int

const (
	LinkStateU0 LinkState = iota
	LinkStateU3
	LinkStateResume
)

// Port-change event flags posted to the controller, mirroring the XHCI
// PORTSC change bits.
const (
	PortChangePLC uint32 = 1 << 0 // port link state change
)

// Port is one XHCI root-port's link state, looked up by key rather than
// referenced directly: a USB device holds the key, never a pointer to the
// Port, so the device and the controller can be torn down independently.
type Port struct {
	LinkState LinkState
}

// Controller is the XHCI-side collaborator a device wakes up: it owns slot
// and port state and is asked, never told directly, to act on them. The
// device never holds an owning reference to its controller, only
// Device.ControllerKey, avoiding the device/controller reference cycle the
// original's Weak<Mutex<XhciDevice>> back-pointer exists to break.
type Controller interface {
	// WakeupEndpoint asks the controller to service pending transfers on
	// slotID's wakeup endpoint.
	WakeupEndpoint(slotID uint8, ep Endpoint) error

	// PostPortChange notifies the controller that portKey's state changed,
	// with flags drawn from the PortChange* constants.
	PostPortChange(portKey string, flags uint32) error
}

// Registry is the process-wide, mutex-guarded map of ports and controllers
// that device adapters look up by key. One registry is created at VMM
// start and shared by every attached USB device.
type Registry struct {
	mu          sync.Mutex
	ports       map[string]*Port
	controllers map[string]Controller
}

// NewRegistry creates an empty port/controller registry.
func NewRegistry() *Registry {
	return &Registry{
		ports:       make(map[string]*Port),
		controllers: make(map[string]Controller),
	}
}

// RegisterPort adds (or replaces) the port known by key.
func (r *Registry) RegisterPort(key string, p *Port) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ports[key] = p
}

// RegisterController adds (or replaces) the controller known by key.
func (r *Registry) RegisterController(key string, c Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controllers[key] = c
}

// Unregister drops both a port and a controller entry sharing the same
// key, used on hot-unplug.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ports, key)
	delete(r.controllers, key)
}

func (r *Registry) port(key string) (*Port, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.ports[key]
	return p, ok
}

func (r *Registry) controller(key string) (Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.controllers[key]
	return c, ok
}

// NotifyController implements the device-to-controller wakeup path: if
// remote wakeup is enabled and the device's port is in U3, the port
// transitions to Resume and the controller is asked to post a port-change
// event; the controller is then always asked to wake the device's wakeup
// endpoint (slot id = device address). The registry lock (taken internally
// by port/controller lookups) is never held across the call into the
// controller, matching the "drop the small lock before the cross-module
// call" rule the notification path exists to enforce.
func NotifyController(reg *Registry, dev DeviceOps) error {
	usbDev := dev.UsbDevice()

	ctrl, ok := reg.controller(usbDev.ControllerKey)
	if !ok {
		return fmt.Errorf("usb: no controller registered for key %q", usbDev.ControllerKey)
	}

	port, hasPort := reg.port(usbDev.PortKey)
	wakeup := usbDev.RemoteWakeup
	ep := dev.WakeupEndpoint()
	slotID := usbDev.Addr

	if wakeup && hasPort {
		reg.mu.Lock()
		atU3 := port.LinkState == LinkStateU3
		if atU3 {
			port.LinkState = LinkStateResume
		}
		reg.mu.Unlock()

		if atU3 {
			if err := ctrl.PostPortChange(usbDev.PortKey, PortChangePLC); err != nil {
				slog.Warn("usb: failed to post port change", "port", usbDev.PortKey, "error", err)
			}
		}
	}

	if err := ctrl.WakeupEndpoint(slotID, ep); err != nil {
		slog.Warn("usb: failed to wake endpoint", "device", dev.DeviceID(), "error", err)
	}
	return nil
}
