// Package vmmconfig decodes a YAML virtual-machine definition: machine
// flavor, memory size, drive list, and USB device list. It mirrors the
// teacher's own YAML-driven configuration loading (gopkg.in/yaml.v3),
// generalized from container/VM config to this module's four cores.
package vmmconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MachineFlavor selects a memory preset, the way the teacher's own
// flavor selection works for its container VMs.
type MachineFlavor string

const (
	FlavorMicro    MachineFlavor = "micro"
	FlavorStandard MachineFlavor = "standard"
)

// AIOBackend selects which blockio execution strategy a drive submits
// through.
type AIOBackend string

const (
	AIOBackendSync   AIOBackend = "sync"
	AIOBackendNative AIOBackend = "native"
	AIOBackendRing   AIOBackend = "ring"
)

// ImageFormat selects how a drive's backing bytes are interpreted.
type ImageFormat string

const (
	ImageFormatRaw    ImageFormat = "raw"
	ImageFormatQCOW2  ImageFormat = "qcow2"
)

// Drive is one virtio-blk backing file.
type Drive struct {
	Path        string      `yaml:"path"`
	Format      ImageFormat `yaml:"format"`
	ReadOnly    bool        `yaml:"read_only"`
	Direct      bool        `yaml:"direct_io"`
	Discard     bool        `yaml:"discard"`
	WriteZeroes bool        `yaml:"write_zeroes"`
	MultiQueue  bool        `yaml:"multi_queue"`
	IOPSLimit   int         `yaml:"iops_limit"`
	Backend     AIOBackend  `yaml:"aio_backend"`
}

// USBDeviceKind selects which adapter a usb_devices entry instantiates.
type USBDeviceKind string

const (
	USBKindTablet   USBDeviceKind = "tablet"
	USBKindKeyboard USBDeviceKind = "keyboard"
	USBKindHostPass USBDeviceKind = "host-passthrough"
)

// USBDevice is one entry in the USB device list.
type USBDevice struct {
	ID        string        `yaml:"id"`
	Kind      USBDeviceKind `yaml:"kind"`
	VendorID  uint16        `yaml:"vendor_id"`  // host-passthrough only
	ProductID uint16        `yaml:"product_id"` // host-passthrough only
}

// Console configures the virtio-console backend. A zero value means no
// console device is attached.
type Console struct {
	Enabled bool `yaml:"enabled"`
}

// Rng configures the virtio-rng backend.
type Rng struct {
	Enabled bool `yaml:"enabled"`
}

// VM is a complete virtual-machine definition.
type VM struct {
	Flavor     MachineFlavor `yaml:"flavor"`
	MemoryMiB  int           `yaml:"memory_mib"`
	Drives     []Drive       `yaml:"drives"`
	USBDevices []USBDevice   `yaml:"usb_devices"`
	Console    Console       `yaml:"console"`
	Rng        Rng           `yaml:"rng"`
}

// flavorMemoryMiB are the default memory sizes each flavor implies when
// memory_mib is left unset.
var flavorMemoryMiB = map[MachineFlavor]int{
	FlavorMicro:    512,
	FlavorStandard: 2048,
}

func (vm *VM) applyDefaults() {
	if vm.Flavor == "" {
		vm.Flavor = FlavorStandard
	}
	if vm.MemoryMiB == 0 {
		vm.MemoryMiB = flavorMemoryMiB[vm.Flavor]
	}
	for i := range vm.Drives {
		if vm.Drives[i].Backend == "" {
			vm.Drives[i].Backend = AIOBackendSync
		}
		if vm.Drives[i].Format == "" {
			vm.Drives[i].Format = ImageFormatRaw
		}
	}
}

// Validate checks the decoded definition for the constraints Load cannot
// express structurally: known flavor, known AIO backend, known USB kind,
// non-empty drive paths, and host-passthrough entries carrying a vendor and
// product id.
func (vm *VM) Validate() error {
	if _, ok := flavorMemoryMiB[vm.Flavor]; !ok {
		return fmt.Errorf("vmmconfig: unknown machine flavor %q", vm.Flavor)
	}
	if vm.MemoryMiB <= 0 {
		return fmt.Errorf("vmmconfig: memory_mib must be positive, got %d", vm.MemoryMiB)
	}
	for i, d := range vm.Drives {
		if d.Path == "" {
			return fmt.Errorf("vmmconfig: drives[%d]: path is required", i)
		}
		switch d.Backend {
		case AIOBackendSync, AIOBackendNative, AIOBackendRing:
		default:
			return fmt.Errorf("vmmconfig: drives[%d]: unknown aio_backend %q", i, d.Backend)
		}
		switch d.Format {
		case ImageFormatRaw, ImageFormatQCOW2:
		default:
			return fmt.Errorf("vmmconfig: drives[%d]: unknown format %q", i, d.Format)
		}
	}
	for i, u := range vm.USBDevices {
		if u.ID == "" {
			return fmt.Errorf("vmmconfig: usb_devices[%d]: id is required", i)
		}
		switch u.Kind {
		case USBKindTablet, USBKindKeyboard:
		case USBKindHostPass:
			if u.VendorID == 0 || u.ProductID == 0 {
				return fmt.Errorf("vmmconfig: usb_devices[%d]: host-passthrough requires vendor_id and product_id", i)
			}
		default:
			return fmt.Errorf("vmmconfig: usb_devices[%d]: unknown kind %q", i, u.Kind)
		}
	}
	return nil
}

// Load reads and decodes a VM definition from path, applies flavor-implied
// defaults, and validates the result.
func Load(path string) (*VM, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("vmmconfig: read %s: %w", path, err)
	}
	var vm VM
	if err := yaml.Unmarshal(data, &vm); err != nil {
		return nil, fmt.Errorf("vmmconfig: parse %s: %w", path, err)
	}
	vm.applyDefaults()
	if err := vm.Validate(); err != nil {
		return nil, err
	}
	return &vm, nil
}
