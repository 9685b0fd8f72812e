// novavisor loads a VM definition, realizes every configured device against
// an in-process guest memory region, and reports readiness. It exercises the
// full device-contract pipeline (virtio transport, block I/O engine, USB
// core) end to end without booting a guest kernel.
package main

import (
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/novavisor/novavisor/internal/blockio"
	"github.com/novavisor/novavisor/internal/driveregistry"
	"github.com/novavisor/novavisor/internal/guestmem"
	"github.com/novavisor/novavisor/internal/usb"
	"github.com/novavisor/novavisor/internal/usb/hostusb"
	"github.com/novavisor/novavisor/internal/virtio"
	"github.com/novavisor/novavisor/internal/vmmconfig"
	"github.com/novavisor/novavisor/internal/vmmlog"
)

// exitError carries the process exit code a failure should produce, letting
// run() distinguish usage/config errors from the generic failure path.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit %d", e.code) }

func main() {
	if err := run(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "novavisor: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a VM definition YAML file")
	jsonLogs := flag.Bool("json-logs", false, "emit logs as JSON")
	verbose := flag.Bool("v", false, "enable debug logging")
	libusbPath := flag.String("libusb", "", "path to libusb-1.0 shared library, enables host-passthrough devices")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := vmmlog.New(vmmlog.Options{Level: level, JSON: *jsonLogs})

	if *configPath == "" {
		return &exitError{code: 2}
	}

	vm, err := vmmconfig.Load(*configPath)
	if err != nil {
		log.Error("failed to load VM definition", "error", err)
		return &exitError{code: 2}
	}

	mem := guestmem.NewFlatSpace(0, make([]byte, vm.MemoryMiB<<20))

	reg := driveregistry.New()
	defer reg.Teardown()

	if err := realizeDrives(vm, reg, mem, log); err != nil {
		log.Error("failed to realize drives", "error", err)
		return &exitError{code: 1}
	}

	if err := realizeUSBDevices(vm, *libusbPath, log); err != nil {
		log.Error("failed to realize USB devices", "error", err)
		return &exitError{code: 1}
	}

	if vm.Console.Enabled {
		c := virtio.NewConsole(os.Stdout, nil, log)
		log.Info("console device realized", "device_id", c.DeviceID())
	}
	if vm.Rng.Enabled {
		r := virtio.NewRng(rand.Reader, log)
		log.Info("rng device realized", "device_id", r.DeviceID())
	}

	log.Info("vm ready", "flavor", vm.Flavor, "memory_mib", vm.MemoryMiB,
		"drives", len(vm.Drives), "usb_devices", len(vm.USBDevices))
	return nil
}

func realizeDrives(vm *vmmconfig.VM, reg *driveregistry.Registry, mem guestmem.Space, log *slog.Logger) error {
	for _, d := range vm.Drives {
		opts := blockio.Options{
			Path:          d.Path,
			ReadOnly:      d.ReadOnly,
			Direct:        d.Direct,
			DiscardEnable: d.Discard,
			WriteZeroes:   d.WriteZeroes,
			MultiQueue:    d.MultiQueue,
			IOPSLimit:     d.IOPSLimit,
			Backend:       aioBackend(d.Backend),
			Format:        imageFormat(d.Format),
		}
		blk := blockio.NewBlk(reg, opts, log)
		if err := blk.Realize(); err != nil {
			return fmt.Errorf("drive %s: %w", d.Path, err)
		}
		mmio := virtio.NewMMIODevice(blk, mem, nil, log)
		blk.SetMarkBroken(mmio.MarkBroken)
		log.Info("drive realized", "path", d.Path, "backend", d.Backend)
	}
	return nil
}

func aioBackend(b vmmconfig.AIOBackend) blockio.Backend {
	switch b {
	case vmmconfig.AIOBackendNative:
		return blockio.BackendNative
	case vmmconfig.AIOBackendRing:
		return blockio.BackendRing
	default:
		return blockio.BackendOff
	}
}

func imageFormat(f vmmconfig.ImageFormat) blockio.Format {
	if f == vmmconfig.ImageFormatQCOW2 {
		return blockio.FormatQCOW2
	}
	return blockio.FormatRaw
}

func realizeUSBDevices(vm *vmmconfig.VM, libusbPath string, log *slog.Logger) error {
	if len(vm.USBDevices) == 0 {
		return nil
	}
	reg := usb.NewRegistry()

	var hostCtx *hostusb.Context
	for _, u := range vm.USBDevices {
		switch u.Kind {
		case vmmconfig.USBKindTablet:
			usb.NewTablet(u.ID, reg)
		case vmmconfig.USBKindKeyboard:
			usb.NewKeyboard(u.ID, reg)
		case vmmconfig.USBKindHostPass:
			if libusbPath == "" {
				return fmt.Errorf("usb device %s: host-passthrough requires -libusb", u.ID)
			}
			if hostCtx == nil {
				if err := hostusb.Load(libusbPath); err != nil {
					return err
				}
				ctx, err := hostusb.NewContext()
				if err != nil {
					return err
				}
				hostCtx = ctx
			}
			if _, err := hostusb.Open(hostCtx, u.ID, u.VendorID, u.ProductID, reg); err != nil {
				return fmt.Errorf("usb device %s: %w", u.ID, err)
			}
		default:
			return fmt.Errorf("usb device %s: unknown kind %q", u.ID, u.Kind)
		}
		log.Info("usb device realized", "id", u.ID, "kind", u.Kind)
	}
	return nil
}
