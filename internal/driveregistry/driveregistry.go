// Package driveregistry is the process-wide registry of opened image files,
// shared by every block device that names the same backing path (spec §3,
// §5 "Drive-file registry").
package driveregistry

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// Handle is a reference-counted open file shared across block devices that
// back onto the same path.
type Handle struct {
	Path     string
	File     *os.File
	ReadOnly bool
	Direct   bool

	refs int
}

// Fd returns the underlying file descriptor.
func (h *Handle) Fd() int { return int(h.File.Fd()) }

// Registry is a mutex-guarded, process-wide map from path to Handle.
// Initialized once at VMM start and torn down at VM exit.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Open returns the shared Handle for path, opening it if this is the first
// reference. A path already open with a different readOnly/direct
// combination is rejected — devices that want a conflicting mode must use a
// distinct path (e.g. a bind mount), matching the original's one-mode-per-
// path registry contract.
func (r *Registry) Open(path string, readOnly, direct bool) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[path]; ok {
		if h.ReadOnly != readOnly || h.Direct != direct {
			return nil, fmt.Errorf("driveregistry: %s already open with different mode", path)
		}
		h.refs++
		return h, nil
	}

	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	if direct {
		flags |= unix.O_DIRECT
	}
	f, err := os.OpenFile(path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("driveregistry: open %s: %w", path, err)
	}

	h := &Handle{Path: path, File: f, ReadOnly: readOnly, Direct: direct, refs: 1}
	r.handles[path] = h
	return h, nil
}

// Close drops a reference to h, closing the underlying file once the last
// reference is released.
func (r *Registry) Close(h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.handles[h.Path]
	if !ok || cur != h {
		return fmt.Errorf("driveregistry: %s not open in this registry", h.Path)
	}
	cur.refs--
	if cur.refs > 0 {
		return nil
	}
	delete(r.handles, h.Path)
	return cur.File.Close()
}

// Teardown closes every remaining handle, regardless of refcount. Call once
// at VM exit.
func (r *Registry) Teardown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for path, h := range r.handles {
		h.File.Close()
		delete(r.handles, path)
	}
}
