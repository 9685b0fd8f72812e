package virtio

import (
	"crypto/rand"
	"io"
	"log/slog"
	"sync"

	"github.com/novavisor/novavisor/internal/guestmem"
)

const rngDeviceID = 4

// Rng is the virtio-rng device backend: a single queue of requests, each
// satisfied by filling the requested length with bytes read from Source.
type Rng struct {
	log    *slog.Logger
	Source io.Reader // defaults to crypto/rand.Reader if nil at construction

	mem   guestmem.Space
	raise InterruptFunc
	queue *Queue
	mu    sync.Mutex
}

// NewRng builds an rng device backend reading entropy from source.
func NewRng(source io.Reader, log *slog.Logger) *Rng {
	if log == nil {
		log = slog.Default()
	}
	if source == nil {
		source = rand.Reader
	}
	return &Rng{log: log, Source: source}
}

// DeviceID implements Device.
func (r *Rng) DeviceID() uint32 { return rngDeviceID }

// QueueNum implements Device.
func (r *Rng) QueueNum() int { return 1 }

// QueueSizeMax implements Device.
func (r *Rng) QueueSizeMax(int) uint16 { return MaxQueueSize }

// DeviceFeatures implements Device: rng advertises no optional feature bits
// beyond the mandatory version-1 bit.
func (r *Rng) DeviceFeatures() uint64 { return FeatureVersion1 }

// CheckedDriverFeatures implements Device.
func (r *Rng) CheckedDriverFeatures(driver uint64) uint64 { return driver & r.DeviceFeatures() }

// SetDriverFeatures implements Device.
func (r *Rng) SetDriverFeatures(uint64) {}

// ReadConfig implements Device: rng has no config space.
func (r *Rng) ReadConfig(uint16, []byte) {}

// WriteConfig implements Device.
func (r *Rng) WriteConfig(uint16, []byte) {}

// ConfigLen implements Device.
func (r *Rng) ConfigLen() uint32 { return 0 }

// Activate implements Device.
func (r *Rng) Activate(mem guestmem.Space, raise InterruptFunc, queues []*Queue) error {
	r.mem = mem
	r.raise = raise
	r.queue = queues[0]
	return nil
}

// Deactivate implements Device.
func (r *Rng) Deactivate() {}

// Reset implements Device.
func (r *Rng) Reset() {}

// ProcessQueue drains every available request, filling each chain's
// in-iovecs with entropy read from Source.
func (r *Rng) ProcessQueue() error {
	oldUsed := r.queue.UsedIdx()
	for {
		elem, ok, err := r.queue.Pop(false)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		total := uint32(0)
		for _, iov := range elem.In {
			n, err := r.fillRandom(iov.Addr, iov.Length)
			if err != nil {
				r.log.Warn("rng fill failed", "error", err)
				break
			}
			total += n
		}
		if err := r.queue.PushUsed(elem.Head, total); err != nil {
			return err
		}
	}
	notify, err := r.queue.ShouldNotify(oldUsed)
	if err != nil {
		return err
	}
	if notify && r.raise != nil {
		r.raise(InterruptVring, r.queue)
	}
	return nil
}

func (r *Rng) fillRandom(addr uint64, length uint32) (uint32, error) {
	buf := make([]byte, length)
	if _, err := io.ReadFull(r.Source, buf); err != nil {
		return 0, err
	}
	if err := r.queue.WriteGuest(addr, buf); err != nil {
		return 0, err
	}
	return length, nil
}
