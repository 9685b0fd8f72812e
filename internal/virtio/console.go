package virtio

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/novavisor/novavisor/internal/guestmem"
)

const consoleDeviceID = 3

const (
	consoleQueueReceive  = 0
	consoleQueueTransmit = 1
	consoleQueueCount    = 2
)

// consoleFeatureSize is the cols/rows config-field feature bit. It is not
// included in the advertised features; the config space holds cols/rows at
// zero and no resize events are generated.
const consoleFeatureSize = 1 << 0

const consoleCfgLen = 4 // cols(u16) + rows(u16)

// Console is the virtio-console device backend: a single input/output
// stream multiplexed over the receive and transmit virtqueues, with no
// port multiplexing (VIRTIO_CONSOLE_F_MULTIPORT is never advertised).
type Console struct {
	log *slog.Logger

	Out io.Writer
	In  io.Reader

	config   [consoleCfgLen]byte
	features uint64

	mem       guestmem.Space
	raise     InterruptFunc
	queues    []*Queue
	stopInput chan struct{}

	mu sync.Mutex
}

// NewConsole builds a console device backend streaming to out and reading
// from in. A nil in means no host input is ever delivered into the receive
// queue.
func NewConsole(out io.Writer, in io.Reader, log *slog.Logger) *Console {
	if log == nil {
		log = slog.Default()
	}
	return &Console{log: log, Out: out, In: in, features: FeatureVersion1}
}

// DeviceID implements Device.
func (c *Console) DeviceID() uint32 { return consoleDeviceID }

// QueueNum implements Device.
func (c *Console) QueueNum() int { return consoleQueueCount }

// QueueSizeMax implements Device.
func (c *Console) QueueSizeMax(int) uint16 { return MaxQueueSize }

// DeviceFeatures implements Device.
func (c *Console) DeviceFeatures() uint64 { return c.features }

// CheckedDriverFeatures implements Device.
func (c *Console) CheckedDriverFeatures(driver uint64) uint64 { return driver & c.features }

// SetDriverFeatures implements Device.
func (c *Console) SetDriverFeatures(uint64) {}

// ReadConfig implements Device.
func (c *Console) ReadConfig(offset uint16, data []byte) { copy(data, c.config[offset:]) }

// WriteConfig implements Device: console config space is host-owned.
func (c *Console) WriteConfig(uint16, []byte) {}

// ConfigLen implements Device.
func (c *Console) ConfigLen() uint32 { return consoleCfgLen }

// Activate implements Device: it starts a goroutine relaying host input
// into the receive queue, using as many chains as each read needs.
func (c *Console) Activate(mem guestmem.Space, raise InterruptFunc, queues []*Queue) error {
	c.mem = mem
	c.raise = raise
	c.queues = queues
	c.stopInput = make(chan struct{})
	if c.In != nil {
		go c.pumpInput(c.stopInput)
	}
	return nil
}

// Deactivate implements Device.
func (c *Console) Deactivate() {
	if c.stopInput != nil {
		close(c.stopInput)
		c.stopInput = nil
	}
}

// Reset implements Device.
func (c *Console) Reset() { c.Deactivate() }

// pumpInput reads from c.In in small chunks and feeds the receive queue,
// retrying when the driver has not yet posted a buffer.
func (c *Console) pumpInput(stop <-chan struct{}) {
	buf := make([]byte, 256)
	q := c.queues[consoleQueueReceive]
	for {
		select {
		case <-stop:
			return
		default:
		}
		n, err := c.In.Read(buf)
		if n > 0 {
			c.deliverInput(q, buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (c *Console) deliverInput(q *Queue, data []byte) {
	for len(data) > 0 {
		c.mu.Lock()
		elem, ok, err := q.Pop(false)
		c.mu.Unlock()
		if err != nil {
			c.log.Warn("console receive queue error", "error", err)
			return
		}
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		n := int(elem.InLen())
		if n > len(data) {
			n = len(data)
		}
		if err := q.WriteGuest(elem.In[0].Addr, data[:n]); err != nil {
			c.log.Warn("console receive write failed", "error", err)
			return
		}
		c.mu.Lock()
		_ = q.PushUsed(elem.Head, uint32(n))
		c.mu.Unlock()
		if c.raise != nil {
			c.raise(InterruptVring, q)
		}
		data = data[n:]
	}
}

// ProcessQueue drains the transmit queue, writing every chain's
// out-iovecs to c.Out in order.
func (c *Console) ProcessQueue(q *Queue) error {
	for {
		c.mu.Lock()
		elem, ok, err := q.Pop(false)
		c.mu.Unlock()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		for _, iov := range elem.Out {
			data, err := q.ReadGuest(iov.Addr, iov.Length)
			if err != nil {
				return err
			}
			if c.Out != nil {
				c.Out.Write(data)
			}
		}
		c.mu.Lock()
		err = q.PushUsed(elem.Head, 0)
		c.mu.Unlock()
		if err != nil {
			return err
		}
		if c.raise != nil {
			c.raise(InterruptVring, q)
		}
	}
}
