package virtio

import (
	"bytes"
	"testing"
)

func TestConsoleProcessQueueWritesToHost(t *testing.T) {
	mem := newMockMem()
	q := newTestQueue(mem, 4)

	const bufAddr = 0x5000
	payload := []byte("hello console")
	mem.WriteAt(payload, bufAddr)
	mem.writeDesc(descAddr, 0, Descriptor{Addr: bufAddr, Length: uint32(len(payload))})
	publishAvail(mem, 0, 0)

	var out bytes.Buffer
	c := NewConsole(&out, nil, nil)
	if err := c.Activate(mem, nil, []*Queue{q, q}); err != nil {
		t.Fatalf("Activate: %v", err)
	}

	if err := c.ProcessQueue(q); err != nil {
		t.Fatalf("ProcessQueue: %v", err)
	}
	if out.String() != "hello console" {
		t.Fatalf("host output = %q, want %q", out.String(), "hello console")
	}
}

func TestConsoleConfigLen(t *testing.T) {
	c := NewConsole(nil, nil, nil)
	if c.ConfigLen() != consoleCfgLen {
		t.Fatalf("ConfigLen = %d, want %d", c.ConfigLen(), consoleCfgLen)
	}
}
