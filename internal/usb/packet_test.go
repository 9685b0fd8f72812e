package usb

import "testing"

func TestTransferPacketInExact(t *testing.T) {
	host := make([]byte, 10)
	p := &Packet{Pid: TokenIn, Iovecs: []HostIovec{{Base: host[0:4]}, {Base: host[4:6]}}}

	data := []byte{1, 2, 3, 4, 5, 6}
	p.TransferPacket(data, 6)

	if p.ActualLength != 6 {
		t.Fatalf("actual length = %d, want 6", p.ActualLength)
	}
	want := []byte{1, 2, 3, 4, 5, 6, 0, 0, 0, 0}
	for i, b := range want {
		if host[i] != b {
			t.Fatalf("host[%d] = %d, want %d", i, host[i], b)
		}
	}
}

func TestTransferPacketInOverIovecs(t *testing.T) {
	host := make([]byte, 10)
	p := &Packet{Pid: TokenIn, Iovecs: []HostIovec{{Base: host[0:4]}}}

	data := []byte{1, 2, 3, 4, 5, 6}
	p.TransferPacket(data, 6)

	if p.ActualLength != 4 {
		t.Fatalf("actual length = %d, want 4 (truncated by iovec capacity)", p.ActualLength)
	}
	want := []byte{1, 2, 3, 4, 0, 0, 0, 0, 0, 0}
	for i, b := range want {
		if host[i] != b {
			t.Fatalf("host[%d] = %d, want %d", i, host[i], b)
		}
	}
}

func TestTransferPacketInUnderLen(t *testing.T) {
	host := make([]byte, 10)
	p := &Packet{Pid: TokenIn, Iovecs: []HostIovec{{Base: host[0:4]}}}

	data := []byte{1, 2, 3, 4, 5, 6}
	p.TransferPacket(data, 2)

	if p.ActualLength != 2 {
		t.Fatalf("actual length = %d, want 2 (truncated by len)", p.ActualLength)
	}
	want := []byte{1, 2, 0, 0, 0, 0, 0, 0, 0, 0}
	for i, b := range want {
		if host[i] != b {
			t.Fatalf("host[%d] = %d, want %d", i, host[i], b)
		}
	}
}

func TestTransferPacketInOverBuffer(t *testing.T) {
	host := make([]byte, 10)
	p := &Packet{Pid: TokenIn, Iovecs: []HostIovec{{Base: host}}}

	data := []byte{1, 2, 3, 4, 5, 6}
	p.TransferPacket(data, 10)

	if p.ActualLength != 6 {
		t.Fatalf("actual length = %d, want 6 (truncated by source buffer length)", p.ActualLength)
	}
	want := []byte{1, 2, 3, 4, 5, 6, 0, 0, 0, 0}
	for i, b := range want {
		if host[i] != b {
			t.Fatalf("host[%d] = %d, want %d", i, host[i], b)
		}
	}
}

func TestTransferPacketOutExact(t *testing.T) {
	host := []byte{1, 2, 3, 4, 5, 6, 0, 0, 0, 0}
	p := &Packet{Pid: TokenOut, Iovecs: []HostIovec{{Base: host[0:4]}, {Base: host[4:6]}}}

	data := make([]byte, 10)
	p.TransferPacket(data, 6)

	if p.ActualLength != 6 {
		t.Fatalf("actual length = %d, want 6", p.ActualLength)
	}
	want := []byte{1, 2, 3, 4, 5, 6, 0, 0, 0, 0}
	for i, b := range want {
		if data[i] != b {
			t.Fatalf("data[%d] = %d, want %d", i, data[i], b)
		}
	}
}

func TestTransferPacketOutOverLen(t *testing.T) {
	host := []byte{1, 2, 3, 4, 5, 6, 0, 0, 0, 0}
	p := &Packet{Pid: TokenOut, Iovecs: []HostIovec{{Base: host[0:4]}, {Base: host[4:6]}}}

	data := make([]byte, 10)
	p.TransferPacket(data, 10)

	if p.ActualLength != 6 {
		t.Fatalf("actual length = %d, want 6 (truncated by iovec capacity)", p.ActualLength)
	}
	want := []byte{1, 2, 3, 4, 5, 6, 0, 0, 0, 0}
	for i, b := range want {
		if data[i] != b {
			t.Fatalf("data[%d] = %d, want %d", i, data[i], b)
		}
	}
}

func TestTransferPacketOutUnderLen(t *testing.T) {
	host := []byte{1, 2, 3, 4, 5, 6, 0, 0, 0, 0}
	p := &Packet{Pid: TokenOut, Iovecs: []HostIovec{{Base: host[0:4]}}}

	data := make([]byte, 10)
	p.TransferPacket(data, 2)

	if p.ActualLength != 2 {
		t.Fatalf("actual length = %d, want 2", p.ActualLength)
	}
	want := []byte{1, 2, 0, 0, 0, 0, 0, 0, 0, 0}
	for i, b := range want {
		if data[i] != b {
			t.Fatalf("data[%d] = %d, want %d", i, data[i], b)
		}
	}
}

func TestTransferPacketOutOverBuffer(t *testing.T) {
	host := []byte{1, 2, 3, 4, 5, 6}
	p := &Packet{Pid: TokenOut, Iovecs: []HostIovec{{Base: host}}}

	data := make([]byte, 2)
	p.TransferPacket(data, 6)

	if p.ActualLength != 2 {
		t.Fatalf("actual length = %d, want 2 (truncated by destination buffer length)", p.ActualLength)
	}
	if data[0] != 1 || data[1] != 2 {
		t.Fatalf("data = %v, want [1 2]", data)
	}
}

func TestIovecsSize(t *testing.T) {
	p := &Packet{Iovecs: []HostIovec{{Base: make([]byte, 4)}, {Base: make([]byte, 6)}}}
	if p.IovecsSize() != 10 {
		t.Fatalf("IovecsSize() = %d, want 10", p.IovecsSize())
	}
}
