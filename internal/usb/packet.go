package usb

// Token is the USB packet ID carried on a transfer, following the same
// IN/OUT/SETUP token values used throughout the ecosystem's USB emulation
// code.
type Token uint8

const (
	TokenOut   Token = 0xe1
	TokenIn    Token = 0x69
	TokenSetup Token = 0x2d
)

// Status is a USB packet's completion status.
type Status int

const (
	StatusSuccess Status = iota
	StatusNoDev
	StatusNak
	StatusStall
	StatusBabble
	StatusIOError
)

// HostIovec is a host-memory buffer a packet's data is scattered across or
// gathered from, already translated from guest addresses by the
// transport layer.
type HostIovec struct {
	Base []byte
}

// Len returns the iovec's length, treating a nil Base as empty.
func (v HostIovec) Len() int { return len(v.Base) }

// Packet is one in-flight USB transfer: a control-transfer parameter or a
// data-stage buffer set, the endpoint it targets, and its completion state.
type Packet struct {
	Pid          Token
	EpNumber     uint8
	Parameter    uint64
	Iovecs       []HostIovec
	Status       Status
	ActualLength uint32
	Async        bool
}

// NewPacket builds a packet for a data-stage transfer against epNumber.
func NewPacket(pid Token, epNumber uint8, iovecs []HostIovec) *Packet {
	return &Packet{Pid: pid, EpNumber: epNumber, Iovecs: iovecs, Status: StatusSuccess}
}

// TransferPacket copies bytes between buf and the packet's iovecs,
// truncating at min(len(buf), len, sum of the iovec lengths). Direction is
// host-to-device for an OUT/SETUP token moving descriptor-reply bytes, and
// device-to-host for an IN token; ActualLength is set to the number of
// bytes actually moved. Remaining iovecs past the truncation point are left
// untouched.
func (p *Packet) TransferPacket(buf []byte, length int) {
	if length > len(buf) {
		length = len(buf)
	}
	toHost := p.Pid == TokenIn

	copied := 0
	for _, iov := range p.Iovecs {
		if copied == length {
			break
		}
		n := iov.Len()
		if n == 0 {
			continue
		}
		if remain := length - copied; n > remain {
			n = remain
		}
		if toHost {
			copy(iov.Base[:n], buf[copied:copied+n])
		} else {
			copy(buf[copied:copied+n], iov.Base[:n])
		}
		copied += n
	}
	p.ActualLength = uint32(copied)
}

// IovecsSize returns the sum of every iovec's length.
func (p *Packet) IovecsSize() uint64 {
	var size uint64
	for _, iov := range p.Iovecs {
		size += uint64(iov.Len())
	}
	return size
}
