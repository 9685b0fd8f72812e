package blockio

import (
	"encoding/binary"
	"testing"

	"github.com/novavisor/novavisor/internal/virtio"
)

// fakeGuest is a sparse-map guest memory double satisfying the ReadGuest
// interface ParseRequest depends on.
type fakeGuest struct {
	data map[uint64]byte
}

func newFakeGuest() *fakeGuest { return &fakeGuest{data: make(map[uint64]byte)} }

func (g *fakeGuest) ReadGuest(addr uint64, length uint32) ([]byte, error) {
	buf := make([]byte, length)
	for i := range buf {
		buf[i] = g.data[addr+uint64(i)]
	}
	return buf, nil
}

func (g *fakeGuest) putHeader(addr uint64, typ uint32, sector uint64) {
	var buf [headerLen]byte
	binary.LittleEndian.PutUint32(buf[0:4], typ)
	binary.LittleEndian.PutUint64(buf[8:16], sector)
	for i, b := range buf {
		g.data[addr+uint64(i)] = b
	}
}

func (g *fakeGuest) putSegment(addr uint64, sector uint64, count uint32, unmap bool) {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], sector)
	binary.LittleEndian.PutUint32(buf[8:12], count)
	if unmap {
		binary.LittleEndian.PutUint32(buf[12:16], discardUnmapFlag)
	}
	for i, b := range buf {
		g.data[addr+uint64(i)] = b
	}
}

func TestParseRequestRead(t *testing.T) {
	g := newFakeGuest()
	g.putHeader(0x1000, TypeIn, 8)

	e := virtio.Element{
		Head: 1,
		Out:  []virtio.Iovec{{Addr: 0x1000, Length: headerLen}},
		In: []virtio.Iovec{
			{Addr: 0x2000, Length: 512},
			{Addr: 0x3000, Length: 1},
		},
	}

	req, err := ParseRequest(g, e)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Type != TypeIn || req.Sector != 8 {
		t.Fatalf("got type=%d sector=%d", req.Type, req.Sector)
	}
	if len(req.Data) != 1 || req.Data[0].Addr != 0x2000 || req.InLen != 512 {
		t.Fatalf("unexpected data iovecs: %+v", req.Data)
	}
	if req.StatusAddr != 0x3000 {
		t.Fatalf("status addr = 0x%x", req.StatusAddr)
	}
}

func TestParseRequestWriteWithInlineHeader(t *testing.T) {
	g := newFakeGuest()
	g.putHeader(0x1000, TypeOut, 16)

	e := virtio.Element{
		Head: 2,
		Out: []virtio.Iovec{
			{Addr: 0x1000, Length: headerLen + 512},
		},
		In: []virtio.Iovec{{Addr: 0x4000, Length: 1}},
	}

	req, err := ParseRequest(g, e)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Type != TypeOut || req.DataLen != 512 {
		t.Fatalf("got type=%d dataLen=%d", req.Type, req.DataLen)
	}
	if req.Data[0].Addr != 0x1000+headerLen {
		t.Fatalf("data offset = 0x%x, want past the inline header", req.Data[0].Addr)
	}
}

func TestParseRequestRejectsNonSectorMultiple(t *testing.T) {
	g := newFakeGuest()
	g.putHeader(0x1000, TypeOut, 0)

	e := virtio.Element{
		Out: []virtio.Iovec{
			{Addr: 0x1000, Length: headerLen},
			{Addr: 0x2000, Length: 100},
		},
		In: []virtio.Iovec{{Addr: 0x4000, Length: 1}},
	}

	if _, err := ParseRequest(g, e); err == nil {
		t.Fatal("expected an error for a non-sector-multiple data length")
	}
}

func TestParseRequestUnsupportedTypeStillReportsStatusAddr(t *testing.T) {
	g := newFakeGuest()
	g.putHeader(0x1000, 0xff, 0)

	e := virtio.Element{
		Head: 7,
		Out:  []virtio.Iovec{{Addr: 0x1000, Length: headerLen}},
		In:   []virtio.Iovec{{Addr: 0x4000, Length: 1}},
	}

	req, err := ParseRequest(g, e)
	if err == nil || !IsUnsupported(err) {
		t.Fatalf("expected an unsupported-type error, got %v", err)
	}
	if req == nil || req.StatusAddr != 0x4000 || req.Head != 7 {
		t.Fatalf("expected the partially parsed request to retain status addr and head, got %+v", req)
	}
}

func TestParseRequestDiscardSegment(t *testing.T) {
	g := newFakeGuest()
	g.putHeader(0x1000, TypeDiscard, 0)
	g.putSegment(0x2000, 100, 8, true)

	e := virtio.Element{
		Out: []virtio.Iovec{
			{Addr: 0x1000, Length: headerLen},
			{Addr: 0x2000, Length: 16},
		},
		In: []virtio.Iovec{{Addr: 0x4000, Length: 1}},
	}

	req, err := ParseRequest(g, e)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.SegSector != 100 || req.SegCount != 8 || !req.SegUnmap {
		t.Fatalf("unexpected segment: %+v", req)
	}
}

func TestValidateRange(t *testing.T) {
	if err := ValidateRange(0, 512, 100); err != nil {
		t.Fatalf("in-range request rejected: %v", err)
	}
	if err := ValidateRange(99, 1024, 100); err == nil {
		t.Fatal("expected an error for a request exceeding disk size")
	}
}

func reqAt(typ uint32, sector uint64, n int) *Request {
	iovs := make([]virtio.Iovec, n)
	for i := range iovs {
		iovs[i] = virtio.Iovec{Addr: uint64(i) * SectorSize, Length: SectorSize}
	}
	r := &Request{Type: typ, Sector: sector, Data: iovs}
	if typ == TypeIn {
		r.InLen = uint32(n) * SectorSize
	} else {
		r.DataLen = uint32(n) * SectorSize
	}
	return r
}

func TestMergeRequestsContiguous(t *testing.T) {
	a := reqAt(TypeOut, 0, 1)
	b := reqAt(TypeOut, 1, 1)
	c := reqAt(TypeOut, 2, 1)

	merged := MergeRequests([]*Request{c, a, b})
	if len(merged) != 1 {
		t.Fatalf("got %d merged requests, want 1", len(merged))
	}
	chain := Flatten(merged[0])
	if len(chain) != 3 {
		t.Fatalf("got chain length %d, want 3", len(chain))
	}
	if MergedDataLen(merged[0]) != 3*SectorSize {
		t.Fatalf("merged data len = %d", MergedDataLen(merged[0]))
	}
}

func TestMergeRequestsNonContiguousNotMerged(t *testing.T) {
	a := reqAt(TypeOut, 0, 1)
	b := reqAt(TypeOut, 5, 1)

	merged := MergeRequests([]*Request{a, b})
	if len(merged) != 2 {
		t.Fatalf("got %d merged requests, want 2 (non-contiguous)", len(merged))
	}
}

func TestMergeRequestsDifferentTypesNotMerged(t *testing.T) {
	a := reqAt(TypeIn, 0, 1)
	b := reqAt(TypeOut, 1, 1)

	merged := MergeRequests([]*Request{a, b})
	if len(merged) != 2 {
		t.Fatalf("got %d merged requests, want 2 (different types)", len(merged))
	}
}

func TestMergeRequestsRespectsRequestCountBound(t *testing.T) {
	var reqs []*Request
	for i := 0; i < maxMergedRequests+5; i++ {
		reqs = append(reqs, reqAt(TypeOut, uint64(i), 1))
	}
	merged := MergeRequests(reqs)
	if len(Flatten(merged[0])) != maxMergedRequests {
		t.Fatalf("first merged chain has %d members, want the %d-request cap", len(Flatten(merged[0])), maxMergedRequests)
	}
}

func TestMergeRequestsPassthroughTypesUnmerged(t *testing.T) {
	flush := &Request{Type: TypeFlush}
	a := reqAt(TypeOut, 0, 1)
	b := reqAt(TypeOut, 1, 1)

	merged := MergeRequests([]*Request{flush, a, b})
	if len(merged) != 2 {
		t.Fatalf("got %d results, want 1 merged write chain + 1 passthrough flush", len(merged))
	}
}
