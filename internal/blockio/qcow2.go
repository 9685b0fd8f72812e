package blockio

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/novavisor/novavisor/internal/qcow2cache"
)

// qcow2 header layout, big-endian (spec §4.3, "QCOW2 table byte layout").
// Only the fields the translation path needs are read; snapshots,
// encryption, and the refcount table are out of scope.
const (
	qcow2Magic        = 0x514649fb // "QFI\xfb"
	qcow2HdrClusterBits  = 20 // u32
	qcow2HdrSize         = 24 // u64, virtual disk size in bytes
	qcow2HdrL1Size       = 36 // u32
	qcow2HdrL1Offset     = 40 // u64
	qcow2MinHeaderLen    = 48

	// qcow2OffsetMask clears the top flag byte (COPIED/COMPRESSED + 6
	// reserved bits) and the low 9 reserved bits from an L1 or L2 entry,
	// leaving the cluster-aligned host offset.
	qcow2OffsetMask  = uint64(0x00fffffffffffe00)
	qcow2L2Compressed = uint64(1) << 62
)

// qcow2Image is the L1/L2 indirection walk over a sparse QCOW2-backed drive.
// L2 tables are cached in a qcow2cache.Cache keyed by their host offset; the
// L1 table is small enough to hold in full.
type qcow2Image struct {
	r           io.ReaderAt
	clusterBits uint
	entriesL2   int
	virtualSize uint64

	l1    []uint64
	cache *qcow2cache.Cache
}

// openQcow2Image parses r's header and L1 table. maxCachedL2Tables bounds
// how many L2 tables stay resident before the least recently used is
// evicted.
func openQcow2Image(r io.ReaderAt, maxCachedL2Tables int, log *slog.Logger) (*qcow2Image, error) {
	hdr := make([]byte, qcow2MinHeaderLen)
	if _, err := r.ReadAt(hdr, 0); err != nil {
		return nil, fmt.Errorf("blockio: qcow2: read header: %w", err)
	}
	if binary.BigEndian.Uint32(hdr[0:4]) != qcow2Magic {
		return nil, fmt.Errorf("blockio: qcow2: bad magic")
	}
	clusterBits := uint(binary.BigEndian.Uint32(hdr[qcow2HdrClusterBits:]))
	if clusterBits < 9 || clusterBits > 31 {
		return nil, fmt.Errorf("blockio: qcow2: implausible cluster_bits %d", clusterBits)
	}
	size := binary.BigEndian.Uint64(hdr[qcow2HdrSize:])
	l1Size := binary.BigEndian.Uint32(hdr[qcow2HdrL1Size:])
	l1Offset := binary.BigEndian.Uint64(hdr[qcow2HdrL1Offset:])

	l1Buf := make([]byte, uint64(l1Size)*8)
	if len(l1Buf) > 0 {
		if _, err := r.ReadAt(l1Buf, int64(l1Offset)); err != nil {
			return nil, fmt.Errorf("blockio: qcow2: read l1 table: %w", err)
		}
	}
	l1 := make([]uint64, l1Size)
	for i := range l1 {
		l1[i] = binary.BigEndian.Uint64(l1Buf[i*8:])
	}

	clusterSize := 1 << clusterBits
	return &qcow2Image{
		r:           r,
		clusterBits: clusterBits,
		entriesL2:   clusterSize / 8,
		virtualSize: size,
		l1:          l1,
		cache:       qcow2cache.New(maxCachedL2Tables, log),
	}, nil
}

// clusterSize returns the image's cluster size in bytes.
func (img *qcow2Image) clusterSize() int64 { return int64(1) << img.clusterBits }

// virtualDiskSize returns the guest-visible disk size in bytes.
func (img *qcow2Image) virtualDiskSize() uint64 { return img.virtualSize }

// clusterRun describes the host-offset translation of one cluster-aligned
// run within a guest byte range.
type clusterRun struct {
	guestOff int64 // offset into the caller's request, not the disk
	length   int64
	hostOff  int64 // meaningless when hole is true
	hole     bool
}

// translate splits [offset, offset+length) into cluster-aligned runs and
// resolves each through the L1/L2 table walk, consulting (and populating)
// the L2 cache along the way.
func (img *qcow2Image) translate(offset, length int64) ([]clusterRun, error) {
	clusterSize := img.clusterSize()
	var runs []clusterRun
	pos := int64(0)
	for pos < length {
		guestOff := offset + pos
		clusterStart := guestOff &^ (clusterSize - 1)
		inCluster := guestOff - clusterStart
		runLen := clusterSize - inCluster
		if remaining := length - pos; runLen > remaining {
			runLen = remaining
		}

		hostCluster, hole, err := img.translateCluster(uint64(guestOff))
		if err != nil {
			return nil, err
		}
		run := clusterRun{guestOff: pos, length: runLen, hole: hole}
		if !hole {
			run.hostOff = hostCluster + inCluster
		}
		runs = append(runs, run)
		pos += runLen
	}
	return runs, nil
}

// translateCluster resolves the single cluster containing guestOff to its
// host cluster base offset (the in-cluster remainder is the caller's to
// add back). hole is true for an unallocated L1 or L2 entry.
func (img *qcow2Image) translateCluster(guestOff uint64) (hostOff int64, hole bool, err error) {
	l2Bits := img.clusterBits - 3
	l1Index := guestOff >> (img.clusterBits + l2Bits)
	if l1Index >= uint64(len(img.l1)) {
		return 0, false, fmt.Errorf("blockio: qcow2: guest offset 0x%x beyond l1 table", guestOff)
	}
	l2Offset := img.l1[l1Index] & qcow2OffsetMask
	if l2Offset == 0 {
		return 0, true, nil
	}

	l2, err := img.loadL2(l2Offset)
	if err != nil {
		return 0, false, err
	}
	l2Index := int((guestOff >> img.clusterBits) & uint64(img.entriesL2-1))
	entry, err := l2.GetEntry(l2Index)
	if err != nil {
		return 0, false, err
	}
	if entry&qcow2L2Compressed != 0 {
		return 0, false, fmt.Errorf("blockio: qcow2: compressed clusters are unsupported")
	}
	hostCluster := entry & qcow2OffsetMask
	if hostCluster == 0 {
		return 0, true, nil
	}
	return int64(hostCluster), false, nil
}

// loadL2 returns the L2 table resident at host offset l2Offset, reading it
// from the image and inserting it into the cache on a miss.
func (img *qcow2Image) loadL2(l2Offset uint64) (*qcow2cache.CacheTable, error) {
	if t, ok := img.cache.Get(l2Offset); ok {
		return t, nil
	}
	buf := make([]byte, int(img.clusterSize()))
	if _, err := img.r.ReadAt(buf, int64(l2Offset)); err != nil {
		return nil, fmt.Errorf("blockio: qcow2: read l2 table at 0x%x: %w", l2Offset, err)
	}
	t, err := qcow2cache.NewCacheTable(l2Offset, buf, qcow2cache.EntrySizeU64)
	if err != nil {
		return nil, err
	}
	// Read-only translation never dirties a table, so the evicted entry (if
	// any) never needs flushing back.
	img.cache.Replace(l2Offset, t)
	return t, nil
}
