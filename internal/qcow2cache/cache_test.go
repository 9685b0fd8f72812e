package qcow2cache

import (
	"math"
	"testing"
)

func u64Table(vals ...uint64) []byte {
	buf := make([]byte, 0, len(vals)*8)
	for _, v := range vals {
		var b [8]byte
		for i := 7; i >= 0; i-- {
			b[i] = byte(v)
			v >>= 8
		}
		buf = append(buf, b[:]...)
	}
	return buf
}

func TestCacheTableEntryReadWrite(t *testing.T) {
	entry, err := NewCacheTable(0x00, u64Table(0x00, 0x01, 0x02, 0x03, 0x04), EntrySizeU64)
	if err != nil {
		t.Fatalf("NewCacheTable: %v", err)
	}

	if v, err := entry.GetEntry(0); err != nil || v != 0x00 {
		t.Fatalf("entry[0] = %d, %v", v, err)
	}
	if v, err := entry.GetEntry(3); err != nil || v != 0x03 {
		t.Fatalf("entry[3] = %d, %v", v, err)
	}
	if v, err := entry.GetEntry(4); err != nil || v != 0x04 {
		t.Fatalf("entry[4] = %d, %v", v, err)
	}

	if err := entry.SetEntry(2, 0x09); err != nil {
		t.Fatalf("SetEntry: %v", err)
	}
	if v, _ := entry.GetEntry(2); v != 0x09 {
		t.Fatalf("entry[2] after write = %d, want 0x09", v)
	}
}

func TestCacheTableInvalidEntrySize(t *testing.T) {
	if _, err := NewCacheTable(0, make([]byte, 16), 3); err == nil {
		t.Fatal("expected error for unsupported entry size")
	}
}

func TestCacheTableOutOfBounds(t *testing.T) {
	entry, _ := NewCacheTable(0, u64Table(1, 2), EntrySizeU64)
	if _, err := entry.GetEntry(5); err == nil {
		t.Fatal("expected error for out-of-bounds read")
	}
	if err := entry.SetEntry(5, 1); err == nil {
		t.Fatal("expected error for out-of-bounds write")
	}
}

func TestCacheTableDirtyRange(t *testing.T) {
	entry, _ := NewCacheTable(0, u64Table(0, 0, 0, 0, 0, 0, 0, 0), EntrySizeU64)

	for _, idx := range []int{3, 7, 1} {
		if err := entry.SetEntry(idx, 0xAA); err != nil {
			t.Fatalf("SetEntry(%d): %v", idx, err)
		}
	}

	if !entry.Dirty.IsDirty {
		t.Fatal("expected dirty flag set")
	}
	wantStart := uint64(1 * EntrySizeU64)
	wantEnd := uint64((7 + 1) * EntrySizeU64)
	if entry.Dirty.Start != wantStart || entry.Dirty.End != wantEnd {
		t.Fatalf("dirty range = [%d, %d), want [%d, %d)", entry.Dirty.Start, entry.Dirty.End, wantStart, wantEnd)
	}

	entry.Dirty.Clear()
	if entry.Dirty.IsDirty {
		t.Fatal("expected dirty flag cleared")
	}
	if entry.Dirty.Start != math.MaxUint64 || entry.Dirty.End != 0 {
		t.Fatalf("expected empty range after clear, got [%d, %d)", entry.Dirty.Start, entry.Dirty.End)
	}
}

func TestFindEmptyEntry(t *testing.T) {
	entry, _ := NewCacheTable(0, u64Table(1, 2, 0, 4), EntrySizeU64)

	idx, err := entry.FindEmptyEntry(0)
	if err != nil {
		t.Fatalf("FindEmptyEntry: %v", err)
	}
	if idx != 2 {
		t.Fatalf("expected empty entry at 2, got %d", idx)
	}

	full, _ := NewCacheTable(0, u64Table(1, 2, 3, 4), EntrySizeU64)
	idx, err = full.FindEmptyEntry(0)
	if err != nil {
		t.Fatalf("FindEmptyEntry: %v", err)
	}
	if idx != full.EntryCount() {
		t.Fatalf("expected past-the-end index %d, got %d", full.EntryCount(), idx)
	}
}

func TestCacheEvictionSmallestCounter(t *testing.T) {
	cache := New(3, nil)

	e0, _ := NewCacheTable(0, u64Table(0), EntrySizeU64)
	e1, _ := NewCacheTable(0, u64Table(0), EntrySizeU64)
	e2, _ := NewCacheTable(0, u64Table(0), EntrySizeU64)
	e3, _ := NewCacheTable(0, u64Table(0), EntrySizeU64)

	if ev := cache.Replace(0x00, e0); ev != nil {
		t.Fatal("expected no eviction while under capacity")
	}
	if ev := cache.Replace(0x01, e1); ev != nil {
		t.Fatal("expected no eviction while under capacity")
	}
	if ev := cache.Replace(0x02, e2); ev != nil {
		t.Fatal("expected no eviction while under capacity")
	}

	// Bump 0x00's counter above 0x01 and 0x02's, so 0x01 becomes smallest.
	if _, ok := cache.Get(0x00); !ok {
		t.Fatal("expected 0x00 to be cached")
	}

	evicted := cache.Replace(0x03, e3)
	if evicted == nil {
		t.Fatal("expected an eviction once the cache is full")
	}
	if cache.Contains(0x01) {
		t.Fatal("expected key 0x01 (smallest counter) to be evicted")
	}
	if !cache.Contains(0x00) || !cache.Contains(0x02) || !cache.Contains(0x03) {
		t.Fatal("expected the other three keys to remain cached")
	}
}

func TestCacheLRUCounterOverflowResetsAllCounters(t *testing.T) {
	cache := New(2, nil)
	cache.lruCount = math.MaxUint64

	e0, _ := NewCacheTable(0, u64Table(0), EntrySizeU64)
	e1, _ := NewCacheTable(0, u64Table(0), EntrySizeU64)
	cache.Replace(0x00, e0)
	cache.Replace(0x01, e1)

	if cache.Len() != 2 {
		t.Fatalf("expected no entries lost across counter reset, got %d", cache.Len())
	}
	if e0.lruCount != 0 && e1.lruCount != 0 {
		t.Fatal("expected counters reset to zero before continuing")
	}
}

func TestCacheZeroMaxSizeDefaultsToOne(t *testing.T) {
	cache := New(0, nil)
	if cache.maxSize != defaultCacheSize {
		t.Fatalf("expected default max size %d, got %d", defaultCacheSize, cache.maxSize)
	}
}
