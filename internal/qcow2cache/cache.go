// Package qcow2cache implements the LRU-indexed metadata table cache used by
// the QCOW2 block backend to avoid re-reading L1/L2/refcount tables from the
// image file on every translation.
package qcow2cache

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
)

// Entry sizes a CacheTable may hold. QCOW2 refcount blocks use 2-byte
// big-endian entries (default refcount width); L1/L2/refcount-table pointers
// use 8-byte big-endian entries.
const (
	EntrySizeU16 = 2
	EntrySizeU64 = 8
)

// defaultCacheSize is substituted when a caller asks for a zero-sized cache.
const defaultCacheSize = 1

// DirtyInfo tracks the byte range of a CacheTable that has been written
// since the last flush.
type DirtyInfo struct {
	IsDirty bool
	Start   uint64
	End     uint64
}

// Clear resets the dirty range to its empty state.
func (d *DirtyInfo) Clear() {
	d.IsDirty = false
	d.Start = math.MaxUint64
	d.End = 0
}

func newDirtyInfo() DirtyInfo {
	return DirtyInfo{Start: math.MaxUint64, End: 0}
}

// CacheTable is one cached metadata table: an L1 table, an L2 table, a
// refcount table, or a refcount block.
type CacheTable struct {
	Dirty     DirtyInfo
	lruCount  uint64
	Addr      uint64 // host offset of the cached table
	entrySize int
	data      []byte
}

// NewCacheTable wraps data as a cache table of entrySize-byte entries backed
// by data, which is taken as-is (no copy).
func NewCacheTable(addr uint64, data []byte, entrySize int) (*CacheTable, error) {
	if entrySize != EntrySizeU16 && entrySize != EntrySizeU64 {
		return nil, fmt.Errorf("qcow2cache: invalid entry size %d", entrySize)
	}
	return &CacheTable{
		Dirty:     newDirtyInfo(),
		Addr:      addr,
		entrySize: entrySize,
		data:      data,
	}, nil
}

func (t *CacheTable) beRead(idx int) (uint64, error) {
	start := idx * t.entrySize
	end := start + t.entrySize
	if idx < 0 || end > len(t.data) {
		return 0, fmt.Errorf("qcow2cache: invalid entry index %d", idx)
	}
	switch t.entrySize {
	case EntrySizeU16:
		return uint64(binary.BigEndian.Uint16(t.data[start:end])), nil
	case EntrySizeU64:
		return binary.BigEndian.Uint64(t.data[start:end]), nil
	default:
		return 0, fmt.Errorf("qcow2cache: unsupported entry size %d", t.entrySize)
	}
}

// GetEntry reads the idx'th entry.
func (t *CacheTable) GetEntry(idx int) (uint64, error) {
	return t.beRead(idx)
}

// SetEntry writes the idx'th entry and extends the dirty range to cover it.
func (t *CacheTable) SetEntry(idx int, value uint64) error {
	start := idx * t.entrySize
	end := start + t.entrySize
	if idx < 0 || end > len(t.data) {
		return fmt.Errorf("qcow2cache: invalid entry index %d", idx)
	}
	switch t.entrySize {
	case EntrySizeU16:
		binary.BigEndian.PutUint16(t.data[start:end], uint16(value))
	case EntrySizeU64:
		binary.BigEndian.PutUint64(t.data[start:end], value)
	default:
		return fmt.Errorf("qcow2cache: unsupported entry size %d", t.entrySize)
	}
	if u := uint64(start); u < t.Dirty.Start {
		t.Dirty.Start = u
	}
	if u := uint64(end); u > t.Dirty.End {
		t.Dirty.End = u
	}
	t.Dirty.IsDirty = true
	return nil
}

// FindEmptyEntry returns the first index >= start whose value is zero, or
// the table's entry count (one past the end) if none is found. This does not
// return an error on "not found" — callers must check the returned index
// against EntryCount, not against an error.
func (t *CacheTable) FindEmptyEntry(start int) (int, error) {
	n := t.EntryCount()
	for i := start; i < n; i++ {
		v, err := t.beRead(i)
		if err != nil {
			return 0, err
		}
		if v == 0 {
			return i, nil
		}
	}
	return n, nil
}

// EntryCount reports how many entries the table holds.
func (t *CacheTable) EntryCount() int {
	return len(t.data) / t.entrySize
}

// Bytes returns the raw backing buffer, for flushing to disk.
func (t *CacheTable) Bytes() []byte {
	return t.data
}

// Cache is an LRU-bounded map of host offset to CacheTable.
type Cache struct {
	maxSize  int
	lruCount uint64
	entries  map[uint64]*CacheTable
	log      *slog.Logger
}

// New creates a cache bounded to maxSize entries. A zero maxSize is
// substituted with 1 and logged, matching the guard in the table format this
// cache mirrors.
func New(maxSize int, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	if maxSize == 0 {
		maxSize = defaultCacheSize
		log.Warn("qcow2 cache max size is 0, using default", "default", defaultCacheSize)
	}
	return &Cache{
		maxSize: maxSize,
		entries: make(map[uint64]*CacheTable, maxSize),
		log:     log,
	}
}

// checkLRUOverflow resets every table's counter to zero once the cache's
// monotonic counter would overflow, rather than letting it wrap.
func (c *Cache) checkLRUOverflow() {
	if c.lruCount < math.MaxUint64 {
		return
	}
	c.log.Warn("qcow2 cache lru counter saturated, resetting")
	for _, t := range c.entries {
		t.lruCount = 0
	}
	c.lruCount = 0
}

// Contains reports whether offset is cached.
func (c *Cache) Contains(offset uint64) bool {
	_, ok := c.entries[offset]
	return ok
}

// Get returns the table cached at offset, bumping its LRU counter on a hit.
func (c *Cache) Get(offset uint64) (*CacheTable, bool) {
	c.checkLRUOverflow()
	t, ok := c.entries[offset]
	if !ok {
		return nil, false
	}
	t.lruCount = c.lruCount
	c.lruCount++
	return t, true
}

// All iterates every cached table, for flush scans. Iteration order is
// unspecified.
func (c *Cache) All(fn func(offset uint64, t *CacheTable) bool) {
	for offset, t := range c.entries {
		if !fn(offset, t) {
			return
		}
	}
}

// Replace inserts entry at offset, evicting the entry with the smallest LRU
// counter if the cache is already at max size. The evicted table (if any) is
// returned so the caller may flush its dirty range before it is discarded.
func (c *Cache) Replace(offset uint64, entry *CacheTable) *CacheTable {
	c.checkLRUOverflow()
	entry.lruCount = c.lruCount
	c.lruCount++

	if len(c.entries) < c.maxSize {
		c.entries[offset] = entry
		return nil
	}

	var (
		evictOffset uint64
		evicted     *CacheTable
		smallest    = uint64(math.MaxUint64)
	)
	for off, t := range c.entries {
		if t.lruCount < smallest {
			smallest = t.lruCount
			evicted = t
			evictOffset = off
		}
	}
	delete(c.entries, evictOffset)
	c.entries[offset] = entry
	return evicted
}

// Len reports the number of cached tables.
func (c *Cache) Len() int {
	return len(c.entries)
}
