// Package blockcache provides a bounded, write-back cache of sector-sized
// buffers sitting on top of a device.BlockDevice. Apart from the single
// bootstrap read of raw sector 0 in fatmgr.Open, it is the only component
// in this engine that talks to the block device directly; everything
// above it (layout, fatmgr, vfile) reads and writes sectors through a
// *Cache.
package blockcache

import (
	"fmt"
	"sync"
	"syscall"

	"github.com/boljen/go-bitmap"

	fat32 "github.com/wrenfs/fat32"
	"github.com/wrenfs/fat32/device"
)

// DefaultCapacity is the default number of sectors the cache holds before it
// must start evicting.
const DefaultCapacity = 16

type cacheEntry struct {
	mu     sync.RWMutex
	sector device.SectorID
	buf    [device.SectorSize]byte
	refs   int
}

// Cache is a bounded write-back cache of sector buffers for a single
// device, keyed by sector number only. It is not a process-wide singleton:
// every fatmgr.Open constructs its own Cache, and a fatmgr.FATManager owns
// exactly one. Two mounts of the same device do not share a Cache.
type Cache struct {
	mu       sync.Mutex
	device   device.BlockDevice
	startSec device.SectorID
	capacity int

	slots     []*cacheEntry
	index     map[device.SectorID]int
	dirty     bitmap.Bitmap
	insertSeq []uint64
	seqNext   uint64
}

// New creates a Cache bounded to capacity sectors (DefaultCapacity if 0 is
// passed) backed by dev. startSec is added to every logical sector number
// before talking to dev, so callers can mount a volume that begins partway
// through a larger image (e.g. past an MBR).
func New(dev device.BlockDevice, capacity int, startSec device.SectorID) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		device:   dev,
		startSec: startSec,
		capacity: capacity,
		index:    make(map[device.SectorID]int, capacity),
		dirty:    bitmap.New(capacity),
	}
}

// Handle is a shared, internally lock-protected reference to a cached
// sector buffer. Callers must call Release when finished so the slot can be
// evicted if the cache is full.
type Handle struct {
	cache *Cache
	slot  int
	entry *cacheEntry
}

// findEvictableLocked returns the slot index of the least-recently-inserted
// entry with no outstanding handles. c.mu must be held.
func (c *Cache) findEvictableLocked() (int, error) {
	best := -1
	var bestSeq uint64
	for slot, entry := range c.slots {
		if entry.refs != 0 {
			continue
		}
		if best == -1 || c.insertSeq[slot] < bestSeq {
			best = slot
			bestSeq = c.insertSeq[slot]
		}
	}
	if best == -1 {
		return 0, fat32.NewDriverErrorWithMessage(
			syscall.EBUSY,
			fmt.Sprintf("block cache is full (%d entries) and every entry is borrowed", c.capacity),
		)
	}
	return best, nil
}

// evictLocked writes back slot if dirty and removes its sector from the
// index, making it available for reuse. c.mu must be held.
func (c *Cache) evictLocked(slot int) error {
	old := c.slots[slot]
	if c.dirty.Get(slot) {
		if err := c.device.WriteBlock(c.startSec+old.sector, old.buf[:]); err != nil {
			return fat32.ErrIOFailed.WrapError(err)
		}
		c.dirty.Set(slot, false)
	}
	delete(c.index, old.sector)
	return nil
}

// GetCache returns a handle to the cached buffer for sector, loading it
// from the device first if it isn't already present. If the cache is full,
// the least-recently-inserted entry with no outstanding handles is evicted
// (flushing it first if dirty).
func (c *Cache) GetCache(sector device.SectorID) (*Handle, error) {
	c.mu.Lock()

	if slot, ok := c.index[sector]; ok {
		entry := c.slots[slot]
		entry.refs++
		c.mu.Unlock()
		return &Handle{cache: c, slot: slot, entry: entry}, nil
	}

	var slot int
	if len(c.slots) < c.capacity {
		slot = len(c.slots)
		c.slots = append(c.slots, &cacheEntry{})
		c.insertSeq = append(c.insertSeq, 0)
	} else {
		evictSlot, err := c.findEvictableLocked()
		if err != nil {
			c.mu.Unlock()
			return nil, err
		}
		if err := c.evictLocked(evictSlot); err != nil {
			c.mu.Unlock()
			return nil, err
		}
		slot = evictSlot
		c.slots[slot] = &cacheEntry{}
	}

	entry := c.slots[slot]
	entry.sector = sector
	entry.refs = 1
	c.seqNext++
	c.insertSeq[slot] = c.seqNext
	c.index[sector] = slot
	c.mu.Unlock()

	entry.mu.Lock()
	err := c.device.ReadBlock(c.startSec+sector, entry.buf[:])
	entry.mu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.index, sector)
		entry.refs = 0
		c.mu.Unlock()
		return nil, fat32.ErrIOFailed.WrapError(err)
	}

	return &Handle{cache: c, slot: slot, entry: entry}, nil
}

// Release relinquishes a handle, making its slot eligible for eviction once
// no other handle references it.
func (h *Handle) Release() {
	h.cache.mu.Lock()
	h.entry.refs--
	h.cache.mu.Unlock()
}

func checkViewBounds(offset, size int) error {
	if offset < 0 || size < 0 || offset+size > device.SectorSize {
		return fmt.Errorf(
			"typed view [%d:%d] is out of bounds for a %d-byte sector",
			offset, offset+size, device.SectorSize)
	}
	return nil
}

// ReadWith yields an immutable view of [offset:offset+size) within the
// sector to f. Other readers of the same sector may run concurrently; a
// writer (ModifyWith) excludes all of them.
func (h *Handle) ReadWith(offset, size int, f func(view []byte) error) error {
	if err := checkViewBounds(offset, size); err != nil {
		return err
	}
	h.entry.mu.RLock()
	defer h.entry.mu.RUnlock()
	return f(h.entry.buf[offset : offset+size])
}

// ModifyWith yields a mutable view of [offset:offset+size) within the
// sector to f, and marks the sector dirty regardless of whether f actually
// changed any bytes.
func (h *Handle) ModifyWith(offset, size int, f func(view []byte) error) error {
	if err := checkViewBounds(offset, size); err != nil {
		return err
	}
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()

	h.cache.mu.Lock()
	h.cache.dirty.Set(h.slot, true)
	h.cache.mu.Unlock()

	return f(h.entry.buf[offset : offset+size])
}

// Sync writes the sector back to the device if it is dirty, then clears the
// dirty flag.
func (h *Handle) Sync() error {
	h.entry.mu.Lock()
	defer h.entry.mu.Unlock()

	h.cache.mu.Lock()
	isDirty := h.cache.dirty.Get(h.slot)
	h.cache.mu.Unlock()
	if !isDirty {
		return nil
	}

	if err := h.cache.device.WriteBlock(h.cache.startSec+h.entry.sector, h.entry.buf[:]); err != nil {
		return fat32.ErrIOFailed.WrapError(err)
	}

	h.cache.mu.Lock()
	h.cache.dirty.Set(h.slot, false)
	h.cache.mu.Unlock()
	return nil
}

// WriteAllBack flushes every dirty entry currently in the cache to the
// device. It is the engine's equivalent of an unmount-time sync.
func (c *Cache) WriteAllBack() error {
	c.mu.Lock()
	slots := make([]*cacheEntry, len(c.slots))
	copy(slots, c.slots)
	c.mu.Unlock()

	for slot, entry := range slots {
		h := &Handle{cache: c, slot: slot, entry: entry}
		if err := h.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Capacity returns the maximum number of sectors this cache will hold
// before it must evict.
func (c *Cache) Capacity() int {
	return c.capacity
}
