package blockcache_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrenfs/fat32/blockcache"
	"github.com/wrenfs/fat32/device"
)

func newDevice(t *testing.T, sectors int) device.BlockDevice {
	t.Helper()
	dev, err := device.NewMemoryDevice(make([]byte, sectors*device.SectorSize))
	require.NoError(t, err)
	return dev
}

func TestGetCache_LoadsFromDevice(t *testing.T) {
	dev := newDevice(t, 4)
	require.NoError(t, dev.WriteBlock(2, bytesOf(0xAB)))

	c := blockcache.New(dev, 4, 0)
	h, err := c.GetCache(2)
	require.NoError(t, err)
	defer h.Release()

	err = h.ReadWith(0, 4, func(view []byte) error {
		assert.Equal(t, []byte{0xAB, 0xAB, 0xAB, 0xAB}, view)
		return nil
	})
	require.NoError(t, err)
}

func TestModifyWith_MarksDirtyAndSyncPersists(t *testing.T) {
	dev := newDevice(t, 4)
	c := blockcache.New(dev, 4, 0)

	h, err := c.GetCache(1)
	require.NoError(t, err)

	err = h.ModifyWith(0, 4, func(view []byte) error {
		copy(view, []byte{1, 2, 3, 4})
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, h.Sync())
	h.Release()

	raw := make([]byte, device.SectorSize)
	require.NoError(t, dev.ReadBlock(1, raw))
	assert.Equal(t, byte(1), raw[0])
	assert.Equal(t, byte(4), raw[3])
}

func TestGetCache_SharesHandleForSameSector(t *testing.T) {
	dev := newDevice(t, 4)
	c := blockcache.New(dev, 4, 0)

	h1, err := c.GetCache(0)
	require.NoError(t, err)
	require.NoError(t, h1.ModifyWith(0, 1, func(v []byte) error { v[0] = 42; return nil }))

	h2, err := c.GetCache(0)
	require.NoError(t, err)

	err = h2.ReadWith(0, 1, func(v []byte) error {
		assert.Equal(t, byte(42), v[0])
		return nil
	})
	require.NoError(t, err)

	h1.Release()
	h2.Release()
}

func TestGetCache_EvictsLeastRecentlyInsertedUnborrowed(t *testing.T) {
	dev := newDevice(t, 8)
	c := blockcache.New(dev, 2, 0)

	h0, err := c.GetCache(0)
	require.NoError(t, err)
	require.NoError(t, h0.ModifyWith(0, 1, func(v []byte) error { v[0] = 1; return nil }))
	h0.Release()

	h1, err := c.GetCache(1)
	require.NoError(t, err)
	h1.Release()

	// Cache is full (slots 0 and 1). Requesting sector 2 must evict slot 0
	// (least recently inserted, unborrowed) and flush its dirty data first.
	h2, err := c.GetCache(2)
	require.NoError(t, err)
	h2.Release()

	raw := make([]byte, device.SectorSize)
	require.NoError(t, dev.ReadBlock(0, raw))
	assert.Equal(t, byte(1), raw[0])
}

func TestGetCache_FailsWhenAllSlotsBorrowed(t *testing.T) {
	dev := newDevice(t, 8)
	c := blockcache.New(dev, 1, 0)

	h0, err := c.GetCache(0)
	require.NoError(t, err)
	defer h0.Release()

	_, err = c.GetCache(1)
	assert.Error(t, err)
}

func TestReadWith_RejectsOutOfBoundsView(t *testing.T) {
	dev := newDevice(t, 1)
	c := blockcache.New(dev, 1, 0)
	h, err := c.GetCache(0)
	require.NoError(t, err)
	defer h.Release()

	err = h.ReadWith(device.SectorSize-1, 4, func([]byte) error { return nil })
	assert.Error(t, err)
}

func TestWriteAllBack_FlushesEveryDirtyEntry(t *testing.T) {
	dev := newDevice(t, 4)
	c := blockcache.New(dev, 4, 0)

	for i := device.SectorID(0); i < 3; i++ {
		h, err := c.GetCache(i)
		require.NoError(t, err)
		require.NoError(t, h.ModifyWith(0, 1, func(v []byte) error { v[0] = byte(i + 1); return nil }))
		h.Release()
	}

	require.NoError(t, c.WriteAllBack())

	for i := device.SectorID(0); i < 3; i++ {
		raw := make([]byte, device.SectorSize)
		require.NoError(t, dev.ReadBlock(i, raw))
		assert.Equal(t, byte(i+1), raw[0])
	}
}

func bytesOf(b byte) []byte {
	buf := make([]byte, device.SectorSize)
	for i := range buf {
		buf[i] = b
	}
	return buf
}
