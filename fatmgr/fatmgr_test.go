package fatmgr_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrenfs/fat32/device"
	"github.com/wrenfs/fat32/fatmgr"
	"github.com/wrenfs/fat32/layout"
	"github.com/wrenfs/fat32/testsupport"
)

func mustMount(t *testing.T, opts testsupport.ImageOptions) *fatmgr.FATManager {
	t.Helper()
	img := testsupport.BuildImage(t, opts)
	dev, err := device.NewMemoryDevice(img.Bytes)
	require.NoError(t, err)
	mgr, err := fatmgr.Open(dev, 32)
	require.NoError(t, err)
	return mgr
}

func TestOpen_DerivesGeometry(t *testing.T) {
	mgr := mustMount(t, testsupport.DefaultImageOptions())
	g := mgr.Geometry()
	assert.EqualValues(t, 2, g.RootCluster)
	assert.EqualValues(t, 512, g.BytesPerSector)
	assert.Equal(t, layout.ClusterID(2), mgr.RootCluster())
}

func TestOpen_MountsPastHiddenSectors(t *testing.T) {
	opts := testsupport.DefaultImageOptions()
	opts.HiddenSectors = 63 // a classic MBR-era partition-alignment offset
	mgr := mustMount(t, opts)

	g := mgr.Geometry()
	assert.EqualValues(t, 63, g.HiddenSectorCount)
	assert.Equal(t, layout.ClusterID(2), mgr.RootCluster())

	// The mounted volume is fully usable through the offset: allocating and
	// writing a cluster chain exercises reads/writes translated by the
	// cache's start_sec, not just the boot sector decode.
	var c layout.ClusterID
	err := mgr.WithWriteLock(func() error {
		var allocErr error
		c, allocErr = mgr.AllocCluster()
		return allocErr
	})
	require.NoError(t, err)
	assert.NotZero(t, c)
}

func TestAllocCluster_DecrementsFreeCount(t *testing.T) {
	mgr := mustMount(t, testsupport.DefaultImageOptions())
	before := mgr.FreeClusterCount()

	var c layout.ClusterID
	err := mgr.WithWriteLock(func() error {
		var allocErr error
		c, allocErr = mgr.AllocCluster()
		return allocErr
	})
	require.NoError(t, err)
	assert.NotZero(t, c)
	assert.Equal(t, before-1, mgr.FreeClusterCount())
}

func TestAllocChainAndChainFrom(t *testing.T) {
	mgr := mustMount(t, testsupport.DefaultImageOptions())

	var first layout.ClusterID
	err := mgr.WithWriteLock(func() error {
		var allocErr error
		first, allocErr = mgr.AllocChain(3)
		return allocErr
	})
	require.NoError(t, err)

	var chain []layout.ClusterID
	err = mgr.WithReadLock(func() error {
		var chainErr error
		chain, chainErr = mgr.ChainFrom(first)
		return chainErr
	})
	require.NoError(t, err)
	assert.Len(t, chain, 3)
	assert.Equal(t, first, chain[0])
}

func TestDeallocChain_FreesClusters(t *testing.T) {
	mgr := mustMount(t, testsupport.DefaultImageOptions())
	before := mgr.FreeClusterCount()

	var first layout.ClusterID
	require.NoError(t, mgr.WithWriteLock(func() error {
		var err error
		first, err = mgr.AllocChain(4)
		return err
	}))
	assert.Equal(t, before-4, mgr.FreeClusterCount())

	require.NoError(t, mgr.WithWriteLock(func() error {
		return mgr.DeallocChain(first)
	}))
	assert.Equal(t, before, mgr.FreeClusterCount())
}

func TestAllocChain_FailsWhenInsufficientSpace(t *testing.T) {
	opts := testsupport.DefaultImageOptions()
	opts.DataClusters = 4
	mgr := mustMount(t, opts)

	err := mgr.WithWriteLock(func() error {
		_, err := mgr.AllocChain(100)
		return err
	})
	assert.Error(t, err)
	// A failed AllocChain must not leak partial allocations.
	assert.Equal(t, uint32(3), mgr.FreeClusterCount())
}

func TestClustersNeededToGrow(t *testing.T) {
	mgr := mustMount(t, testsupport.DefaultImageOptions())
	bytesPerCluster := int64(mgr.Geometry().BytesPerCluster)

	assert.Equal(t, 0, mgr.ClustersNeededToGrow(2, bytesPerCluster*2))
	assert.Equal(t, 1, mgr.ClustersNeededToGrow(2, bytesPerCluster*3))
}

func TestSync_PersistsFreeClusterCount(t *testing.T) {
	img := testsupport.BuildImage(t, testsupport.DefaultImageOptions())
	dev, err := device.NewMemoryDevice(img.Bytes)
	require.NoError(t, err)
	mgr, err := fatmgr.Open(dev, 32)
	require.NoError(t, err)
	require.NoError(t, mgr.WithWriteLock(func() error {
		_, err := mgr.AllocChain(2)
		return err
	}))
	require.NoError(t, mgr.Sync())

	fsInfoOffset := (img.HiddenSectors + 1) * device.SectorSize
	fi, err := layout.FSInfoFromBytes(img.Bytes[fsInfoOffset : fsInfoOffset+device.SectorSize])
	require.NoError(t, err)
	assert.Equal(t, mgr.FreeClusterCount(), fi.FreeClusterCount)
}
