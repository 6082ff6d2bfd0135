package vfile_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrenfs/fat32/device"
	"github.com/wrenfs/fat32/testsupport"
	"github.com/wrenfs/fat32/vfile"
)

func mustMount(t *testing.T, opts testsupport.ImageOptions) (*vfile.VFile, device.BlockDevice) {
	t.Helper()
	img := testsupport.BuildImage(t, opts)
	dev, err := device.NewMemoryDevice(img.Bytes)
	require.NoError(t, err)
	mgr, err := vfile.Mount(dev, 32)
	require.NoError(t, err)
	return vfile.Root(mgr), dev
}

func TestCreate_ShortNameFileIsFindable(t *testing.T) {
	root, _ := mustMount(t, testsupport.DefaultImageOptions())

	f, err := root.Create("HELLO.TXT", false)
	require.NoError(t, err)
	assert.False(t, f.IsDir())
	assert.Equal(t, "HELLO.TXT", f.Name())

	found, err := root.FindByName("hello.txt")
	require.NoError(t, err)
	assert.Equal(t, "HELLO.TXT", found.Name())
}

func TestCreate_LongNameRoundTrips(t *testing.T) {
	root, _ := mustMount(t, testsupport.DefaultImageOptions())

	longName := "a quite long file name with spaces.txt"
	_, err := root.Create(longName, false)
	require.NoError(t, err)

	found, err := root.FindByName(longName)
	require.NoError(t, err)
	assert.Equal(t, longName, found.Name())
}

func TestCreate_DuplicateNameFails(t *testing.T) {
	root, _ := mustMount(t, testsupport.DefaultImageOptions())

	_, err := root.Create("DUP.TXT", false)
	require.NoError(t, err)
	_, err = root.Create("dup.txt", false)
	assert.Error(t, err)
}

func TestCreate_CollidingBasisNamesGetSuffixed(t *testing.T) {
	root, _ := mustMount(t, testsupport.DefaultImageOptions())

	first, err := root.Create("report version one.txt", false)
	require.NoError(t, err)
	second, err := root.Create("report version two.txt", false)
	require.NoError(t, err)

	assert.NotEqual(t, first.Name(), second.Name())
	entries, err := root.Ls()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCreateDirectory_PopulatesDotEntries(t *testing.T) {
	root, _ := mustMount(t, testsupport.DefaultImageOptions())

	sub, err := root.Create("SUBDIR", true)
	require.NoError(t, err)
	require.True(t, sub.IsDir())

	dot, err := sub.FindByName(".")
	require.NoError(t, err)
	assert.Equal(t, sub.FirstCluster(), dot.FirstCluster())

	dotdot, err := sub.FindByName("..")
	require.NoError(t, err)
	assert.EqualValues(t, 0, dotdot.FirstCluster())
}

func TestWriteAtAndReadAt_SingleCluster(t *testing.T) {
	root, _ := mustMount(t, testsupport.DefaultImageOptions())

	f, err := root.Create("DATA.BIN", false)
	require.NoError(t, err)

	payload := []byte("hello, fat32")
	n, err := f.WriteAt(payload, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.EqualValues(t, len(payload), f.FileSize())

	buf := make([]byte, len(payload))
	n, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
}

func TestWriteAt_CrossesClusterBoundary(t *testing.T) {
	opts := testsupport.DefaultImageOptions()
	root, _ := mustMount(t, opts)

	f, err := root.Create("BIG.BIN", false)
	require.NoError(t, err)

	size := 512*2 + 37 // spans three clusters at 1 sector/cluster, 512B/cluster
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i)
	}

	n, err := f.WriteAt(payload, 0)
	require.NoError(t, err)
	assert.Equal(t, size, n)

	readBack := make([]byte, size)
	n, err = f.ReadAt(readBack, 0)
	require.NoError(t, err)
	assert.Equal(t, size, n)
	assert.Equal(t, payload, readBack)
}

func TestWriteAt_AtOffsetExtendsFile(t *testing.T) {
	root, _ := mustMount(t, testsupport.DefaultImageOptions())

	f, err := root.Create("SPARSE.BIN", false)
	require.NoError(t, err)

	_, err = f.WriteAt([]byte("tail"), 512)
	require.NoError(t, err)
	assert.EqualValues(t, 516, f.FileSize())
}

func TestRemove_ReclaimsClustersAndSlot(t *testing.T) {
	root, _ := mustMount(t, testsupport.DefaultImageOptions())

	f, err := root.Create("TOREMOVE.BIN", false)
	require.NoError(t, err)
	_, err = f.WriteAt(make([]byte, 600), 0)
	require.NoError(t, err)

	require.NoError(t, root.Remove("TOREMOVE.BIN"))

	_, err = root.FindByName("TOREMOVE.BIN")
	assert.Error(t, err)

	entries, err := root.Ls()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRemove_NonEmptyDirectoryFails(t *testing.T) {
	root, _ := mustMount(t, testsupport.DefaultImageOptions())

	sub, err := root.Create("SUBDIR", true)
	require.NoError(t, err)
	_, err = sub.Create("CHILD.TXT", false)
	require.NoError(t, err)

	err = root.Remove("SUBDIR")
	assert.Error(t, err)
}

func TestClear_TruncatesToZero(t *testing.T) {
	root, _ := mustMount(t, testsupport.DefaultImageOptions())

	f, err := root.Create("CLEARME.BIN", false)
	require.NoError(t, err)
	_, err = f.WriteAt(make([]byte, 600), 0)
	require.NoError(t, err)

	require.NoError(t, f.Clear())
	assert.EqualValues(t, 0, f.FileSize())
}

func TestDirentInfo_ReportsByPosition(t *testing.T) {
	root, _ := mustMount(t, testsupport.DefaultImageOptions())

	_, err := root.Create("ONE.TXT", false)
	require.NoError(t, err)
	_, err = root.Create("TWO.TXT", false)
	require.NoError(t, err)

	info, err := root.DirentInfo(0)
	require.NoError(t, err)
	assert.Equal(t, "ONE.TXT", info.Name)

	info, err = root.DirentInfo(1)
	require.NoError(t, err)
	assert.Equal(t, "TWO.TXT", info.Name)

	_, err = root.DirentInfo(2)
	assert.Error(t, err)
}

func TestFindByPath_ResolvesNestedDirectories(t *testing.T) {
	root, _ := mustMount(t, testsupport.DefaultImageOptions())

	sub, err := root.Create("A", true)
	require.NoError(t, err)
	_, err = sub.Create("B", true)
	require.NoError(t, err)

	found, err := root.FindByPath("A/B")
	require.NoError(t, err)
	assert.True(t, found.IsDir())
	assert.Equal(t, "B", found.Name())
}

func TestScan_SkipsOrphanedLongEntry(t *testing.T) {
	opts := testsupport.DefaultImageOptions()
	img := testsupport.BuildImage(t, opts)
	dev, err := device.NewMemoryDevice(img.Bytes)
	require.NoError(t, err)
	mgr, err := vfile.Mount(dev, 32)
	require.NoError(t, err)
	root := vfile.Root(mgr)

	longName := "an orphaned long name entry.txt"
	_, err = root.Create(longName, false)
	require.NoError(t, err)
	require.NoError(t, mgr.Sync())

	// The first of the name's three LDEs occupies the first 32-byte slot of
	// the root directory's first sector; flip its checksum byte (offset 13)
	// so it no longer matches the SDE that follows the chain.
	rootDirOffset := int(img.FirstDataSector) * device.SectorSize
	img.Bytes[rootDirOffset+13] ^= 0xFF

	dev2, err := device.NewMemoryDevice(img.Bytes)
	require.NoError(t, err)
	mgr2, err := vfile.Mount(dev2, 32)
	require.NoError(t, err)
	root2 := vfile.Root(mgr2)

	entries, err := root2.Ls()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotEqual(t, longName, entries[0].Name)
}
