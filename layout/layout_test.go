package layout_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrenfs/fat32/layout"
)

func TestFATEntryRoundTrip(t *testing.T) {
	buf := make([]byte, 4)
	// Reserved high nibble bits must survive a write of a new value.
	buf[3] = 0xF0

	require.NoError(t, layout.EncodeFATEntry(buf, layout.ClusterID(0x01234567)))
	got, err := layout.DecodeFATEntry(buf)
	require.NoError(t, err)
	assert.Equal(t, layout.ClusterID(0x01234567), got)
	assert.Equal(t, byte(0xF0), buf[3]&0xF0)
}

func TestClusterIDClassification(t *testing.T) {
	assert.True(t, layout.FreeCluster.IsFree())
	assert.True(t, layout.BadCluster.IsBad())
	assert.True(t, layout.EOCMax.IsEOC())
	assert.True(t, layout.ClusterID(5).IsData())
	assert.False(t, layout.ClusterID(1).IsData())
}

func TestShortDirentRoundTrip(t *testing.T) {
	name, ext := layout.FormatShortName("README", "TXT")
	sd := &layout.ShortDirent{
		Name:     name,
		Ext:      ext,
		Attr:     0x20,
		FileSize: 1024,
	}
	sd.SetFirstCluster(layout.ClusterID(0xABCDEF12))

	buf := make([]byte, layout.DirentSize)
	require.NoError(t, sd.PutBytes(buf))

	decoded, err := layout.ShortDirentFromBytes(buf)
	require.NoError(t, err)
	assert.Equal(t, layout.ClusterID(0xABCDEF12), decoded.FirstCluster())
	assert.Equal(t, "README.TXT", layout.ShortNameString(decoded.Name, decoded.Ext))
	assert.False(t, decoded.IsFree())
}

func TestShortDirentFreeSlotDetection(t *testing.T) {
	buf := make([]byte, layout.DirentSize)
	decoded, err := layout.ShortDirentFromBytes(buf)
	require.NoError(t, err)
	assert.True(t, decoded.IsFree())
	assert.True(t, decoded.IsEndOfDirectory())
}

func TestLongNameSplitJoinRoundTrip(t *testing.T) {
	name := "a very long file name indeed.txt"
	chunks := layout.SplitLongName(name)
	require.NotEmpty(t, chunks)

	sde := &layout.ShortDirent{}
	checksum := layout.ShortNameChecksum(sde.Name, sde.Ext)

	var longs []*layout.LongDirent
	for _, c := range chunks {
		ord := uint8(c.Sequence)
		if c.IsFinal {
			ord |= 0x40
		}
		longs = append(longs, &layout.LongDirent{Ordinal: ord, Chars: c.Chars, Checksum: checksum})
	}

	assert.Equal(t, name, layout.JoinLongName(longs))
}

func TestLongDirentRoundTripThroughBytes(t *testing.T) {
	ld := &layout.LongDirent{Ordinal: 0x41, Checksum: 0x99}
	for i := range ld.Chars {
		ld.Chars[i] = uint16('A' + i)
	}

	buf := make([]byte, layout.DirentSize)
	require.NoError(t, ld.PutBytes(buf))

	decoded, err := layout.LongDirentFromBytes(buf)
	require.NoError(t, err)
	assert.Equal(t, ld.Ordinal, decoded.Ordinal)
	assert.Equal(t, ld.Checksum, decoded.Checksum)
	assert.Equal(t, ld.Chars, decoded.Chars)
	assert.True(t, decoded.IsLast())
	assert.Equal(t, 1, decoded.Sequence())
}

func TestGenerateShortNameAlwaysAppliesTailForLongNames(t *testing.T) {
	exists := func(base, ext string) bool { return false }
	base, ext := layout.GenerateShortName("MyLongFileName.TXT", exists)
	assert.Equal(t, "MYLONG~1", base)
	assert.Equal(t, "TXT", ext)
}

func TestGenerateShortNameHandlesCollisions(t *testing.T) {
	taken := map[string]bool{"REPORT.TXT": true, "REPORT~1.TXT": true}
	exists := func(base, ext string) bool {
		return taken[base+"."+ext]
	}
	base, ext := layout.GenerateShortName("report.txt", exists)
	assert.Equal(t, "REPORT~2", base)
	assert.Equal(t, "TXT", ext)
}

func TestGenerateShortNameFallsBackPastExhaustion(t *testing.T) {
	exists := func(base, ext string) bool { return true }
	base, _ := layout.GenerateShortName("collide.txt", exists)
	assert.Len(t, base, 4)
}

func TestSplitNameExt(t *testing.T) {
	base, ext := layout.SplitNameExt("archive.tar.gz")
	assert.Equal(t, "archive.tar", base)
	assert.Equal(t, "gz", ext)

	base, ext = layout.SplitNameExt(".bashrc")
	assert.Equal(t, ".bashrc", base)
	assert.Equal(t, "", ext)
}

func TestValidateLongNameRejectsReservedNames(t *testing.T) {
	assert.Error(t, layout.ValidateLongName(""))
	assert.Error(t, layout.ValidateLongName("."))
	assert.Error(t, layout.ValidateLongName(".."))
	assert.Error(t, layout.ValidateLongName("bad/name"))
	assert.NoError(t, layout.ValidateLongName("ok-name.txt"))
}

func TestBootSectorRoundTrip(t *testing.T) {
	buf := make([]byte, 512)
	bs := &layout.BootSector{
		BytesPerSector:    512,
		SectorsPerCluster: 8,
		ReservedSectors:   32,
		NumFATs:           2,
		Media:             0xF8,
		TotalSectors32:    131072,
		SectorsPerFAT32:   955,
		RootCluster:       2,
		FSInfoSector:      1,
		BackupBootSector:  6,
		VolumeID:          0x12345678,
	}
	copy(bs.VolumeLabel[:], "NO NAME    ")
	copy(bs.FileSystemType[:], "FAT32   ")

	require.NoError(t, bs.PutRaw(buf))

	decoded, err := layout.BootSectorFromBytes(buf)
	require.NoError(t, err)
	assert.Equal(t, bs.SectorsPerFAT32, decoded.SectorsPerFAT32)
	assert.Equal(t, bs.RootCluster, decoded.RootCluster)
	assert.Equal(t, uint32(32+2*955), decoded.FirstDataSector())
}

func TestBootSectorRejectsBadSectorSize(t *testing.T) {
	buf := make([]byte, 512)
	bs := &layout.BootSector{
		BytesPerSector:    600,
		SectorsPerCluster: 1,
		NumFATs:           2,
		SectorsPerFAT32:   1,
		RootCluster:       2,
	}
	require.NoError(t, bs.PutRaw(buf))
	_, err := layout.BootSectorFromBytes(buf)
	assert.Error(t, err)
}

func TestFSInfoRoundTrip(t *testing.T) {
	buf := make([]byte, 512)
	fi := &layout.FSInfo{FreeClusterCount: 1000, NextFreeCluster: 42}
	require.NoError(t, fi.PutRaw(buf))

	decoded, err := layout.FSInfoFromBytes(buf)
	require.NoError(t, err)
	assert.Equal(t, fi.FreeClusterCount, decoded.FreeClusterCount)
	assert.Equal(t, fi.NextFreeCluster, decoded.NextFreeCluster)
}

func TestFSInfoRejectsBadSignature(t *testing.T) {
	buf := make([]byte, 512)
	_, err := layout.FSInfoFromBytes(buf)
	assert.Error(t, err)
}
