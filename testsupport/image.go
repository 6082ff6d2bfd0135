// Package testsupport builds small, valid FAT32 disk images in memory for
// use by this module's own tests. None of it is reachable from the mount
// path; it exists purely so blockcache/fatmgr/vfile tests have a real,
// spec-shaped image to mount instead of hand-poking bytes in each test.
package testsupport

import (
	"encoding/binary"

	"github.com/noxer/bytewriter"
	"github.com/stretchr/testify/require"

	"github.com/wrenfs/fat32/device"
	"github.com/wrenfs/fat32/layout"
)

// ImageOptions configures BuildImage. Zero values pick sensible small
// defaults suitable for unit tests, not a realistic media size.
type ImageOptions struct {
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	TotalSectors      uint32
	RootCluster       uint32
	// DataClusters is how many clusters of data area to provision,
	// including the root directory's own cluster. It drives how large the
	// FAT and the image overall need to be.
	DataClusters uint32
	// HiddenSectors, when nonzero, prepends that many sectors of unrelated
	// preamble (standing in for an MBR and any earlier partitions) before
	// the volume itself, and records the count at raw sector 0 the way a
	// real medium's own boot sector would, so a test can mount through
	// that offset instead of always assuming the volume starts at
	// absolute sector 0.
	HiddenSectors uint32
}

// DefaultImageOptions returns small-but-valid defaults: one sector per
// cluster, 8 reserved sectors, 2 FAT copies, and room for 64 data
// clusters, which keeps images small enough to build and inspect in a test
// without needing thousands of sectors.
func DefaultImageOptions() ImageOptions {
	return ImageOptions{
		SectorsPerCluster: 1,
		ReservedSectors:   8,
		NumFATs:           2,
		RootCluster:       2,
		DataClusters:      64,
	}
}

// BuiltImage is a ready-to-mount FAT32 image plus the geometry used to
// build it, so tests can cross-check fatmgr's derived geometry against
// what they asked for.
type BuiltImage struct {
	Bytes             []byte
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	SectorsPerFAT     uint32
	RootCluster       uint32
	FirstDataSector   uint32
	// HiddenSectors is the volume's offset, in sectors, from the start of
	// Bytes. Every other *Sector field above is relative to the volume,
	// not to Bytes; add HiddenSectors to translate.
	HiddenSectors uint32
}

// BuildImage constructs a minimal, structurally valid FAT32 image: a boot
// sector and BPB, a valid FSInfo sector, NumFATs FAT copies with clusters
// 0 and 1 reserved and the root directory's cluster marked end-of-chain,
// and a zeroed root directory cluster.
func BuildImage(t require.TestingT, opts ImageOptions) *BuiltImage {
	if opts.SectorsPerCluster == 0 {
		opts.SectorsPerCluster = 1
	}
	if opts.ReservedSectors == 0 {
		opts.ReservedSectors = 8
	}
	if opts.NumFATs == 0 {
		opts.NumFATs = 2
	}
	if opts.RootCluster == 0 {
		opts.RootCluster = 2
	}
	if opts.DataClusters == 0 {
		opts.DataClusters = 64
	}

	totalClustersNeeded := opts.DataClusters + 2 // clusters 0,1 reserved
	bytesPerFAT := totalClustersNeeded * layout.FATEntrySize
	sectorsPerFAT := (bytesPerFAT + device.SectorSize - 1) / device.SectorSize
	if sectorsPerFAT == 0 {
		sectorsPerFAT = 1
	}

	firstDataSector := uint32(opts.ReservedSectors) + uint32(opts.NumFATs)*sectorsPerFAT
	dataSectors := opts.DataClusters * uint32(opts.SectorsPerCluster)
	volumeSectors := firstDataSector + dataSectors
	totalSectors := opts.HiddenSectors + volumeSectors

	img := &BuiltImage{
		Bytes:             make([]byte, totalSectors*device.SectorSize),
		SectorsPerCluster: opts.SectorsPerCluster,
		ReservedSectors:   opts.ReservedSectors,
		NumFATs:           opts.NumFATs,
		SectorsPerFAT:     sectorsPerFAT,
		RootCluster:       opts.RootCluster,
		FirstDataSector:   firstDataSector,
		HiddenSectors:     opts.HiddenSectors,
	}

	writeHiddenSectorPreamble(t, img)
	writeBootSector(t, img, volumeSectors)
	writeFSInfo(t, img, opts.DataClusters)
	writeInitialFAT(t, img)

	return img
}

// writeHiddenSectorPreamble stamps the HiddenSectors count at the start of
// raw sector 0, the way a real boot sector's BPB would carry it, so
// fatmgr.Open's pre-cache bootstrap read can recover it before the cache
// (and its start_sec translation) exists.
func writeHiddenSectorPreamble(t require.TestingT, img *BuiltImage) {
	if img.HiddenSectors == 0 {
		return
	}
	bs := &layout.BootSector{
		BytesPerSector:    device.SectorSize,
		SectorsPerCluster: 1,
		NumFATs:           1,
		SectorsPerFAT32:   1,
		RootCluster:       2,
		HiddenSectors:     img.HiddenSectors,
	}
	require.NoError(t, bs.PutRaw(img.Bytes[0:device.SectorSize]))
}

func writeBootSector(t require.TestingT, img *BuiltImage, volumeSectors uint32) {
	bs := &layout.BootSector{
		BytesPerSector:    device.SectorSize,
		SectorsPerCluster: img.SectorsPerCluster,
		ReservedSectors:   img.ReservedSectors,
		NumFATs:           img.NumFATs,
		Media:             0xF8,
		HiddenSectors:     img.HiddenSectors,
		TotalSectors32:    volumeSectors,
		SectorsPerFAT32:   img.SectorsPerFAT,
		RootCluster:       img.RootCluster,
		FSInfoSector:      1,
		BackupBootSector:  6,
		DriveNumber:       0x80,
		ExBootSignature:   0x29,
		VolumeID:          0xCAFEF00D,
	}
	copy(bs.VolumeLabel[:], "NO NAME    ")
	copy(bs.FileSystemType[:], "FAT32   ")

	base := img.HiddenSectors * device.SectorSize
	sector := img.Bytes[base : base+device.SectorSize]
	require.NoError(t, bs.PutRaw(sector))
}

func writeFSInfo(t require.TestingT, img *BuiltImage, dataClusters uint32) {
	fi := &layout.FSInfo{
		FreeClusterCount: dataClusters - 1, // root cluster is pre-allocated
		NextFreeCluster:  img.RootCluster + 1,
	}
	offset := (img.HiddenSectors + 1) * device.SectorSize
	sector := img.Bytes[offset : offset+device.SectorSize]
	require.NoError(t, fi.PutRaw(sector))
}

func writeInitialFAT(t require.TestingT, img *BuiltImage) {
	for copyIdx := uint32(0); copyIdx < uint32(img.NumFATs); copyIdx++ {
		startSector := img.HiddenSectors + uint32(img.ReservedSectors) + copyIdx*img.SectorsPerFAT
		offset := startSector * device.SectorSize

		w := bytewriter.New(img.Bytes[offset : offset+img.SectorsPerFAT*device.SectorSize])

		// Cluster 0: media descriptor in the low byte, rest reserved.
		require.NoError(t, binary.Write(w, binary.LittleEndian, uint32(0x0FFFFFF8)))
		// Cluster 1: reserved, conventionally EOC.
		require.NoError(t, binary.Write(w, binary.LittleEndian, uint32(0x0FFFFFFF)))
		// Root directory's cluster: single-cluster chain, EOC.
		if img.RootCluster > 2 {
			for c := uint32(2); c < img.RootCluster; c++ {
				require.NoError(t, binary.Write(w, binary.LittleEndian, uint32(0)))
			}
		}
		require.NoError(t, binary.Write(w, binary.LittleEndian, uint32(0x0FFFFFFF)))
	}
}
