package fatmgr

import (
	"github.com/wrenfs/fat32/device"
	"github.com/wrenfs/fat32/layout"
)

// VolumeGeometry holds the derived (not directly on-disk) numbers a FAT32
// driver needs on every cluster/sector translation, computed once at mount
// time from the BPB so the hot paths never have to re-derive them.
type VolumeGeometry struct {
	BytesPerSector    uint32
	SectorsPerCluster uint32
	BytesPerCluster   uint32
	ReservedSectors   uint32
	NumFATs           uint32
	SectorsPerFAT     uint32
	FirstDataSector   device.SectorID
	FirstFATSector    device.SectorID
	TotalSectors      uint32
	TotalClusters     layout.ClusterID
	RootCluster       layout.ClusterID
	FSInfoSector      device.SectorID
	DirentsPerCluster uint32

	// HiddenSectorCount is the BPB's hidden_sector_count: the number of
	// sectors on the underlying media preceding this volume (e.g. an MBR
	// and prior partitions). It's also the blockcache.Cache's startSec,
	// since the cache was constructed with this same value before this
	// geometry existed.
	HiddenSectorCount uint32
}

// NewVolumeGeometry derives a VolumeGeometry from a decoded boot sector.
func NewVolumeGeometry(bs *layout.BootSector) VolumeGeometry {
	firstData := bs.FirstDataSector()
	totalDataSectors := bs.TotalSectors32 - firstData
	totalClusters := totalDataSectors / uint32(bs.SectorsPerCluster)
	bytesPerCluster := uint32(bs.BytesPerSector) * uint32(bs.SectorsPerCluster)

	return VolumeGeometry{
		BytesPerSector:    uint32(bs.BytesPerSector),
		SectorsPerCluster: uint32(bs.SectorsPerCluster),
		BytesPerCluster:   bytesPerCluster,
		ReservedSectors:   uint32(bs.ReservedSectors),
		NumFATs:           uint32(bs.NumFATs),
		SectorsPerFAT:     bs.SectorsPerFAT32,
		FirstDataSector:   device.SectorID(firstData),
		FirstFATSector:    device.SectorID(bs.ReservedSectors),
		TotalSectors:      bs.TotalSectors32,
		TotalClusters:     layout.ClusterID(totalClusters),
		RootCluster:       layout.ClusterID(bs.RootCluster),
		FSInfoSector:      device.SectorID(bs.FSInfoSector),
		DirentsPerCluster: bytesPerCluster / layout.DirentSize,
		HiddenSectorCount: bs.HiddenSectors,
	}
}

// FATCopyStartSector returns the first sector of FAT copy index (0-based;
// valid indices are [0, NumFATs)).
func (g VolumeGeometry) FATCopyStartSector(index uint32) device.SectorID {
	return g.FirstFATSector + device.SectorID(index*g.SectorsPerFAT)
}

// SectorOfCluster returns the first sector belonging to data cluster c.
// Callers must have already checked c.IsData().
func (g VolumeGeometry) SectorOfCluster(c layout.ClusterID) device.SectorID {
	return g.FirstDataSector + device.SectorID((uint32(c)-2)*g.SectorsPerCluster)
}

// SizeToClusters returns the number of clusters needed to hold size bytes.
func (g VolumeGeometry) SizeToClusters(size int64) uint32 {
	if size <= 0 {
		return 0
	}
	return uint32((uint64(size) + uint64(g.BytesPerCluster) - 1) / uint64(g.BytesPerCluster))
}
