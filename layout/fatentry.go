package layout

import (
	"encoding/binary"
	"fmt"

	fat32 "github.com/wrenfs/fat32"
)

// ClusterID identifies a data cluster. Valid data clusters start at 2;
// 0 and 1 are reserved and never appear as a file's first cluster.
type ClusterID uint32

const (
	// FreeCluster marks a FAT slot that isn't part of any chain.
	FreeCluster ClusterID = 0x00000000
	// BadCluster marks a cluster the media reported as unusable.
	BadCluster ClusterID = 0x0FFFFFF7
	// EOCMin is the lowest value recognized as an end-of-chain marker.
	// Formatters are free to write any value in [EOCMin, EOCMax]; this
	// engine always writes EOCMax (0x0FFFFFFF) for new chains.
	EOCMin ClusterID = 0x0FFFFFF8
	// EOCMax is the end-of-chain marker this engine writes.
	EOCMax ClusterID = 0x0FFFFFFF

	// firstValidDataCluster is the lowest cluster number usable for data.
	firstValidDataCluster ClusterID = 2
	// clusterValueMask keeps only the 28 significant bits of a FAT32 entry;
	// the top 4 bits are reserved and must be preserved across writes.
	clusterValueMask uint32 = 0x0FFFFFFF
)

// IsEOC reports whether c is an end-of-chain marker.
func (c ClusterID) IsEOC() bool {
	return c >= EOCMin && c <= EOCMax
}

// IsFree reports whether c marks an unallocated FAT slot.
func (c ClusterID) IsFree() bool {
	return c == FreeCluster
}

// IsBad reports whether c marks a cluster the media rejected.
func (c ClusterID) IsBad() bool {
	return c == BadCluster
}

// IsData reports whether c is a usable pointer to another data cluster,
// i.e. not free, not EOC, not bad, and at least 2.
func (c ClusterID) IsData() bool {
	return c >= firstValidDataCluster && !c.IsBad() && !c.IsEOC()
}

// FATEntrySize is the width of one FAT32 table entry in bytes.
const FATEntrySize = 4

// FATEntryOffset returns the byte offset of cluster's entry within the FAT,
// measured from the start of the FAT (not the start of the volume).
func FATEntryOffset(cluster ClusterID) uint32 {
	return uint32(cluster) * FATEntrySize
}

// DecodeFATEntry reads one 4-byte FAT32 entry out of data (which must begin
// exactly at that entry's offset) and masks off the 4 reserved high bits.
func DecodeFATEntry(data []byte) (ClusterID, error) {
	if len(data) < FATEntrySize {
		return 0, fat32.ErrCorrupt.WithMessage(
			fmt.Sprintf("FAT entry buffer too short: %d bytes", len(data)))
	}
	raw := binary.LittleEndian.Uint32(data[:FATEntrySize])
	return ClusterID(raw & clusterValueMask), nil
}

// EncodeFATEntry writes value into data's first 4 bytes, preserving
// whatever was in the 4 reserved high bits of the existing entry.
func EncodeFATEntry(data []byte, value ClusterID) error {
	if len(data) < FATEntrySize {
		return fmt.Errorf("FAT entry buffer too short: %d bytes", len(data))
	}
	existing := binary.LittleEndian.Uint32(data[:FATEntrySize])
	reserved := existing &^ clusterValueMask
	binary.LittleEndian.PutUint32(data[:FATEntrySize], reserved|(uint32(value)&clusterValueMask))
	return nil
}
