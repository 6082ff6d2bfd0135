// Package layout decodes and encodes the on-disk byte layouts of a FAT32
// volume: the boot sector and BPB, the FSInfo sector, FAT table entries, and
// short/long directory entries. Nothing in this package touches a block
// device or a cache; it only ever works against a []byte view into one
// sector, handed to it by fatmgr or vfile after they've pulled that
// sector out of a blockcache.Handle.
package layout

import (
	"encoding/binary"
	"fmt"

	fat32 "github.com/wrenfs/fat32"
)

// BPBSize is the size of the BIOS Parameter Block plus the FAT32-specific
// extension that follows it, as it appears in sector 0.
const BPBSize = 90

// BootSector is the on-disk layout of a FAT32 boot sector's BPB and
// extended BPB (Microsoft FAT spec, section 3). Fields the engine never
// reads or writes (JmpBoot, OEMName, reserved bytes, the boot code itself)
// are intentionally left out; BootSectorFromBytes/PutRaw only ever touch
// the fields listed here (PutRaw also writes the 0x55 0xAA boot signature
// at bytes 510-511) and leave the rest of the sector untouched.
type BootSector struct {
	BytesPerSector    uint16
	SectorsPerCluster uint8
	ReservedSectors   uint16
	NumFATs           uint8
	Media             uint8
	SectorsPerTrack   uint16
	NumHeads          uint16
	HiddenSectors     uint32
	TotalSectors32    uint32
	SectorsPerFAT32   uint32
	ExtFlags          uint16
	FSVersion         uint16
	RootCluster       uint32
	FSInfoSector      uint16
	BackupBootSector  uint16
	DriveNumber       uint8
	ExBootSignature   uint8
	VolumeID          uint32
	VolumeLabel       [11]byte
	FileSystemType    [8]byte
}

// Field offsets within the boot sector, per the Microsoft FAT32 BPB layout.
const (
	offBytesPerSector    = 11
	offSectorsPerCluster = 13
	offReservedSectors   = 14
	offNumFATs           = 16
	offMedia             = 21
	offSectorsPerTrack   = 24
	offNumHeads          = 26
	offHiddenSectors     = 28
	offTotalSectors32    = 32
	offSectorsPerFAT32   = 36
	offExtFlags          = 40
	offFSVersion         = 42
	offRootCluster       = 44
	offFSInfoSector      = 48
	offBackupBootSector  = 50
	offDriveNumber       = 64
	offExBootSignature   = 66
	offVolumeID          = 67
	offVolumeLabel       = 71
	offFileSystemType    = 82
	offBootSignature     = 510
)

// BootSectorFromBytes decodes a 512-byte (or larger) boot sector buffer.
func BootSectorFromBytes(data []byte) (*BootSector, error) {
	if len(data) < BPBSize {
		return nil, fat32.ErrCorrupt.WithMessage(
			fmt.Sprintf("boot sector buffer too short: %d bytes", len(data)))
	}

	bs := &BootSector{
		BytesPerSector:    binary.LittleEndian.Uint16(data[offBytesPerSector:]),
		SectorsPerCluster: data[offSectorsPerCluster],
		ReservedSectors:   binary.LittleEndian.Uint16(data[offReservedSectors:]),
		NumFATs:           data[offNumFATs],
		Media:             data[offMedia],
		SectorsPerTrack:   binary.LittleEndian.Uint16(data[offSectorsPerTrack:]),
		NumHeads:          binary.LittleEndian.Uint16(data[offNumHeads:]),
		HiddenSectors:     binary.LittleEndian.Uint32(data[offHiddenSectors:]),
		TotalSectors32:    binary.LittleEndian.Uint32(data[offTotalSectors32:]),
		SectorsPerFAT32:   binary.LittleEndian.Uint32(data[offSectorsPerFAT32:]),
		ExtFlags:          binary.LittleEndian.Uint16(data[offExtFlags:]),
		FSVersion:         binary.LittleEndian.Uint16(data[offFSVersion:]),
		RootCluster:       binary.LittleEndian.Uint32(data[offRootCluster:]),
		FSInfoSector:      binary.LittleEndian.Uint16(data[offFSInfoSector:]),
		BackupBootSector:  binary.LittleEndian.Uint16(data[offBackupBootSector:]),
		DriveNumber:       data[offDriveNumber],
		ExBootSignature:   data[offExBootSignature],
		VolumeID:          binary.LittleEndian.Uint32(data[offVolumeID:]),
	}
	copy(bs.VolumeLabel[:], data[offVolumeLabel:offVolumeLabel+11])
	copy(bs.FileSystemType[:], data[offFileSystemType:offFileSystemType+8])

	if err := bs.Validate(); err != nil {
		return nil, err
	}
	return bs, nil
}

// PutRaw writes bs's fields into data's boot-sector byte range, plus the
// 0x55 0xAA boot signature at bytes 510-511, leaving every other byte
// (boot code, OEM name, reserved padding) untouched. data
// must already be a full sector obtained from the cache so in-place field
// updates don't clobber surrounding bytes.
func (bs *BootSector) PutRaw(data []byte) error {
	if len(data) < BPBSize {
		return fmt.Errorf("boot sector buffer too short: %d bytes", len(data))
	}

	binary.LittleEndian.PutUint16(data[offBytesPerSector:], bs.BytesPerSector)
	data[offSectorsPerCluster] = bs.SectorsPerCluster
	binary.LittleEndian.PutUint16(data[offReservedSectors:], bs.ReservedSectors)
	data[offNumFATs] = bs.NumFATs
	data[offMedia] = bs.Media
	binary.LittleEndian.PutUint16(data[offSectorsPerTrack:], bs.SectorsPerTrack)
	binary.LittleEndian.PutUint16(data[offNumHeads:], bs.NumHeads)
	binary.LittleEndian.PutUint32(data[offHiddenSectors:], bs.HiddenSectors)
	binary.LittleEndian.PutUint32(data[offTotalSectors32:], bs.TotalSectors32)
	binary.LittleEndian.PutUint32(data[offSectorsPerFAT32:], bs.SectorsPerFAT32)
	binary.LittleEndian.PutUint16(data[offExtFlags:], bs.ExtFlags)
	binary.LittleEndian.PutUint16(data[offFSVersion:], bs.FSVersion)
	binary.LittleEndian.PutUint32(data[offRootCluster:], bs.RootCluster)
	binary.LittleEndian.PutUint16(data[offFSInfoSector:], bs.FSInfoSector)
	binary.LittleEndian.PutUint16(data[offBackupBootSector:], bs.BackupBootSector)
	data[offDriveNumber] = bs.DriveNumber
	data[offExBootSignature] = bs.ExBootSignature
	binary.LittleEndian.PutUint32(data[offVolumeID:], bs.VolumeID)
	copy(data[offVolumeLabel:offVolumeLabel+11], bs.VolumeLabel[:])
	copy(data[offFileSystemType:offFileSystemType+8], bs.FileSystemType[:])
	data[offBootSignature] = 0x55
	data[offBootSignature+1] = 0xAA
	return nil
}

// Validate checks the BPB fields the teacher's boot-sector reader checks
// (§3/§4.3 of the design): sector size, sectors-per-cluster power-of-two
// bound, cluster size, a nonzero FAT count, a nonzero SectorsPerFAT32 (zero
// there marks a FAT12/FAT16 header), and a root cluster of at least 2. It
// returns on the first failed check. It does not check the FileSystemType
// string or the 0x55 0xAA boot signature.
func (bs *BootSector) Validate() error {
	switch bs.BytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return fat32.ErrCorrupt.WithMessage(
			fmt.Sprintf("bad BytesPerSector %d: must be 512, 1024, 2048, or 4096", bs.BytesPerSector))
	}

	switch bs.SectorsPerCluster {
	case 1, 2, 4, 8, 16, 32, 64, 128:
	default:
		return fat32.ErrCorrupt.WithMessage(
			fmt.Sprintf("bad SectorsPerCluster %d: must be a power of 2 in [1, 128]", bs.SectorsPerCluster))
	}

	bytesPerCluster := uint32(bs.BytesPerSector) * uint32(bs.SectorsPerCluster)
	if bytesPerCluster > 32768 {
		return fat32.ErrCorrupt.WithMessage(
			fmt.Sprintf("BytesPerCluster %d exceeds the 32768 maximum", bytesPerCluster))
	}

	if bs.NumFATs == 0 {
		return fat32.ErrCorrupt.WithMessage("NumFATs is 0")
	}
	if bs.SectorsPerFAT32 == 0 {
		return fat32.ErrCorrupt.WithMessage("SectorsPerFAT32 is 0 on a FAT32 volume")
	}
	if bs.RootCluster < 2 {
		return fat32.ErrCorrupt.WithMessage(
			fmt.Sprintf("RootCluster %d is below the first valid data cluster (2)", bs.RootCluster))
	}
	return nil
}

// ReadHiddenSectorCount decodes just the HiddenSectors field out of a raw
// sector-0 buffer. It exists for the mount bootstrap in fatmgr.Open, which
// must learn the volume's partition-relative offset before it can stand up
// a blockcache.Cache to read anything else, so it reads this one field
// directly off the device rather than through BootSectorFromBytes (which
// requires the full BPB to already validate).
func ReadHiddenSectorCount(data []byte) (uint32, error) {
	if len(data) < offHiddenSectors+4 {
		return 0, fat32.ErrCorrupt.WithMessage(
			fmt.Sprintf("sector 0 buffer too short to hold HiddenSectors: %d bytes", len(data)))
	}
	return binary.LittleEndian.Uint32(data[offHiddenSectors:]), nil
}

// FirstDataSector returns the sector number (relative to the start of the
// volume) of the first sector of cluster 2.
func (bs *BootSector) FirstDataSector() uint32 {
	return uint32(bs.ReservedSectors) + uint32(bs.NumFATs)*bs.SectorsPerFAT32
}

// FATStartSector returns the first sector of FAT copy index (0-based).
func (bs *BootSector) FATStartSector(index uint8) uint32 {
	return uint32(bs.ReservedSectors) + uint32(index)*bs.SectorsPerFAT32
}

// FSInfo is the decoded contents of the FSInfo sector (Microsoft FAT32
// spec section 5). It caches the free-cluster count and a search hint so
// mounts don't need a full FAT scan to answer a free-space query, though
// fatmgr treats both fields as advisory and revalidates them.
type FSInfo struct {
	FreeClusterCount uint32
	NextFreeCluster  uint32
}

const (
	fsInfoLeadSignature  = 0x41615252
	fsInfoStructSig      = 0x61417272
	fsInfoTrailSignature = 0xAA550000

	offFSInfoLeadSig   = 0
	offFSInfoStructSig = 484
	offFSInfoFreeCount = 488
	offFSInfoNextFree  = 492
	offFSInfoTrailSig  = 508
)

// FSInfoFromBytes decodes one sector's worth of FSInfo data, validating all
// three signatures (lead, struct, and trail) per the Microsoft spec.
func FSInfoFromBytes(data []byte) (*FSInfo, error) {
	if len(data) < 512 {
		return nil, fat32.ErrCorrupt.WithMessage("FSInfo buffer shorter than one sector")
	}
	lead := binary.LittleEndian.Uint32(data[offFSInfoLeadSig:])
	structSig := binary.LittleEndian.Uint32(data[offFSInfoStructSig:])
	trail := binary.LittleEndian.Uint32(data[offFSInfoTrailSig:])

	if lead != fsInfoLeadSignature || structSig != fsInfoStructSig || trail != fsInfoTrailSignature {
		return nil, fat32.ErrCorrupt.WithMessage(
			fmt.Sprintf("bad FSInfo signature(s): lead=%#x struct=%#x trail=%#x", lead, structSig, trail))
	}

	return &FSInfo{
		FreeClusterCount: binary.LittleEndian.Uint32(data[offFSInfoFreeCount:]),
		NextFreeCluster:  binary.LittleEndian.Uint32(data[offFSInfoNextFree:]),
	}, nil
}

// PutRaw writes fi into data, including all three FSInfo signatures.
func (fi *FSInfo) PutRaw(data []byte) error {
	if len(data) < 512 {
		return fmt.Errorf("FSInfo buffer shorter than one sector")
	}
	binary.LittleEndian.PutUint32(data[offFSInfoLeadSig:], fsInfoLeadSignature)
	binary.LittleEndian.PutUint32(data[offFSInfoStructSig:], fsInfoStructSig)
	binary.LittleEndian.PutUint32(data[offFSInfoFreeCount:], fi.FreeClusterCount)
	binary.LittleEndian.PutUint32(data[offFSInfoNextFree:], fi.NextFreeCluster)
	binary.LittleEndian.PutUint32(data[offFSInfoTrailSig:], fsInfoTrailSignature)
	return nil
}
