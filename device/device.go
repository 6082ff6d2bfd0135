// Package device defines the sole inbound dependency of the FAT32 engine: a
// fixed-size block device. Everything above this layer talks in logical
// sector numbers; how those map onto physical media is the kernel's
// business, not this package's.
package device

// SectorSize is the sector size this engine is built around. The spec
// allows other values in the BPB, but BlockDevice implementations used with
// this engine are expected to deal in 512-byte sectors; FATManager reads
// BytesPerSector from the BPB and validates it independently.
const SectorSize = 512

// SectorID is a zero-based sector number. Above the block cache it counts
// from the start of the volume; the cache adds the volume's start sector
// before calling a BlockDevice, so a BlockDevice sees sector numbers
// counted from the start of the medium.
type SectorID uint32

// BlockDevice is the abstraction a kernel provides to this engine. Reads and
// writes are always exactly one sector (SectorSize bytes); buffers shorter
// or longer than that are a programming error in the caller, not a runtime
// condition this package tries to recover from.
//
// Implementations are expected to treat I/O errors as fatal: this driver
// generation does not retry, and propagates whatever error is returned.
type BlockDevice interface {
	ReadBlock(sector SectorID, buf []byte) error
	WriteBlock(sector SectorID, buf []byte) error
}
