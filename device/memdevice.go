package device

import (
	"fmt"
	"io"
	"os"

	"github.com/xaionaro-go/bytesextra"
)

// seekableDevice adapts any io.ReadWriteSeeker whose length is a whole
// number of sectors into a BlockDevice. It is not exported: callers get at
// it through NewMemoryDevice or NewFileDevice, which also carry the
// total-sector bookkeeping needed to bounds-check requests.
type seekableDevice struct {
	stream      io.ReadWriteSeeker
	totalBlocks uint32
}

func (d *seekableDevice) checkBounds(sector SectorID) error {
	if uint32(sector) >= d.totalBlocks {
		return fmt.Errorf(
			"sector %d out of range [0, %d)", sector, d.totalBlocks)
	}
	return nil
}

func (d *seekableDevice) ReadBlock(sector SectorID, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("buffer must be exactly %d bytes, got %d", SectorSize, len(buf))
	}
	if err := d.checkBounds(sector); err != nil {
		return err
	}
	if _, err := d.stream.Seek(int64(sector)*SectorSize, io.SeekStart); err != nil {
		return err
	}
	_, err := io.ReadFull(d.stream, buf)
	return err
}

func (d *seekableDevice) WriteBlock(sector SectorID, buf []byte) error {
	if len(buf) != SectorSize {
		return fmt.Errorf("buffer must be exactly %d bytes, got %d", SectorSize, len(buf))
	}
	if err := d.checkBounds(sector); err != nil {
		return err
	}
	if _, err := d.stream.Seek(int64(sector)*SectorSize, io.SeekStart); err != nil {
		return err
	}
	_, err := d.stream.Write(buf)
	return err
}

// NewMemoryDevice wraps a byte slice as a BlockDevice. len(backing) must be
// an exact multiple of SectorSize. This is the adapter used by tests and by
// hosted (non-kernel) callers that want to mount an in-memory image; it is
// never referenced by the mount path itself, which only ever sees the
// BlockDevice interface.
func NewMemoryDevice(backing []byte) (BlockDevice, error) {
	if len(backing)%SectorSize != 0 {
		return nil, fmt.Errorf(
			"backing buffer length %d is not a multiple of the sector size %d",
			len(backing), SectorSize)
	}
	return &seekableDevice{
		stream:      bytesextra.NewReadWriteSeeker(backing),
		totalBlocks: uint32(len(backing) / SectorSize),
	}, nil
}

// NewFileDevice wraps an already-open file as a BlockDevice, for hosted use
// against a raw disk image file. The file's current size must be an exact
// multiple of SectorSize.
func NewFileDevice(f *os.File) (BlockDevice, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size()%SectorSize != 0 {
		return nil, fmt.Errorf(
			"file size %d is not a multiple of the sector size %d",
			info.Size(), SectorSize)
	}
	return &seekableDevice{
		stream:      f,
		totalBlocks: uint32(info.Size() / SectorSize),
	}, nil
}
