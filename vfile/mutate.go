package vfile

import (
	"fmt"
	"time"

	fat32 "github.com/wrenfs/fat32"
	"github.com/wrenfs/fat32/device"
	"github.com/wrenfs/fat32/layout"
)

// ReadAt reads len(p) bytes starting at byte offset off within v's data,
// following v's cluster chain one cluster at a time. It returns the number
// of bytes actually read, which is less than len(p) at end-of-file (no
// error is returned for a short read that reaches EOF, matching io.ReaderAt
// only when n == len(p); callers that need the io.ReaderAt contract should
// check for a short read themselves).
func (v *VFile) ReadAt(p []byte, off int64) (int, error) {
	if v.IsDir() {
		return 0, fat32.ErrIsADirectory
	}
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}

	var n int
	err := v.mgr.WithReadLock(func() error {
		if off >= v.size {
			return nil
		}
		remaining := p
		if int64(len(remaining)) > v.size-off {
			remaining = remaining[:v.size-off]
		}

		bytesPerCluster := int64(v.mgr.Geometry().BytesPerCluster)
		for len(remaining) > 0 {
			clusterIdx := int(off / bytesPerCluster)
			inCluster := int(off % bytesPerCluster)

			cluster, err := v.mgr.ClusterAt(v.firstCluster, clusterIdx)
			if err != nil {
				return err
			}
			if cluster == 0 {
				return nil
			}

			chunk := remaining
			if int64(len(chunk)) > bytesPerCluster-int64(inCluster) {
				chunk = chunk[:bytesPerCluster-int64(inCluster)]
			}

			if err := v.readClusterBytes(cluster, inCluster, chunk); err != nil {
				return err
			}

			n += len(chunk)
			off += int64(len(chunk))
			remaining = remaining[len(chunk):]
		}
		return nil
	})
	return n, err
}

func (v *VFile) readClusterBytes(cluster layout.ClusterID, offsetInCluster int, dst []byte) error {
	g := v.mgr.Geometry()
	bytesPerSector := int(g.BytesPerSector)
	startSector := g.SectorOfCluster(cluster)

	for len(dst) > 0 {
		sectorIdx := offsetInCluster / bytesPerSector
		inSector := offsetInCluster % bytesPerSector

		h, err := v.mgr.Cache().GetCache(startSector + sectorOffsetDevice(sectorIdx))
		if err != nil {
			return err
		}

		chunk := dst
		if len(chunk) > bytesPerSector-inSector {
			chunk = chunk[:bytesPerSector-inSector]
		}
		err = h.ReadWith(inSector, len(chunk), func(view []byte) error {
			copy(chunk, view)
			return nil
		})
		h.Release()
		if err != nil {
			return err
		}

		offsetInCluster += len(chunk)
		dst = dst[len(chunk):]
	}
	return nil
}

// WriteAt writes p starting at byte offset off within v's data, extending
// v's cluster chain and file size as needed, and persists the updated size
// to v's directory entry. A write at an offset beyond the current size
// leaves the gap between the old end of file and off unwritten: those bytes
// count toward the new size but are not zero-filled, and hold whatever the
// newly allocated clusters already contained.
func (v *VFile) WriteAt(p []byte, off int64) (int, error) {
	if v.IsDir() {
		return 0, fat32.ErrIsADirectory
	}
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	if len(p) == 0 {
		return 0, nil
	}

	var n int
	err := v.mgr.WithWriteLock(func() error {
		newSize := off + int64(len(p))
		if err := v.ensureCapacityLocked(newSize); err != nil {
			return err
		}

		bytesPerCluster := int64(v.mgr.Geometry().BytesPerCluster)
		remaining := p
		cur := off
		for len(remaining) > 0 {
			clusterIdx := int(cur / bytesPerCluster)
			inCluster := int(cur % bytesPerCluster)

			cluster, err := v.mgr.ClusterAt(v.firstCluster, clusterIdx)
			if err != nil {
				return err
			}
			if cluster == 0 {
				return fat32.ErrCorrupt.WithMessage("cluster chain shorter than file size after growth")
			}

			chunk := remaining
			if int64(len(chunk)) > bytesPerCluster-int64(inCluster) {
				chunk = chunk[:bytesPerCluster-int64(inCluster)]
			}

			if err := v.writeClusterBytes(cluster, inCluster, chunk); err != nil {
				return err
			}

			n += len(chunk)
			cur += int64(len(chunk))
			remaining = remaining[len(chunk):]
		}

		if newSize > v.size {
			v.size = newSize
		}
		v.modified = time.Now()
		return v.rewriteSDELocked()
	})
	return n, err
}

func (v *VFile) writeClusterBytes(cluster layout.ClusterID, offsetInCluster int, src []byte) error {
	g := v.mgr.Geometry()
	bytesPerSector := int(g.BytesPerSector)
	startSector := g.SectorOfCluster(cluster)

	for len(src) > 0 {
		sectorIdx := offsetInCluster / bytesPerSector
		inSector := offsetInCluster % bytesPerSector

		h, err := v.mgr.Cache().GetCache(startSector + sectorOffsetDevice(sectorIdx))
		if err != nil {
			return err
		}

		chunk := src
		if len(chunk) > bytesPerSector-inSector {
			chunk = chunk[:bytesPerSector-inSector]
		}
		err = h.ModifyWith(inSector, len(chunk), func(view []byte) error {
			copy(view, chunk)
			return nil
		})
		h.Release()
		if err != nil {
			return err
		}

		offsetInCluster += len(chunk)
		src = src[len(chunk):]
	}
	return nil
}

// ensureCapacityLocked grows v's cluster chain, if needed, so it can hold
// newSize bytes; it does not shrink. Caller must hold the write lock.
func (v *VFile) ensureCapacityLocked(newSize int64) error {
	currentClusters, err := v.mgr.Count(v.firstCluster)
	if err != nil {
		return err
	}

	needed := v.mgr.ClustersNeededToGrow(currentClusters, newSize)
	if needed == 0 {
		return nil
	}

	if v.firstCluster == 0 {
		first, err := v.mgr.AllocChain(needed)
		if err != nil {
			return err
		}
		v.firstCluster = first
		return nil
	}

	last, err := v.mgr.LastOf(v.firstCluster)
	if err != nil {
		return err
	}
	_, err = v.mgr.ExtendChain(last, needed)
	return err
}

// Clear truncates v to zero length, freeing its entire cluster chain, and
// persists the change. On a directory it returns fat32.ErrIsADirectory.
func (v *VFile) Clear() error {
	if v.IsDir() {
		return fat32.ErrIsADirectory
	}
	return v.mgr.WithWriteLock(func() error {
		if v.firstCluster != 0 {
			if err := v.mgr.DeallocChain(v.firstCluster); err != nil {
				return err
			}
		}
		v.firstCluster = 0
		v.size = 0
		v.modified = time.Now()
		return v.rewriteSDELocked()
	})
}

// rewriteSDELocked re-encodes v's in-memory state and writes it back to its
// backing short directory entry slot. The root directory and any VFile not
// yet linked into a directory (i.e. still mid-Create) have no slot to write
// and this is a no-op.
func (v *VFile) rewriteSDELocked() error {
	if v.isRoot || v.sdeLoc == (slotLocation{}) {
		return nil
	}

	raw, err := v.readSlotBytes(v.sdeLoc)
	if err != nil {
		return err
	}
	sde, err := layout.ShortDirentFromBytes(raw)
	if err != nil {
		return err
	}

	sde.Attr = v.attr
	sde.SetFirstCluster(v.firstCluster)
	sde.FileSize = uint32(v.size)
	sde.WriteDate = layout.DateToFAT(v.modified)
	sde.WriteTime = layout.TimeToFAT(v.modified)
	sde.LastAccessDate = layout.DateToFAT(v.accessed)
	sde.CreateDate = layout.DateToFAT(v.created)
	sde.CreateTime = layout.TimeToFAT(v.created)
	sde.CreateTimeTenths = layout.TimeTenthsToFAT(v.created)

	out := make([]byte, layout.DirentSize)
	if err := sde.PutBytes(out); err != nil {
		return err
	}
	return v.writeSlotBytes(v.sdeLoc, out)
}

func sectorOffsetDevice(n int) device.SectorID {
	return device.SectorID(n)
}
