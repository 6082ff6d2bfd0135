// Package vfile implements the per-file and per-directory handle on top of
// a mounted fatmgr.FATManager: name lookup, path resolution, directory
// listing, byte-range read/write, and create/remove. Everything a caller
// outside this engine touches starts from vfile.Mount.
package vfile

import (
	"os"
	"strings"
	"time"

	fat32 "github.com/wrenfs/fat32"
	"github.com/wrenfs/fat32/device"
	"github.com/wrenfs/fat32/fatmgr"
	"github.com/wrenfs/fat32/layout"
)

// slotLocation pins a single 32-byte directory entry slot to an absolute
// sector and byte offset within it.
type slotLocation struct {
	sector device.SectorID
	offset int
}

// VFile is a handle to one file or directory on a mounted volume. The zero
// value is not usable; obtain one from Root (on the FATManager that Mount
// returns), FindByName, FindByPath, or Create.
type VFile struct {
	mgr *fatmgr.FATManager

	name         string
	attr         uint8
	firstCluster layout.ClusterID
	size         int64

	created  time.Time
	modified time.Time
	accessed time.Time

	// isRoot is true for the single synthetic VFile with no backing SDE.
	isRoot bool
	// sdeLoc/longLocs are meaningless when isRoot is true.
	sdeLoc   slotLocation
	longLocs []slotLocation

	// parentDir, when non-nil, is the directory this entry was looked up
	// or created in. Field updates are persisted through sdeLoc, not
	// through parentDir.
	parentDir *VFile
}

// Mount opens dev as a FAT32 volume and returns its FATManager. Use Root to
// get a handle to the volume's root directory.
func Mount(dev device.BlockDevice, cacheCapacity int) (*fatmgr.FATManager, error) {
	return fatmgr.Open(dev, cacheCapacity)
}

// Root returns the synthetic VFile representing mgr's root directory. It
// has no backing directory entry: its attributes and timestamps are
// fabricated, and Remove refuses to operate on it.
func Root(mgr *fatmgr.FATManager) *VFile {
	return &VFile{
		mgr:          mgr,
		name:         "/",
		attr:         fat32.AttrDirectory,
		firstCluster: mgr.RootCluster(),
		isRoot:       true,
	}
}

// Name returns the entry's display name: the long name if one was present,
// otherwise the 8.3 short name in "NAME.EXT" form.
func (v *VFile) Name() string { return v.name }

// IsDir reports whether this entry is a directory.
func (v *VFile) IsDir() bool { return v.attr&fat32.AttrDirectory != 0 }

// FileSize returns the entry's size in bytes. Directories always report 0;
// their true extent is the length of their cluster chain.
func (v *VFile) FileSize() int64 {
	if v.IsDir() {
		return 0
	}
	return v.size
}

// Size implements os.FileInfo.
func (v *VFile) Size() int64 { return v.FileSize() }

// Mode implements os.FileInfo.
func (v *VFile) Mode() os.FileMode { return fat32.AttrFlagsToFileMode(v.attr) }

// ModTime implements os.FileInfo.
func (v *VFile) ModTime() time.Time { return v.modified }

// Sys implements os.FileInfo.
func (v *VFile) Sys() interface{} { return v }

// FirstCluster returns the entry's first data cluster, or 0 for an empty
// file that has never been written to.
func (v *VFile) FirstCluster() layout.ClusterID { return v.firstCluster }

// Info is the full stat result for a VFile: its size, the volume's block
// geometry (cluster size and chain length, in the absence of any smaller
// addressable unit), whether it's a directory, and all three timestamps.
// Callers that only need the os.FileInfo surface can use a *VFile
// directly, since it implements that interface itself.
type Info struct {
	Size       int64
	BlockSize  int64
	BlockCount int
	IsDir      bool
	Created    time.Time
	Modified   time.Time
	Accessed   time.Time
}

// Stat returns v's full stat information. BlockSize is the volume's
// cluster size and BlockCount is the number of clusters in v's chain,
// computed by walking the FAT under the manager's read lock.
func (v *VFile) Stat() (Info, error) {
	var blockCount int
	err := v.mgr.WithReadLock(func() error {
		n, err := v.mgr.Count(v.firstCluster)
		blockCount = n
		return err
	})
	if err != nil {
		return Info{}, err
	}
	return Info{
		Size:       v.FileSize(),
		BlockSize:  int64(v.mgr.Geometry().BytesPerCluster),
		BlockCount: blockCount,
		IsDir:      v.IsDir(),
		Created:    v.created,
		Modified:   v.modified,
		Accessed:   v.accessed,
	}, nil
}

// Attribute returns the raw FAT attribute byte.
func (v *VFile) Attribute() uint8 { return v.attr }

// TimeKind selects which of an entry's three timestamps SetTime updates.
type TimeKind int

const (
	TimeCreated TimeKind = iota
	TimeModified
	TimeAccessed
)

// SetTime updates one of v's timestamps and, unless v is the synthetic
// root (which has no backing entry to persist into), writes it back to the
// volume immediately.
func (v *VFile) SetTime(kind TimeKind, t time.Time) error {
	switch kind {
	case TimeCreated:
		v.created = t
	case TimeModified:
		v.modified = t
	case TimeAccessed:
		v.accessed = t
	}
	if v.isRoot {
		return nil
	}
	return v.mgr.WithWriteLock(func() error {
		return v.rewriteSDELocked()
	})
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p == "" || p == "." {
			continue
		}
		parts = append(parts, p)
	}
	return parts
}

// FindByPath resolves a '/'-separated path starting from v (which must be
// a directory) by repeatedly applying FindByName. Empty components and "."
// resolve to the current directory; ".." is not handled at this layer.
func (v *VFile) FindByPath(path string) (*VFile, error) {
	cur := v
	for _, part := range splitPath(path) {
		if part == ".." {
			return nil, fat32.ErrInvalidName.WithMessage(`".." is not resolved by vfile; caller must resolve it`)
		}
		next, err := cur.FindByName(part)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}
