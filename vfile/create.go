package vfile

import (
	"fmt"
	"strings"
	"time"

	fat32 "github.com/wrenfs/fat32"
	"github.com/wrenfs/fat32/layout"
)

// Create adds a new entry named name inside directory v and returns a
// handle to it. isDir selects whether the new entry is itself a
// subdirectory (given its own allocated cluster and populated "." / ".."
// entries) or an empty regular file (no cluster allocated until first
// written).
func (v *VFile) Create(name string, isDir bool) (*VFile, error) {
	if !v.IsDir() {
		return nil, fat32.ErrNotADirectory
	}
	if err := layout.ValidateLongName(name); err != nil {
		return nil, err
	}

	var created *VFile
	err := v.mgr.WithWriteLock(func() error {
		existing, err := v.scanLocked()
		if err != nil {
			return err
		}
		for _, e := range existing {
			if strings.EqualFold(e.name, name) {
				return fat32.ErrAlreadyExists.WithMessage(fmt.Sprintf("%q already exists", name))
			}
		}

		shortExists := func(base, ext string) bool {
			for _, e := range existing {
				if e.sde.Name == mustFormatName(base) && e.sde.Ext == mustFormatExt(ext) {
					return true
				}
			}
			return false
		}
		base, ext := layout.GenerateShortName(name, shortExists)
		shortName, shortExt := layout.FormatShortName(base, ext)

		now := time.Now()
		attr := uint8(fat32.AttrArchive)
		if isDir {
			attr = fat32.AttrDirectory
		}

		var firstCluster layout.ClusterID
		if isDir {
			c, err := v.mgr.AllocChain(1)
			if err != nil {
				return err
			}
			if err := v.mgr.ClearCluster(c); err != nil {
				return err
			}
			firstCluster = c
		}

		sde := &layout.ShortDirent{
			Name:             shortName,
			Ext:              shortExt,
			Attr:             attr,
			CreateDate:       layout.DateToFAT(now),
			CreateTime:       layout.TimeToFAT(now),
			CreateTimeTenths: layout.TimeTenthsToFAT(now),
			LastAccessDate:   layout.DateToFAT(now),
			WriteDate:        layout.DateToFAT(now),
			WriteTime:        layout.TimeToFAT(now),
		}
		sde.SetFirstCluster(firstCluster)

		var needsLong bool
		var chunks []layout.LongNameChunk
		if layout.NeedsLongName(name) {
			needsLong = true
			chunks = layout.SplitLongName(name)
		}

		locs, err := v.findInsertionLocked(len(chunks) + 1)
		if err != nil {
			return err
		}

		checksum := layout.ShortNameChecksum(shortName, shortExt)
		longLocs := locs[:len(chunks)]
		sdeLoc := locs[len(chunks)]

		if needsLong {
			for i, chunk := range chunks {
				ld := &layout.LongDirent{
					Ordinal:  uint8(chunk.Sequence),
					Chars:    chunk.Chars,
					Checksum: checksum,
				}
				if chunk.IsFinal {
					ld.Ordinal |= 0x40
				}
				raw := make([]byte, layout.DirentSize)
				if err := ld.PutBytes(raw); err != nil {
					return err
				}
				if err := v.writeSlotBytes(longLocs[i], raw); err != nil {
					return err
				}
			}
		}

		sdeRaw := make([]byte, layout.DirentSize)
		if err := sde.PutBytes(sdeRaw); err != nil {
			return err
		}
		if err := v.writeSlotBytes(sdeLoc, sdeRaw); err != nil {
			return err
		}

		child := &VFile{
			mgr:          v.mgr,
			name:         name,
			attr:         attr,
			firstCluster: firstCluster,
			created:      now,
			modified:     now,
			accessed:     now,
			sdeLoc:       sdeLoc,
			longLocs:     longLocs,
			parentDir:    v,
		}

		if isDir {
			if err := child.writeDotEntriesLocked(v); err != nil {
				return err
			}
		}

		created = child
		return nil
	})
	return created, err
}

// writeDotEntriesLocked populates a freshly allocated directory's "." and
// ".." short-name-only entries, pointing at itself and at parent
// respectively. The root directory never gets these (it has no backing
// directory entry), and a ".." that points at the root stores cluster 0.
func (v *VFile) writeDotEntriesLocked(parent *VFile) error {
	now := v.created
	dotName, dotExt := layout.FormatShortName(".", "")
	dot := &layout.ShortDirent{
		Name: dotName, Ext: dotExt, Attr: fat32.AttrDirectory,
		CreateDate: layout.DateToFAT(now), CreateTime: layout.TimeToFAT(now),
		WriteDate: layout.DateToFAT(now), WriteTime: layout.TimeToFAT(now),
		LastAccessDate: layout.DateToFAT(now),
	}
	dot.SetFirstCluster(v.firstCluster)

	dotdotName, dotdotExt := layout.FormatShortName("..", "")
	dotdot := &layout.ShortDirent{
		Name: dotdotName, Ext: dotdotExt, Attr: fat32.AttrDirectory,
		CreateDate: layout.DateToFAT(now), CreateTime: layout.TimeToFAT(now),
		WriteDate: layout.DateToFAT(now), WriteTime: layout.TimeToFAT(now),
		LastAccessDate: layout.DateToFAT(now),
	}
	parentCluster := parent.firstCluster
	if parent.isRoot {
		parentCluster = 0
	}
	dotdot.SetFirstCluster(parentCluster)

	locs := v.clusterSlotLocations(v.firstCluster)[:2]
	dotRaw := make([]byte, layout.DirentSize)
	if err := dot.PutBytes(dotRaw); err != nil {
		return err
	}
	if err := v.writeSlotBytes(locs[0], dotRaw); err != nil {
		return err
	}
	dotdotRaw := make([]byte, layout.DirentSize)
	if err := dotdot.PutBytes(dotdotRaw); err != nil {
		return err
	}
	return v.writeSlotBytes(locs[1], dotdotRaw)
}

// findInsertionLocked returns count consecutive free slot locations within
// v's directory, growing the directory by whole clusters if the existing
// chain doesn't have enough room. Caller must hold the write lock.
func (v *VFile) findInsertionLocked(count int) ([]slotLocation, error) {
	for attempt := 0; attempt < 64; attempt++ {
		all, err := v.allSlotLocationsLocked()
		if err != nil {
			return nil, err
		}

		runStart, runLen := -1, 0
		for i, loc := range all {
			raw, err := v.readSlotBytes(loc)
			if err != nil {
				return nil, err
			}
			if raw[0] != 0x00 && raw[0] != 0xE5 {
				runStart, runLen = -1, 0
				continue
			}
			if runStart == -1 {
				runStart = i
			}
			if raw[0] == 0x00 {
				runLen = len(all) - runStart
				break
			}
			runLen++
			if runLen >= count {
				break
			}
		}

		if runStart != -1 && runLen >= count {
			return all[runStart : runStart+count], nil
		}

		last, err := v.mgr.LastOf(v.firstCluster)
		if err != nil {
			return nil, err
		}
		newClusters, err := v.mgr.ExtendChain(last, 1)
		if err != nil {
			return nil, fat32.ErrNoSpace.WrapError(err)
		}
		for _, c := range newClusters {
			if err := v.mgr.ClearCluster(c); err != nil {
				return nil, err
			}
		}
	}
	return nil, fat32.ErrNoSpace.WithMessage("directory could not be grown to fit new entry")
}

// Remove deletes name from directory v: its SDE and any LDE chain are
// marked free, and if it names a subdirectory, the subdirectory must be
// empty (only "." and ".." present) and its cluster chain is freed.
func (v *VFile) Remove(name string) error {
	if !v.IsDir() {
		return fat32.ErrNotADirectory
	}
	return v.mgr.WithWriteLock(func() error {
		entries, err := v.scanLocked()
		if err != nil {
			return err
		}

		var target *dirEntry
		for i := range entries {
			if strings.EqualFold(entries[i].name, name) {
				target = &entries[i]
				break
			}
		}
		if target == nil {
			return fat32.ErrNotFound.WithMessage(fmt.Sprintf("no entry named %q", name))
		}

		if target.sde.Attr&fat32.AttrDirectory != 0 {
			child := v.vfileFromEntry(*target)
			childEntries, err := child.scanLocked()
			if err != nil {
				return err
			}
			for _, e := range childEntries {
				if e.name != "." && e.name != ".." {
					return fat32.ErrDirectoryNotEmpty.WithMessage(fmt.Sprintf("%q is not empty", name))
				}
			}
			if child.firstCluster != 0 {
				if err := v.mgr.DeallocChain(child.firstCluster); err != nil {
					return err
				}
			}
		} else if target.sde.FirstCluster() != 0 {
			if err := v.mgr.DeallocChain(target.sde.FirstCluster()); err != nil {
				return err
			}
		}

		for _, loc := range target.longLocs {
			if err := v.freeSlot(loc); err != nil {
				return err
			}
		}
		return v.freeSlot(target.sdeLoc)
	})
}

func mustFormatName(base string) [8]byte {
	name, _ := layout.FormatShortName(base, "")
	return name
}

func mustFormatExt(ext string) [3]byte {
	_, extOut := layout.FormatShortName("", ext)
	return extOut
}
