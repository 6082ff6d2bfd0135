package vfile

import (
	"fmt"
	"strings"

	fat32 "github.com/wrenfs/fat32"
	"github.com/wrenfs/fat32/layout"
)

// dirEntry is one decoded, non-deleted directory entry found while
// scanning a directory's cluster chain.
type dirEntry struct {
	name     string
	sde      *layout.ShortDirent
	sdeLoc   slotLocation
	longLocs []slotLocation
}

// readSlotBytes returns a copy of the 32 bytes at loc.
func (v *VFile) readSlotBytes(loc slotLocation) ([]byte, error) {
	h, err := v.mgr.Cache().GetCache(loc.sector)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	buf := make([]byte, layout.DirentSize)
	err = h.ReadWith(loc.offset, layout.DirentSize, func(view []byte) error {
		copy(buf, view)
		return nil
	})
	return buf, err
}

// writeSlotBytes overwrites the 32 bytes at loc with data.
func (v *VFile) writeSlotBytes(loc slotLocation, data []byte) error {
	h, err := v.mgr.Cache().GetCache(loc.sector)
	if err != nil {
		return err
	}
	defer h.Release()
	return h.ModifyWith(loc.offset, layout.DirentSize, func(view []byte) error {
		copy(view, data)
		return nil
	})
}

// freeSlot marks the slot at loc deleted (first byte 0xE5), used by Remove.
func (v *VFile) freeSlot(loc slotLocation) error {
	data, err := v.readSlotBytes(loc)
	if err != nil {
		return err
	}
	data[0] = 0xE5
	return v.writeSlotBytes(loc, data)
}

// forEachSlotLocked calls visit for every 32-byte slot in v's directory,
// in on-disk order, stopping at the first never-used (0x00) slot or when
// visit returns stop=true. The caller must already hold the FATManager
// read (or write) lock.
func (v *VFile) forEachSlotLocked(visit func(loc slotLocation) (stop bool, err error)) error {
	chain, err := v.mgr.ChainFrom(v.firstCluster)
	if err != nil {
		return err
	}

	g := v.mgr.Geometry()
	slotsPerSector := int(g.BytesPerSector) / layout.DirentSize

	for _, cluster := range chain {
		startSector := g.SectorOfCluster(cluster)
		for s := uint32(0); s < g.SectorsPerCluster; s++ {
			sector := startSector + sectorOffset(s)
			for slot := 0; slot < slotsPerSector; slot++ {
				loc := slotLocation{sector: sector, offset: slot * layout.DirentSize}
				stop, err := visit(loc)
				if err != nil {
					return err
				}
				if stop {
					return nil
				}
			}
		}
	}
	return nil
}

func sectorOffset(n uint32) uint32 { return n }

// clusterSlotLocations returns every directory entry slot location within
// a single cluster, in on-disk order.
func (v *VFile) clusterSlotLocations(cluster layout.ClusterID) []slotLocation {
	g := v.mgr.Geometry()
	slotsPerSector := int(g.BytesPerSector) / layout.DirentSize
	startSector := g.SectorOfCluster(cluster)

	locs := make([]slotLocation, 0, slotsPerSector*int(g.SectorsPerCluster))
	for s := uint32(0); s < g.SectorsPerCluster; s++ {
		sector := startSector + sectorOffset(s)
		for slot := 0; slot < slotsPerSector; slot++ {
			locs = append(locs, slotLocation{sector: sector, offset: slot * layout.DirentSize})
		}
	}
	return locs
}

// allSlotLocationsLocked returns every directory entry slot location in v's
// entire cluster chain, in on-disk order, without stopping at the first
// never-used slot. Create uses this to find room for a new entry,
// including room past an "end of directory" marker.
func (v *VFile) allSlotLocationsLocked() ([]slotLocation, error) {
	chain, err := v.mgr.ChainFrom(v.firstCluster)
	if err != nil {
		return nil, err
	}
	var all []slotLocation
	for _, cluster := range chain {
		all = append(all, v.clusterSlotLocations(cluster)...)
	}
	return all, nil
}

// scanLocked walks v's directory and returns every live (non-deleted)
// entry. Orphaned long-name chains (checksum mismatch against the SDE
// that follows, or an LDE chain with no following SDE before the next
// reset) are tolerated per the design's corruption policy: the entry
// falls back to its short name instead of aborting the scan.
func (v *VFile) scanLocked() ([]dirEntry, error) {
	if !v.IsDir() {
		return nil, fat32.ErrNotADirectory
	}

	var entries []dirEntry
	var pendingLongs []*layout.LongDirent
	var pendingLocs []slotLocation

	resetPending := func() {
		pendingLongs = nil
		pendingLocs = nil
	}

	err := v.forEachSlotLocked(func(loc slotLocation) (bool, error) {
		raw, err := v.readSlotBytes(loc)
		if err != nil {
			return true, err
		}

		switch raw[0] {
		case 0x00:
			return true, nil
		case 0xE5:
			resetPending()
			return false, nil
		}

		attr := raw[11]
		if attr == fat32.AttrLongName {
			ld, err := layout.LongDirentFromBytes(raw)
			if err != nil {
				resetPending()
				return false, nil
			}
			pendingLongs = append(pendingLongs, ld)
			pendingLocs = append(pendingLocs, loc)
			return false, nil
		}

		sde, err := layout.ShortDirentFromBytes(raw)
		if err != nil {
			return true, err
		}

		if sde.Attr&fat32.AttrVolumeLabel != 0 && sde.Attr&fat32.AttrDirectory == 0 {
			resetPending()
			return false, nil
		}

		name := layout.ShortNameString(sde.Name, sde.Ext)
		locs := append([]slotLocation{}, pendingLocs...)

		if len(pendingLongs) > 0 {
			checksum := layout.ShortNameChecksum(sde.Name, sde.Ext)
			valid := true
			for _, ld := range pendingLongs {
				if ld.Checksum != checksum {
					valid = false
					break
				}
			}
			if valid {
				name = layout.JoinLongName(pendingLongs)
			} else {
				locs = nil
			}
		}

		entries = append(entries, dirEntry{name: name, sde: sde, sdeLoc: loc, longLocs: locs})
		resetPending()
		return false, nil
	})

	return entries, err
}

// FindByName looks up name within directory v, case-insensitively, and
// returns a VFile for it.
func (v *VFile) FindByName(name string) (*VFile, error) {
	var found *dirEntry
	err := v.mgr.WithReadLock(func() error {
		entries, err := v.scanLocked()
		if err != nil {
			return err
		}
		for i := range entries {
			if strings.EqualFold(entries[i].name, name) {
				found = &entries[i]
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fat32.ErrNotFound.WithMessage(fmt.Sprintf("no entry named %q", name))
	}
	return v.vfileFromEntry(*found), nil
}

func (v *VFile) vfileFromEntry(e dirEntry) *VFile {
	return &VFile{
		mgr:          v.mgr,
		name:         e.name,
		attr:         e.sde.Attr,
		firstCluster: e.sde.FirstCluster(),
		size:         int64(e.sde.FileSize),
		created:      layout.TimeFromFAT(e.sde.CreateDate, e.sde.CreateTime, e.sde.CreateTimeTenths),
		modified:     layout.TimeFromFAT(e.sde.WriteDate, e.sde.WriteTime, 0),
		accessed:     layout.DateFromFAT(e.sde.LastAccessDate),
		sdeLoc:       e.sdeLoc,
		longLocs:     e.longLocs,
		parentDir:    v,
	}
}

// ListEntry is one row of a directory listing, as returned by Ls.
type ListEntry struct {
	Name      string
	Attribute uint8
	IsDir     bool
}

// Ls lists v's children, excluding "." and "..".
func (v *VFile) Ls() ([]ListEntry, error) {
	var entries []dirEntry
	err := v.mgr.WithReadLock(func() error {
		var err error
		entries, err = v.scanLocked()
		return err
	})
	if err != nil {
		return nil, err
	}

	out := make([]ListEntry, 0, len(entries))
	for _, e := range entries {
		if e.name == "." || e.name == ".." {
			continue
		}
		out = append(out, ListEntry{Name: e.name, Attribute: e.sde.Attr, IsDir: e.sde.Attr&fat32.AttrDirectory != 0})
	}
	return out, nil
}

// DirentInfo describes one raw, non-deleted directory entry by position,
// independent of its Go-level VFile wrapper.
type DirentInfo struct {
	Name         string
	FirstCluster layout.ClusterID
	Attribute    uint8
}

// DirentInfo returns information about the index-th non-deleted entry in
// directory v (0-based, in on-disk order, "." and ".." included).
func (v *VFile) DirentInfo(index int) (DirentInfo, error) {
	var entries []dirEntry
	err := v.mgr.WithReadLock(func() error {
		var err error
		entries, err = v.scanLocked()
		return err
	})
	if err != nil {
		return DirentInfo{}, err
	}
	if index < 0 || index >= len(entries) {
		return DirentInfo{}, fat32.ErrNotFound.WithMessage(
			fmt.Sprintf("directory entry index %d out of range (%d entries)", index, len(entries)))
	}
	e := entries[index]
	return DirentInfo{Name: e.name, FirstCluster: e.sde.FirstCluster(), Attribute: e.sde.Attr}, nil
}
