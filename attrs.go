package fat32

import "os"

// FAT directory entry attribute bits (SDE attr byte, spec §3).
const (
	// AttrReadOnly marks a directory entry as read-only.
	AttrReadOnly = 1 << iota
	// AttrHidden marks a directory entry as hidden from normal listings.
	AttrHidden
	// AttrSystem marks a directory entry as essential to the operating
	// system; drivers should not move the clusters it owns.
	AttrSystem
	// AttrVolumeLabel marks the one directory entry in the root directory
	// that carries the on-disk volume label.
	AttrVolumeLabel
	// AttrDirectory marks a directory entry as a subdirectory.
	AttrDirectory
	// AttrArchive is set whenever a file is created or modified; backup
	// tools clear it once a file has been backed up.
	AttrArchive
)

// AttrLongName is the sentinel attribute value (read-only, hidden, system
// and volume-label bits together, 0x0F) that marks a slot as a long-name
// entry (LDE) rather than a short directory entry.
const AttrLongName = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeLabel

// AttrFlagsToFileMode converts FAT attribute flags into Go's os.FileMode.
// FAT has no notion of an executable bit, so regular files are never
// marked executable.
func AttrFlagsToFileMode(attr uint8) os.FileMode {
	var mode os.FileMode
	if attr&AttrReadOnly != 0 {
		mode = 0o444
	} else {
		mode = 0o666
	}

	if attr&AttrDirectory != 0 {
		return os.ModeDir | 0o111 | (mode &^ 0o111)
	}
	return mode
}
