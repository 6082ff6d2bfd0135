package layout

import (
	"fmt"
	"hash/crc32"
	"strings"
	"unicode/utf16"

	fat32 "github.com/wrenfs/fat32"
)

// invalidShortNameChars are characters the Microsoft FAT spec forbids in an
// 8.3 name, beyond the obvious control characters (<0x20) and 0x7F.
const invalidShortNameChars = "\"*+,/:;<=>?[\\]|"

// SplitNameExt splits a long-name component into its base and extension,
// the way FAT thinks of "NAME.EXT": everything after the last '.' is the
// extension, a leading '.' is part of the base name (dotfiles have no
// extension), and there may be no extension at all.
func SplitNameExt(longName string) (base, ext string) {
	trimmed := strings.TrimRight(longName, " .")
	idx := strings.LastIndex(trimmed, ".")
	if idx <= 0 {
		return trimmed, ""
	}
	return trimmed[:idx], trimmed[idx+1:]
}

// IsValidLongName reports whether name is acceptable as a long file name:
// non-empty after trimming trailing dots/spaces, not "." or "..", and free
// of control characters and of every character in invalidShortNameChars
// (the path separators and wildcards, and also + , ; = [ and ]).
func IsValidLongName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	trimmed := strings.TrimRight(name, " .")
	if trimmed == "" {
		return false
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7F {
			return false
		}
		if strings.ContainsRune(invalidShortNameChars, r) {
			return false
		}
	}
	return true
}

func sanitizeShortNameChars(s string) string {
	upper := strings.ToUpper(s)
	var b strings.Builder
	for _, r := range upper {
		switch {
		case r == ' ':
			continue
		case r < 0x20 || r == 0x7F || strings.ContainsRune(invalidShortNameChars, r):
			b.WriteRune('_')
		case r > 0x7E:
			b.WriteRune('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// FormatShortName packs base and ext (already sanitized to short-name-safe
// characters) into the fixed 8+3 byte fields of a short directory entry,
// space-padding and truncating as needed.
func FormatShortName(base, ext string) (name [8]byte, extOut [3]byte) {
	for i := 0; i < 8; i++ {
		name[i] = ' '
	}
	for i := 0; i < 3; i++ {
		extOut[i] = ' '
	}
	copy(name[:], base)
	copy(extOut[:], ext)
	if len(base) > 0 {
		name[0] = EscapeNameFirstByte(name[0])
	}
	return name, extOut
}

// NeedsLongName reports whether longName requires an LDE chain: it isn't
// already a valid, canonical 8.3 name as written. A name containing
// lower-case letters needs one, so that its case is preserved.
func NeedsLongName(longName string) bool {
	base, ext := SplitNameExt(longName)
	if base == "" || len(base) > 8 || len(ext) > 3 {
		return true
	}
	if base != strings.ToUpper(base) || ext != strings.ToUpper(ext) {
		return true
	}
	return sanitizeShortNameChars(base) != base || sanitizeShortNameChars(ext) != ext
}

// basisShortName builds the first candidate 8.3 name for longName, per the
// "basis-name generation" algorithm in the Microsoft spec: sanitize, and
// truncate the base to 8 characters and the extension to 3.
// GenerateShortName shortens the base further when it adds a numeric tail.
func basisShortName(longName string) (base, ext string) {
	rawBase, rawExt := SplitNameExt(longName)
	base = sanitizeShortNameChars(rawBase)
	ext = sanitizeShortNameChars(rawExt)
	if len(ext) > 3 {
		ext = ext[:3]
	}
	if len(base) > 8 {
		base = base[:8]
	}
	if base == "" {
		base = "_"
	}
	return base, ext
}

// GenerateShortName produces an 8.3 short name for longName that does not
// collide with any name in exists. A name that already is a legal, bare
// 8.3 name is returned as-is when it doesn't collide. Otherwise the first
// six significant characters of the base are taken and a numeric tail is
// always appended, starting at "~1" and incrementing through "~9999" on
// collision; if all 9999 are taken this falls back to a base name of 4 hex
// digits derived from a CRC-32 of longName. That fallback is returned
// without being checked against exists.
func GenerateShortName(longName string, exists func(base, ext string) bool) (base, ext string) {
	base, ext = basisShortName(longName)

	if !NeedsLongName(longName) && !exists(base, ext) {
		return base, ext
	}

	truncated := base
	if len(truncated) > 6 {
		truncated = truncated[:6]
	}

	for n := 1; n <= 9999; n++ {
		tail := fmt.Sprintf("~%d", n)
		t := truncated
		if len(t)+len(tail) > 8 {
			t = t[:8-len(tail)]
		}
		candidate := t + tail
		if !exists(candidate, ext) {
			return candidate, ext
		}
	}

	sum := crc32.ChecksumIEEE([]byte(longName))
	candidate := fmt.Sprintf("%04X", sum&0xFFFF)
	return candidate, ext
}

// LongNameChunk is one 13-UTF-16-code-unit slice of a long name, plus
// whether it is the final (highest-sequence) chunk. Only the final chunk
// carries NUL/0xFFFF padding, and it carries none when the name's length
// is an exact multiple of 13.
type LongNameChunk struct {
	Chars    [13]uint16
	IsFinal  bool
	Sequence int
}

// SplitLongName encodes name as UTF-16 and breaks it into the 13-unit
// chunks that fill successive LDE slots, returned in storage order (last
// chunk, i.e. highest sequence number, first) per the Microsoft spec's
// on-disk ordering.
func SplitLongName(name string) []LongNameChunk {
	units := utf16.Encode([]rune(name))
	n := len(units)
	numChunks := (n + 12) / 13
	if numChunks == 0 {
		numChunks = 1
	}

	chunks := make([]LongNameChunk, numChunks)
	for i := 0; i < numChunks; i++ {
		var raw [13]uint16
		for j := 0; j < 13; j++ {
			raw[j] = 0xFFFF
		}
		start := i * 13
		end := start + 13
		if end > n {
			end = n
		}
		for j, u := range units[start:end] {
			raw[j] = u
		}
		if end-start < 13 {
			raw[end-start] = 0x0000
		}
		chunks[i] = LongNameChunk{Chars: raw, Sequence: i + 1}
	}
	chunks[numChunks-1].IsFinal = true

	// Reverse into storage order: highest sequence number first.
	reversed := make([]LongNameChunk, numChunks)
	for i, c := range chunks {
		reversed[numChunks-1-i] = c
	}
	return reversed
}

// JoinLongName reassembles chunks (given in read order: highest sequence
// number first, matching on-disk storage order) back into the long name.
// Trailing 0xFFFF padding and the terminating NUL are stripped.
func JoinLongName(chunks []*LongDirent) string {
	ordered := make([]*LongDirent, len(chunks))
	for i, c := range chunks {
		ordered[len(chunks)-1-i] = c
	}

	var units []uint16
	for _, c := range ordered {
		for _, u := range c.Chars {
			if u == 0x0000 {
				return utf16ToString(units)
			}
			if u == 0xFFFF {
				continue
			}
			units = append(units, u)
		}
	}
	return utf16ToString(units)
}

func utf16ToString(units []uint16) string {
	return string(utf16.Decode(units))
}

// ValidateLongName returns fat32.ErrInvalidName if name cannot be used as a
// file or directory name.
func ValidateLongName(name string) error {
	if !IsValidLongName(name) {
		return fat32.ErrInvalidName.WithMessage(fmt.Sprintf("invalid name %q", name))
	}
	return nil
}
