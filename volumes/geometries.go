// Package volumes is a small, test/fixture-oriented catalog of real-world
// FAT32 media geometries: enough to format a fresh volume matching a known
// card or drive instead of hand-picking cluster sizes. Nothing in the mount
// or file-operation path depends on it.
package volumes

import (
	_ "embed"
	"fmt"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
)

// Geometry describes one predefined FAT32 media preset: the parameters a
// formatter needs to lay out a fresh boot sector, FSInfo sector, and FAT
// table sized appropriately for a real device class.
type Geometry struct {
	Name              string `csv:"name"`
	Slug              string `csv:"slug"`
	MediaType         string `csv:"media_type"`
	TotalSizeBytes    int64  `csv:"total_size_bytes"`
	BytesPerSector    uint16 `csv:"bytes_per_sector"`
	SectorsPerCluster uint8  `csv:"sectors_per_cluster"`
	ReservedSectors   uint16 `csv:"reserved_sectors"`
	NumFATs           uint8  `csv:"num_fats"`
	Notes             string `csv:"notes"`
}

// MediaDescriptor parses the CSV's hex-prefixed media_type field (e.g.
// "0xF8") into the raw byte the BPB's Media field expects.
func (g Geometry) MediaDescriptor() (byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(g.MediaType, "0x"), "0X")
	v, err := strconv.ParseUint(trimmed, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("volume preset %q has invalid media_type %q: %w", g.Slug, g.MediaType, err)
	}
	return byte(v), nil
}

// TotalSectors returns how many BytesPerSector-sized sectors the preset's
// total size spans.
func (g Geometry) TotalSectors() uint32 {
	return uint32(g.TotalSizeBytes / int64(g.BytesPerSector))
}

//go:embed geometries.csv
var rawCSV string

var presets map[string]Geometry

func init() {
	presets = make(map[string]Geometry)
	err := gocsv.UnmarshalToCallback(strings.NewReader(rawCSV), func(row Geometry) error {
		if _, exists := presets[row.Slug]; exists {
			return fmt.Errorf("duplicate volume preset slug %q", row.Slug)
		}
		presets[row.Slug] = row
		return nil
	})
	if err != nil {
		panic(fmt.Sprintf("volumes: failed to parse embedded geometry presets: %v", err))
	}
}

// Lookup returns the predefined geometry registered under slug.
func Lookup(slug string) (Geometry, error) {
	g, ok := presets[slug]
	if !ok {
		return Geometry{}, fmt.Errorf("no predefined volume geometry exists with slug %q", slug)
	}
	return g, nil
}

// Slugs returns every registered preset's slug, for callers that want to
// enumerate the catalog (e.g. a CLI listing available presets).
func Slugs() []string {
	out := make([]string, 0, len(presets))
	for slug := range presets {
		out = append(out, slug)
	}
	return out
}
