package volumes_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wrenfs/fat32/volumes"
)

func TestLookup_KnownSlug(t *testing.T) {
	g, err := volumes.Lookup("sdhc-4g")
	require.NoError(t, err)
	assert.Equal(t, uint8(8), g.SectorsPerCluster)
	assert.EqualValues(t, 512, g.BytesPerSector)

	descriptor, err := g.MediaDescriptor()
	require.NoError(t, err)
	assert.Equal(t, byte(0xF8), descriptor)
}

func TestLookup_UnknownSlug(t *testing.T) {
	_, err := volumes.Lookup("does-not-exist")
	assert.Error(t, err)
}

func TestSlugs_IncludesRegisteredPresets(t *testing.T) {
	slugs := volumes.Slugs()
	assert.Contains(t, slugs, "usb-2g")
	assert.Contains(t, slugs, "sdxc-64g")
}

func TestTotalSectors_MatchesSizeAndSectorSize(t *testing.T) {
	g, err := volumes.Lookup("usb-2g")
	require.NoError(t, err)
	assert.Equal(t, uint32(g.TotalSizeBytes/int64(g.BytesPerSector)), g.TotalSectors())
}
