// Package fatmgr owns everything about a mounted FAT32 volume that isn't
// specific to one file: the boot sector, the free-cluster bitmap, and the
// FAT table itself (kept mirrored across every FAT copy on every write).
// vfile.VFile consults a *FATManager for every cluster-chain traversal and
// mutation; it never touches the FAT sectors directly.
package fatmgr

import (
	"fmt"
	"sync"

	"github.com/boljen/go-bitmap"
	"github.com/hashicorp/go-multierror"

	fat32 "github.com/wrenfs/fat32"
	"github.com/wrenfs/fat32/blockcache"
	"github.com/wrenfs/fat32/device"
	"github.com/wrenfs/fat32/layout"
)

const bpbSector device.SectorID = 0

// FATManager is the mounted-volume handle. Its query and mutation methods
// take no lock themselves: callers wrap a read (GetNext, ChainFrom,
// ClusterAt, Count) in WithReadLock and a mutation (SetNext, AllocCluster,
// DeallocCluster) in WithWriteLock. The lock is held across whatever
// block-cache I/O the wrapped calls need, matching the rest of this
// engine's "no cancellation, locks span I/O" concurrency model.
type FATManager struct {
	mu sync.RWMutex

	cache    *blockcache.Cache
	boot     *layout.BootSector
	fsInfo   *layout.FSInfo
	geometry VolumeGeometry

	// freeBitmap mirrors which clusters are free, one bit per cluster
	// number (bit index == cluster number, so indices 0 and 1 are unused
	// padding). It's rebuilt from the on-disk FAT at mount time and kept
	// in sync on every Alloc/Dealloc so FreeClusterCount queries don't
	// need a FAT scan.
	freeBitmap bitmap.Bitmap
	freeCount  uint32
}

// Open mounts a FAT32 volume backed by dev. cacheCapacity is passed through
// to blockcache.New (0 selects blockcache.DefaultCapacity).
//
// Mounting happens in two passes because the cache itself needs to know the
// volume's start_sec before it can serve anything else: Open first reads
// raw sector 0 directly off dev (bypassing the cache, which doesn't exist
// yet) to learn hidden_sector_count, the number of sectors on the
// underlying media that precede this volume. Only then does it construct
// the block cache with that offset, and re-read the boot sector (now at its
// logical address 0, translated by the cache to the right absolute sector)
// to decode the rest of the BPB.
func Open(dev device.BlockDevice, cacheCapacity int) (*FATManager, error) {
	hiddenSectors, err := readHiddenSectorCount(dev)
	if err != nil {
		return nil, err
	}

	cache := blockcache.New(dev, cacheCapacity, device.SectorID(hiddenSectors))

	boot, err := readBootSector(cache)
	if err != nil {
		return nil, err
	}

	geometry := NewVolumeGeometry(boot)

	fsInfo, err := readFSInfo(cache, geometry.FSInfoSector)
	if err != nil {
		return nil, err
	}

	mgr := &FATManager{
		cache:    cache,
		boot:     boot,
		fsInfo:   fsInfo,
		geometry: geometry,
	}

	if err := mgr.validateMount(); err != nil {
		return nil, err
	}

	if err := mgr.rebuildFreeBitmap(); err != nil {
		return nil, err
	}

	return mgr, nil
}

// readHiddenSectorCount reads absolute sector 0 directly off dev, with no
// cache and no partition-relative offset applied, just to recover
// HiddenSectors before anything else about the volume is known.
func readHiddenSectorCount(dev device.BlockDevice) (uint32, error) {
	buf := make([]byte, device.SectorSize)
	if err := dev.ReadBlock(0, buf); err != nil {
		return 0, err
	}
	return layout.ReadHiddenSectorCount(buf)
}

func readBootSector(cache *blockcache.Cache) (*layout.BootSector, error) {
	h, err := cache.GetCache(bpbSector)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	var boot *layout.BootSector
	err = h.ReadWith(0, layout.BPBSize, func(view []byte) error {
		decoded, decodeErr := layout.BootSectorFromBytes(pad(view))
		boot = decoded
		return decodeErr
	})
	return boot, err
}

// pad widens a short view into a zero-filled full-sector-sized buffer so
// the codec always sees a whole sector; the blockcache only ever returns
// the requested [offset:offset+size) slice.
func pad(view []byte) []byte {
	if len(view) >= 512 {
		return view
	}
	full := make([]byte, 512)
	copy(full, view)
	return full
}

func readFSInfo(cache *blockcache.Cache, sector device.SectorID) (*layout.FSInfo, error) {
	h, err := cache.GetCache(sector)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	var fsInfo *layout.FSInfo
	err = h.ReadWith(0, 512, func(view []byte) error {
		decoded, decodeErr := layout.FSInfoFromBytes(view)
		fsInfo = decoded
		return decodeErr
	})
	return fsInfo, err
}

// validateMount aggregates every independent corruption check this engine
// runs at mount time, so a caller sees every problem at once instead of
// bailing out on the first one.
func (m *FATManager) validateMount() error {
	var result *multierror.Error

	if m.geometry.BytesPerSector != device.SectorSize {
		result = multierror.Append(result, fmt.Errorf(
			"BPB BytesPerSector %d does not match the block device's sector size %d",
			m.geometry.BytesPerSector, device.SectorSize))
	}
	if m.geometry.NumFATs == 0 {
		result = multierror.Append(result, fmt.Errorf("NumFATs is 0"))
	}
	if m.fsInfo.FreeClusterCount != 0xFFFFFFFF && m.fsInfo.FreeClusterCount > uint32(m.geometry.TotalClusters) {
		result = multierror.Append(result, fmt.Errorf(
			"FSInfo free cluster count %d exceeds total cluster count %d",
			m.fsInfo.FreeClusterCount, m.geometry.TotalClusters))
	}
	if err := m.compareFATCopies(); err != nil {
		result = multierror.Append(result, err)
	}

	if result != nil && len(result.Errors) > 0 {
		return fat32.ErrCorrupt.WithMessage(result.Error())
	}
	return nil
}

// compareFATCopies spot-checks that every mirrored FAT copy agrees on the
// first few entries (the reserved cluster-0/cluster-1 media descriptors,
// plus the root directory's own entry). A full compare of every entry
// would be safer but far too slow to do synchronously at mount.
func (m *FATManager) compareFATCopies() error {
	if m.geometry.NumFATs < 2 {
		return nil
	}
	for _, cluster := range []layout.ClusterID{0, 1, m.geometry.RootCluster} {
		var values []layout.ClusterID
		for i := uint32(0); i < m.geometry.NumFATs; i++ {
			v, err := m.readFATEntryFromCopy(i, cluster)
			if err != nil {
				return err
			}
			values = append(values, v)
		}
		for i := 1; i < len(values); i++ {
			if values[i] != values[0] {
				return fmt.Errorf(
					"FAT copies disagree on cluster %d: copy 0 has %#x, copy %d has %#x",
					cluster, values[0], i, values[i])
			}
		}
	}
	return nil
}

func (m *FATManager) fatEntryLocation(copyIdx uint32, cluster layout.ClusterID) (device.SectorID, int) {
	byteOffset := layout.FATEntryOffset(cluster)
	sectorsIn := byteOffset / m.geometry.BytesPerSector
	offsetInSector := int(byteOffset % m.geometry.BytesPerSector)
	sector := m.geometry.FATCopyStartSector(copyIdx) + device.SectorID(sectorsIn)
	return sector, offsetInSector
}

func (m *FATManager) readFATEntryFromCopy(copyIdx uint32, cluster layout.ClusterID) (layout.ClusterID, error) {
	sector, offset := m.fatEntryLocation(copyIdx, cluster)
	h, err := m.cache.GetCache(sector)
	if err != nil {
		return 0, err
	}
	defer h.Release()

	var value layout.ClusterID
	err = h.ReadWith(offset, layout.FATEntrySize, func(view []byte) error {
		v, decodeErr := layout.DecodeFATEntry(view)
		value = v
		return decodeErr
	})
	return value, err
}

func (m *FATManager) writeFATEntryToAllCopies(cluster layout.ClusterID, value layout.ClusterID) error {
	for i := uint32(0); i < m.geometry.NumFATs; i++ {
		sector, offset := m.fatEntryLocation(i, cluster)
		h, err := m.cache.GetCache(sector)
		if err != nil {
			return err
		}
		err = h.ModifyWith(offset, layout.FATEntrySize, func(view []byte) error {
			return layout.EncodeFATEntry(view, value)
		})
		h.Release()
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *FATManager) rebuildFreeBitmap() error {
	total := uint32(m.geometry.TotalClusters) + 2
	m.freeBitmap = bitmap.New(int(total))
	m.freeCount = 0

	for c := layout.ClusterID(2); uint32(c) < total; c++ {
		v, err := m.readFATEntryFromCopy(0, c)
		if err != nil {
			return err
		}
		if v.IsFree() {
			m.freeBitmap.Set(int(c), true)
			m.freeCount++
		}
	}
	return nil
}

// Geometry returns the volume's derived geometry.
func (m *FATManager) Geometry() VolumeGeometry {
	return m.geometry
}

// Cache returns the block cache backing this volume, for callers (vfile)
// that need to read or write data sectors directly.
func (m *FATManager) Cache() *blockcache.Cache {
	return m.cache
}

// RootCluster returns the first cluster of the root directory.
func (m *FATManager) RootCluster() layout.ClusterID {
	return m.geometry.RootCluster
}

// WithReadLock runs f while holding the manager's read lock. Use it to
// wrap a multi-step traversal (e.g. following a chain while reading
// directory entries) that must observe a consistent view of the FAT.
func (m *FATManager) WithReadLock(f func() error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return f()
}

// WithWriteLock runs f while holding the manager's write lock. Use it to
// wrap a multi-step mutation (allocate, link into a chain, write a dirent)
// that must appear atomic to concurrent readers.
func (m *FATManager) WithWriteLock(f func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return f()
}

// GetNext returns the value stored in cluster's FAT entry: the next
// cluster in its chain, an end-of-chain marker, or a free/bad marker.
// Callers normally invoke this from inside WithReadLock.
func (m *FATManager) GetNext(cluster layout.ClusterID) (layout.ClusterID, error) {
	return m.readFATEntryFromCopy(0, cluster)
}

// SetNext writes value into cluster's FAT entry across every mirrored FAT
// copy. Callers normally invoke this from inside WithWriteLock.
func (m *FATManager) SetNext(cluster layout.ClusterID, value layout.ClusterID) error {
	return m.writeFATEntryToAllCopies(cluster, value)
}

// ChainFrom walks the cluster chain starting at first and returns every
// cluster in it, in order. It emits first, then repeatedly follows
// get_next until it hits an end-of-chain marker or a value that can't be a
// valid next-cluster pointer (below 2 or beyond the last valid data
// cluster); either case silently ends the chain rather than erroring, so a
// chain pointer to a stray non-EOC sentinel doesn't abort an otherwise
// readable file. A separate cycle guard bounds the walk to the volume's
// total cluster count.
func (m *FATManager) ChainFrom(first layout.ClusterID) ([]layout.ClusterID, error) {
	limit := uint32(m.geometry.TotalClusters) + 2
	inRange := func(c layout.ClusterID) bool {
		return c.IsData() && uint32(c) < limit
	}

	if !inRange(first) {
		return nil, nil
	}

	var chain []layout.ClusterID
	cur := first
	for inRange(cur) {
		chain = append(chain, cur)
		if uint32(len(chain)) > limit {
			return nil, fat32.ErrCorrupt.WithMessage("cluster chain exceeds volume size, likely a cycle")
		}
		next, err := m.GetNext(cur)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return chain, nil
}

// LastOf returns the final cluster in the chain starting at first.
func (m *FATManager) LastOf(first layout.ClusterID) (layout.ClusterID, error) {
	chain, err := m.ChainFrom(first)
	if err != nil {
		return 0, err
	}
	if len(chain) == 0 {
		return first, nil
	}
	return chain[len(chain)-1], nil
}

// ClusterAt returns the nth (0-based) cluster in the chain starting at
// first. An out-of-range index returns the sentinel cluster 0, not an
// error: callers (read_at/write_at) treat that as having run off the end
// of the file.
func (m *FATManager) ClusterAt(first layout.ClusterID, n int) (layout.ClusterID, error) {
	chain, err := m.ChainFrom(first)
	if err != nil {
		return 0, err
	}
	if n < 0 || n >= len(chain) {
		return 0, nil
	}
	return chain[n], nil
}

// Count returns the number of clusters in the chain starting at first.
func (m *FATManager) Count(first layout.ClusterID) (int, error) {
	chain, err := m.ChainFrom(first)
	if err != nil {
		return 0, err
	}
	return len(chain), nil
}

// FreeClusterCount returns the number of unallocated clusters, maintained
// incrementally rather than rescanned on every call.
func (m *FATManager) FreeClusterCount() uint32 {
	return m.freeCount
}

// AllocCluster reserves one free cluster, marks it EOC, and returns its
// number. The search is first-fit starting just past the FSInfo
// next-free-cluster hint, wrapping around to cluster 2 if the hint is
// invalid or the scan runs off the end of the volume before finding a free
// entry. The hint is set to whatever cluster is returned, so the next
// search starts just past it.
// Callers normally invoke this from inside WithWriteLock.
func (m *FATManager) AllocCluster() (layout.ClusterID, error) {
	total := uint32(m.geometry.TotalClusters) + 2

	start := m.fsInfo.NextFreeCluster + 1
	if start < 2 || start >= total {
		start = 2
	}

	found, ok := m.scanFreeBitmapFrom(start, total)
	if !ok {
		found, ok = m.scanFreeBitmapFrom(2, start)
	}
	if !ok {
		return 0, fat32.ErrNoSpace
	}

	if err := m.writeFATEntryToAllCopies(layout.ClusterID(found), layout.EOCMax); err != nil {
		return 0, err
	}
	m.freeBitmap.Set(int(found), false)
	m.freeCount--
	m.fsInfo.NextFreeCluster = found
	return layout.ClusterID(found), nil
}

func (m *FATManager) scanFreeBitmapFrom(start, end uint32) (uint32, bool) {
	for c := start; c < end; c++ {
		if m.freeBitmap.Get(int(c)) {
			return c, true
		}
	}
	return 0, false
}

// AllocChain allocates n clusters and links them into a chain, returning
// the first cluster. It fails without allocating anything if fewer than n
// clusters are free.
func (m *FATManager) AllocChain(n int) (layout.ClusterID, error) {
	if n <= 0 {
		return 0, fmt.Errorf("AllocChain requires n > 0, got %d", n)
	}
	if uint32(n) > m.freeCount {
		return 0, fat32.ErrNoSpace
	}

	clusters := make([]layout.ClusterID, 0, n)
	for i := 0; i < n; i++ {
		c, err := m.AllocCluster()
		if err != nil {
			m.rollbackAlloc(clusters)
			return 0, err
		}
		clusters = append(clusters, c)
	}
	for i := 0; i < len(clusters)-1; i++ {
		if err := m.writeFATEntryToAllCopies(clusters[i], clusters[i+1]); err != nil {
			m.rollbackAlloc(clusters)
			return 0, err
		}
	}
	return clusters[0], nil
}

func (m *FATManager) rollbackAlloc(clusters []layout.ClusterID) {
	for _, c := range clusters {
		_ = m.writeFATEntryToAllCopies(c, layout.FreeCluster)
		m.freeBitmap.Set(int(c), true)
		m.freeCount++
	}
}

// ExtendChain allocates extra free clusters and appends them to the chain
// ending at last, returning the newly allocated clusters in order.
func (m *FATManager) ExtendChain(last layout.ClusterID, extra int) ([]layout.ClusterID, error) {
	if extra <= 0 {
		return nil, nil
	}
	first, err := m.AllocChain(extra)
	if err != nil {
		return nil, err
	}
	if err := m.writeFATEntryToAllCopies(last, first); err != nil {
		return nil, err
	}
	chain, err := m.ChainFrom(first)
	if err != nil {
		return nil, err
	}
	return chain, nil
}

// DeallocCluster frees a single cluster without following its chain.
// Callers normally invoke this from inside WithWriteLock.
func (m *FATManager) DeallocCluster(c layout.ClusterID) error {
	if err := m.writeFATEntryToAllCopies(c, layout.FreeCluster); err != nil {
		return err
	}
	if !m.freeBitmap.Get(int(c)) {
		m.freeBitmap.Set(int(c), true)
		m.freeCount++
	}
	return nil
}

// DeallocChain frees every cluster in the chain starting at first.
func (m *FATManager) DeallocChain(first layout.ClusterID) error {
	chain, err := m.ChainFrom(first)
	if err != nil {
		return err
	}
	for _, c := range chain {
		if err := m.DeallocCluster(c); err != nil {
			return err
		}
	}
	return nil
}

// ClearCluster zeroes every byte of cluster c, used when growing a
// directory so the new cluster's slots all read as "end of directory".
func (m *FATManager) ClearCluster(c layout.ClusterID) error {
	start := m.geometry.SectorOfCluster(c)
	for i := uint32(0); i < m.geometry.SectorsPerCluster; i++ {
		h, err := m.cache.GetCache(start + device.SectorID(i))
		if err != nil {
			return err
		}
		err = h.ModifyWith(0, int(m.geometry.BytesPerSector), func(view []byte) error {
			for j := range view {
				view[j] = 0
			}
			return nil
		})
		h.Release()
		if err != nil {
			return err
		}
	}
	return nil
}

// SizeToClusters returns the number of clusters needed to hold size bytes.
func (m *FATManager) SizeToClusters(size int64) uint32 {
	return m.geometry.SizeToClusters(size)
}

// ClustersNeededToGrow returns how many additional clusters must be
// allocated for a chain currently holding currentClusters clusters to be
// able to hold newSize bytes. It returns 0 if the chain is already large
// enough.
func (m *FATManager) ClustersNeededToGrow(currentClusters int, newSize int64) int {
	needed := int(m.geometry.SizeToClusters(newSize))
	if needed <= currentClusters {
		return 0
	}
	return needed - currentClusters
}

// Sync flushes the FSInfo sector (updated with the current free-cluster
// count and hint) and every dirty cache entry to the device. Call this at
// unmount or whenever a caller explicitly wants durability.
func (m *FATManager) Sync() error {
	h, err := m.cache.GetCache(m.geometry.FSInfoSector)
	if err != nil {
		return err
	}
	m.fsInfo.FreeClusterCount = m.freeCount
	err = h.ModifyWith(0, 512, func(view []byte) error {
		return m.fsInfo.PutRaw(view)
	})
	h.Release()
	if err != nil {
		return err
	}
	return m.cache.WriteAllBack()
}
