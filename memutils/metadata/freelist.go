package metadata

import (
	"github.com/dolthub/swiss"
	"github.com/google/btree"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/suballoc/memutils"
)

const freeIndexDegree = 16

type freeListRegion struct {
	handle    BlockAllocationHandle
	offset    int
	size      int
	alignment uint
	free      bool
	tag       any

	prev *freeListRegion
	next *freeListRegion
}

func (r *freeListRegion) snapshot() Region {
	return Region{
		Handle:    r.handle,
		Offset:    r.offset,
		Size:      r.size,
		Alignment: r.alignment,
		Free:      r.free,
		Tag:       r.tag,
	}
}

func lessBySizeThenOffset(left, right *freeListRegion) bool {
	if left.size != right.size {
		return left.size < right.size
	}
	return left.offset < right.offset
}

// FreeListBlockMetadata is a BlockMetadata implementation that keeps the block as an ordered,
// doubly-linked partition of allocated and free regions. Free regions at least as large as
// the registration threshold are indexed by (size, offset) so that the smallest region that
// fits a request can be found without scanning the whole block. Smaller free regions are still
// part of the partition and are merged with their neighbors on free, but they are only
// considered for new allocations when no registered region exists at all.
//
// Freed regions are coalesced with their neighbors immediately, so two adjacent free regions
// never exist.
type FreeListBlockMetadata struct {
	BlockMetadataBase

	allocCount       int
	freeCount        int
	sumFreeSize      int
	largestFreeSize  int
	nextHandle       BlockAllocationHandle
	firstRegion      *freeListRegion
	regionsByHandle  *swiss.Map[BlockAllocationHandle, *freeListRegion]
	registeredFree   *btree.BTreeG[*freeListRegion]
	unregisteredFree *btree.BTreeG[*freeListRegion]
}

var _ BlockMetadata = &FreeListBlockMetadata{}

// NewFreeListBlockMetadata creates a new FreeListBlockMetadata. The margin and registration
// threshold are passed to NewBlockMetadata.
func NewFreeListBlockMetadata(minimumMargin, minimumFreeToRegister int) *FreeListBlockMetadata {
	return &FreeListBlockMetadata{
		BlockMetadataBase: NewBlockMetadata(minimumMargin, minimumFreeToRegister),
		regionsByHandle:   swiss.NewMap[BlockAllocationHandle, *freeListRegion](64),
		registeredFree:    btree.NewG[*freeListRegion](freeIndexDegree, lessBySizeThenOffset),
		unregisteredFree:  btree.NewG[*freeListRegion](freeIndexDegree, lessBySizeThenOffset),
	}
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *FreeListBlockMetadata) Init(size int) {
	m.BlockMetadataBase.Init(size)
	m.reset()
}

func (m *FreeListBlockMetadata) reset() {
	m.regionsByHandle.Clear()
	m.registeredFree.Clear(false)
	m.unregisteredFree.Clear(false)
	m.allocCount = 0
	m.freeCount = 0
	m.sumFreeSize = 0
	m.largestFreeSize = 0
	m.firstRegion = nil

	if m.size > 0 {
		m.firstRegion = m.newRegion(0, m.size)
		m.insertFree(m.firstRegion)
		m.largestFreeSize = m.size
	}
}

// AllocationCount returns the number of allocated regions currently live in the block
func (m *FreeListBlockMetadata) AllocationCount() int { return m.allocCount }

// FreeRegionsCount returns the number of free regions in the block
func (m *FreeListBlockMetadata) FreeRegionsCount() int { return m.freeCount }

// RegisteredFreeRegionsCount returns the number of free regions large enough to be indexed
// for allocation searches
func (m *FreeListBlockMetadata) RegisteredFreeRegionsCount() int { return m.registeredFree.Len() }

// SumFreeSize returns the number of free bytes of memory in the block.
func (m *FreeListBlockMetadata) SumFreeSize() int { return m.sumFreeSize }

// LargestFreeRegionSize returns the size of the largest free region in the block
func (m *FreeListBlockMetadata) LargestFreeRegionSize() int { return m.largestFreeSize }

// IsEmpty will return true if this block has no live allocations
func (m *FreeListBlockMetadata) IsEmpty() bool { return m.allocCount == 0 }

// MayHaveFreeBlock returns false only when no free region could possibly hold size bytes
func (m *FreeListBlockMetadata) MayHaveFreeBlock(size int) bool {
	return size <= m.largestFreeSize
}

// Validate walks the entire partition and rebuilds every cached value, returning an error
// describing the first inconsistency found.
func (m *FreeListBlockMetadata) Validate() error {
	if m.firstRegion == nil {
		if m.size != 0 {
			return errors.Errorf("the metadata has a size of %d but no regions", m.size)
		}
		return nil
	}

	if m.firstRegion.prev != nil {
		return errors.New("the first region in the block has a previous region")
	}

	var prev *freeListRegion
	var calculatedSize, calculatedFreeSize, allocCount, freeCount, registeredCount, largestFree, regionCount int

	for region := m.firstRegion; region != nil; region = region.next {
		if region.prev != prev {
			return errors.Errorf("region at offset %d has a broken reference to its previous region", region.offset)
		}

		if region.offset != calculatedSize {
			return errors.Errorf("region at offset %d should start at offset %d", region.offset, calculatedSize)
		}

		if region.size < 1 {
			return errors.Errorf("region at offset %d has an invalid size of %d", region.offset, region.size)
		}

		indexed, ok := m.regionsByHandle.Get(region.handle)
		if !ok || indexed != region {
			return errors.Errorf("region at offset %d is not indexed by its handle %d", region.offset, region.handle)
		}

		if region.free {
			if prev != nil && prev.free {
				return errors.Errorf("free regions at offsets %d and %d were not merged", prev.offset, region.offset)
			}

			tree, other := m.freeIndex(region), m.unregisteredFree
			if tree == m.unregisteredFree {
				other = m.registeredFree
			}
			if !tree.Has(region) {
				return errors.Errorf("free region at offset %d is missing from its free index", region.offset)
			}
			if other.Has(region) {
				return errors.Errorf("free region at offset %d is present in the wrong free index", region.offset)
			}
			if tree == m.registeredFree {
				registeredCount++
			}

			freeCount++
			calculatedFreeSize += region.size
			if region.size > largestFree {
				largestFree = region.size
			}
		} else {
			if region.alignment > 0 && !memutils.IsAligned(region.offset, region.alignment) {
				return errors.Errorf("allocation at offset %d does not honor its alignment of %d", region.offset, region.alignment)
			}
			allocCount++
		}

		calculatedSize += region.size
		regionCount++
		prev = region
	}

	if calculatedSize != m.size {
		return errors.Errorf("the full size of the metadata is %d, but the regions only added up to %d", m.size, calculatedSize)
	}

	if regionCount != m.regionsByHandle.Count() {
		return errors.Errorf("the handle index holds %d regions, but the block has %d", m.regionsByHandle.Count(), regionCount)
	}

	if calculatedFreeSize != m.sumFreeSize {
		return errors.Errorf("the free size of the metadata is %d, but the free regions only added up to %d", m.sumFreeSize, calculatedFreeSize)
	}

	if allocCount != m.allocCount {
		return errors.Errorf("the allocation count of the metadata is %d, but the allocated regions only added up to %d", m.allocCount, allocCount)
	}

	if freeCount != m.freeCount {
		return errors.Errorf("the free region count of the metadata is %d, but there were %d free regions", m.freeCount, freeCount)
	}

	if registeredCount != m.registeredFree.Len() || freeCount-registeredCount != m.unregisteredFree.Len() {
		return errors.Errorf("the free indices hold %d registered and %d unregistered regions, but the block has %d and %d",
			m.registeredFree.Len(), m.unregisteredFree.Len(), registeredCount, freeCount-registeredCount)
	}

	if largestFree != m.largestFreeSize {
		return errors.Errorf("the largest free region is %d bytes, but the metadata recorded %d", largestFree, m.largestFreeSize)
	}

	return nil
}

// VisitAllRegions calls handleRegion for every region in the block in offset order
func (m *FreeListBlockMetadata) VisitAllRegions(handleRegion func(region Region) error) error {
	for region := m.firstRegion; region != nil; region = region.next {
		err := handleRegion(region.snapshot())
		if err != nil {
			return err
		}
	}

	return nil
}

// Region returns the region identified by handle
func (m *FreeListBlockMetadata) Region(handle BlockAllocationHandle) (Region, error) {
	region, err := m.getRegion(handle)
	if err != nil {
		return Region{}, err
	}

	return region.snapshot(), nil
}

// SetAllocationTag replaces the tag of a live allocation
func (m *FreeListBlockMetadata) SetAllocationTag(handle BlockAllocationHandle, tag any) error {
	region, err := m.getRegion(handle)
	if err != nil {
		return err
	}

	if region.free {
		return errors.Wrap(memutils.ErrInvalidRegion, "tag cannot be set for a free region")
	}

	region.tag = tag
	return nil
}

func (m *FreeListBlockMetadata) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	stats.BlockCount++
	stats.BlockBytes += m.size

	for region := m.firstRegion; region != nil; region = region.next {
		if region.free {
			stats.AddUnusedRange(region.size)
		} else {
			stats.AddAllocation(region.size)
		}
	}
}

func (m *FreeListBlockMetadata) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.AllocationCount += m.allocCount
	stats.BlockBytes += m.size
	stats.AllocationBytes += m.size - m.sumFreeSize
}

// Clear frees every allocation at once. Handles keep counting up, so nothing issued before
// Clear will resolve afterward.
func (m *FreeListBlockMetadata) Clear() {
	m.reset()
}

// BlockJsonData populates a json object with information about this block
func (m *FreeListBlockMetadata) BlockJsonData(json *jwriter.ObjectState) {
	m.WriteBlockJsonHeader(json, m.sumFreeSize, m.allocCount, m.freeCount)
	json.Name("LargestFreeRegion").Int(m.largestFreeSize)
	json.Name("RegisteredFreeRegions").Int(m.registeredFree.Len())
}

// CreateAllocationRequest finds the smallest registered free region that can hold allocSize bytes
// at allocAlignment, preferring the lowest offset among equally-sized regions. If no free region is
// registered, the largest free region in the block is tried instead.
func (m *FreeListBlockMetadata) CreateAllocationRequest(allocSize int, allocAlignment uint) (bool, AllocationRequest, error) {
	var allocRequest AllocationRequest

	if allocSize < 1 {
		return false, allocRequest, errors.Wrapf(memutils.ErrInvalidArgument, "invalid allocSize: %d", allocSize)
	}

	if allocAlignment == 0 || allocAlignment&(allocAlignment-1) != 0 {
		return false, allocRequest, errors.Wrapf(memutils.ErrInvalidAlignment, "invalid allocAlignment: %d", allocAlignment)
	}

	memutils.DebugValidate(m)

	if allocSize > m.largestFreeSize {
		return false, allocRequest, nil
	}

	var found *freeListRegion
	var foundOffset int

	pivot := &freeListRegion{size: allocSize, offset: -1}
	m.registeredFree.AscendGreaterOrEqual(pivot, func(region *freeListRegion) bool {
		offset, fits := m.fitRegion(region, allocSize, allocAlignment)
		if fits {
			found = region
			foundOffset = offset
			return false
		}
		return true
	})

	if found == nil && m.registeredFree.Len() == 0 {
		largest, ok := m.lowestLargestUnregistered()
		if ok {
			offset, fits := m.fitRegion(largest, allocSize, allocAlignment)
			if fits {
				found = largest
				foundOffset = offset
			}
		}
	}

	if found == nil {
		return false, allocRequest, nil
	}

	size := allocSize
	tail := found.offset + found.size - (foundOffset + allocSize)
	if tail > 0 && tail < m.minimumMargin {
		size += tail
	}

	allocRequest.BlockAllocationHandle = found.handle
	allocRequest.Offset = foundOffset
	allocRequest.Size = size
	allocRequest.Alignment = allocAlignment

	return true, allocRequest, nil
}

// Alloc commits an AllocationRequest. The free region named by the request is split into an
// optional leading free region, the allocated region, and an optional trailing free region.
// The allocated region always receives a brand-new handle.
func (m *FreeListBlockMetadata) Alloc(req AllocationRequest, tag any) (Region, error) {
	region, err := m.getRegion(req.BlockAllocationHandle)
	if err != nil {
		return Region{}, err
	}

	if !region.free {
		return Region{}, errors.New("allocation request targets a region that is not free")
	}

	if req.Size < 1 || req.Offset < region.offset || req.Offset+req.Size > region.offset+region.size {
		return Region{}, errors.New("allocation request no longer fits the free region it targets")
	}

	if req.Alignment > 0 && !memutils.IsAligned(req.Offset, req.Alignment) {
		return Region{}, errors.Errorf("allocation request offset %d does not honor alignment %d", req.Offset, req.Alignment)
	}

	m.removeFree(region)

	if padding := req.Offset - region.offset; padding > 0 {
		leading := m.newRegion(region.offset, padding)
		m.linkBefore(leading, region)
		region.offset += padding
		region.size -= padding
		m.insertFree(leading)
	}

	if tail := region.size - req.Size; tail > 0 {
		trailing := m.newRegion(region.offset+req.Size, tail)
		m.linkAfter(trailing, region)
		region.size = req.Size
		m.insertFree(trailing)
	}

	m.regionsByHandle.Delete(region.handle)
	region.handle = m.issueHandle()
	m.regionsByHandle.Put(region.handle, region)

	region.free = false
	region.alignment = req.Alignment
	region.tag = tag
	m.allocCount++
	m.refreshLargestFree()

	memutils.DebugValidate(m)

	return region.snapshot(), nil
}

// Allocate finds room for allocSize bytes at allocAlignment and commits it. The error
// is memutils.ErrOutOfMemory when no free region can hold the request.
func (m *FreeListBlockMetadata) Allocate(allocSize int, allocAlignment uint, tag any) (Region, error) {
	success, req, err := m.CreateAllocationRequest(allocSize, allocAlignment)
	if err != nil {
		return Region{}, err
	}

	if !success {
		return Region{}, errors.Wrapf(memutils.ErrOutOfMemory, "no free region can hold %d bytes aligned to %d", allocSize, allocAlignment)
	}

	return m.Alloc(req, tag)
}

// Free marks an allocated region as free and merges it with any free neighbor
func (m *FreeListBlockMetadata) Free(allocHandle BlockAllocationHandle) error {
	region, err := m.getRegion(allocHandle)
	if err != nil {
		return err
	}

	if region.free {
		return errors.Wrapf(memutils.ErrInvalidRegion, "region %d is already free", allocHandle)
	}

	m.allocCount--
	region.tag = nil
	region.alignment = 0

	merged := region
	if prev := region.prev; prev != nil && prev.free {
		m.removeFree(prev)
		prev.size += region.size
		m.unlink(region)
		merged = prev
	}

	if next := merged.next; next != nil && next.free {
		m.removeFree(next)
		merged.size += next.size
		m.unlink(next)
	}

	m.insertFree(merged)
	m.refreshLargestFree()

	memutils.DebugValidate(m)

	return nil
}

func (m *FreeListBlockMetadata) getRegion(handle BlockAllocationHandle) (*freeListRegion, error) {
	region, ok := m.regionsByHandle.Get(handle)
	if !ok {
		return nil, errors.Wrapf(memutils.ErrInvalidRegion, "handle %d does not belong to a live region", handle)
	}

	return region, nil
}

func (m *FreeListBlockMetadata) issueHandle() BlockAllocationHandle {
	handle := m.nextHandle
	m.nextHandle++
	return handle
}

func (m *FreeListBlockMetadata) newRegion(offset, size int) *freeListRegion {
	region := &freeListRegion{
		handle: m.issueHandle(),
		offset: offset,
		size:   size,
	}
	m.regionsByHandle.Put(region.handle, region)
	return region
}

func (m *FreeListBlockMetadata) freeIndex(region *freeListRegion) *btree.BTreeG[*freeListRegion] {
	if region.size >= m.minimumFreeToRegister {
		return m.registeredFree
	}
	return m.unregisteredFree
}

// insertFree must be called after the region's final size and offset are set
func (m *FreeListBlockMetadata) insertFree(region *freeListRegion) {
	region.free = true
	m.freeIndex(region).ReplaceOrInsert(region)
	m.freeCount++
	m.sumFreeSize += region.size
}

// removeFree must be called before the region's size or offset change
func (m *FreeListBlockMetadata) removeFree(region *freeListRegion) {
	m.freeIndex(region).Delete(region)
	m.freeCount--
	m.sumFreeSize -= region.size
}

func (m *FreeListBlockMetadata) refreshLargestFree() {
	m.largestFreeSize = 0
	if largest, ok := m.registeredFree.Max(); ok {
		m.largestFreeSize = largest.size
	}
	if largest, ok := m.unregisteredFree.Max(); ok && largest.size > m.largestFreeSize {
		m.largestFreeSize = largest.size
	}
}

func (m *FreeListBlockMetadata) lowestLargestUnregistered() (*freeListRegion, bool) {
	largest, ok := m.unregisteredFree.Max()
	if !ok {
		return nil, false
	}

	var lowest *freeListRegion
	m.unregisteredFree.AscendGreaterOrEqual(&freeListRegion{size: largest.size, offset: -1}, func(region *freeListRegion) bool {
		lowest = region
		return false
	})
	return lowest, lowest != nil
}

func (m *FreeListBlockMetadata) fitRegion(region *freeListRegion, allocSize int, allocAlignment uint) (int, bool) {
	alignedOffset := memutils.AlignUp(region.offset, allocAlignment)
	if alignedOffset-region.offset+allocSize > region.size {
		return 0, false
	}
	return alignedOffset, true
}

func (m *FreeListBlockMetadata) linkBefore(region, before *freeListRegion) {
	region.prev = before.prev
	region.next = before
	if before.prev != nil {
		before.prev.next = region
	} else {
		m.firstRegion = region
	}
	before.prev = region
}

func (m *FreeListBlockMetadata) linkAfter(region, after *freeListRegion) {
	region.prev = after
	region.next = after.next
	if after.next != nil {
		after.next.prev = region
	}
	after.next = region
}

func (m *FreeListBlockMetadata) unlink(region *freeListRegion) {
	if region.prev != nil {
		region.prev.next = region.next
	} else {
		m.firstRegion = region.next
	}
	if region.next != nil {
		region.next.prev = region.prev
	}
	region.prev = nil
	region.next = nil
	m.regionsByHandle.Delete(region.handle)
}
