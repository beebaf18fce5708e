package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/suballoc/memutils"
)

// BlockMetadata tracks the partition of a single fixed-size block of memory into allocated and
// free regions. It does not own any memory itself: it only decides offsets.
type BlockMetadata interface {
	// Init must be called before the BlockMetadata is used. The whole block becomes a single free region.
	Init(size int)
	// Size retrieves the size in bytes that the block was initialized with
	Size() int

	// Validate performs internal consistency checks on the metadata. These checks may be expensive, depending
	// on the implementation. When the implementation is functioning correctly, it should not be possible
	// for this method to return an error, but this may assist in diagnosing issues with the implementation.
	Validate() error
	// AllocationCount returns the number of allocated regions currently live in the block
	AllocationCount() int
	// FreeRegionsCount returns the number of free regions in the block. Adjacent free regions are always
	// merged, so this is also the number of gaps between allocations.
	FreeRegionsCount() int
	// SumFreeSize returns the number of free bytes of memory in the block.
	SumFreeSize() int
	// LargestFreeRegionSize returns the size in bytes of the largest free region in the block
	LargestFreeRegionSize() int
	// MayHaveFreeBlock is a fast heuristic indicating whether the block could possibly support a new
	// allocation of the provided size. False positives are acceptable, false negatives are not.
	MayHaveFreeBlock(size int) bool

	// IsEmpty will return true if this block has no live allocations
	IsEmpty() bool

	// VisitAllRegions calls the provided callback once for each allocated and free region in the block,
	// in offset order. Iteration stops at the first error returned by the callback.
	VisitAllRegions(handleRegion func(region Region) error) error
	// Region returns the region identified by the provided handle. The region may be free.
	Region(handle BlockAllocationHandle) (Region, error)
	// SetAllocationTag replaces the consumer tag of a live allocation
	SetAllocationTag(handle BlockAllocationHandle, tag any) error

	// AddDetailedStatistics sums this block's allocation statistics into the statistics currently present
	// in the provided memutils.DetailedStatistics object.
	AddDetailedStatistics(stats *memutils.DetailedStatistics)
	// AddStatistics sums this block's allocation statistics into the statistics currently present in the
	// provided memutils.Statistics object.
	AddStatistics(stats *memutils.Statistics)

	// Clear instantly frees all allocations and returns the block to a single free region. Every handle
	// issued before the call becomes invalid.
	Clear()
	// BlockJsonData populates a json object with information about this block
	BlockJsonData(json *jwriter.ObjectState)

	// CreateAllocationRequest retrieves an AllocationRequest object indicating where the implementation
	// would place the requested memory. That object can be passed to Alloc to commit the allocation.
	// The boolean return is false when no free region can hold the request; an error is only returned
	// for invalid arguments.
	CreateAllocationRequest(allocSize int, allocAlignment uint) (bool, AllocationRequest, error)
	// Alloc commits an AllocationRequest object, creating the allocated region within the block based
	// on the data described in the AllocationRequest. The implementation must return an error if the
	// request is no longer valid- i.e. the requested free region no longer exists, is not free,
	// or can no longer hold the request.
	Alloc(request AllocationRequest, tag any) (Region, error)
	// Allocate runs CreateAllocationRequest and Alloc in a single step.
	Allocate(allocSize int, allocAlignment uint, tag any) (Region, error)

	// Free frees an allocated region within the block, causing it to become a free region once again.
	//
	// The implementation must return an error if the provided handle does not map to a live allocation
	// within this block.
	Free(allocHandle BlockAllocationHandle) error
}

// BlockMetadataBase is a simple struct that provides a few shared utilities for BlockMetadata
// implementations in the memutils module.
type BlockMetadataBase struct {
	size                  int
	minimumMargin         int
	minimumFreeToRegister int
}

// NewBlockMetadata creates a new BlockMetadataBase. minimumMargin is the smallest free gap the
// metadata will leave behind an allocation, and minimumFreeToRegister is the smallest free region
// that is indexed for allocation searches.
func NewBlockMetadata(minimumMargin, minimumFreeToRegister int) BlockMetadataBase {
	return BlockMetadataBase{
		size:                  0,
		minimumMargin:         minimumMargin,
		minimumFreeToRegister: minimumFreeToRegister,
	}
}

// Init prepares this structure for allocations and sizes the block in bytes based on the parameter size.
func (m *BlockMetadataBase) Init(size int) {
	m.size = size
}

// Size returns the size of the block in bytes
func (m *BlockMetadataBase) Size() int { return m.size }

// MinimumMargin returns the smallest trailing free gap this metadata will create
func (m *BlockMetadataBase) MinimumMargin() int { return m.minimumMargin }

// MinimumFreeToRegister returns the smallest free region size indexed for searches
func (m *BlockMetadataBase) MinimumFreeToRegister() int { return m.minimumFreeToRegister }

// WriteBlockJsonHeader writes the fields shared by every block's json data
func (m *BlockMetadataBase) WriteBlockJsonHeader(json *jwriter.ObjectState, unusedBytes, allocationCount, unusedRangeCount int) {
	json.Name("TotalBytes").Int(m.Size())
	json.Name("UnusedBytes").Int(unusedBytes)
	json.Name("Allocations").Int(allocationCount)
	json.Name("UnusedRanges").Int(unusedRangeCount)
}
