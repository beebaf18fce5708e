package metadata

import "math"

// BlockAllocationHandle identifies a single region within one BlockMetadata. Handles are
// never reused by the metadata that issued them, so a handle that outlives its region is
// always rejected.
type BlockAllocationHandle uint64

const (
	NoAllocation BlockAllocationHandle = math.MaxUint64
)

// Region is a snapshot of a contiguous byte range inside a block, either allocated or free.
type Region struct {
	Handle    BlockAllocationHandle
	Offset    int
	Size      int
	Alignment uint
	Free      bool
	Tag       any
}

// End returns the offset one past the last byte of the region
func (r Region) End() int { return r.Offset + r.Size }
