package suballoc

import (
	"unsafe"

	"github.com/vkngwrapper/suballoc/devicemem"
	"github.com/vkngwrapper/suballoc/memutils/metadata"
)

// Allocation is a region of a block handed out by a Collection. It is a plain value: copies refer
// to the same region, and any one of them can be passed to Collection.Free exactly once.
type Allocation struct {
	block  *Block
	region metadata.Region
}

// IsNull returns true for the zero Allocation
func (a Allocation) IsNull() bool { return a.block == nil }

// Block returns the block the allocation was carved from
func (a Allocation) Block() *Block { return a.block }

func (a Allocation) Handle() metadata.BlockAllocationHandle { return a.region.Handle }
func (a Allocation) Offset() int                            { return a.region.Offset }
func (a Allocation) Size() int                              { return a.region.Size }
func (a Allocation) Alignment() uint                        { return a.region.Alignment }
func (a Allocation) Tag() any                               { return a.region.Tag }
func (a Allocation) Region() metadata.Region                { return a.region }

// Memory returns the native memory backing the allocation. Resources are bound to it at Offset.
func (a Allocation) Memory() devicemem.Memory {
	if a.block == nil {
		return devicemem.Memory{}
	}
	return a.block.memory
}

// MappedData returns a host pointer to the first byte of the allocation, or nil if the block
// is not mapped.
func (a Allocation) MappedData() unsafe.Pointer {
	if a.block == nil || a.block.memory.MappedData == nil {
		return nil
	}
	return unsafe.Add(a.block.memory.MappedData, a.region.Offset)
}
