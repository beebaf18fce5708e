package metadata

// AllocationRequest is a type returned from BlockMetadata.CreateAllocationRequest which indicates where and how
// the metadata intends to allocate new memory. This allocation can be applied to the actual memory system consuming
// memutils, and then committed to the metadata with BlockMetadata.Alloc
type AllocationRequest struct {
	// BlockAllocationHandle identifies the free region the allocation will be carved out of
	BlockAllocationHandle BlockAllocationHandle
	// Offset is the aligned offset the allocation will start at
	Offset int
	// Size the total size of the allocation, maybe larger than what was originally requested
	Size int
	// Alignment is the alignment the allocation was requested with
	Alignment uint
}
