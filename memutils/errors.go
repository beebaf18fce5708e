package memutils

import "github.com/cockroachdb/errors"

// PowerOfTwoError is the error returned from CheckPow2 or other methods if the number being tested is not a power of two
var PowerOfTwoError error = errors.New("number must be a power of two")

var (
	// ErrInvalidArgument is returned when a caller passes a size, alignment, or setting that can never be
	// satisfied, such as a zero-byte allocation. It never leaves partial state behind.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidAlignment is returned when a requested alignment is not a power of two. It is also
	// an ErrInvalidArgument.
	ErrInvalidAlignment = errors.Wrap(ErrInvalidArgument, "alignment must be a power of two")
	// ErrOutOfMemory is returned when no free region, and no block that could be created, can satisfy
	// an allocation. Callers can free other allocations and retry.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrRequestTooLarge is returned when an allocation is larger than the largest block that will
	// ever be created. Retrying will not help.
	ErrRequestTooLarge = errors.New("allocation request exceeds the maximum block size")
	// ErrNativeAllocationFailed marks errors produced when the native memory primitive refused to
	// reserve a new block. The native cause is preserved in the error chain.
	ErrNativeAllocationFailed = errors.New("native memory allocation failed")
	// ErrInvalidRegion is returned when freeing a region that is not currently allocated from the
	// block it was presented to, including double frees. It indicates a programmer error.
	ErrInvalidRegion = errors.New("invalid region")
	// ErrUnreleasedAllocations is returned when a block or collection is destroyed while allocations
	// from it are still live.
	ErrUnreleasedAllocations = errors.New("allocations were not freed before destruction")
)
