package devicemem

import (
	"unsafe"

	"github.com/cockroachdb/errors"
)

//go:generate mockgen -source devicemem.go -destination ./mocks/allocator.go

// ErrOutOfDeviceMemory is returned by an Allocator when the underlying heap cannot hold
// another block of the requested size.
var ErrOutOfDeviceMemory = errors.New("out of device memory")

// ErrTooManyAllocations is returned by an Allocator when it has already handed out as many
// native allocations as it is permitted to.
var ErrTooManyAllocations = errors.New("too many native memory allocations")

// Memory is a single native allocation. Handle is owned by the Allocator that produced it
// and must be returned to that same Allocator.
type Memory struct {
	Handle          any
	MemoryTypeIndex int
	Size            int
	// MappedData is a host pointer to the start of the allocation, or nil if the memory
	// is not host-visible or was not mapped
	MappedData unsafe.Pointer
}

// Allocator is the native primitive a block collection reserves whole blocks from. Implementations
// must be safe for concurrent use.
type Allocator interface {
	AllocateMemory(memoryTypeIndex, size int) (Memory, error)
	FreeMemory(memory Memory)
}

type AllocateCallback func(memoryTypeIndex int, memory Memory, userData any)
type FreeCallback func(memoryTypeIndex int, memory Memory, userData any)

// Callbacks are informative hooks called after each successful native allocation and before
// each native free.
type Callbacks struct {
	Allocate AllocateCallback
	Free     FreeCallback
	UserData any
}

type callbackAllocator struct {
	Allocator
	callbacks Callbacks
}

// WithCallbacks wraps an Allocator so that the provided callbacks observe every native
// allocation and free it performs.
func WithCallbacks(allocator Allocator, callbacks Callbacks) Allocator {
	if callbacks.Allocate == nil && callbacks.Free == nil {
		return allocator
	}

	return &callbackAllocator{Allocator: allocator, callbacks: callbacks}
}

func (a *callbackAllocator) AllocateMemory(memoryTypeIndex, size int) (Memory, error) {
	memory, err := a.Allocator.AllocateMemory(memoryTypeIndex, size)
	if err != nil {
		return memory, err
	}

	if a.callbacks.Allocate != nil {
		a.callbacks.Allocate(memoryTypeIndex, memory, a.callbacks.UserData)
	}

	return memory, nil
}

func (a *callbackAllocator) FreeMemory(memory Memory) {
	if a.callbacks.Free != nil {
		a.callbacks.Free(memory.MemoryTypeIndex, memory, a.callbacks.UserData)
	}

	a.Allocator.FreeMemory(memory)
}
