package devicemem

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
)

// HostAllocatorOptions configures a HostAllocator
type HostAllocatorOptions struct {
	// MemoryTypeCount is the number of distinct memory type indices the allocator accepts
	MemoryTypeCount int
	// HeapLimit caps the total number of bytes that may be allocated at once. 0 means no limit.
	HeapLimit int
	// MaxAllocationCount caps the number of live allocations. 0 means no limit.
	MaxAllocationCount int
}

type hostMemory struct {
	data  []byte
	freed atomic.Bool
}

// HostAllocator is an Allocator backed by the Go heap. It keeps the same per-type accounting
// a device would, and can be given a heap budget so that out-of-memory conditions can be
// produced on demand.
type HostAllocator struct {
	heapLimit          int
	maxAllocationCount uint32

	memoryCount uint32
	heapBytes   int64
	blockCount  []int32
	blockBytes  []int64
}

var _ Allocator = &HostAllocator{}

func NewHostAllocator(options HostAllocatorOptions) (*HostAllocator, error) {
	if options.MemoryTypeCount < 1 {
		return nil, errors.Newf("memory type count must be at least 1, but was %d", options.MemoryTypeCount)
	}
	if options.HeapLimit < 0 {
		return nil, errors.Newf("heap limit cannot be negative, but was %d", options.HeapLimit)
	}
	if options.MaxAllocationCount < 0 {
		return nil, errors.Newf("max allocation count cannot be negative, but was %d", options.MaxAllocationCount)
	}

	return &HostAllocator{
		heapLimit:          options.HeapLimit,
		maxAllocationCount: uint32(options.MaxAllocationCount),
		blockCount:         make([]int32, options.MemoryTypeCount),
		blockBytes:         make([]int64, options.MemoryTypeCount),
	}, nil
}

func (a *HostAllocator) MemoryTypeCount() int { return len(a.blockCount) }

// AllocationCount is the number of live native allocations across every memory type
func (a *HostAllocator) AllocationCount() int {
	return int(atomic.LoadUint32(&a.memoryCount))
}

// HeapBytes is the number of bytes currently allocated across every memory type
func (a *HostAllocator) HeapBytes() int {
	return int(atomic.LoadInt64(&a.heapBytes))
}

func (a *HostAllocator) BlockCount(memoryTypeIndex int) int {
	return int(atomic.LoadInt32(&a.blockCount[memoryTypeIndex]))
}

func (a *HostAllocator) BlockBytes(memoryTypeIndex int) int {
	return int(atomic.LoadInt64(&a.blockBytes[memoryTypeIndex]))
}

func (a *HostAllocator) addHeapBytes(size int) {
	atomic.AddInt64(&a.heapBytes, int64(size))
}

func (a *HostAllocator) addHeapBytesWithBudget(size int) error {
	for {
		currentVal := atomic.LoadInt64(&a.heapBytes)
		targetVal := currentVal + int64(size)

		if targetVal > int64(a.heapLimit) {
			return errors.Wrapf(ErrOutOfDeviceMemory, "allocating %d bytes would exceed the heap limit of %d (%d in use)", size, a.heapLimit, currentVal)
		}

		if atomic.CompareAndSwapInt64(&a.heapBytes, currentVal, targetVal) {
			return nil
		}
	}
}

func (a *HostAllocator) removeHeapBytes(size int) {
	newVal := atomic.AddInt64(&a.heapBytes, int64(-size))
	if newVal < 0 {
		panic(fmt.Sprintf("host heap usage went negative: %d", newVal))
	}
}

func (a *HostAllocator) AllocateMemory(memoryTypeIndex, size int) (mem Memory, err error) {
	if memoryTypeIndex < 0 || memoryTypeIndex >= len(a.blockCount) {
		return mem, errors.Newf("memory type index %d is out of range: there are %d memory types", memoryTypeIndex, len(a.blockCount))
	}
	if size < 1 {
		return mem, errors.Newf("invalid allocation size %d", size)
	}

	newCount := atomic.AddUint32(&a.memoryCount, 1)
	defer func() {
		// If we failed out, roll back the count increment
		if err != nil {
			atomic.AddUint32(&a.memoryCount, ^uint32(0))
		}
	}()

	if a.maxAllocationCount > 0 && newCount > a.maxAllocationCount {
		return mem, errors.Wrapf(ErrTooManyAllocations, "limit is %d", a.maxAllocationCount)
	}

	if a.heapLimit == 0 {
		a.addHeapBytes(size)
	} else {
		err = a.addHeapBytesWithBudget(size)
		if err != nil {
			return mem, err
		}
	}

	host := &hostMemory{data: make([]byte, size)}
	atomic.AddInt32(&a.blockCount[memoryTypeIndex], 1)
	atomic.AddInt64(&a.blockBytes[memoryTypeIndex], int64(size))

	return Memory{
		Handle:          host,
		MemoryTypeIndex: memoryTypeIndex,
		Size:            size,
		MappedData:      unsafe.Pointer(&host.data[0]),
	}, nil
}

func (a *HostAllocator) FreeMemory(memory Memory) {
	host, ok := memory.Handle.(*hostMemory)
	if !ok || host == nil {
		panic(fmt.Sprintf("attempted to free memory that was not allocated by a host allocator: %T", memory.Handle))
	}

	if !host.freed.CompareAndSwap(false, true) {
		panic("attempted to free host memory that was already freed")
	}

	host.data = nil
	a.removeHeapBytes(memory.Size)

	newCount := atomic.AddInt32(&a.blockCount[memory.MemoryTypeIndex], -1)
	if newCount < 0 {
		panic(fmt.Sprintf("block count for memory type %d went negative: %d", memory.MemoryTypeIndex, newCount))
	}
	atomic.AddInt64(&a.blockBytes[memory.MemoryTypeIndex], int64(-memory.Size))

	// Decrement
	atomic.AddUint32(&a.memoryCount, ^uint32(0))
}
