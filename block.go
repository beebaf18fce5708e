package suballoc

import (
	"context"
	"log/slog"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/suballoc/devicemem"
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/memutils/metadata"
)

// Block is one native allocation, sub-divided by its metadata. Blocks are created and destroyed
// by their Collection; consumers only see them through an Allocation.
type Block struct {
	id              int
	memoryTypeIndex int
	logger          *slog.Logger
	allocator       devicemem.Allocator

	memory   devicemem.Memory
	metadata metadata.BlockMetadata
}

// newBlock reserves size bytes from the native allocator. A native failure is returned marked
// with memutils.ErrNativeAllocationFailed, and is never retried here.
func newBlock(
	logger *slog.Logger,
	allocator devicemem.Allocator,
	memoryTypeIndex int,
	size int,
	id int,
	settings Settings,
) (*Block, error) {
	memory, err := allocator.AllocateMemory(memoryTypeIndex, size)
	if err != nil {
		return nil, errors.Mark(
			errors.Wrapf(err, "failed to allocate a %d-byte block of memory type %d", size, memoryTypeIndex),
			memutils.ErrNativeAllocationFailed,
		)
	}

	md := metadata.NewFreeListBlockMetadata(settings.MinAllocatedRegionMargin, settings.MinFreeRegionSizeToRegister)
	md.Init(size)

	return &Block{
		id:              id,
		memoryTypeIndex: memoryTypeIndex,
		logger:          logger,
		allocator:       allocator,
		memory:          memory,
		metadata:        md,
	}, nil
}

func (b *Block) ID() int                    { return b.id }
func (b *Block) MemoryTypeIndex() int       { return b.memoryTypeIndex }
func (b *Block) Memory() devicemem.Memory   { return b.memory }
func (b *Block) MappedData() unsafe.Pointer { return b.memory.MappedData }
func (b *Block) Size() int                  { return b.metadata.Size() }

// Region returns a copy of the region identified by handle. Regions can only be changed through
// the owning Collection.
func (b *Block) Region(handle metadata.BlockAllocationHandle) (metadata.Region, error) {
	return b.metadata.Region(handle)
}

// allocate carves a region out of this block's metadata. The boolean return is false when the
// block cannot hold the request. The caller must hold the owning Collection's lock.
func (b *Block) allocate(size int, alignment uint, tag any) (metadata.Region, bool, error) {
	if !b.metadata.MayHaveFreeBlock(size) {
		return metadata.Region{}, false, nil
	}

	success, request, err := b.metadata.CreateAllocationRequest(size, alignment)
	if err != nil {
		return metadata.Region{}, false, err
	} else if !success {
		return metadata.Region{}, false, nil
	}

	region, err := b.metadata.Alloc(request, tag)
	if err != nil {
		return metadata.Region{}, false, err
	}
	memutils.DebugValidate(b)

	return region, true, nil
}

// free returns a region to this block's metadata. The caller must hold the owning Collection's lock.
func (b *Block) free(handle metadata.BlockAllocationHandle) error {
	err := b.metadata.Free(handle)
	if err != nil {
		return err
	}
	memutils.DebugValidate(b)

	return nil
}

func (b *Block) setAllocationTag(handle metadata.BlockAllocationHandle, tag any) error {
	return b.metadata.SetAllocationTag(handle, tag)
}

// Destroy releases the block's native memory. If allocations are still live, each one is logged
// and an error marked with memutils.ErrUnreleasedAllocations is returned, but the memory is
// released regardless. Destroying a block twice panics.
func (b *Block) Destroy() error {
	if b.metadata == nil {
		panic("attempting to destroy a memory block that was already destroyed")
	}

	var err error
	if !b.metadata.IsEmpty() {
		// Log all remaining allocations
		visitErr := b.metadata.VisitAllRegions(func(region metadata.Region) error {
			if region.Free {
				return nil
			}

			b.logUnreleasedMemory(region)
			return nil
		})
		if visitErr != nil {
			b.logger.LogAttrs(context.Background(),
				slog.LevelError,
				"[UNRELEASED MEMORY] error while iterating unreleased memory",
				slog.Any("error", visitErr))
		}

		err = errors.Wrapf(memutils.ErrUnreleasedAllocations, "block %d still held %d allocations", b.id, b.metadata.AllocationCount())
	}

	b.allocator.FreeMemory(b.memory)

	b.memory = devicemem.Memory{}
	b.metadata = nil
	return err
}

func (b *Block) logUnreleasedMemory(region metadata.Region) {
	b.logger.LogAttrs(context.Background(), slog.LevelError, "[UNRELEASED MEMORY] unfreed allocation",
		slog.Int("block.id", b.id),
		slog.Int("offset", region.Offset),
		slog.Int("size", region.Size),
		slog.Any("tag", region.Tag),
	)
}

// Validate checks that the block still owns native memory that matches its metadata, and then
// validates the metadata itself.
func (b *Block) Validate() error {
	if b.metadata == nil {
		return errors.Newf("memory block %d has been destroyed", b.id)
	}
	if b.memory.Handle == nil {
		return errors.Newf("no valid memory for memory block %d", b.id)
	}
	if b.metadata.Size() < 1 {
		return errors.Newf("memory block %d's metadata has an invalid size", b.id)
	}
	if b.memory.Size != b.metadata.Size() {
		return errors.Newf("memory block %d has %d bytes of native memory but its metadata manages %d", b.id, b.memory.Size, b.metadata.Size())
	}

	return b.metadata.Validate()
}
