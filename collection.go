package suballoc

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/suballoc/devicemem"
	"github.com/vkngwrapper/suballoc/internal/utils"
	"github.com/vkngwrapper/suballoc/memutils"
)

// Collection owns every block of a single memory type and hands out regions of them. Blocks are
// searched in creation order; when none can hold a request, a new block is created, sized by
// Settings, and the request is retried against it alone.
//
// Every mutation of the block list or of any block's metadata happens under a single lock, so
// two callers can never grow the Collection at once or race for the same free region.
type Collection struct {
	logger          *slog.Logger
	allocator       devicemem.Allocator
	memoryTypeIndex int
	settings        Settings

	mutex       *utils.OptionalRWMutex
	blocks      []*Block
	nextBlockID int
}

// NewCollection validates settings and creates Settings.MinBlockCount blocks up front.
func NewCollection(logger *slog.Logger, allocator devicemem.Allocator, memoryTypeIndex int, settings Settings) (*Collection, error) {
	if logger == nil {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "logger cannot be nil")
	}
	if allocator == nil {
		return nil, errors.Wrap(memutils.ErrInvalidArgument, "allocator cannot be nil")
	}
	if memoryTypeIndex < 0 {
		return nil, errors.Wrapf(memutils.ErrInvalidArgument, "invalid memory type index %d", memoryTypeIndex)
	}

	err := settings.Validate()
	if err != nil {
		return nil, err
	}

	c := &Collection{
		logger:          logger,
		allocator:       allocator,
		memoryTypeIndex: memoryTypeIndex,
		settings:        settings,
		mutex:           utils.NewOptionalRWMutex(!settings.ExternallySynchronized),
	}

	err = c.createMinBlocks()
	if err != nil {
		destroyErr := c.Destroy()
		return nil, errors.CombineErrors(err, destroyErr)
	}

	return c, nil
}

func (c *Collection) MemoryTypeIndex() int { return c.memoryTypeIndex }
func (c *Collection) Settings() Settings   { return c.settings }

func (c *Collection) createMinBlocks() error {
	for i := 0; i < c.settings.MinBlockCount; i++ {
		_, err := c.createBlock(c.settings.MinBlockSize)
		if err != nil {
			return err
		}
	}

	return nil
}

// BlockCount returns the number of blocks the Collection currently holds
func (c *Collection) BlockCount() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return len(c.blocks)
}

// BlockSizes returns the size of each block in creation order
func (c *Collection) BlockSizes() []int {
	var sizes []int
	c.mutex.WithRLock(func() {
		sizes = make([]int, 0, len(c.blocks))
		for _, block := range c.blocks {
			sizes = append(sizes, block.Size())
		}
	})
	return sizes
}

// TotalSize returns the number of bytes of native memory held by the Collection
func (c *Collection) TotalSize() int {
	return c.sumBlocks(func(block *Block) int { return block.Size() })
}

// TotalFreeSize returns the number of bytes not currently allocated across every block
func (c *Collection) TotalFreeSize() int {
	return c.sumBlocks(func(block *Block) int { return block.metadata.SumFreeSize() })
}

// AllocationCount returns the number of live allocations across every block
func (c *Collection) AllocationCount() int {
	return c.sumBlocks(func(block *Block) int { return block.metadata.AllocationCount() })
}

func (c *Collection) sumBlocks(value func(block *Block) int) int {
	total := 0
	c.mutex.WithRLock(func() {
		for _, block := range c.blocks {
			total += value(block)
		}
	})
	return total
}

// HasNoAllocations returns true if every block is empty
func (c *Collection) HasNoAllocations() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	for _, block := range c.blocks {
		if !block.metadata.IsEmpty() {
			return false
		}
	}

	return true
}

func (c *Collection) AddStatistics(stats *memutils.Statistics) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	for blockIndex, block := range c.blocks {
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.metadata.AddStatistics(stats)
	}
}

func (c *Collection) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	for blockIndex, block := range c.blocks {
		if block == nil {
			panic(fmt.Sprintf("failed to take statistics of nil block at index %d", blockIndex))
		}
		block.metadata.AddDetailedStatistics(stats)
	}
}

// Validate runs a full consistency check over every block
func (c *Collection) Validate() error {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	seen := make(map[int]struct{}, len(c.blocks))
	for blockIndex, block := range c.blocks {
		if block == nil {
			return errors.Newf("a memory block at index %d is unexpectedly nil", blockIndex)
		}

		if _, duplicate := seen[block.id]; duplicate {
			return errors.Newf("memory block %d appears more than once", block.id)
		}
		seen[block.id] = struct{}{}

		if block.memoryTypeIndex != c.memoryTypeIndex {
			return errors.Newf("memory block %d has memory type %d but belongs to a collection of memory type %d", block.id, block.memoryTypeIndex, c.memoryTypeIndex)
		}

		if block.Size() > c.settings.MaxBlockSize {
			return errors.Newf("memory block %d is %d bytes, larger than the maximum block size %d", block.id, block.Size(), c.settings.MaxBlockSize)
		}

		err := block.Validate()
		if err != nil {
			return errors.Wrapf(err, "memory block %d failed validation", block.id)
		}
	}

	return nil
}

// Allocate returns a region of at least size bytes whose offset is a multiple of alignment.
// The error is marked with one of the memutils error kinds:
//   - ErrInvalidArgument for a size below 1 or an alignment that is not a power of two
//   - ErrRequestTooLarge when size exceeds Settings.MaxBlockSize
//   - ErrOutOfMemory when no block can hold the request and no block can be created. If the native
//     allocator refused to create a block, the error is also ErrNativeAllocationFailed.
func (c *Collection) Allocate(size int, alignment uint, tag any) (Allocation, error) {
	if size < 1 {
		return Allocation{}, errors.Wrapf(memutils.ErrInvalidArgument, "invalid allocation size %d", size)
	}

	if memutils.CheckPow2(alignment, "alignment") != nil {
		return Allocation{}, errors.Wrapf(memutils.ErrInvalidAlignment, "alignment is %d", alignment)
	}

	if c.settings.MinAllocationAlignment > alignment {
		alignment = c.settings.MinAllocationAlignment
	}

	// Early reject: requested allocation size is larger than maximum block size for this collection
	if size > c.settings.MaxBlockSize {
		return Allocation{}, errors.Wrapf(memutils.ErrRequestTooLarge, "requested %d bytes, maximum block size is %d", size, c.settings.MaxBlockSize)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.allocPage(size, alignment, tag)
}

func (c *Collection) allocPage(size int, alignment uint, tag any) (Allocation, error) {
	memutils.DebugCheckPow2(alignment, "alignment")

	// 1. Search existing blocks in creation order
	for blockIndex, block := range c.blocks {
		if block == nil {
			panic(fmt.Sprintf("a memory block at index %d is unexpectedly nil", blockIndex))
		}

		alloc, success, err := c.allocFromBlock(block, size, alignment, tag)
		if err != nil {
			return Allocation{}, err
		} else if success {
			c.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from existing block", slog.Int("block.id", block.id))
			return alloc, nil
		}
	}

	// 2. Try to create a new block
	if len(c.blocks) >= c.settings.MaxBlockCount {
		return Allocation{}, errors.Wrapf(memutils.ErrOutOfMemory, "no block can hold %d bytes and the limit of %d blocks has been reached", size, c.settings.MaxBlockCount)
	}

	newBlockSize := c.settings.nextBlockSize(size, c.calcMaxBlockSize())
	block, err := c.createBlock(newBlockSize)
	if err != nil {
		return Allocation{}, errors.Mark(err, memutils.ErrOutOfMemory)
	}

	alloc, success, err := c.allocFromBlock(block, size, alignment, tag)
	if err == nil && success {
		c.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Returned from new block", slog.Int("block.id", block.id))
		return alloc, nil
	}

	// The new block is unusable for this request, so it should not outlive it
	c.removeBlock(block)
	destroyErr := block.Destroy()
	if destroyErr != nil {
		panic(fmt.Sprintf("unexpected failure when destroying an unused memory block: %+v", destroyErr))
	}

	if err != nil {
		return Allocation{}, err
	}

	return Allocation{}, errors.Wrapf(memutils.ErrRequestTooLarge, "a new %d-byte block could not hold %d bytes aligned to %d", newBlockSize, size, alignment)
}

func (c *Collection) allocFromBlock(block *Block, size int, alignment uint, tag any) (Allocation, bool, error) {
	region, success, err := block.allocate(size, alignment, tag)
	if err != nil || !success {
		return Allocation{}, false, err
	}

	return Allocation{block: block, region: region}, true, nil
}

func (c *Collection) createBlock(blockSize int) (*Block, error) {
	block, err := newBlock(c.logger, c.allocator, c.memoryTypeIndex, blockSize, c.nextBlockID, c.settings)
	if err != nil {
		c.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Failed to create block",
			slog.Int("MemoryTypeIndex", c.memoryTypeIndex),
			slog.Int("Size", blockSize),
			slog.Any("error", err))
		return nil, err
	}
	c.nextBlockID++

	c.blocks = append(c.blocks, block)
	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Created new block",
		slog.Int("block.id", block.id),
		slog.Int("MemoryTypeIndex", c.memoryTypeIndex),
		slog.Int("Size", blockSize))
	return block, nil
}

func (c *Collection) removeBlock(block *Block) {
	for blockIndex := 0; blockIndex < len(c.blocks); blockIndex++ {
		if c.blocks[blockIndex] == block {
			c.blocks = append(c.blocks[0:blockIndex], c.blocks[blockIndex+1:]...)
			return
		}
	}

	panic("attempted to remove a block from a collection that did not belong to it")
}

func (c *Collection) ownsBlock(block *Block) bool {
	for _, owned := range c.blocks {
		if owned == block {
			return true
		}
	}

	return false
}

func (c *Collection) calcMaxBlockSize() int {
	result := 0
	for _, block := range c.blocks {
		result = max(result, block.Size())
	}

	return result
}

func (c *Collection) firstEmptyBlock() *Block {
	for _, block := range c.blocks {
		if block.metadata.IsEmpty() {
			return block
		}
	}

	return nil
}

// Free returns an allocation to its block. Freeing an allocation that is not live in this
// Collection is a programmer error: builds with the debug_mem_utils tag panic, other builds log
// the problem and return an error marked with memutils.ErrInvalidRegion without changing anything.
//
// If the block becomes empty, it may be retired according to Settings.Retirement.
func (c *Collection) Free(alloc Allocation) error {
	blockToDelete, err := c.freeWithLock(alloc)
	if err != nil {
		memutils.DebugPanic(err)

		c.logger.LogAttrs(context.Background(), slog.LevelError, "invalid free ignored",
			slog.Int("MemoryTypeIndex", c.memoryTypeIndex),
			slog.Int("offset", alloc.Offset()),
			slog.Int("size", alloc.Size()),
			slog.Any("error", err))
		return err
	}

	if blockToDelete != nil {
		c.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Deleted empty block", slog.Int("block.id", blockToDelete.id))
		err = blockToDelete.Destroy()
		if err != nil {
			panic(fmt.Sprintf("unexpected failure when destroying a memory block in response to freeing an allocation: %+v", err))
		}
	}

	return nil
}

func (c *Collection) freeWithLock(alloc Allocation) (blockToDelete *Block, err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if alloc.block == nil {
		return nil, errors.Wrap(memutils.ErrInvalidRegion, "cannot free a null allocation")
	}

	block := alloc.block
	if !c.ownsBlock(block) {
		return nil, errors.Wrapf(memutils.ErrInvalidRegion, "memory block %d does not belong to this collection", block.id)
	}

	emptyBlockBeforeFree := c.firstEmptyBlock()
	err = block.free(alloc.region.Handle)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to free allocation at offset %d of memory block %d", alloc.region.Offset, block.id)
	}

	c.logger.LogAttrs(context.Background(), slog.LevelDebug, "    Freed from block",
		slog.Int("block.id", block.id),
		slog.Int("MemoryTypeIndex", c.memoryTypeIndex))

	if !block.metadata.IsEmpty() {
		return nil, nil
	}

	return c.retireEmptyBlock(block, emptyBlockBeforeFree), nil
}

// retireEmptyBlock applies the retirement policy to a block that just became empty. The chosen
// block, if any, has been removed from the collection and must be destroyed by the caller.
func (c *Collection) retireEmptyBlock(emptied, emptyBeforeFree *Block) *Block {
	if len(c.blocks) <= max(1, c.settings.MinBlockCount) {
		return nil
	}

	switch c.settings.Retirement {
	case RetireEager:
		c.removeBlock(emptied)
		return emptied
	case RetireKeepLargestEmpty:
		if emptyBeforeFree == nil {
			// Keep this one as the cached empty block
			return nil
		}

		victim := emptyBeforeFree
		if emptied.Size() < emptyBeforeFree.Size() ||
			(emptied.Size() == emptyBeforeFree.Size() && emptied.id > emptyBeforeFree.id) {
			victim = emptied
		}

		c.removeBlock(victim)
		return victim
	default:
		panic(fmt.Sprintf("unknown retirement policy: %s", c.settings.Retirement))
	}
}

// SetAllocationTag replaces the consumer tag of a live allocation. The passed Allocation is
// updated in place; other copies keep the old tag.
func (c *Collection) SetAllocationTag(alloc *Allocation, tag any) error {
	var err error
	c.mutex.WithLock(func() {
		if alloc.block == nil || !c.ownsBlock(alloc.block) {
			err = errors.Wrap(memutils.ErrInvalidRegion, "allocation does not belong to this collection")
			return
		}

		err = alloc.block.setAllocationTag(alloc.region.Handle, tag)
	})
	if err != nil {
		return err
	}

	alloc.region.Tag = tag
	return nil
}

// Destroy releases every block. Allocations that are still live are logged, and an error marked
// with memutils.ErrUnreleasedAllocations is returned once every block has been released.
func (c *Collection) Destroy() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var err error
	for _, block := range c.blocks {
		err = errors.CombineErrors(err, block.Destroy())
	}
	c.blocks = nil

	return err
}
