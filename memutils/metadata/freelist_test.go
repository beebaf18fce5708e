package metadata

import (
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/suballoc/memutils"
)

func newFreeList(t *testing.T, size, margin, register int) *FreeListBlockMetadata {
	m := NewFreeListBlockMetadata(margin, register)
	m.Init(size)
	require.NoError(t, m.Validate())
	return m
}

func requireAllocate(t *testing.T, m *FreeListBlockMetadata, size int, alignment uint) Region {
	region, err := m.Allocate(size, alignment, nil)
	require.NoError(t, err)
	require.NoError(t, m.Validate())
	return region
}

func requireFree(t *testing.T, m *FreeListBlockMetadata, handle BlockAllocationHandle) {
	require.NoError(t, m.Free(handle))
	require.NoError(t, m.Validate())
}

func freeRegions(t *testing.T, m *FreeListBlockMetadata) [][2]int {
	var out [][2]int
	require.NoError(t, m.VisitAllRegions(func(region Region) error {
		if region.Free {
			out = append(out, [2]int{region.Offset, region.End()})
		}
		return nil
	}))
	return out
}

func TestFreeList_Init(t *testing.T) {
	m := newFreeList(t, 1024, 0, 0)

	require.Equal(t, 1024, m.Size())
	require.True(t, m.IsEmpty())
	require.Equal(t, 0, m.AllocationCount())
	require.Equal(t, 1, m.FreeRegionsCount())
	require.Equal(t, 1024, m.SumFreeSize())
	require.Equal(t, 1024, m.LargestFreeRegionSize())
	require.Equal(t, [][2]int{{0, 1024}}, freeRegions(t, m))
}

func TestFreeList_AlignedAllocationLeavesPadding(t *testing.T) {
	m := newFreeList(t, 1024, 0, 0)

	first := requireAllocate(t, m, 100, 16)
	require.Equal(t, 0, first.Offset)
	require.Equal(t, 100, first.Size)

	second := requireAllocate(t, m, 100, 16)
	require.Equal(t, 112, second.Offset)
	require.Equal(t, 100, second.Size)
	require.Equal(t, [][2]int{{100, 112}, {212, 1024}}, freeRegions(t, m))
	require.Equal(t, 824, m.SumFreeSize())

	requireFree(t, m, first.Handle)
	require.Equal(t, [][2]int{{0, 112}, {212, 1024}}, freeRegions(t, m))
	require.Equal(t, 2, m.FreeRegionsCount())
	require.Equal(t, 812, m.LargestFreeRegionSize())

	requireFree(t, m, second.Handle)
	require.Equal(t, [][2]int{{0, 1024}}, freeRegions(t, m))
	require.True(t, m.IsEmpty())
}

func TestFreeList_CoalescesBothNeighbors(t *testing.T) {
	m := newFreeList(t, 300, 0, 0)

	a := requireAllocate(t, m, 100, 1)
	b := requireAllocate(t, m, 100, 1)
	c := requireAllocate(t, m, 100, 1)
	require.Equal(t, 0, m.FreeRegionsCount())

	requireFree(t, m, a.Handle)
	requireFree(t, m, c.Handle)
	require.Equal(t, 2, m.FreeRegionsCount())

	requireFree(t, m, b.Handle)
	require.Equal(t, 1, m.FreeRegionsCount())
	require.Equal(t, [][2]int{{0, 300}}, freeRegions(t, m))
}

func TestFreeList_BestFit(t *testing.T) {
	m := newFreeList(t, 1024, 0, 0)

	a := requireAllocate(t, m, 200, 1)
	requireAllocate(t, m, 10, 1)
	c := requireAllocate(t, m, 50, 1)
	requireAllocate(t, m, 10, 1)

	requireFree(t, m, a.Handle)
	requireFree(t, m, c.Handle)

	region := requireAllocate(t, m, 40, 1)
	require.Equal(t, 210, region.Offset)
}

func TestFreeList_EqualSizesPreferLowestOffset(t *testing.T) {
	m := newFreeList(t, 1024, 0, 0)

	a := requireAllocate(t, m, 64, 1)
	requireAllocate(t, m, 8, 1)
	c := requireAllocate(t, m, 64, 1)
	requireAllocate(t, m, 8, 1)

	requireFree(t, m, c.Handle)
	requireFree(t, m, a.Handle)

	region := requireAllocate(t, m, 64, 1)
	require.Equal(t, 0, region.Offset)
}

func TestFreeList_LargeAlignment(t *testing.T) {
	m := newFreeList(t, 1024, 0, 0)

	requireAllocate(t, m, 1, 1)
	region := requireAllocate(t, m, 10, 256)
	require.Equal(t, 256, region.Offset)
	require.True(t, memutils.IsAligned(region.Offset, 256))
	require.Equal(t, uint(256), region.Alignment)
	require.Equal(t, [][2]int{{1, 256}, {266, 1024}}, freeRegions(t, m))
}

func TestFreeList_AlignmentCanPreventFit(t *testing.T) {
	m := newFreeList(t, 100, 0, 0)

	requireAllocate(t, m, 1, 1)
	require.True(t, m.MayHaveFreeBlock(60))

	_, err := m.Allocate(60, 64, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
	require.Equal(t, 1, m.AllocationCount())
	require.NoError(t, m.Validate())
}

func TestFreeList_InvalidArguments(t *testing.T) {
	m := newFreeList(t, 1024, 0, 0)

	_, err := m.Allocate(0, 1, nil)
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	_, err = m.Allocate(-5, 1, nil)
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	_, err = m.Allocate(10, 0, nil)
	require.True(t, errors.Is(err, memutils.ErrInvalidAlignment))
	require.True(t, errors.Is(err, memutils.ErrInvalidArgument))

	_, err = m.Allocate(10, 3, nil)
	require.True(t, errors.Is(err, memutils.ErrInvalidAlignment))

	require.True(t, m.IsEmpty())
	require.Equal(t, 1024, m.SumFreeSize())
	require.NoError(t, m.Validate())
}

func TestFreeList_TooLargeForBlock(t *testing.T) {
	m := newFreeList(t, 1024, 0, 0)

	require.False(t, m.MayHaveFreeBlock(2048))

	success, _, err := m.CreateAllocationRequest(2048, 1)
	require.NoError(t, err)
	require.False(t, success)

	_, err = m.Allocate(2048, 1, nil)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
}

func TestFreeList_ExactFitFillsBlock(t *testing.T) {
	m := newFreeList(t, 1024, 0, 0)

	region := requireAllocate(t, m, 1024, 1)
	require.Equal(t, 0, region.Offset)
	require.Equal(t, 0, m.FreeRegionsCount())
	require.Equal(t, 0, m.SumFreeSize())
	require.Equal(t, 0, m.LargestFreeRegionSize())

	_, err := m.Allocate(1, 1, nil)
	require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
}

func TestFreeList_MarginAbsorbsSmallTail(t *testing.T) {
	m := newFreeList(t, 256, 32, 0)

	first := requireAllocate(t, m, 200, 1)
	require.Equal(t, 200, first.Size)
	require.Equal(t, 56, m.SumFreeSize())

	second := requireAllocate(t, m, 40, 1)
	require.Equal(t, 200, second.Offset)
	require.Equal(t, 56, second.Size)
	require.Equal(t, 0, m.FreeRegionsCount())

	requireFree(t, m, second.Handle)
	require.Equal(t, [][2]int{{200, 256}}, freeRegions(t, m))
}

func TestFreeList_SmallFreeRegionsAreNotRegistered(t *testing.T) {
	m := newFreeList(t, 1024, 0, 64)

	requireAllocate(t, m, 100, 1)
	middle := requireAllocate(t, m, 16, 1)
	requireAllocate(t, m, 100, 1)

	requireFree(t, m, middle.Handle)
	require.Equal(t, 2, m.FreeRegionsCount())
	require.Equal(t, 1, m.RegisteredFreeRegionsCount())

	region := requireAllocate(t, m, 16, 1)
	require.Equal(t, 216, region.Offset)
}

func TestFreeList_LargestUnregisteredRegionIsStillUsed(t *testing.T) {
	m := newFreeList(t, 256, 0, 64)

	requireAllocate(t, m, 100, 1)
	middle := requireAllocate(t, m, 20, 1)
	requireAllocate(t, m, 136, 1)

	requireFree(t, m, middle.Handle)
	require.Equal(t, 0, m.RegisteredFreeRegionsCount())
	require.Equal(t, 20, m.LargestFreeRegionSize())

	region := requireAllocate(t, m, 10, 1)
	require.Equal(t, 100, region.Offset)
}

func TestFreeList_DoubleFree(t *testing.T) {
	m := newFreeList(t, 1024, 0, 0)

	region := requireAllocate(t, m, 100, 1)
	requireFree(t, m, region.Handle)

	err := m.Free(region.Handle)
	require.Error(t, err)
	require.True(t, errors.Is(err, memutils.ErrInvalidRegion))

	err = m.Free(NoAllocation)
	require.True(t, errors.Is(err, memutils.ErrInvalidRegion))
	require.NoError(t, m.Validate())
}

func TestFreeList_HandlesAreNeverReused(t *testing.T) {
	m := newFreeList(t, 1024, 0, 0)

	first := requireAllocate(t, m, 100, 1)
	requireFree(t, m, first.Handle)

	second := requireAllocate(t, m, 100, 1)
	require.Equal(t, first.Offset, second.Offset)
	require.NotEqual(t, first.Handle, second.Handle)

	err := m.Free(first.Handle)
	require.True(t, errors.Is(err, memutils.ErrInvalidRegion))
	require.Equal(t, 1, m.AllocationCount())
}

func TestFreeList_TagsFollowAllocations(t *testing.T) {
	m := newFreeList(t, 1024, 0, 0)

	region, err := m.Allocate(100, 1, "vertex buffer")
	require.NoError(t, err)
	require.Equal(t, "vertex buffer", region.Tag)

	require.NoError(t, m.SetAllocationTag(region.Handle, "index buffer"))
	fetched, err := m.Region(region.Handle)
	require.NoError(t, err)
	require.Equal(t, "index buffer", fetched.Tag)
	require.False(t, fetched.Free)

	requireFree(t, m, region.Handle)
	err = m.SetAllocationTag(region.Handle, "gone")
	require.Error(t, err)
}

func TestFreeList_Clear(t *testing.T) {
	m := newFreeList(t, 1024, 0, 0)

	a := requireAllocate(t, m, 100, 1)
	requireAllocate(t, m, 200, 64)

	m.Clear()
	require.NoError(t, m.Validate())
	require.True(t, m.IsEmpty())
	require.Equal(t, 1, m.FreeRegionsCount())
	require.Equal(t, 1024, m.SumFreeSize())

	err := m.Free(a.Handle)
	require.True(t, errors.Is(err, memutils.ErrInvalidRegion))
}

func TestFreeList_Statistics(t *testing.T) {
	m := newFreeList(t, 1024, 0, 0)

	requireAllocate(t, m, 100, 16)
	requireAllocate(t, m, 100, 16)

	var stats memutils.Statistics
	m.AddStatistics(&stats)
	require.Equal(t, memutils.Statistics{
		BlockCount:      1,
		AllocationCount: 2,
		BlockBytes:      1024,
		AllocationBytes: 200,
	}, stats)

	var detailed memutils.DetailedStatistics
	detailed.Clear()
	m.AddDetailedStatistics(&detailed)
	require.Equal(t, memutils.DetailedStatistics{
		Statistics:         stats,
		UnusedRangeCount:   2,
		AllocationSizeMin:  100,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 12,
		UnusedRangeSizeMax: 812,
	}, detailed)
}

func TestFreeList_BlockJsonData(t *testing.T) {
	m := newFreeList(t, 256, 0, 0)
	requireAllocate(t, m, 64, 1)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	m.BlockJsonData(&obj)
	obj.End()
	require.NoError(t, writer.Error())

	require.JSONEq(t, `{
		"TotalBytes": 256,
		"UnusedBytes": 192,
		"Allocations": 1,
		"UnusedRanges": 1,
		"LargestFreeRegion": 192,
		"RegisteredFreeRegions": 1
	}`, string(writer.Bytes()))
}

func TestFreeList_BlockJsonDataFollowedByFields(t *testing.T) {
	m := newFreeList(t, 256, 0, 0)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	m.BlockJsonData(&obj)
	obj.Name("Name").String("staging")
	obj.End()
	require.NoError(t, writer.Error())

	require.JSONEq(t, `{
		"TotalBytes": 256,
		"UnusedBytes": 256,
		"Allocations": 0,
		"UnusedRanges": 1,
		"LargestFreeRegion": 256,
		"RegisteredFreeRegions": 1,
		"Name": "staging"
	}`, string(writer.Bytes()))
}

func TestFreeList_RandomWorkload(t *testing.T) {
	const blockSize = 1 << 16

	rnd := rand.New(rand.NewSource(42))
	m := newFreeList(t, blockSize, 16, 32)

	var live []Region
	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rnd.Intn(3) == 0 {
			index := rnd.Intn(len(live))
			requireFree(t, m, live[index].Handle)
			live[index] = live[len(live)-1]
			live = live[:len(live)-1]
		} else {
			size := 1 + rnd.Intn(2048)
			alignment := uint(1) << rnd.Intn(9)

			region, err := m.Allocate(size, alignment, i)
			if err != nil {
				require.True(t, errors.Is(err, memutils.ErrOutOfMemory))
				require.NoError(t, m.Validate())
				continue
			}
			require.NoError(t, m.Validate())
			require.True(t, memutils.IsAligned(region.Offset, alignment))
			require.GreaterOrEqual(t, region.Size, size)
			require.LessOrEqual(t, region.End(), blockSize)
			live = append(live, region)
		}

		require.Equal(t, len(live), m.AllocationCount())
	}

	allocated := 0
	for _, region := range live {
		allocated += region.Size
	}
	require.Equal(t, blockSize-allocated, m.SumFreeSize())

	for _, region := range live {
		requireFree(t, m, region.Handle)
	}
	require.True(t, m.IsEmpty())
	require.Equal(t, 1, m.FreeRegionsCount())
	require.Equal(t, blockSize, m.LargestFreeRegionSize())
}
