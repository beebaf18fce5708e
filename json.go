package suballoc

import (
	"fmt"
	"strconv"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/suballoc/memutils"
	"github.com/vkngwrapper/suballoc/memutils/metadata"
)

// PrintDetailedMap writes a json object describing every block in the collection and every
// region inside each block, in offset order.
func (c *Collection) PrintDetailedMap(writer *jwriter.Writer) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	objState := writer.Object()
	defer objState.End()

	objState.Name("MemoryTypeIndex").Int(c.memoryTypeIndex)

	var stats memutils.DetailedStatistics
	stats.Clear()
	for _, block := range c.blocks {
		block.metadata.AddDetailedStatistics(&stats)
	}
	statsObj := objState.Name("Stats").Object()
	printDetailedStatistics(&statsObj, &stats)
	statsObj.End()

	blocksObj := objState.Name("Blocks").Object()
	for _, block := range c.blocks {
		blockObj := blocksObj.Name(strconv.Itoa(block.id)).Object()

		blockObj.Name("Mapped").Bool(block.memory.MappedData != nil)
		block.metadata.BlockJsonData(&blockObj)

		c.printDetailedMapRegions(block.metadata, &blockObj)

		blockObj.End()
	}
	blocksObj.End()
}

func (c *Collection) printDetailedMapRegions(md metadata.BlockMetadata, json *jwriter.ObjectState) {
	arrayState := json.Name("Suballocations").Array()
	defer arrayState.End()

	_ = md.VisitAllRegions(func(region metadata.Region) error {
		obj := arrayState.Object()
		defer obj.End()

		obj.Name("Offset").Int(region.Offset)
		obj.Name("Size").Int(region.Size)
		if region.Free {
			obj.Name("Type").String("FREE")
			return nil
		}

		obj.Name("Type").String("ALLOCATION")
		obj.Name("Alignment").Int(int(region.Alignment))
		if region.Tag != nil {
			obj.Name("CustomData").String(fmt.Sprintf("%+v", region.Tag))
		}

		return nil
	})
}

func printDetailedStatistics(json *jwriter.ObjectState, stats *memutils.DetailedStatistics) {
	json.Name("BlockCount").Int(stats.BlockCount)
	json.Name("BlockBytes").Int(stats.BlockBytes)
	json.Name("AllocationCount").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("UnusedRangeCount").Int(stats.UnusedRangeCount)

	if stats.AllocationCount > 1 {
		json.Name("AllocationSizeMin").Int(stats.AllocationSizeMin)
		json.Name("AllocationSizeMax").Int(stats.AllocationSizeMax)
	}
	if stats.UnusedRangeCount > 1 {
		json.Name("UnusedRangeSizeMin").Int(stats.UnusedRangeSizeMin)
		json.Name("UnusedRangeSizeMax").Int(stats.UnusedRangeSizeMax)
	}
}
