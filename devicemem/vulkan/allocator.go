package vulkan

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/core/v2/driver"
	"github.com/vkngwrapper/suballoc/devicemem"
)

// Allocator is a devicemem.Allocator that reserves blocks with vkAllocateMemory. When
// PersistentMap is set, every block is mapped for its whole lifetime, so it should only
// be used with host-visible memory types.
type Allocator struct {
	device              core1_0.Device
	allocationCallbacks *driver.AllocationCallbacks
	persistentMap       bool
}

var _ devicemem.Allocator = &Allocator{}

func NewAllocator(device core1_0.Device, allocationCallbacks *driver.AllocationCallbacks, persistentMap bool) *Allocator {
	return &Allocator{
		device:              device,
		allocationCallbacks: allocationCallbacks,
		persistentMap:       persistentMap,
	}
}

func (a *Allocator) AllocateMemory(memoryTypeIndex, size int) (devicemem.Memory, error) {
	memory, res, err := a.device.AllocateMemory(a.allocationCallbacks, core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: memoryTypeIndex,
	})
	if err != nil {
		return devicemem.Memory{}, markResult(res, err)
	}

	var mappedData unsafe.Pointer
	if a.persistentMap {
		mappedData, res, err = memory.Map(0, -1, 0)
		if err != nil {
			memory.Free(a.allocationCallbacks)
			return devicemem.Memory{}, errors.Wrap(markResult(res, err), "failed to map new memory block")
		}
	}

	return devicemem.Memory{
		Handle:          memory,
		MemoryTypeIndex: memoryTypeIndex,
		Size:            size,
		MappedData:      mappedData,
	}, nil
}

func (a *Allocator) FreeMemory(memory devicemem.Memory) {
	deviceMemory, ok := memory.Handle.(core1_0.DeviceMemory)
	if !ok || deviceMemory == nil {
		panic("attempted to free memory that was not allocated by a vulkan allocator")
	}

	if memory.MappedData != nil {
		deviceMemory.Unmap()
	}

	deviceMemory.Free(a.allocationCallbacks)
}

func markResult(res common.VkResult, err error) error {
	switch res {
	case core1_0.VKErrorOutOfDeviceMemory:
		return errors.Mark(err, devicemem.ErrOutOfDeviceMemory)
	case core1_0.VKErrorTooManyObjects:
		return errors.Mark(err, devicemem.ErrTooManyAllocations)
	}

	return err
}
