package vulkan

import (
	"fmt"
	"unsafe"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

type buffer struct {
	desc   metadata.BufferDesc
	handle vk.Buffer
	memory vk.DeviceMemory
	// Persistent mapping of upload and readback buffers.
	mapped []byte
}

// findMemoryIndex returns the first memory type allowed by typeFilter that has
// every bit of propertyFlags, or -1.
func (d *VulkanDevice) findMemoryIndex(typeFilter uint32, propertyFlags vk.MemoryPropertyFlags) int32 {
	for i := uint32(0); i < d.memory.MemoryTypeCount; i++ {
		memoryType := d.memory.MemoryTypes[i]
		memoryType.Deref()
		if typeFilter&(1<<i) != 0 && memoryType.PropertyFlags&propertyFlags == propertyFlags {
			return int32(i)
		}
	}
	return -1
}

func bufferUsageFlags(usage metadata.BufferUsage) vk.BufferUsageFlags {
	flags := vk.BufferUsageFlags(vk.BufferUsageTransferSrcBit | vk.BufferUsageTransferDstBit)
	if usage&metadata.BufferUsageVertex != 0 {
		flags |= vk.BufferUsageFlags(vk.BufferUsageVertexBufferBit)
	}
	if usage&metadata.BufferUsageIndex != 0 {
		flags |= vk.BufferUsageFlags(vk.BufferUsageIndexBufferBit)
	}
	if usage&metadata.BufferUsageConstant != 0 {
		flags |= vk.BufferUsageFlags(vk.BufferUsageUniformBufferBit)
	}
	if usage&(metadata.BufferUsageStorage|metadata.BufferUsageShaderTable|metadata.BufferUsageAccelerationStructure|metadata.BufferUsageScratch) != 0 {
		flags |= vk.BufferUsageFlags(vk.BufferUsageStorageBufferBit)
	}
	return flags
}

func memoryCandidates(kind metadata.MemoryKind) []vk.MemoryPropertyFlags {
	hostVisible := vk.MemoryPropertyFlags(vk.MemoryPropertyHostVisibleBit | vk.MemoryPropertyHostCoherentBit)
	switch kind {
	case metadata.MemoryKindUpload:
		return []vk.MemoryPropertyFlags{hostVisible}
	case metadata.MemoryKindReadback:
		return []vk.MemoryPropertyFlags{hostVisible | vk.MemoryPropertyFlags(vk.MemoryPropertyHostCachedBit), hostVisible}
	}
	return []vk.MemoryPropertyFlags{vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit)}
}

// allocate binds fresh memory matching requirements, trying candidates in order.
func (d *VulkanDevice) allocate(requirements vk.MemoryRequirements, candidates []vk.MemoryPropertyFlags) (vk.DeviceMemory, error) {
	index := int32(-1)
	for _, flags := range candidates {
		if index = d.findMemoryIndex(requirements.MemoryTypeBits, flags); index >= 0 {
			break
		}
	}
	if index < 0 {
		return nil, fmt.Errorf("no suitable memory type for %d bytes", requirements.Size)
	}
	var memory vk.DeviceMemory
	res := vk.AllocateMemory(d.logicalDevice, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  requirements.Size,
		MemoryTypeIndex: uint32(index),
	}, nil, &memory)
	if res != vk.Success {
		return nil, d.check("vkAllocateMemory", res)
	}
	return memory, nil
}

func (d *VulkanDevice) newBuffer(desc metadata.BufferDesc) (*buffer, error) {
	if desc.Size == 0 {
		return nil, fmt.Errorf("buffer %q has zero size", desc.DebugName)
	}
	b := &buffer{desc: desc}
	res := vk.CreateBuffer(d.logicalDevice, &vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(desc.Size),
		Usage:       bufferUsageFlags(desc.Usage),
		SharingMode: vk.SharingModeExclusive,
	}, nil, &b.handle)
	if res != vk.Success {
		return nil, d.check("vkCreateBuffer", res)
	}

	var requirements vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(d.logicalDevice, b.handle, &requirements)
	requirements.Deref()
	memory, err := d.allocate(requirements, memoryCandidates(desc.Memory))
	if err != nil {
		d.releaseBuffer(b)
		return nil, fmt.Errorf("buffer %q: %w", desc.DebugName, err)
	}
	b.memory = memory
	if res := vk.BindBufferMemory(d.logicalDevice, b.handle, b.memory, 0); res != vk.Success {
		d.releaseBuffer(b)
		return nil, d.check("vkBindBufferMemory", res)
	}

	if desc.Memory != metadata.MemoryKindDeviceLocal {
		var ptr unsafe.Pointer
		if res := vk.MapMemory(d.logicalDevice, b.memory, 0, vk.DeviceSize(desc.Size), 0, &ptr); res != vk.Success {
			d.releaseBuffer(b)
			return nil, d.check("vkMapMemory", res)
		}
		b.mapped = unsafe.Slice((*byte)(ptr), desc.Size)
	}
	return b, nil
}

func (d *VulkanDevice) releaseBuffer(b *buffer) {
	if b.mapped != nil {
		vk.UnmapMemory(d.logicalDevice, b.memory)
		b.mapped = nil
	}
	if b.handle != nil {
		vk.DestroyBuffer(d.logicalDevice, b.handle, nil)
		b.handle = nil
	}
	if b.memory != nil {
		vk.FreeMemory(d.logicalDevice, b.memory, nil)
		b.memory = nil
	}
}

func (d *VulkanDevice) CreateBuffer(desc metadata.BufferDesc) (rhi.BufferID, error) {
	b, err := d.newBuffer(desc)
	if err != nil {
		core.LogError("failed to create buffer: %s", err)
		return rhi.InvalidBuffer, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := rhi.BufferID(d.nextID())
	d.buffers[id] = b
	return id, nil
}

func (d *VulkanDevice) DestroyBuffer(id rhi.BufferID) {
	d.mu.Lock()
	b, ok := d.buffers[id]
	delete(d.buffers, id)
	d.mu.Unlock()
	if ok {
		d.releaseBuffer(b)
	}
}

func (d *VulkanDevice) lookupBuffer(id rhi.BufferID) (*buffer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.buffers[id]
	return b, ok
}

func (d *VulkanDevice) MapBuffer(id rhi.BufferID) ([]byte, error) {
	b, ok := d.lookupBuffer(id)
	if !ok {
		return nil, fmt.Errorf("map of unknown buffer %d: %w", id, core.ErrInvalidHandle)
	}
	if b.mapped == nil {
		return nil, fmt.Errorf("buffer %q lives in device local memory", b.desc.DebugName)
	}
	return b.mapped, nil
}

// BufferAddress is zero: buffer device addresses are only needed by ray
// tracing, which this device does not expose.
func (d *VulkanDevice) BufferAddress(id rhi.BufferID) uint64 {
	return 0
}
