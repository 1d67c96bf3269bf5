package vulkan

import (
	"fmt"

	vk "github.com/goki/vulkan"
	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

type descriptorEntry struct {
	kind    metadata.DescriptorKind
	texture rhi.TextureID
	buffer  rhi.BufferID
	offset  uint64
	size    uint64
}

/**
 * @brief A descriptor heap kept on the CPU. Vulkan has no shader visible
 * heap, so the entries bound through a table are written into a descriptor
 * set when the draw is recorded.
 */
type descriptorHeap struct {
	entries []descriptorEntry
}

// Sets allocated by one command list before its pool is reset.
const descriptorPoolSets = 1024

func (d *VulkanDevice) CreateDescriptorHeap(capacity uint32) (rhi.HeapID, error) {
	if capacity == 0 {
		return rhi.InvalidHeap, fmt.Errorf("create descriptor heap: capacity is zero")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := rhi.HeapID(d.nextID())
	d.heaps[id] = &descriptorHeap{entries: make([]descriptorEntry, capacity)}
	return id, nil
}

func (d *VulkanDevice) DestroyDescriptorHeap(id rhi.HeapID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.heaps[id]; !ok {
		core.LogWarn("destroy of unknown descriptor heap %d", id)
		return
	}
	delete(d.heaps, id)
}

func (d *VulkanDevice) writeDescriptor(heap rhi.HeapID, index uint32, e descriptorEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.heaps[heap]
	if !ok || index >= uint32(len(h.entries)) {
		core.LogError("descriptor write out of range (heap %d, index %d)", heap, index)
		return
	}
	h.entries[index] = e
}

func (d *VulkanDevice) WriteTextureDescriptor(heap rhi.HeapID, index uint32, tex rhi.TextureID, kind metadata.DescriptorKind) {
	d.writeDescriptor(heap, index, descriptorEntry{kind: kind, texture: tex, buffer: rhi.InvalidBuffer})
}

func (d *VulkanDevice) WriteBufferDescriptor(heap rhi.HeapID, index uint32, buf rhi.BufferID, offset, size uint64, kind metadata.DescriptorKind) {
	d.writeDescriptor(heap, index, descriptorEntry{kind: kind, texture: rhi.InvalidTexture, buffer: buf, offset: offset, size: size})
}

func (d *VulkanDevice) WriteAccelerationStructureDescriptor(heap rhi.HeapID, index uint32, address uint64) {
	core.LogWarn("acceleration structure descriptors are not supported (heap %d, index %d)", heap, index)
}

func (d *VulkanDevice) CopyDescriptors(dst rhi.HeapID, dstIndex uint32, src rhi.HeapID, srcIndex, count uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dh, ok1 := d.heaps[dst]
	sh, ok2 := d.heaps[src]
	if !ok1 || !ok2 || dstIndex+count > uint32(len(dh.entries)) || srcIndex+count > uint32(len(sh.entries)) {
		core.LogError("descriptor copy out of range (%d[%d] <- %d[%d] x%d)", dst, dstIndex, src, srcIndex, count)
		return
	}
	copy(dh.entries[dstIndex:dstIndex+count], sh.entries[srcIndex:srcIndex+count])
}

// DescriptorAddress packs the heap and index into an opaque handle.
func (d *VulkanDevice) DescriptorAddress(heap rhi.HeapID, index uint32) uint64 {
	return uint64(heap)<<32 | uint64(index)
}

// snapshot copies count entries starting at base.
func (d *VulkanDevice) snapshot(heap rhi.HeapID, base, count uint32) ([]descriptorEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.heaps[heap]
	if !ok {
		return nil, fmt.Errorf("descriptor table on unknown heap %d: %w", heap, core.ErrInvalidHandle)
	}
	if base+count > uint32(len(h.entries)) {
		return nil, fmt.Errorf("descriptor table %d+%d overflows heap %d", base, count, heap)
	}
	return append([]descriptorEntry(nil), h.entries[base:base+count]...), nil
}

func (d *VulkanDevice) createDescriptorPool() (vk.DescriptorPool, error) {
	sizes := []vk.DescriptorPoolSize{
		{Type: vk.DescriptorTypeUniformBuffer, DescriptorCount: descriptorPoolSets},
		{Type: vk.DescriptorTypeCombinedImageSampler, DescriptorCount: descriptorPoolSets * 8},
	}
	info := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       descriptorPoolSets * 2,
		PoolSizeCount: uint32(len(sizes)),
		PPoolSizes:    sizes,
	}
	var pool vk.DescriptorPool
	err := d.locks.SafeCall(DescriptorManagement, func() error {
		return d.check("vkCreateDescriptorPool", vk.CreateDescriptorPool(d.logicalDevice, &info, nil, &pool))
	})
	return pool, err
}

func (d *VulkanDevice) allocateSet(pool vk.DescriptorPool, layout vk.DescriptorSetLayout) (vk.DescriptorSet, error) {
	info := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     pool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{layout},
	}
	var set vk.DescriptorSet
	if res := vk.AllocateDescriptorSets(d.logicalDevice, &info, &set); res != vk.Success {
		return nil, d.check("vkAllocateDescriptorSets", res)
	}
	return set, nil
}

// writeConstantSet points binding 0 of set at the whole of buf.
func (d *VulkanDevice) writeConstantSet(set vk.DescriptorSet, buf *buffer) {
	vk.UpdateDescriptorSets(d.logicalDevice, 1, []vk.WriteDescriptorSet{{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          set,
		DstBinding:      0,
		DescriptorCount: 1,
		DescriptorType:  vk.DescriptorTypeUniformBuffer,
		PBufferInfo: []vk.DescriptorBufferInfo{{
			Buffer: buf.handle,
			Offset: 0,
			Range:  vk.DeviceSize(buf.desc.Size),
		}},
	}}, 0, nil)
}

// writeTextureSet binds entries[i] at binding i. Entries that do not name a
// live texture are skipped and must not be sampled by the shader.
func (d *VulkanDevice) writeTextureSet(set vk.DescriptorSet, entries []descriptorEntry) {
	writes := make([]vk.WriteDescriptorSet, 0, len(entries))
	for i, e := range entries {
		t, ok := d.lookupTexture(e.texture)
		if !ok {
			continue
		}
		layout := vk.ImageLayoutShaderReadOnlyOptimal
		if t.desc.Format.IsDepth() {
			layout = vk.ImageLayoutDepthStencilReadOnlyOptimal
		}
		writes = append(writes, vk.WriteDescriptorSet{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          set,
			DstBinding:      uint32(i),
			DescriptorCount: 1,
			DescriptorType:  vk.DescriptorTypeCombinedImageSampler,
			PImageInfo: []vk.DescriptorImageInfo{{
				Sampler:     d.sampler,
				ImageView:   t.View,
				ImageLayout: layout,
			}},
		})
	}
	if len(writes) > 0 {
		vk.UpdateDescriptorSets(d.logicalDevice, uint32(len(writes)), writes, 0, nil)
	}
}
