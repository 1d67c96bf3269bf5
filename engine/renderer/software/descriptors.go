package software

import (
	"fmt"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/rhi"
)

type descriptor struct {
	kind    metadata.DescriptorKind
	texture rhi.TextureID
	buffer  rhi.BufferID
	offset  uint64
	size    uint64
	// acceleration structure address
	address uint64
}

type descriptorHeap struct {
	entries []descriptor
	address uint64
}

func (d *SoftwareDevice) CreateDescriptorHeap(capacity uint32) (rhi.HeapID, error) {
	if capacity == 0 {
		return rhi.InvalidHeap, fmt.Errorf("create descriptor heap: capacity is zero")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	id := d.nextID()
	h := &descriptorHeap{entries: make([]descriptor, capacity)}
	h.address = d.addresses.allocate(uint64(capacity)*descriptorSize, allocationHeap, id)
	d.heaps[rhi.HeapID(id)] = h
	return rhi.HeapID(id), nil
}

func (d *SoftwareDevice) DestroyDescriptorHeap(id rhi.HeapID) {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.heaps[id]
	if !ok {
		core.LogWarn("software device: destroy of unknown descriptor heap %d", id)
		return
	}
	d.addresses.release(h.address)
	delete(d.heaps, id)
}

func (d *SoftwareDevice) writeDescriptor(heap rhi.HeapID, index uint32, desc descriptor) {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.heaps[heap]
	if !ok || index >= uint32(len(h.entries)) {
		core.LogError("software device: descriptor write out of range (heap %d, index %d)", heap, index)
		return
	}
	h.entries[index] = desc
}

func (d *SoftwareDevice) WriteTextureDescriptor(heap rhi.HeapID, index uint32, tex rhi.TextureID, kind metadata.DescriptorKind) {
	d.writeDescriptor(heap, index, descriptor{kind: kind, texture: tex, buffer: rhi.InvalidBuffer})
}

func (d *SoftwareDevice) WriteBufferDescriptor(heap rhi.HeapID, index uint32, buf rhi.BufferID, offset, size uint64, kind metadata.DescriptorKind) {
	d.writeDescriptor(heap, index, descriptor{kind: kind, texture: rhi.InvalidTexture, buffer: buf, offset: offset, size: size})
}

func (d *SoftwareDevice) WriteAccelerationStructureDescriptor(heap rhi.HeapID, index uint32, address uint64) {
	d.writeDescriptor(heap, index, descriptor{
		kind:    metadata.DescriptorKindAccelerationStructure,
		texture: rhi.InvalidTexture,
		buffer:  rhi.InvalidBuffer,
		address: address,
	})
}

func (d *SoftwareDevice) CopyDescriptors(dst rhi.HeapID, dstIndex uint32, src rhi.HeapID, srcIndex, count uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()

	dh, ok1 := d.heaps[dst]
	sh, ok2 := d.heaps[src]
	if !ok1 || !ok2 || dstIndex+count > uint32(len(dh.entries)) || srcIndex+count > uint32(len(sh.entries)) {
		core.LogError("software device: descriptor copy out of range (%d[%d] <- %d[%d] x%d)", dst, dstIndex, src, srcIndex, count)
		return
	}
	copy(dh.entries[dstIndex:dstIndex+count], sh.entries[srcIndex:srcIndex+count])
}

func (d *SoftwareDevice) DescriptorAddress(heap rhi.HeapID, index uint32) uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	h, ok := d.heaps[heap]
	if !ok {
		return 0
	}
	return h.address + uint64(index)*descriptorSize
}

// resolveDescriptor turns a descriptor address from a shader record back into
// its heap and index.
func (d *SoftwareDevice) resolveDescriptor(address uint64) (*descriptorHeap, uint32, bool) {
	a, offset, ok := d.addresses.resolve(address)
	if !ok || a.kind != allocationHeap {
		return nil, 0, false
	}
	h := d.heaps[rhi.HeapID(a.id)]
	if h == nil {
		return nil, 0, false
	}
	return h, uint32(offset / descriptorSize), true
}

// DescriptorTexture returns the texture written at index of heap.
func (d *SoftwareDevice) DescriptorTexture(heap rhi.HeapID, index uint32) (rhi.TextureID, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	h, ok := d.heaps[heap]
	if !ok || index >= uint32(len(h.entries)) || h.entries[index].texture == rhi.InvalidTexture {
		return rhi.InvalidTexture, false
	}
	return h.entries[index].texture, true
}
