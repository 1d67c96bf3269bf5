// Package rhi declares the native layer the renderer backend drives. A device
// implementation owns the graphics API objects and exposes them through typed
// integer IDs.
package rhi

import (
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
)

type (
	BufferID   uint32
	TextureID  uint32
	HeapID     uint32
	PipelineID uint32
)

const (
	InvalidBuffer   = BufferID(metadata.InvalidID)
	InvalidTexture  = TextureID(metadata.InvalidID)
	InvalidHeap     = HeapID(metadata.InvalidID)
	InvalidPipeline = PipelineID(metadata.InvalidID)
)

// Fence is a monotonically increasing GPU to CPU signal.
type Fence interface {
	CompletedValue() uint64
	// Wait blocks until the GPU has reached value. There is no timeout.
	Wait(value uint64) error
	Destroy()
}

// CommandList records GPU work. Lists are reset, recorded, closed and handed
// to Device.Submit. A list must not be reset while a submission of it is
// still executing.
type CommandList interface {
	Reset() error
	Close() error
	// Release frees the native list. The caller makes sure no submission of
	// it is still executing. A released list must not be used again.
	Release()

	Barrier(tex TextureID, before, after metadata.ResourceState)
	UAVBarrier(buf BufferID)

	// SetRenderTargets binds one optional color and one optional depth
	// target. Pass InvalidTexture to leave a slot empty.
	SetRenderTargets(color, depth TextureID)
	ClearColor(tex TextureID, color math.Vec4)
	ClearDepthStencil(tex TextureID, depth float32, stencil uint32)
	SetViewport(x, y, width, height float32)
	SetScissor(x, y int32, width, height uint32)

	SetPipeline(p PipelineID)
	SetConstantBuffer(slot uint32, buf BufferID)
	SetDescriptorTable(slot uint32, heap HeapID, base uint32)
	SetVertexBuffer(buf BufferID, stride uint32)
	SetIndexBuffer(buf BufferID)
	DrawIndexed(indexCount, firstIndex uint32, baseVertex int32)

	CopyBuffer(dst BufferID, dstOffset uint64, src BufferID, srcOffset, size uint64)
	CopyBufferToTexture(dst TextureID, layer, mip uint32, src BufferID, srcOffset uint64)

	BuildAccelerationStructure(desc metadata.ASBuildDesc)
	SetRayTracingPipeline(p PipelineID)
	SetRootConstants(slot uint32, data []uint32)
	DispatchRays(desc metadata.DispatchRaysDesc)
}

// Device is the capability interface a backend implementation provides.
// Operations outside the device capabilities return core.ErrUnsupported.
type Device interface {
	Capabilities() metadata.DeviceCapabilities

	CreateBuffer(desc metadata.BufferDesc) (BufferID, error)
	DestroyBuffer(id BufferID)
	// MapBuffer returns the CPU view of an upload or readback buffer. The
	// slice stays valid until the buffer is destroyed.
	MapBuffer(id BufferID) ([]byte, error)
	// BufferAddress is the GPU virtual address of the first byte.
	BufferAddress(id BufferID) uint64

	CreateTexture(desc metadata.TextureDesc) (TextureID, error)
	DestroyTexture(id TextureID)
	// ReadTexture copies mip 0 of one layer back to the CPU and blocks until done.
	ReadTexture(id TextureID, layer uint32) ([]byte, error)

	CreateDescriptorHeap(capacity uint32) (HeapID, error)
	DestroyDescriptorHeap(id HeapID)
	WriteTextureDescriptor(heap HeapID, index uint32, tex TextureID, kind metadata.DescriptorKind)
	WriteBufferDescriptor(heap HeapID, index uint32, buf BufferID, offset, size uint64, kind metadata.DescriptorKind)
	WriteAccelerationStructureDescriptor(heap HeapID, index uint32, address uint64)
	CopyDescriptors(dst HeapID, dstIndex uint32, src HeapID, srcIndex, count uint32)
	// DescriptorAddress is the GPU handle of one heap entry, as stored in shader records.
	DescriptorAddress(heap HeapID, index uint32) uint64

	CreatePipeline(desc metadata.PipelineDesc) (PipelineID, error)
	CreateRayTracingPipeline(desc metadata.RayTracingPipelineDesc) (PipelineID, error)
	ShaderIdentifier(pipeline PipelineID, export string) ([]byte, error)
	DestroyPipeline(id PipelineID)

	AccelerationStructureSizes(inputs metadata.ASInputs) metadata.ASPrebuildInfo

	CreateFence(initial uint64) (Fence, error)
	CreateCommandList() (CommandList, error)
	// Submit queues closed lists for execution in order and returns
	// without waiting for them.
	Submit(lists ...CommandList) error
	// Signal sets fence to value once all previously submitted work completes.
	Signal(fence Fence, value uint64) error

	SwapchainTextures() []TextureID
	CurrentBackBuffer() uint32
	Present() error
	ResizeSwapchain(width, height uint32) error

	WaitIdle() error
	Shutdown()
}
