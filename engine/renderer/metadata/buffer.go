package metadata

type BufferUsage uint32

const (
	BufferUsageVertex                BufferUsage = 0x1
	BufferUsageIndex                 BufferUsage = 0x2
	BufferUsageConstant              BufferUsage = 0x4
	BufferUsageStorage               BufferUsage = 0x8
	BufferUsageShaderTable           BufferUsage = 0x10
	BufferUsageAccelerationStructure BufferUsage = 0x20
	BufferUsageScratch               BufferUsage = 0x40
	BufferUsageTransferSrc           BufferUsage = 0x80
	BufferUsageTransferDst           BufferUsage = 0x100
)

/**
 * @brief Where a buffer lives. Upload and readback buffers are persistently
 * mapped and visible to the CPU.
 */
type MemoryKind int

const (
	MemoryKindDeviceLocal MemoryKind = iota
	MemoryKindUpload
	MemoryKindReadback
)

type BufferDesc struct {
	Size      uint64
	Usage     BufferUsage
	Memory    MemoryKind
	DebugName string
}

// DescriptorKind selects how a resource is viewed through a descriptor.
type DescriptorKind int

const (
	DescriptorKindNone DescriptorKind = iota
	DescriptorKindTextureSRV
	DescriptorKindCubeSRV
	DescriptorKindTextureUAV
	DescriptorKindConstantBuffer
	DescriptorKindStructuredBuffer
	DescriptorKindAccelerationStructure
)
