package metadata

type RendererType int

const (
	RendererTypeVulkan RendererType = iota
	RendererTypeSoftware
)

func ParseRendererType(name string) (RendererType, bool) {
	switch name {
	case "vulkan":
		return RendererTypeVulkan, true
	case "software":
		return RendererTypeSoftware, true
	}
	return 0, false
}

func (t RendererType) String() string {
	switch t {
	case RendererTypeVulkan:
		return "vulkan"
	case RendererTypeSoftware:
		return "software"
	}
	return "unknown"
}

/**
 * @brief The role of a draw command. Each command owns one native command list
 * per frame in flight.
 */
type CommandType int

const (
	CommandTypeCommon CommandType = iota
	CommandTypeForwardRendering
	CommandTypeDeferredRendering
	CommandTypeShadowGeneration
	CommandTypeAfterEffect
	CommandTypeUIRendering
	CommandTypeRayTracing
	CommandTypeAssetPreview
)

/** @brief What a device can do and the layout rules it imposes. */
type DeviceCapabilities struct {
	Name string
	// Hardware ray tracing with acceleration structures and shader tables.
	RayTracing bool
	// Byte size of a shader identifier inside a shader table record.
	ShaderIdentifierSize uint32
	// Alignment of the start of a shader table.
	ShaderTableAlignment uint32
	// Alignment of the stride of a shader table record.
	ShaderRecordAlignment uint32
	// Alignment of constant buffer sizes and offsets.
	ConstantBufferAlignment uint32
	// Alignment of acceleration structure and scratch buffers.
	AccelerationStructureAlignment uint32
	// True when viewport Y grows downwards from the top-left corner.
	OriginTopLeft bool
}

/** @brief Live object counts reported by Backend.Stats. */
type RendererStats struct {
	Textures         int
	FrameBuffers     int
	Shaders          int
	Meshes           int
	MaterialData     int
	RTMaterialData   int
	RTPipelines      int
	PendingDeletions int
	FrameSerial      uint64
	FPS              float64
	FrameTimeMS      float64
}

// ViewPortInfo is the last SetViewPort request, in the bottom-left origin convention.
type ViewPortInfo struct {
	Width   uint32
	Height  uint32
	XOffset int32
	YOffset int32
}

type ResourceState int

const (
	ResourceStateCommon ResourceState = iota
	ResourceStateGenericRead
	ResourceStateRenderTarget
	ResourceStateDepthWrite
	ResourceStateUnorderedAccess
	ResourceStatePresent
	ResourceStateCopyDest
	ResourceStateCopySource
)
