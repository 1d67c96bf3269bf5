package metadata

// InvalidID marks a handle that does not refer to any slot.
const InvalidID uint32 = ^uint32(0)

// Handles returned by the backend factories. Each is an index into the slot
// table of its kind.
type (
	TextureHandle        uint32
	FrameBufferHandle    uint32
	RenderBufferHandle   uint32
	ShaderHandle         uint32
	MeshHandle           uint32
	MaterialDataHandle   uint32
	RTMaterialDataHandle uint32
	RTPipelineHandle     uint32
	CommandHandle        uint32
)

const (
	InvalidTexture        = TextureHandle(InvalidID)
	InvalidFrameBuffer    = FrameBufferHandle(InvalidID)
	InvalidRenderBuffer   = RenderBufferHandle(InvalidID)
	InvalidShader         = ShaderHandle(InvalidID)
	InvalidMesh           = MeshHandle(InvalidID)
	InvalidMaterialData   = MaterialDataHandle(InvalidID)
	InvalidRTMaterialData = RTMaterialDataHandle(InvalidID)
	InvalidRTPipeline     = RTPipelineHandle(InvalidID)
	InvalidCommand        = CommandHandle(InvalidID)
)

// IsValid reports whether h is not the invalid sentinel.
func IsValid[H ~uint32](h H) bool {
	return uint32(h) != InvalidID
}
