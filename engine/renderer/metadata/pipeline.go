package metadata

/**
 * @brief Compiled shader code per stage. Devices that execute programs on the
 * CPU ignore the code and select the program by pipeline name.
 */
type ShaderCode map[ShaderStageFlags][]byte

type PipelineDesc struct {
	Name string
	Info ShaderInfo
	Code ShaderCode
	// Formats of the frame buffer the pipeline renders into.
	ColorFormat TextureFormat
	HasColor    bool
	DepthFormat TextureFormat
	HasDepth    bool
	// Six layer targets render every layer through the geometry stage.
	Layers uint32
}

// Root parameter slots shared by every graphics pipeline.
const (
	GraphicsRootConstantBuffer uint32 = 0
	GraphicsRootTextureTable   uint32 = 1
)
