package metadata

import (
	"encoding/binary"

	"github.com/chewxy/math32"
	"github.com/spaghettifunk/anima-rhi/engine/math"
)

/** @brief Shader files of a ray tracing pipeline, grouped by stage. */
type RayTracingShaderPathGroup struct {
	RGenPaths          []string `yaml:"raygen"`
	RMissPaths         []string `yaml:"miss"`
	RClosestHitPaths   []string `yaml:"closest_hit"`
	RAnyHitPaths       []string `yaml:"any_hit"`
	RIntersectionPaths []string `yaml:"intersection"`
}

/** @brief Per dispatch constants handed to the ray generation shader. */
type RayTracingPipelineConstants struct {
	VP         math.Mat4
	VInv       math.Mat4
	PInv       math.Mat4
	LightPos   math.Vec3
	FrameCount uint32
}

// RayTracingConstantsCount is the number of 32-bit values of the packed constants.
const RayTracingConstantsCount = 16*3 + 3 + 1

// Pack lays the constants out as 32-bit root constants: three column-major
// matrices, the light position and the accumulation frame count.
func (c *RayTracingPipelineConstants) Pack() []uint32 {
	out := make([]uint32, 0, RayTracingConstantsCount)
	for _, m := range [3]math.Mat4{c.VP, c.VInv, c.PInv} {
		for _, f := range m.ColumnMajor() {
			out = append(out, math32.Float32bits(f))
		}
	}
	out = append(out,
		math32.Float32bits(c.LightPos.X),
		math32.Float32bits(c.LightPos.Y),
		math32.Float32bits(c.LightPos.Z),
		c.FrameCount,
	)
	return out
}

// UnpackRayTracingConstants is the inverse of Pack.
func UnpackRayTracingConstants(data []uint32) RayTracingPipelineConstants {
	var c RayTracingPipelineConstants
	for i, m := range [3]*math.Mat4{&c.VP, &c.VInv, &c.PInv} {
		for j := 0; j < 16; j++ {
			m.Data[j] = math32.Float32frombits(data[i*16+j])
		}
	}
	c.LightPos = math.Vec3{
		X: math32.Float32frombits(data[48]),
		Y: math32.Float32frombits(data[49]),
		Z: math32.Float32frombits(data[50]),
	}
	c.FrameCount = data[51]
	return c
}

// Layout of the descriptor heap of a ray tracing pipeline.
const (
	RTHeapOffsetTLAS           uint32 = 0
	RTHeapOffsetOutputImage    uint32 = 1
	RTHeapOffsetDataReference  uint32 = 2
	RTHeapOffsetConstantBuffer uint32 = 3
	RTHeapOffsetTexture2DArray uint32 = 4
)

// RTHeapOffsetTextureCubeArray follows the 2D texture range.
func RTHeapOffsetTextureCubeArray(sceneTextureNum uint32) uint32 {
	return RTHeapOffsetTexture2DArray + sceneTextureNum
}

// Root parameter slots of the global ray tracing root signature. Shader
// records carry one descriptor address per slot except the constants.
const (
	RTRootTLAS uint32 = iota
	RTRootOutputImage
	RTRootDataReference
	RTRootTexture2DArray
	RTRootTextureCubeArray
	RTRootConstantBuffer
	RTRootParameterCount
)

// RTRootArgumentSize is the byte size of the root arguments in a shader record.
const RTRootArgumentSize = RTRootParameterCount * 8

type RayTracingPipelineDesc struct {
	Name   string
	Groups RayTracingShaderPathGroup
	// Code keyed by shader path.
	Code map[string][]byte
	// Export names in shader table order: raygen, miss, then one per hit group.
	RayGenExports []string
	MissExports   []string
	HitExports    []string
	MaxRecursion  uint32
	// Capacities of the texture descriptor ranges.
	SceneTextureNum uint32
	SceneCubeMapNum uint32
	// Reflected layout of the material record hit shaders read through the
	// data reference. Texture properties occupy a uint index slot at Offset.
	Material ShaderPropertiesInfo
}

// MaterialSize is the std430 size of the material record.
func (desc *RayTracingPipelineDesc) MaterialSize() uint32 {
	var end uint32
	for _, props := range [2][]ShaderProperty{desc.Material.BaseProperties, desc.Material.TextureProperties} {
		for _, p := range props {
			size := p.Size
			if size == 0 {
				size = 4
			}
			end = max(end, p.Offset+size)
		}
	}
	return math.AlignUp(end, 16)
}

// FindMaterialProperty looks name up in the base then the texture properties.
func (desc *RayTracingPipelineDesc) FindMaterialProperty(name string) (*ShaderProperty, bool) {
	for _, props := range [2][]ShaderProperty{desc.Material.BaseProperties, desc.Material.TextureProperties} {
		for i := range props {
			if props[i].Name == name {
				return &props[i], true
			}
		}
	}
	return nil, false
}

type AccelerationStructureType int

const (
	AccelerationStructureBottomLevel AccelerationStructureType = iota
	AccelerationStructureTopLevel
)

type AccelerationStructureBuildFlags uint32

const (
	ASBuildAllowUpdate     AccelerationStructureBuildFlags = 0x1
	ASBuildPreferFastTrace AccelerationStructureBuildFlags = 0x2
	ASBuildPerformUpdate   AccelerationStructureBuildFlags = 0x4
)

/** @brief Triangle geometry of a bottom level structure: float3 positions and uint32 indices. */
type ASTriangleGeometry struct {
	VertexAddress uint64
	VertexStride  uint32
	VertexCount   uint32
	IndexAddress  uint64
	IndexCount    uint32
	Opaque        bool
}

type ASInputs struct {
	Type     AccelerationStructureType
	Flags    AccelerationStructureBuildFlags
	Geometry []ASTriangleGeometry
	// Top level only.
	InstanceCount   uint32
	InstanceAddress uint64
}

type ASPrebuildInfo struct {
	ResultSize        uint64
	ScratchSize       uint64
	UpdateScratchSize uint64
}

/**
 * @brief A build or refit recorded into a command list. Addresses are device
 * buffer addresses. SourceAddress is the structure being refit and equals
 * DestAddress for in place updates.
 */
type ASBuildDesc struct {
	Inputs         ASInputs
	DestAddress    uint64
	SourceAddress  uint64
	ScratchAddress uint64
}

/** @brief One instance of a top level structure. */
type ASInstanceDesc struct {
	// Row-major 3x4 object to world transform.
	Transform     [12]float32
	InstanceID    uint32
	Mask          uint8
	HitGroupIndex uint32
	Flags         uint8
	BLASAddress   uint64
}

// ASInstanceDescSize is the byte size of an encoded instance descriptor.
const ASInstanceDescSize = 64

// Encode writes the descriptor in the native layout: transform, 24-bit id
// with 8-bit mask, 24-bit hit group offset with 8-bit flags, BLAS address.
func (d *ASInstanceDesc) Encode(dst []byte) {
	for i, f := range d.Transform {
		binary.LittleEndian.PutUint32(dst[i*4:], math32.Float32bits(f))
	}
	binary.LittleEndian.PutUint32(dst[48:], d.InstanceID&0xFFFFFF|uint32(d.Mask)<<24)
	binary.LittleEndian.PutUint32(dst[52:], d.HitGroupIndex&0xFFFFFF|uint32(d.Flags)<<24)
	binary.LittleEndian.PutUint64(dst[56:], d.BLASAddress)
}

func DecodeASInstanceDesc(src []byte) ASInstanceDesc {
	var d ASInstanceDesc
	for i := range d.Transform {
		d.Transform[i] = math32.Float32frombits(binary.LittleEndian.Uint32(src[i*4:]))
	}
	idMask := binary.LittleEndian.Uint32(src[48:])
	d.InstanceID = idMask & 0xFFFFFF
	d.Mask = uint8(idMask >> 24)
	hitFlags := binary.LittleEndian.Uint32(src[52:])
	d.HitGroupIndex = hitFlags & 0xFFFFFF
	d.Flags = uint8(hitFlags >> 24)
	d.BLASAddress = binary.LittleEndian.Uint64(src[56:])
	return d
}

/**
 * @brief Per instance indirection read by hit shaders through InstanceID.
 */
type RTDataReference struct {
	IndexAddress    uint64
	VertexAddress   uint64
	MaterialAddress uint64
}

const RTDataReferenceSize = 24

func (r RTDataReference) Encode(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], r.IndexAddress)
	binary.LittleEndian.PutUint64(dst[8:], r.VertexAddress)
	binary.LittleEndian.PutUint64(dst[16:], r.MaterialAddress)
}

func DecodeRTDataReference(src []byte) RTDataReference {
	return RTDataReference{
		IndexAddress:    binary.LittleEndian.Uint64(src[0:]),
		VertexAddress:   binary.LittleEndian.Uint64(src[8:]),
		MaterialAddress: binary.LittleEndian.Uint64(src[16:]),
	}
}

/** @brief A range of a shader table. */
type ShaderTableRange struct {
	StartAddress  uint64
	SizeInBytes   uint64
	StrideInBytes uint64
}

type DispatchRaysDesc struct {
	RayGeneration ShaderTableRange
	Miss          ShaderTableRange
	HitGroup      ShaderTableRange
	Width         uint32
	Height        uint32
	Depth         uint32
}
