package metadata

import (
	"testing"

	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func testShaderInfo() ShaderInfo {
	return ShaderInfo{
		VertProperties: ShaderPropertiesInfo{
			BaseProperties: []ShaderProperty{
				{Name: "_Model", Offset: 0, Size: 64, Type: ShaderPropertyTypeMat4},
				{Name: "_Tint", Offset: 64, Size: 16, Type: ShaderPropertyTypeVec4},
			},
		},
		FragProperties: ShaderPropertiesInfo{
			BaseProperties: []ShaderProperty{
				{Name: "_Tint", Offset: 80, Size: 16, Type: ShaderPropertyTypeVec4},
				{Name: "_Color", Offset: 96, Size: 16, Type: ShaderPropertyTypeVec4},
			},
			TextureProperties: []ShaderProperty{
				{Name: "_MainTex", Binding: 0, Type: ShaderPropertyTypeSampler2D},
			},
		},
	}
}

func TestFindBasePropertyFirstMatchWins(t *testing.T) {
	info := testShaderInfo()

	p, ok := info.FindBaseProperty("_Tint")
	require.True(t, ok)
	assert.Equal(t, uint32(64), p.Offset, "the vertex stage shadows the fragment declaration")

	p, ok = info.FindBaseProperty("_Color")
	require.True(t, ok)
	assert.Equal(t, uint32(96), p.Offset)

	_, ok = info.FindBaseProperty("_Missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"_Tint"}, info.DuplicateBaseNames())
	assert.Equal(t, uint32(112), info.ConstantBufferSize())
	assert.Equal(t, 1, info.TextureCount())

	tex, ok := info.FindTextureProperty("_MainTex")
	require.True(t, ok)
	assert.True(t, tex.Type.IsTexture())
}

func TestShaderInfoFromYAML(t *testing.T) {
	src := `
stages: 5
fragment:
  base:
    - {name: _Color, offset: 0, size: 16, type: vec4}
  textures:
    - {name: _Sky, binding: 1, type: samplerCube}
`
	var info ShaderInfo
	require.NoError(t, yaml.Unmarshal([]byte(src), &info))
	assert.Equal(t, ShaderStageVertex|ShaderStageFragment, info.Stages)
	assert.Equal(t, ShaderPropertyTypeVec4, info.FragProperties.BaseProperties[0].Type)
	assert.True(t, info.FragProperties.TextureProperties[0].Type.IsCube())

	var bad ShaderInfo
	assert.Error(t, yaml.Unmarshal([]byte("fragment:\n  base:\n    - {name: x, type: quaternion}\n"), &bad))
}

func TestASInstanceDescEncoding(t *testing.T) {
	in := ASInstanceDesc{
		Transform:     math.NewMat4Translation(math.Vec3{X: 1, Y: 2, Z: 3}).RowMajor3x4(),
		InstanceID:    7,
		Mask:          0xFF,
		HitGroupIndex: 2,
		BLASAddress:   0x1000,
	}
	buf := make([]byte, ASInstanceDescSize)
	in.Encode(buf)
	assert.Equal(t, in, DecodeASInstanceDesc(buf))

	ref := RTDataReference{IndexAddress: 1, VertexAddress: 2, MaterialAddress: 3}
	rb := make([]byte, RTDataReferenceSize)
	ref.Encode(rb)
	assert.Equal(t, ref, DecodeRTDataReference(rb))
}

func TestRayTracingConstantsPack(t *testing.T) {
	c := RayTracingPipelineConstants{
		VP:         math.NewMat4Translation(math.Vec3{X: 4}),
		VInv:       math.NewMat4Identity(),
		PInv:       math.NewMat4Scale(math.Vec3{X: 2, Y: 2, Z: 2}),
		LightPos:   math.Vec3{X: 1, Y: 5, Z: -1},
		FrameCount: 9,
	}
	packed := c.Pack()
	assert.Len(t, packed, RayTracingConstantsCount)
	assert.Equal(t, uint32(9), packed[RayTracingConstantsCount-1])
	assert.Equal(t, c, UnpackRayTracingConstants(packed))
}

func TestTexelEncoding(t *testing.T) {
	color := math.Vec4{X: 1, Y: 0.5, Z: 0, W: 1}
	for _, f := range []TextureFormat{TextureFormatRGBA8, TextureFormatRGBA16F, TextureFormatRGBA32F} {
		buf := make([]byte, f.BytesPerPixel())
		EncodeTexel(f, buf, color)
		assert.True(t, DecodeTexel(f, buf).Compare(color, 1.0/255), "format %d", f)
	}

	r8 := make([]byte, 1)
	EncodeTexel(TextureFormatR8, r8, math.Vec4{X: 1})
	assert.Equal(t, uint8(255), r8[0])

	assert.Equal(t, uint32(4), MipExtent(16, 2))
	assert.Equal(t, uint32(1), MipExtent(1, 3))
	desc := TextureDesc{Width: 8, Height: 4, Format: TextureFormatRGBA8}
	assert.Equal(t, uint64(32), desc.LayerSize(1))
}

func TestHandles(t *testing.T) {
	assert.False(t, IsValid(InvalidTexture))
	assert.True(t, IsValid(MeshHandle(0)))
	rt, ok := ParseRendererType("software")
	assert.True(t, ok)
	assert.Equal(t, "software", rt.String())
	_, ok = ParseRendererType("directx")
	assert.False(t, ok)
	assert.Equal(t, "invalid", FrameBufferTypeMax.String())
}
