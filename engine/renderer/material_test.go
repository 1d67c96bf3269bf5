package renderer

import (
	"testing"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetUpMaterialFillsEveryFrameCopy(t *testing.T) {
	f := newDrawFixture(t, unlitColorInfo(metadata.FaceCullBack), red)
	m, ok := f.b.material(f.material)
	require.True(t, ok)
	require.Len(t, m.constants, 2)
	assert.Equal(t, encodeFloats(1, 0, 0, 1), m.constants[0][:16])
	assert.Equal(t, m.constants[0], m.constants[1])
	assert.Error(t, f.b.SetUpMaterial(f.material, f.shader, nil))
}

func TestFrameLocalWriteOnlyTouchesCurrentCopy(t *testing.T) {
	f := newDrawFixture(t, unlitColorInfo(metadata.FaceCullBack), red)
	b := f.b
	require.NoError(t, b.BeginFrame())
	require.NoError(t, b.SetShaderVector(f.material, "_Color", math.Vec4{Y: 1, W: 1}, false))

	m, _ := b.material(f.material)
	cur := b.CurrentFrame()
	assert.Equal(t, encodeFloats(0, 1, 0, 1), m.constants[cur][:16])
	assert.Equal(t, encodeFloats(1, 0, 0, 1), m.constants[1-cur][:16])
	require.NoError(t, b.EndFrame())
}

func TestFirstStageDeclarationWins(t *testing.T) {
	info := unlitColorInfo(metadata.FaceCullBack)
	info.VertProperties.BaseProperties = []metadata.ShaderProperty{{Name: "_Color", Size: 16, Offset: 0, Type: metadata.ShaderPropertyTypeVec4}}
	info.FragProperties.BaseProperties[0].Offset = 16
	assert.Equal(t, []string{"_Color"}, info.DuplicateBaseNames())

	f := newDrawFixture(t, info, red)
	m, _ := f.b.material(f.material)
	assert.Equal(t, encodeFloats(1, 0, 0, 1), m.constants[0][:16])
	assert.Equal(t, make([]byte, 16), m.constants[0][16:32])

	vertices, indices := quad(0.5)
	mesh, err := f.b.SetUpStaticMesh(vertices, indices)
	require.NoError(t, err)
	out := f.render(t, mesh)
	assert.Equal(t, [4]byte{255, 0, 0, 255}, pixel(out, 32, 32))
}

func TestArrayPropertyBounds(t *testing.T) {
	info := unlitColorInfo(metadata.FaceCullBack)
	info.FragProperties.BaseProperties = append(info.FragProperties.BaseProperties, metadata.ShaderProperty{
		Name: "_Lights", Size: 32, Offset: 16, ArrayLength: 2, ArrayOffset: 16, Type: metadata.ShaderPropertyTypeVec4,
	})
	f := newDrawFixture(t, info, red)

	require.NoError(t, f.b.SetShaderVectorArray(f.material, "_Lights", []math.Vec4{{X: 1}, {X: 2}}, true))
	m, _ := f.b.material(f.material)
	assert.Equal(t, encodeFloats(1, 0, 0, 0, 2, 0, 0, 0), m.constants[0][16:48])

	assert.Error(t, f.b.SetShaderVectorAt(f.material, "_Lights", math.Vec4{}, 2, true))
	assert.Error(t, f.b.SetShaderVectorAt(f.material, "_Color", math.Vec4{}, 1, true))
}

func TestScalarEncoding(t *testing.T) {
	for _, tc := range []struct {
		value interface{}
		want  []byte
	}{
		{true, []byte{1, 0, 0, 0}},
		{false, []byte{0, 0, 0, 0}},
		{int32(-1), []byte{0xff, 0xff, 0xff, 0xff}},
		{uint32(7), []byte{7, 0, 0, 0}},
		{float32(1), encodeFloats(1)},
	} {
		got, err := encodeScalar(tc.value)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "%T", tc.value)
	}
	_, err := encodeScalar("nope")
	assert.Error(t, err)
}

func TestUnknownPropertiesAreReported(t *testing.T) {
	f := newDrawFixture(t, unlitColorInfo(metadata.FaceCullBack), red)
	assert.ErrorIs(t, f.b.SetShaderScalar(f.material, "_Missing", float32(1), true), core.ErrShaderPropertyNotFound)

	tex, err := f.b.CreateTextureFromPixels(1, 1, metadata.TextureFormatRGBA8, [][]byte{{0, 255, 0, 255}}, "green")
	require.NoError(t, err)
	assert.ErrorIs(t, f.b.SetShaderTexture(f.material, "_MainTex", tex, true), core.ErrTextureBindingNotFound)
}

func TestBindingToMaterialOfDeletedShader(t *testing.T) {
	b, _ := newTestBackend(t)
	shader, err := b.SetUpShader("unlit_texture", unlitTextureInfo(), nil, metadata.FrameBufferTypeColor)
	require.NoError(t, err)
	tex, err := b.CreateTextureFromPixels(1, 1, metadata.TextureFormatRGBA8, [][]byte{{0, 255, 0, 255}}, "green")
	require.NoError(t, err)
	fbo, err := b.CreateFrameBuffer(metadata.FrameBufferTypeColor, metadata.NewClearInfo(metadata.ClearFrameBufferColor, black), 8, 8)
	require.NoError(t, err)
	material := b.CreateMaterialData()
	require.NoError(t, b.SetUpMaterial(material, shader, nil))
	require.NoError(t, b.SetShaderTexture(material, "_MainTex", tex, true))

	b.DeleteShader(shader)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.BeginFrame())
		require.NoError(t, b.EndFrame())
	}
	_, ok := b.ShaderInfo(shader)
	require.False(t, ok, "shader is destroyed once no frame uses it")

	assert.NotPanics(t, func() {
		assert.ErrorIs(t, b.SetShaderTexture(material, "_MainTex", tex, true), core.ErrInvalidHandle)
		assert.ErrorIs(t, b.SetShaderCubeMap(material, "_MainTex", tex, false), core.ErrInvalidHandle)
		assert.ErrorIs(t, b.SetShaderRenderBuffer(material, "_MainTex", b.FrameBufferColorBuffer(fbo), true), core.ErrInvalidHandle)
		assert.ErrorIs(t, b.SetShaderScalar(material, "_Color", float32(1), true), core.ErrInvalidHandle)
	})
}

func unlitTextureInfo() metadata.ShaderInfo {
	return metadata.ShaderInfo{
		StateSet: metadata.DefaultShaderStateSet(),
		Stages:   metadata.ShaderStageVertex | metadata.ShaderStageFragment,
		FragProperties: metadata.ShaderPropertiesInfo{
			TextureProperties: []metadata.ShaderProperty{{Name: "_MainTex", Binding: 0, Type: metadata.ShaderPropertyTypeSampler2D}},
		},
	}
}

func TestTexturedDraw(t *testing.T) {
	b, _ := newTestBackend(t)
	fbo, err := b.CreateFrameBuffer(metadata.FrameBufferTypeColor, metadata.NewClearInfo(metadata.ClearFrameBufferColor, black), testSize, testSize)
	require.NoError(t, err)
	shader, err := b.SetUpShader("unlit_texture", unlitTextureInfo(), nil, metadata.FrameBufferTypeColor)
	require.NoError(t, err)
	tex, err := b.CreateTextureFromPixels(1, 1, metadata.TextureFormatRGBA8, [][]byte{{0, 255, 0, 255}}, "green")
	require.NoError(t, err)

	material := b.CreateMaterialData()
	values := metadata.NewMaterialValues()
	values.Textures["_MainTex"] = tex
	require.NoError(t, b.SetUpMaterial(material, shader, values))

	vertices, indices := quad(0.5)
	mesh, err := b.SetUpStaticMesh(vertices, indices)
	require.NoError(t, err)
	cmd := b.AllocateDrawCommand(metadata.CommandTypeCommon)

	require.NoError(t, b.BeginFrame())
	require.NoError(t, b.SwitchFrameBuffer(fbo))
	require.NoError(t, b.UseShader(shader))
	require.NoError(t, b.UseMaterialData(material))
	require.NoError(t, b.Draw(mesh))
	require.NoError(t, b.GenerateDrawCommand(cmd))
	require.NoError(t, b.WaitForRenderFinish())
	out, err := b.ReadFrameBufferColor(fbo)
	require.NoError(t, err)
	require.NoError(t, b.EndFrame())

	assert.Equal(t, [4]byte{0, 255, 0, 255}, pixel(out, 32, 32))
	assert.Equal(t, [4]byte{0, 0, 0, 255}, pixel(out, 2, 2))
}

func TestZeroSizedTextTexture(t *testing.T) {
	b, _ := newTestBackend(t)
	assert.Equal(t, metadata.InvalidTexture, b.GenerateTextTexture(0, 8, nil))
	tex := b.GenerateTextTexture(2, 2, []byte{1, 2, 3, 4})
	w, h, ok := b.TextureSize(tex)
	require.True(t, ok)
	assert.Equal(t, [2]uint32{2, 2}, [2]uint32{w, h})
}
