package renderer

import (
	"encoding/binary"
	"testing"

	"github.com/spaghettifunk/anima-rhi/engine/core"
	"github.com/spaghettifunk/anima-rhi/engine/math"
	"github.com/spaghettifunk/anima-rhi/engine/renderer/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShaderTableLayout(t *testing.T) {
	caps := metadata.DeviceCapabilities{ShaderIdentifierSize: 32, ShaderRecordAlignment: 32, ShaderTableAlignment: 64}
	l := ComputeShaderTableLayout(caps, 1, 1, 1)
	assert.Equal(t, uint64(96), l.RecordSize)
	assert.Equal(t, uint64(0), l.RayGenOffset)
	assert.Equal(t, uint64(96), l.MissOffset)
	assert.Equal(t, uint64(192), l.HitGroupOffset)
	assert.Equal(t, uint64(320), l.TotalSize)

	caps.ShaderRecordAlignment = 64
	l = ComputeShaderTableLayout(caps, 1, 2, 3)
	assert.Equal(t, uint64(128), l.RecordSize)
	assert.Equal(t, uint64(256), l.MissSize)
	assert.Equal(t, uint64(384), l.HitGroupOffset)
	assert.Equal(t, uint64(768), l.TotalSize)
}

func rtMaterialInfo() metadata.ShaderPropertiesInfo {
	return metadata.ShaderPropertiesInfo{
		BaseProperties: []metadata.ShaderProperty{{Name: "_Color", Size: 16, Offset: 0, Type: metadata.ShaderPropertyTypeVec4}},
		TextureProperties: []metadata.ShaderProperty{
			{Name: "_MainTex", Size: 4, Offset: 16, Type: metadata.ShaderPropertyTypeSampler2D},
			{Name: "_DetailTex", Size: 4, Offset: 20, Type: metadata.ShaderPropertyTypeSampler2D},
		},
	}
}

type rtFixture struct {
	b        *Backend
	pipeline metadata.RTPipelineHandle
	material metadata.RTMaterialDataHandle
	textures [2]metadata.TextureHandle
	meshes   [2]metadata.MeshHandle
	cmd      metadata.CommandHandle
	fbo      metadata.FrameBufferHandle
}

func newRTFixture(t *testing.T) *rtFixture {
	t.Helper()
	b, _ := newTestBackend(t)
	f := &rtFixture{b: b, cmd: b.AllocateDrawCommand(metadata.CommandTypeRayTracing)}

	var err error
	f.pipeline, err = b.CreateRayTracingPipeline(metadata.RayTracingPipelineDesc{
		Name:          "path",
		Code:          map[string][]byte{},
		RayGenExports: []string{"raygen_camera"},
		MissExports:   []string{"miss_sky"},
		HitExports:    []string{"closest_hit_material"},
		MaxRecursion:  1,
		Material:      rtMaterialInfo(),
	})
	require.NoError(t, err)

	for i, px := range [][]byte{{255, 0, 0, 255}, {0, 0, 255, 255}} {
		f.textures[i], err = b.CreateTextureFromPixels(1, 1, metadata.TextureFormatRGBA8, [][]byte{px}, "rt-texture")
		require.NoError(t, err)
	}
	f.material = b.CreateRayTracingMaterialData()
	values := metadata.NewMaterialValues()
	values.Vec4s["_Color"] = math.Vec4{X: 1, Y: 1, Z: 1, W: 1}
	values.Textures["_MainTex"] = f.textures[0]
	values.Textures["_DetailTex"] = f.textures[1]
	require.NoError(t, b.SetUpRayTracingMaterialData(f.material, values))

	for i := range f.meshes {
		vertices, indices := quad(0.5)
		f.meshes[i], err = b.SetUpStaticMesh(vertices, indices)
		require.NoError(t, err)
	}
	f.fbo, err = b.CreateFrameBuffer(metadata.FrameBufferTypeRayTracing, metadata.ClearInfo{}, 16, 16)
	require.NoError(t, err)
	return f
}

func TestSceneTexturesAreDeduplicated(t *testing.T) {
	f := newRTFixture(t)
	b := f.b
	require.NoError(t, b.BeginFrame())
	require.NoError(t, b.PushAccelerationStructure(f.meshes[0], 0, f.material, math.NewMat4Identity()))
	require.NoError(t, b.PushAccelerationStructure(f.meshes[1], 0, f.material, math.NewMat4Translation(math.Vec3{X: 2})))

	textures, cubes := b.RayTracingSceneTextures()
	assert.ElementsMatch(t, f.textures[:], textures)
	assert.Empty(t, cubes)

	require.NoError(t, b.BuildTopLevelAccelerationStructure(f.cmd))
	refs := b.RayTracingDataReferences()
	require.Len(t, refs, 2)
	for _, ref := range refs {
		assert.NotZero(t, ref.VertexAddress)
		assert.NotZero(t, ref.IndexAddress)
		assert.NotZero(t, ref.MaterialAddress)
		assert.NotEqual(t, ref.VertexAddress, ref.IndexAddress)
		assert.NotEqual(t, ref.VertexAddress, ref.MaterialAddress)
		assert.NotEqual(t, ref.IndexAddress, ref.MaterialAddress)
	}
	assert.NotEqual(t, refs[0].VertexAddress, refs[1].VertexAddress)
	assert.NotEqual(t, refs[0].IndexAddress, refs[1].IndexAddress)
	assert.Equal(t, refs[0].MaterialAddress, refs[1].MaterialAddress)

	// Texture slots hold indices into the scene table.
	m, _ := b.rtMaterial(f.material)
	data := m.data[b.CurrentFrame()]
	slots := map[metadata.TextureHandle]uint32{}
	for i, tex := range textures {
		slots[tex] = uint32(i)
	}
	assert.Equal(t, slots[f.textures[0]], uint32(data[16]))
	assert.Equal(t, slots[f.textures[1]], uint32(data[20]))

	require.NoError(t, b.EndFrame())
	textures, _ = b.RayTracingSceneTextures()
	assert.Empty(t, textures, "scene tables only live for one frame")
}

func TestTopLevelRefitIsIdempotent(t *testing.T) {
	f := newRTFixture(t)
	b := f.b
	constants := metadata.RayTracingPipelineConstants{
		VP:       math.NewMat4Identity(),
		VInv:     math.NewMat4Translation(math.Vec3{Z: -3}),
		PInv:     math.NewMat4Identity(),
		LightPos: math.Vec3{Y: 5, Z: -5},
	}
	p, _ := b.rtPipeline(f.pipeline)

	// Every dispatch starts a fresh accumulation so images compare exactly.
	trace := func(transform math.Mat4) []byte {
		require.NoError(t, b.PushAccelerationStructure(f.meshes[0], 0, f.material, transform))
		require.NoError(t, b.BuildTopLevelAccelerationStructure(f.cmd))
		b.rt.hasVP = false
		require.NoError(t, b.RayTrace(f.cmd, constants))
		require.NoError(t, b.WaitForRenderFinish())
		out, err := b.ReadFrameBufferColor(f.fbo)
		require.NoError(t, err)
		return out
	}

	require.NoError(t, b.BeginFrame())
	require.NoError(t, b.SwitchFrameBuffer(f.fbo))
	built := trace(math.NewMat4Identity())
	frame := p.frames[b.CurrentFrame()]
	assert.True(t, frame.tlas.built)
	assert.Equal(t, uint32(1), frame.tlas.instanceCount)

	for i := 0; i < 2; i++ {
		assert.Equal(t, built, trace(math.NewMat4Identity()), "refit %d changed the image", i)
	}
	assert.Equal(t, uint32(1), p.frames[b.CurrentFrame()].tlas.instanceCount)

	// A refit with a moved instance is visible in the next dispatch.
	moved := trace(math.NewMat4Translation(math.Vec3{X: 100}))
	assert.NotEqual(t, built[(8*16+8)*4:(8*16+8)*4+4], moved[(8*16+8)*4:(8*16+8)*4+4])
	require.NoError(t, b.EndFrame())
	require.NoError(t, b.WaitForRenderFinish())

	dev, _ := b.Device().(interface{ Err() error })
	require.NotNil(t, dev)
	assert.NoError(t, dev.Err())
}

func TestRayTraceWritesOutputAndAccumulates(t *testing.T) {
	f := newRTFixture(t)
	b := f.b
	constants := metadata.RayTracingPipelineConstants{
		VP:       math.NewMat4Identity(),
		VInv:     math.NewMat4Translation(math.Vec3{Z: 3}),
		PInv:     math.NewMat4Identity(),
		LightPos: math.Vec3{Y: 5, Z: 5},
	}

	trace := func(c metadata.RayTracingPipelineConstants) []byte {
		require.NoError(t, b.BeginFrame())
		require.NoError(t, b.SwitchFrameBuffer(f.fbo))
		require.NoError(t, b.PushAccelerationStructure(f.meshes[0], 0, f.material, math.NewMat4Identity()))
		require.NoError(t, b.BuildTopLevelAccelerationStructure(f.cmd))
		require.NoError(t, b.RayTrace(f.cmd, c))
		require.NoError(t, b.WaitForRenderFinish())
		out, err := b.ReadFrameBufferColor(f.fbo)
		require.NoError(t, err)
		require.NoError(t, b.EndFrame())
		return out
	}

	out := trace(constants)
	assert.Equal(t, uint32(0), b.AccumulatedFrames())
	assert.NotEqual(t, make([]byte, 4), out[:4], "every pixel is written")
	assert.Equal(t, byte(255), out[3])

	trace(constants)
	assert.Equal(t, uint32(1), b.AccumulatedFrames())
	trace(constants)
	assert.Equal(t, uint32(2), b.AccumulatedFrames())

	constants.VP = math.NewMat4Translation(math.Vec3{X: 1})
	trace(constants)
	assert.Equal(t, uint32(0), b.AccumulatedFrames())

	dev, _ := b.Device().(interface{ Err() error })
	assert.NoError(t, dev.Err())
}

func TestRayTraceNeedsStorageTarget(t *testing.T) {
	f := newRTFixture(t)
	b := f.b
	color, err := b.CreateFrameBuffer(metadata.FrameBufferTypeColor, metadata.ClearInfo{}, 16, 16)
	require.NoError(t, err)

	require.NoError(t, b.BeginFrame())
	require.NoError(t, b.SwitchFrameBuffer(color))
	assert.ErrorIs(t, b.RayTrace(f.cmd, metadata.RayTracingPipelineConstants{}), core.ErrInvalidFrameBufferType)
	require.NoError(t, b.EndFrame())
}

func TestRayTracingMaterialNeedsPipeline(t *testing.T) {
	b, _ := newTestBackend(t)
	h := b.CreateRayTracingMaterialData()
	assert.ErrorIs(t, b.SetUpRayTracingMaterialData(h, nil), core.ErrInvalidHandle)
	assert.ErrorIs(t, b.SwitchRayTracingPipeline(metadata.InvalidRTPipeline), core.ErrInvalidHandle)
}

func TestDeletedPipelineIsDeselected(t *testing.T) {
	f := newRTFixture(t)
	f.b.DeleteRayTracingPipeline(f.pipeline)
	assert.Equal(t, metadata.InvalidRTPipeline, f.b.rt.pipeline)
	assert.Equal(t, 1, f.b.Stats().RTPipelines)
	for i := 0; i < 3; i++ {
		require.NoError(t, f.b.BeginFrame())
		require.NoError(t, f.b.EndFrame())
	}
	assert.Equal(t, 0, f.b.Stats().RTPipelines)
}

func TestSkyBoxKeepsCubeIndexOfPushedMaterials(t *testing.T) {
	b, _ := newTestBackend(t)
	_, err := b.CreateRayTracingPipeline(metadata.RayTracingPipelineDesc{
		Name:          "env",
		Code:          map[string][]byte{},
		RayGenExports: []string{"raygen_camera"},
		MissExports:   []string{"miss_sky"},
		HitExports:    []string{"closest_hit_material"},
		MaxRecursion:  1,
		Material: metadata.ShaderPropertiesInfo{
			TextureProperties: []metadata.ShaderProperty{{Name: "_EnvMap", Size: 4, Offset: 0, Type: metadata.ShaderPropertyTypeSamplerCube}},
		},
	})
	require.NoError(t, err)
	var env, skyA, skyB metadata.TextureHandle
	for _, cube := range []*metadata.TextureHandle{&env, &skyA, &skyB} {
		*cube, err = b.CreateCubeMap(writeCubeFaces(t, t.TempDir(), 1))
		require.NoError(t, err)
	}
	material := b.CreateRayTracingMaterialData()
	values := metadata.NewMaterialValues()
	values.CubeMaps["_EnvMap"] = env
	require.NoError(t, b.SetUpRayTracingMaterialData(material, values))
	m, _ := b.rtMaterial(material)
	envSlot := func() uint32 { return binary.LittleEndian.Uint32(m.data[b.CurrentFrame()][0:]) }

	// Before anything is pushed the sky box takes index 0 right away.
	require.NoError(t, b.BeginFrame())
	require.NoError(t, b.SetRayTracingSkyBox(skyA))
	_, cubes := b.RayTracingSceneTextures()
	assert.Equal(t, []metadata.TextureHandle{skyA}, cubes)
	require.NoError(t, b.PushRayTracingMaterialData(material))
	assert.Equal(t, uint32(1), envSlot())

	require.NoError(t, b.SetRayTracingSkyBox(skyB))
	_, cubes = b.RayTracingSceneTextures()
	assert.Equal(t, []metadata.TextureHandle{skyA, env}, cubes, "pushed indices stay valid")
	require.NoError(t, b.EndFrame())

	require.NoError(t, b.BeginFrame())
	_, cubes = b.RayTracingSceneTextures()
	assert.Equal(t, []metadata.TextureHandle{skyB}, cubes)
	require.NoError(t, b.EndFrame())

	// Without a sky box the material cube map owns index 0 and keeps it.
	b.rt.skyBox = metadata.InvalidTexture
	b.rt.clearScene()
	require.NoError(t, b.BeginFrame())
	require.NoError(t, b.PushRayTracingMaterialData(material))
	assert.Equal(t, uint32(0), envSlot())
	require.NoError(t, b.SetRayTracingSkyBox(skyA))
	_, cubes = b.RayTracingSceneTextures()
	assert.Equal(t, []metadata.TextureHandle{env}, cubes)
	require.NoError(t, b.EndFrame())

	require.NoError(t, b.BeginFrame())
	_, cubes = b.RayTracingSceneTextures()
	assert.Equal(t, []metadata.TextureHandle{skyA}, cubes)
	require.NoError(t, b.EndFrame())

	assert.ErrorIs(t, b.SetRayTracingSkyBox(metadata.InvalidTexture), core.ErrInvalidHandle)
}
